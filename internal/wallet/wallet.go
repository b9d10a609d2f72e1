// Package wallet reconciles on-chain deposits and withdrawals against the
// internal ledger.
package wallet

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/ledger"
	"github.com/Aidin1998/p2pex/internal/wallet/events"
)

// Ledger is the part of the balance ledger the wallet drives. Mutations take
// the caller's transaction so a balance change commits together with the
// status change it belongs to.
type Ledger interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	CreditTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, amount int64, ref string) (int64, error)
	DebitTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, amount int64, ref string) (int64, error)
	EnsureAccountTx(ctx context.Context, tx *gorm.DB, address string) (*ledger.Account, error)
}

// EventSink receives settlement events.
type EventSink interface {
	Publish(ctx context.Context, event *events.Event) error
}

const maxReasonLength = 255

func failureReason(err error) string {
	reason := err.Error()
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return reason
}

// normalizeTxHash validates a 32-byte hex hash and lower-cases it.
func normalizeTxHash(hash string) (string, error) {
	b, err := hexutil.Decode(hash)
	if err != nil || len(b) != 32 {
		return "", errors.Validation("invalid transaction hash %q", hash)
	}
	return strings.ToLower(hash), nil
}

// publish never fails the state change it reports.
func publish(ctx context.Context, sink EventSink, logger *zap.Logger, event *events.Event) {
	if sink == nil {
		return
	}
	if err := sink.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish settlement event",
			zap.String("event_type", event.Type),
			zap.String("reference", event.Reference),
			zap.Error(err))
	}
}

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/chain"
	"github.com/Aidin1998/p2pex/internal/config"
	"github.com/Aidin1998/p2pex/pkg/metrics"
)

var tracer = otel.Tracer("github.com/Aidin1998/p2pex/internal/wallet")

// ConfirmerConfig bounds the polling protocol.
type ConfirmerConfig struct {
	ConfirmingBlocks uint64
	PollInterval     time.Duration
	MaxAttempts      int
}

// NewConfirmerConfig takes the polling settings from the chain config.
func NewConfirmerConfig(cfg config.ChainConfig) ConfirmerConfig {
	return ConfirmerConfig{
		ConfirmingBlocks: cfg.ConfirmingBlocks,
		PollInterval:     cfg.PollInterval,
		MaxAttempts:      cfg.MaxAttempts,
	}
}

// Confirmation is a receipt buried deep enough, with the events that matched.
type Confirmation struct {
	Receipt  *types.Receipt
	Events   []chain.TransferEvent
	Attempts int
}

// Confirmer polls the chain until a transaction is final.
//
// A failed RPC call or a receipt that is not yet available consumes one
// attempt. A receipt that is mined but not yet ConfirmingBlocks deep is
// polled again without consuming one. A final receipt that reverted or lacks
// a matching transfer event fails at once with ErrEventNotEmitted.
type Confirmer struct {
	client chain.Client
	cfg    ConfirmerConfig
	logger *zap.Logger
}

// NewConfirmer creates a new confirmer
func NewConfirmer(client chain.Client, cfg ConfirmerConfig, logger *zap.Logger) *Confirmer {
	return &Confirmer{
		client: client,
		cfg:    cfg,
		logger: logger.Named("confirmer"),
	}
}

// Confirm polls for hash. attemptsMade resumes a persisted counter; onAttempt
// is called after each counted attempt so the caller can persist it. match
// selects the transfer events the caller expects; none matching is
// ErrEventNotEmitted.
func (c *Confirmer) Confirm(
	ctx context.Context,
	hash common.Hash,
	attemptsMade int,
	onAttempt func(attempts int),
	match func(chain.TransferEvent) bool,
) (*Confirmation, error) {
	ctx, span := tracer.Start(ctx, "wallet.Confirm", trace.WithAttributes(
		attribute.String("tx_hash", hash.Hex()),
		attribute.Int("attempts_made", attemptsMade),
	))
	defer span.End()

	conf, err := c.poll(ctx, hash, attemptsMade, onAttempt, match)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("attempts", conf.Attempts),
		attribute.Int64("block", conf.Receipt.BlockNumber.Int64()),
	)
	return conf, nil
}

func (c *Confirmer) poll(
	ctx context.Context,
	hash common.Hash,
	attemptsMade int,
	onAttempt func(attempts int),
	match func(chain.TransferEvent) bool,
) (*Confirmation, error) {
	attempts := attemptsMade
	consume := func(result string, reason error) {
		attempts++
		metrics.ConfirmationAttempts.WithLabelValues(result).Inc()
		if onAttempt != nil {
			onAttempt(attempts)
		}
		if reason != nil {
			c.logger.Warn("Confirmation attempt failed",
				zap.String("tx_hash", hash.Hex()),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.cfg.MaxAttempts),
				zap.Error(reason))
		}
	}

	for first := true; ; first = false {
		if attempts >= c.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts", errors.ErrConfirmationTimeout, hash.Hex(), attempts)
		}
		if !first {
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return nil, err
			}
		}

		receipt, err := c.client.Receipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			consume("rpc_error", err)
			continue
		}
		if receipt == nil {
			consume("not_found", nil)
			continue
		}

		height, err := c.client.BlockHeight(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			consume("rpc_error", err)
			continue
		}

		if receipt.BlockNumber == nil {
			return nil, fmt.Errorf("%w: %s receipt has no block number", errors.ErrMalformedReceipt, hash.Hex())
		}
		block := receipt.BlockNumber.Uint64()
		if height < block || height-block < c.cfg.ConfirmingBlocks {
			metrics.ConfirmationAttempts.WithLabelValues("shallow").Inc()
			c.logger.Debug("Receipt not deep enough",
				zap.String("tx_hash", hash.Hex()),
				zap.Uint64("block", block),
				zap.Uint64("height", height))
			continue
		}

		consume("final", nil)

		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, fmt.Errorf("%w: %s reverted in block %d", errors.ErrEventNotEmitted, hash.Hex(), block)
		}
		events, err := c.client.DecodeTransferEvents(receipt)
		if err != nil {
			// the receipt is final, so polling again cannot change the outcome
			if !errors.Permanent(err) {
				err = fmt.Errorf("%w: %s: %w", errors.ErrMalformedReceipt, hash.Hex(), err)
			}
			return nil, err
		}

		var matched []chain.TransferEvent
		for _, ev := range events {
			if match == nil || match(ev) {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("%w: %s has %d transfer events, none expected", errors.ErrEventNotEmitted, hash.Hex(), len(events))
		}

		return &Confirmation{Receipt: receipt, Events: matched, Attempts: attempts}, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

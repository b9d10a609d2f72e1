// Package ledger keeps the internal per-account balances.
//
// Every mutation is a single conditional UPDATE at the store layer plus a
// journal row in the same transaction; application code never reads a balance
// and then writes it back.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/p2pex/common/dbutil"
	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/pkg/metrics"
)

// Ledger is the BalanceLedger backed by the transactional store.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLedger creates a new ledger
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger.Named("ledger"),
	}
}

// Credit adds amount to the account and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, amount int64, ref string) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = l.CreditTx(ctx, tx, accountID, amount, ref)
		return err
	})
	return balance, err
}

// CreditTx credits inside the caller's store transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, amount int64, ref string) (int64, error) {
	if amount <= 0 {
		return 0, errors.Validation("credit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, tx, accountID, amount, ref)
}

// Debit removes amount from the account if and only if the committed balance
// covers it at the moment of the update. Returns the new balance.
func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount int64, ref string) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = l.DebitTx(ctx, tx, accountID, amount, ref)
		return err
	})
	return balance, err
}

// DebitTx debits inside the caller's store transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, amount int64, ref string) (int64, error) {
	if amount <= 0 {
		return 0, errors.Validation("debit amount must be positive, got %d", amount)
	}
	return l.apply(ctx, tx, accountID, -amount, ref)
}

func (l *Ledger) apply(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, delta int64, ref string) (int64, error) {
	if ref == "" {
		return 0, errors.Validation("ledger mutation requires a reference")
	}
	tx = tx.WithContext(ctx)

	entry := &Entry{ID: uuid.New(), AccountID: accountID, Delta: delta, Reference: ref}
	if err := tx.Create(entry).Error; err != nil {
		if dbutil.IsDuplicateKey(err) {
			return 0, fmt.Errorf("%w: ledger reference %s already applied", errors.ErrConflict, ref)
		}
		return 0, errors.Store(err)
	}

	q := tx.Model(&Account{}).Where("id = ?", accountID)
	if delta < 0 {
		q = q.Where("balance >= ?", -delta)
	}
	result := q.UpdateColumns(map[string]any{
		"balance":    gorm.Expr("balance + ?", delta),
		"updated_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return 0, errors.Store(result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&Account{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
			return 0, errors.Store(err)
		}
		if count == 0 {
			return 0, fmt.Errorf("%w: account %s", errors.ErrNotFound, accountID)
		}
		metrics.LedgerRejections.Inc()
		l.logger.Info("Debit rejected",
			zap.String("account_id", accountID.String()),
			zap.Int64("amount", -delta),
			zap.String("ref", ref))
		return 0, fmt.Errorf("%w: account %s cannot cover %d", errors.ErrInsufficientFunds, accountID, -delta)
	}

	var account Account
	if err := tx.Select("balance").Where("id = ?", accountID).Take(&account).Error; err != nil {
		return 0, errors.Store(err)
	}

	direction := "credit"
	if delta < 0 {
		direction = "debit"
	}
	metrics.LedgerMutations.WithLabelValues(direction).Inc()
	l.logger.Info("Balance mutated",
		zap.String("account_id", accountID.String()),
		zap.String("direction", direction),
		zap.Int64("delta", delta),
		zap.String("ref", ref),
		zap.Int64("new_balance", account.Balance))

	return account.Balance, nil
}

// GetBalance returns the committed balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	account, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetAccount loads an account by id.
func (l *Ledger) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	return dbutil.FindOne[Account](l.db.WithContext(ctx).Where("id = ?", accountID))
}

// FindByAddress loads the account bound to a chain address.
func (l *Ledger) FindByAddress(ctx context.Context, address string) (*Account, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return dbutil.FindOne[Account](l.db.WithContext(ctx).Where("chain_address = ?", normalized))
}

// EnsureAccount returns the account for address, creating an empty one if needed.
func (l *Ledger) EnsureAccount(ctx context.Context, address string) (*Account, error) {
	return l.EnsureAccountTx(ctx, l.db, address)
}

// EnsureAccountTx is EnsureAccount inside the caller's transaction. Concurrent
// creators converge on one row through the unique address index.
func (l *Ledger) EnsureAccountTx(ctx context.Context, tx *gorm.DB, address string) (*Account, error) {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	tx = tx.WithContext(ctx)

	candidate := &Account{ID: uuid.New(), ChainAddress: normalized}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_address"}},
		DoNothing: true,
	}).Create(candidate).Error; err != nil {
		return nil, errors.Store(err)
	}

	return dbutil.FindOne[Account](tx.Where("chain_address = ?", normalized))
}

// Entries returns the journal for an account, newest first.
func (l *Ledger) Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return entries, nil
}

// NormalizeAddress validates a hex chain address and lower-cases it.
func NormalizeAddress(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", errors.Validation("invalid chain address %q", address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/p2pex/common/dbutil"
	"github.com/Aidin1998/p2pex/common/errors"
)

// Repository is the data access layer for deposit attempts and withdrawal
// requests. Every status change is a conditional update on the expected prior
// status; zero affected rows is ErrConflict.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates a new wallet repository
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Deposit operations

// CreateDeposit inserts a watching attempt unless the hash is already known,
// and returns the stored record either way.
func (wr *Repository) CreateDeposit(ctx context.Context, attempt *DepositAttempt) (*DepositAttempt, error) {
	err := wr.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
		Create(attempt).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return wr.GetDeposit(ctx, attempt.TxHash)
}

// GetDeposit retrieves a deposit attempt by hash
func (wr *Repository) GetDeposit(ctx context.Context, txHash string) (*DepositAttempt, error) {
	attempt, err := dbutil.FindOne[DepositAttempt](wr.db.WithContext(ctx).Where("tx_hash = ?", txHash))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: deposit %s", errors.ErrNotFound, txHash)
		}
		return nil, err
	}
	return attempt, nil
}

// ListDepositsByState retrieves deposit attempts in a state, oldest first
func (wr *Repository) ListDepositsByState(ctx context.Context, state DepositState) ([]*DepositAttempt, error) {
	var attempts []*DepositAttempt
	err := wr.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at").
		Find(&attempts).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return attempts, nil
}

// ListAccountDeposits retrieves deposits submitted by or credited to an account
func (wr *Repository) ListAccountDeposits(ctx context.Context, accountID uuid.UUID, limit int) ([]*DepositAttempt, error) {
	attempts := []*DepositAttempt{}
	err := wr.db.WithContext(ctx).
		Where("submitted_by = ? OR credited_account_id = ?", accountID, accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return attempts, nil
}

// RecordDepositAttempts persists the counted confirmation attempts of a watching deposit
func (wr *Repository) RecordDepositAttempts(ctx context.Context, txHash string, attempts int) error {
	err := wr.db.WithContext(ctx).Model(&DepositAttempt{}).
		Where("tx_hash = ? AND state = ?", txHash, DepositWatching).
		UpdateColumns(map[string]any{"attempts_made": attempts, "updated_at": time.Now().UTC()}).Error
	return errors.Store(err)
}

// TransitionDepositInTx moves a deposit from one state to the next within a database transaction
func (wr *Repository) TransitionDepositInTx(ctx context.Context, dbTx *gorm.DB, txHash string, from, to DepositState, fields map[string]any) error {
	if err := checkTransition(ValidDepositTransitions, from, to); err != nil {
		return err
	}
	updates := map[string]any{"state": to, "updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}

	result := dbTx.WithContext(ctx).Model(&DepositAttempt{}).
		Where("tx_hash = ? AND state = ?", txHash, from).
		UpdateColumns(updates)
	if result.Error != nil {
		return errors.Store(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: deposit %s is no longer %s", errors.ErrConflict, txHash, from)
	}
	return nil
}

// Withdrawal operations

// CreateWithdrawal inserts a new withdrawal request
func (wr *Repository) CreateWithdrawal(ctx context.Context, req *WithdrawalRequest) error {
	return dbutil.WrapError(wr.db.WithContext(ctx).Create(req).Error)
}

// GetWithdrawal retrieves a withdrawal request by ID
func (wr *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*WithdrawalRequest, error) {
	req, err := dbutil.FindOne[WithdrawalRequest](wr.db.WithContext(ctx).Where("id = ?", id))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: withdrawal %s", errors.ErrNotFound, id)
		}
		return nil, err
	}
	return req, nil
}

// ListAccountWithdrawals retrieves withdrawals for an account, newest first
func (wr *Repository) ListAccountWithdrawals(ctx context.Context, accountID uuid.UUID, limit int) ([]*WithdrawalRequest, error) {
	reqs := []*WithdrawalRequest{}
	err := wr.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return reqs, nil
}

// ListWithdrawalsByStatus retrieves withdrawals in a status, oldest first
func (wr *Repository) ListWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus) ([]*WithdrawalRequest, error) {
	var reqs []*WithdrawalRequest
	err := wr.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at").
		Find(&reqs).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return reqs, nil
}

// RecordWithdrawalFailure annotates a request that stays in its current status
func (wr *Repository) RecordWithdrawalFailure(ctx context.Context, id uuid.UUID, status WithdrawalStatus, reason string) error {
	err := wr.db.WithContext(ctx).Model(&WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, status).
		UpdateColumns(map[string]any{"failure_reason": reason, "updated_at": time.Now().UTC()}).Error
	return errors.Store(err)
}

// RecordWithdrawalHash stores the hash of a broadcast transfer on a request
// that is still reserved
func (wr *Repository) RecordWithdrawalHash(ctx context.Context, id uuid.UUID, txHash string) error {
	err := wr.db.WithContext(ctx).Model(&WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, WithdrawalReserved).
		UpdateColumns(map[string]any{"tx_hash": txHash, "updated_at": time.Now().UTC()}).Error
	return errors.Store(err)
}

// RecordWithdrawalAttempts persists the counted confirmation attempts of a submitted withdrawal
func (wr *Repository) RecordWithdrawalAttempts(ctx context.Context, id uuid.UUID, attempts int) error {
	err := wr.db.WithContext(ctx).Model(&WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, WithdrawalSubmitted).
		UpdateColumns(map[string]any{"attempts_made": attempts, "updated_at": time.Now().UTC()}).Error
	return errors.Store(err)
}

// TransitionWithdrawal moves a withdrawal from one status to the next
func (wr *Repository) TransitionWithdrawal(ctx context.Context, id uuid.UUID, from, to WithdrawalStatus, fields map[string]any) error {
	return wr.TransitionWithdrawalInTx(ctx, wr.db, id, from, to, fields)
}

// TransitionWithdrawalInTx moves a withdrawal from one status to the next within a database transaction
func (wr *Repository) TransitionWithdrawalInTx(ctx context.Context, dbTx *gorm.DB, id uuid.UUID, from, to WithdrawalStatus, fields map[string]any) error {
	if err := checkTransition(ValidWithdrawalTransitions, from, to); err != nil {
		return err
	}
	updates := map[string]any{"status": to, "updated_at": time.Now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}

	result := dbTx.WithContext(ctx).Model(&WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, from).
		UpdateColumns(updates)
	if result.Error != nil {
		return errors.Store(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: withdrawal %s is no longer %s", errors.ErrConflict, id, from)
	}
	return nil
}

// Transaction runs fn in a store transaction.
func (wr *Repository) Transaction(ctx context.Context, fn func(dbTx *gorm.DB) error) error {
	return wr.db.WithContext(ctx).Transaction(fn)
}

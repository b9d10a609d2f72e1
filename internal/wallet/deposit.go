package wallet

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/internal/chain"
	"github.com/Aidin1998/p2pex/internal/ledger"
	"github.com/Aidin1998/p2pex/internal/wallet/events"
	"github.com/Aidin1998/p2pex/pkg/metrics"
)

// DepositReconciler confirms inbound token transfers to the platform wallet
// and credits the sender's account exactly once per transaction hash.
type DepositReconciler struct {
	repo       *Repository
	ledger     Ledger
	client     chain.Client
	confirmer  *Confirmer
	scaler     chain.Scaler
	supervisor *Supervisor
	events     EventSink
	logger     *zap.Logger
}

// NewDepositReconciler creates a new deposit reconciler
func NewDepositReconciler(
	repo *Repository,
	ledger Ledger,
	client chain.Client,
	confirmer *Confirmer,
	scaler chain.Scaler,
	supervisor *Supervisor,
	sink EventSink,
	logger *zap.Logger,
) *DepositReconciler {
	return &DepositReconciler{
		repo:       repo,
		ledger:     ledger,
		client:     client,
		confirmer:  confirmer,
		scaler:     scaler,
		supervisor: supervisor,
		events:     sink,
		logger:     logger.Named("deposits"),
	}
}

// SubmitDeposit registers a transaction hash to watch and schedules its
// confirmation. Submitting a known hash returns the existing record.
func (r *DepositReconciler) SubmitDeposit(ctx context.Context, submittedBy uuid.UUID, txHash string, expectedAmount *int64) (*DepositAttempt, error) {
	hash, err := normalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	if expectedAmount != nil && *expectedAmount <= 0 {
		return nil, errors.Validation("expected amount must be positive")
	}

	attempt, err := r.repo.CreateDeposit(ctx, &DepositAttempt{
		TxHash:         hash,
		SubmittedBy:    &submittedBy,
		ExpectedAmount: expectedAmount,
		State:          DepositWatching,
	})
	if err != nil {
		return nil, err
	}

	if !attempt.State.Terminal() && r.watch(hash) {
		r.logger.Info("Watching deposit",
			zap.String("tx_hash", hash),
			zap.String("submitted_by", submittedBy.String()))
	}
	return attempt, nil
}

func (r *DepositReconciler) watch(hash string) bool {
	return r.supervisor.Go("deposit:"+hash, func(ctx context.Context) error {
		return r.Reconcile(ctx, hash)
	})
}

// Reconcile confirms a watching deposit and credits it. A deposit that is
// already settled, or gets settled concurrently, is left untouched.
func (r *DepositReconciler) Reconcile(ctx context.Context, txHash string) error {
	hash, err := normalizeTxHash(txHash)
	if err != nil {
		return err
	}
	attempt, err := r.repo.GetDeposit(ctx, hash)
	if err != nil {
		return err
	}
	if attempt.State.Terminal() {
		return nil
	}

	wallet := r.client.WalletAddress()
	conf, err := r.confirmer.Confirm(ctx, common.HexToHash(hash), attempt.AttemptsMade,
		func(n int) {
			if err := r.repo.RecordDepositAttempts(ctx, hash, n); err != nil {
				r.logger.Warn("Failed to persist attempt count", zap.String("tx_hash", hash), zap.Error(err))
			}
		},
		func(ev chain.TransferEvent) bool { return ev.To == wallet },
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail(ctx, attempt, err)
		return err
	}

	transfer := conf.Events[0]
	sender := transfer.From
	if len(conf.Events) > 1 {
		r.logger.Warn("Deposit carries several transfers to the wallet, crediting the first",
			zap.String("tx_hash", hash),
			zap.Int("transfers", len(conf.Events)))
	}

	units, dust, err := r.scaler.ToLedger(transfer.Value)
	if err != nil {
		r.fail(ctx, attempt, err)
		return err
	}
	if dust.Sign() > 0 {
		r.logger.Warn("Deposit carries sub-unit dust",
			zap.String("tx_hash", hash),
			zap.String("dust", dust.String()))
	}
	if attempt.ExpectedAmount != nil && *attempt.ExpectedAmount != units {
		r.logger.Warn("Deposit amount differs from expected",
			zap.String("tx_hash", hash),
			zap.Int64("expected", *attempt.ExpectedAmount),
			zap.Int64("decoded", units))
	}

	var accountID uuid.UUID
	err = r.repo.Transaction(ctx, func(dbTx *gorm.DB) error {
		account, err := r.ledger.EnsureAccountTx(ctx, dbTx, sender.Hex())
		if err != nil {
			return err
		}
		accountID = account.ID

		if err := r.repo.TransitionDepositInTx(ctx, dbTx, hash, DepositWatching, DepositConfirmed, map[string]any{
			"sender_address":      strings.ToLower(sender.Hex()),
			"credited_account_id": account.ID,
			"credited_amount":     units,
			"block_number":        conf.Receipt.BlockNumber.Uint64(),
			"attempts_made":       conf.Attempts,
		}); err != nil {
			return err
		}

		if units == 0 {
			return nil
		}
		_, err = r.ledger.CreditTx(ctx, dbTx, account.ID, units, ledger.DepositRef(hash))
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			r.logger.Info("Deposit already settled", zap.String("tx_hash", hash))
			return nil
		}
		return err
	}

	metrics.DepositsProcessed.WithLabelValues(string(DepositConfirmed)).Inc()
	r.logger.Info("Deposit confirmed",
		zap.String("tx_hash", hash),
		zap.String("sender", sender.Hex()),
		zap.String("account_id", accountID.String()),
		zap.Int64("amount", units))

	event := events.NewEvent(events.DepositConfirmed, hash, string(DepositConfirmed))
	event.AccountID = &accountID
	event.TxHash = hash
	event.Amount = units
	publish(ctx, r.events, r.logger, event)

	return nil
}

func (r *DepositReconciler) fail(ctx context.Context, attempt *DepositAttempt, cause error) {
	err := r.repo.TransitionDepositInTx(ctx, r.repo.db, attempt.TxHash, DepositWatching, DepositFailed, map[string]any{
		"failure_reason": failureReason(cause),
	})
	if err != nil {
		if !errors.Is(err, errors.ErrConflict) {
			r.logger.Error("Failed to mark deposit failed", zap.String("tx_hash", attempt.TxHash), zap.Error(err))
		}
		return
	}

	metrics.DepositsProcessed.WithLabelValues(string(DepositFailed)).Inc()
	r.logger.Warn("Deposit failed",
		zap.String("tx_hash", attempt.TxHash),
		zap.Error(cause))

	event := events.NewEvent(events.DepositFailed, attempt.TxHash, string(DepositFailed))
	event.AccountID = attempt.SubmittedBy
	event.TxHash = attempt.TxHash
	event.Reason = failureReason(cause)
	publish(ctx, r.events, r.logger, event)
}

// GetDeposit returns the record for a hash if the account submitted it or
// was credited by it. Other accounts read it as not found.
func (r *DepositReconciler) GetDeposit(ctx context.Context, accountID uuid.UUID, txHash string) (*DepositAttempt, error) {
	hash, err := normalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	attempt, err := r.repo.GetDeposit(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !attempt.VisibleTo(accountID) {
		return nil, errors.Wrap(errors.ErrNotFound, "deposit %s", hash)
	}
	return attempt, nil
}

// ListDeposits returns deposits submitted by or credited to the account.
func (r *DepositReconciler) ListDeposits(ctx context.Context, accountID uuid.UUID) ([]*DepositAttempt, error) {
	return r.repo.ListAccountDeposits(ctx, accountID, 100)
}

// Resume relaunches confirmation for every watching deposit and returns the
// number of tasks started.
func (r *DepositReconciler) Resume(ctx context.Context) (int, error) {
	watching, err := r.repo.ListDepositsByState(ctx, DepositWatching)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, attempt := range watching {
		if r.watch(attempt.TxHash) {
			started++
		}
	}

	r.logger.Info("Resumed deposit confirmations", zap.Int("watching", len(watching)), zap.Int("started", started))
	return started, nil
}

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

// WithdrawalProcessor reserves funds, submits the outbound token transfer and
// confirms it.
type WithdrawalProcessor struct {
	repo       *Repository
	ledger     Ledger
	client     chain.Client
	confirmer  *Confirmer
	scaler     chain.Scaler
	supervisor *Supervisor
	events     EventSink
	logger     *zap.Logger
}

// NewWithdrawalProcessor creates a new withdrawal processor
func NewWithdrawalProcessor(
	repo *Repository,
	ledger Ledger,
	client chain.Client,
	confirmer *Confirmer,
	scaler chain.Scaler,
	supervisor *Supervisor,
	sink EventSink,
	logger *zap.Logger,
) *WithdrawalProcessor {
	return &WithdrawalProcessor{
		repo:       repo,
		ledger:     ledger,
		client:     client,
		confirmer:  confirmer,
		scaler:     scaler,
		supervisor: supervisor,
		events:     sink,
		logger:     logger.Named("withdrawals"),
	}
}

// RequestWithdrawal debits the account and schedules the transfer. The
// returned request is reserved; the debit and the status change commit
// together.
func (p *WithdrawalProcessor) RequestWithdrawal(ctx context.Context, accountID uuid.UUID, amount int64, destination string) (*WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, errors.Validation("amount must be positive")
	}
	if !common.IsHexAddress(destination) {
		return nil, errors.Validation("invalid destination address %q", destination)
	}
	dest := common.HexToAddress(destination)
	if dest == (common.Address{}) {
		return nil, errors.Validation("destination cannot be the zero address")
	}

	// The balance check runs before any row exists so an unknown account
	// leaves nothing behind.
	balance, err := p.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	req := &WithdrawalRequest{
		ID:                 uuid.New(),
		AccountID:          accountID,
		Amount:             amount,
		DestinationAddress: strings.ToLower(dest.Hex()),
		Status:             WithdrawalRequested,
	}
	if err := p.repo.CreateWithdrawal(ctx, req); err != nil {
		return nil, err
	}

	if balance < amount {
		return nil, p.rejectRequest(ctx, req, balance)
	}

	err = p.repo.Transaction(ctx, func(dbTx *gorm.DB) error {
		if _, err := p.ledger.DebitTx(ctx, dbTx, accountID, amount, ledger.WithdrawalRef(req.ID)); err != nil {
			return err
		}
		return p.repo.TransitionWithdrawalInTx(ctx, dbTx, req.ID, WithdrawalRequested, WithdrawalReserved, nil)
	})
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientFunds) {
			return nil, p.rejectRequest(ctx, req, -1)
		}
		return nil, err
	}
	req.Status = WithdrawalReserved

	metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalReserved)).Inc()
	p.logger.Info("Withdrawal reserved",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.Int64("amount", amount),
		zap.String("destination", req.DestinationAddress))
	p.emit(ctx, req, events.WithdrawalReserved, "")

	p.schedule(req.ID)
	return req, nil
}

// rejectRequest leaves the request in requested with a failure reason.
// balance is -1 when the shortfall was detected by the conditional debit.
func (p *WithdrawalProcessor) rejectRequest(ctx context.Context, req *WithdrawalRequest, balance int64) error {
	if err := p.repo.RecordWithdrawalFailure(ctx, req.ID, WithdrawalRequested, ReasonInsufficientFunds); err != nil {
		p.logger.Error("Failed to annotate rejected withdrawal", zap.String("withdrawal_id", req.ID.String()), zap.Error(err))
	}
	p.logger.Info("Withdrawal rejected",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", balance))
	return errors.Wrap(errors.ErrInsufficientFunds, "withdrawal %s of %d", req.ID, req.Amount)
}

func (p *WithdrawalProcessor) schedule(id uuid.UUID) bool {
	return p.supervisor.Go("withdrawal:"+id.String(), func(ctx context.Context) error {
		return p.Process(ctx, id)
	})
}

// Process drives a reserved or submitted withdrawal to a terminal status.
// Other statuses are left alone.
func (p *WithdrawalProcessor) Process(ctx context.Context, id uuid.UUID) error {
	req, err := p.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}

	switch req.Status {
	case WithdrawalReserved:
		if err := p.submit(ctx, req); err != nil {
			return err
		}
		return p.confirm(ctx, req)
	case WithdrawalSubmitted:
		return p.confirm(ctx, req)
	default:
		return nil
	}
}

func (p *WithdrawalProcessor) submit(ctx context.Context, req *WithdrawalRequest) error {
	hash, err := p.client.SubmitTransfer(ctx, common.HexToAddress(req.DestinationAddress), p.scaler.ToChain(req.Amount))
	if err != nil {
		// Without a hash nothing tells whether the node accepted the
		// transfer, so an interrupted submit stays reserved for Resume.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.refund(ctx, req, err)
	}

	txHash := strings.ToLower(hash.Hex())
	if err := p.repo.TransitionWithdrawal(ctx, req.ID, WithdrawalReserved, WithdrawalSubmitted, map[string]any{
		"tx_hash": txHash,
	}); err != nil {
		// The transfer is out. Keep its hash on the reserved record so
		// Resume confirms it instead of writing it off.
		if herr := p.repo.RecordWithdrawalHash(context.WithoutCancel(ctx), req.ID, txHash); herr != nil {
			p.logger.Error("Submitted transfer could not be recorded",
				zap.String("withdrawal_id", req.ID.String()),
				zap.String("tx_hash", txHash),
				zap.Error(err),
				zap.NamedError("hash_error", herr))
			return errors.Join(err, herr)
		}
		p.logger.Warn("Submitted transfer kept on reserved withdrawal",
			zap.String("withdrawal_id", req.ID.String()),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return err
	}
	req.Status = WithdrawalSubmitted
	req.TxHash = txHash

	metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalSubmitted)).Inc()
	p.logger.Info("Withdrawal submitted",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("tx_hash", req.TxHash))
	p.emit(ctx, req, events.WithdrawalSubmitted, "")
	return nil
}

// refund fails a reserved request and returns its funds in one transaction.
func (p *WithdrawalProcessor) refund(ctx context.Context, req *WithdrawalRequest, cause error) error {
	reason := failureReason(cause)
	err := p.repo.Transaction(ctx, func(dbTx *gorm.DB) error {
		if err := p.repo.TransitionWithdrawalInTx(ctx, dbTx, req.ID, WithdrawalReserved, WithdrawalFailed, map[string]any{
			"failure_reason": reason,
		}); err != nil {
			return err
		}
		_, err := p.ledger.CreditTx(ctx, dbTx, req.AccountID, req.Amount, ledger.RefundRef(req.ID))
		return err
	})
	if err != nil {
		p.logger.Error("Failed to refund withdrawal",
			zap.String("withdrawal_id", req.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return errors.Join(cause, err)
	}
	req.Status = WithdrawalFailed
	req.FailureReason = reason

	metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalFailed)).Inc()
	p.logger.Warn("Withdrawal submission failed, funds refunded",
		zap.String("withdrawal_id", req.ID.String()),
		zap.Int64("amount", req.Amount),
		zap.Error(cause))
	p.emit(ctx, req, events.WithdrawalFailed, reason)
	return cause
}

func (p *WithdrawalProcessor) confirm(ctx context.Context, req *WithdrawalRequest) error {
	wallet := p.client.WalletAddress()
	dest := common.HexToAddress(req.DestinationAddress)
	want := p.scaler.ToChain(req.Amount)

	conf, err := p.confirmer.Confirm(ctx, common.HexToHash(req.TxHash), req.AttemptsMade,
		func(n int) {
			if err := p.repo.RecordWithdrawalAttempts(ctx, req.ID, n); err != nil {
				p.logger.Warn("Failed to persist attempt count", zap.String("withdrawal_id", req.ID.String()), zap.Error(err))
			}
		},
		func(ev chain.TransferEvent) bool {
			return ev.From == wallet && ev.To == dest && ev.Value.Cmp(want) == 0
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The transfer may still land; funds stay debited until an
		// operator settles the record.
		reason := failureReason(err)
		if terr := p.repo.TransitionWithdrawal(ctx, req.ID, WithdrawalSubmitted, WithdrawalFailedUnconfirmed, map[string]any{
			"failure_reason": reason,
		}); terr != nil {
			p.logger.Error("Failed to mark withdrawal unconfirmed", zap.String("withdrawal_id", req.ID.String()), zap.Error(terr))
			return errors.Join(err, terr)
		}
		req.Status = WithdrawalFailedUnconfirmed
		req.FailureReason = reason

		metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalFailedUnconfirmed)).Inc()
		p.logger.Warn("Withdrawal unconfirmed",
			zap.String("withdrawal_id", req.ID.String()),
			zap.String("tx_hash", req.TxHash),
			zap.Error(err))
		p.emit(ctx, req, events.WithdrawalFailedUnconfirmed, reason)
		return err
	}

	if err := p.repo.TransitionWithdrawal(ctx, req.ID, WithdrawalSubmitted, WithdrawalConfirmed, map[string]any{
		"attempts_made": conf.Attempts,
	}); err != nil {
		return err
	}
	req.Status = WithdrawalConfirmed
	req.AttemptsMade = conf.Attempts

	metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalConfirmed)).Inc()
	p.logger.Info("Withdrawal confirmed",
		zap.String("withdrawal_id", req.ID.String()),
		zap.String("tx_hash", req.TxHash),
		zap.Uint64("block", conf.Receipt.BlockNumber.Uint64()))
	p.emit(ctx, req, events.WithdrawalConfirmed, "")
	return nil
}

func (p *WithdrawalProcessor) emit(ctx context.Context, req *WithdrawalRequest, eventType, reason string) {
	event := events.NewEvent(eventType, req.ID.String(), string(req.Status))
	event.AccountID = &req.AccountID
	event.TxHash = req.TxHash
	event.Amount = req.Amount
	event.Reason = reason
	publish(ctx, p.events, p.logger, event)
}

// GetWithdrawal returns a request owned by the account. Requests of other
// accounts read as not found.
func (p *WithdrawalProcessor) GetWithdrawal(ctx context.Context, accountID, id uuid.UUID) (*WithdrawalRequest, error) {
	req, err := p.repo.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.AccountID != accountID {
		return nil, errors.Wrap(errors.ErrNotFound, "withdrawal %s", id)
	}
	return req, nil
}

// ListWithdrawals returns the account's requests, newest first.
func (p *WithdrawalProcessor) ListWithdrawals(ctx context.Context, accountID uuid.UUID) ([]*WithdrawalRequest, error) {
	return p.repo.ListAccountWithdrawals(ctx, accountID, 100)
}

// Resume relaunches confirmation of submitted withdrawals. A reserved request
// that carries a broadcast hash is moved to submitted and confirmed like the
// rest. Other reserved requests were interrupted around submission; they
// become failed_unconfirmed and keep their debit. It returns the number of
// tasks started.
func (p *WithdrawalProcessor) Resume(ctx context.Context) (int, error) {
	reserved, err := p.repo.ListWithdrawalsByStatus(ctx, WithdrawalReserved)
	if err != nil {
		return 0, err
	}
	for _, req := range reserved {
		if p.supervisor.Running("withdrawal:" + req.ID.String()) {
			continue
		}
		if req.TxHash != "" {
			err := p.repo.TransitionWithdrawal(ctx, req.ID, WithdrawalReserved, WithdrawalSubmitted, nil)
			if err != nil && !errors.Is(err, errors.ErrConflict) {
				return 0, err
			}
			if err == nil {
				p.logger.Info("Recovered broadcast withdrawal",
					zap.String("withdrawal_id", req.ID.String()),
					zap.String("tx_hash", req.TxHash))
			}
			continue
		}
		err := p.repo.TransitionWithdrawal(ctx, req.ID, WithdrawalReserved, WithdrawalFailedUnconfirmed, map[string]any{
			"failure_reason": ReasonInterruptedBeforeSubmit,
		})
		if err != nil {
			if errors.Is(err, errors.ErrConflict) {
				continue
			}
			return 0, err
		}
		req.Status = WithdrawalFailedUnconfirmed
		metrics.WithdrawalsProcessed.WithLabelValues(string(WithdrawalFailedUnconfirmed)).Inc()
		p.logger.Warn("Withdrawal interrupted before submission",
			zap.String("withdrawal_id", req.ID.String()),
			zap.Int64("amount", req.Amount))
		p.emit(ctx, req, events.WithdrawalFailedUnconfirmed, ReasonInterruptedBeforeSubmit)
	}

	submitted, err := p.repo.ListWithdrawalsByStatus(ctx, WithdrawalSubmitted)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, req := range submitted {
		if p.schedule(req.ID) {
			started++
		}
	}

	p.logger.Info("Resumed withdrawal confirmations",
		zap.Int("interrupted", len(reserved)),
		zap.Int("started", started))
	return started, nil
}

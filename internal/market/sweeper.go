package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/Aidin1998/p2pex/pkg/metrics"
)

// SweepResult counts the transitions made by one sweep.
type SweepResult struct {
	RejectedTransactions int64
	ClosedOffers         int64
}

// Sweeper owns the expiry and closure transitions: pending transactions past
// expires_at become rejected, and stopped offers with no pending transaction
// become closed. Passes are serialized in-process and every transition is a
// conditional update, so concurrent passes from several processes are safe.
type Sweeper struct {
	db       *gorm.DB
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper that runs every interval once started.
func NewSweeper(db *gorm.DB, logger *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		logger:   logger.Named("sweeper"),
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result SweepResult
	now := s.now()

	expired := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("status = ? AND expires_at < ?", TransactionPending, now).
		UpdateColumns(map[string]any{"status": TransactionRejected, "updated_at": now})
	if expired.Error != nil {
		return result, errors.Store(expired.Error)
	}
	result.RejectedTransactions = expired.RowsAffected

	closed := s.db.WithContext(ctx).Model(&Offer{}).
		Where("status = ?", OfferStopped).
		Where("NOT EXISTS (SELECT 1 FROM offer_transactions t WHERE t.offer_id = offers.id AND t.status = ?)", TransactionPending).
		UpdateColumns(map[string]any{"status": OfferClosed, "updated_at": now})
	if closed.Error != nil {
		return result, errors.Store(closed.Error)
	}
	result.ClosedOffers = closed.RowsAffected

	if result.RejectedTransactions > 0 || result.ClosedOffers > 0 {
		metrics.SweptTransactions.Add(float64(result.RejectedTransactions))
		metrics.SweptOffers.Add(float64(result.ClosedOffers))
		s.logger.Info("Sweep applied",
			zap.Int64("rejected_transactions", result.RejectedTransactions),
			zap.Int64("closed_offers", result.ClosedOffers))
	}

	return result, nil
}

// Start launches the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) error {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop stops the periodic sweep and waits for the loop to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.stopCh == nil {
		return nil
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Sweeper stopped")
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

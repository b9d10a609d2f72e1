// Package market implements the offer book and the lifecycle of transactions
// matched against offers.
package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/p2pex/common/dbutil"
	"github.com/Aidin1998/p2pex/common/errors"
)

// BalanceReader supplies the committed ledger balance for projections.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// OfferSpec is the caller-supplied part of a new offer.
type OfferSpec struct {
	OfferType     OfferType
	Amount        int64
	Fee           int64
	PricePerUnit  int64
	Value         int64
	Currency      string
	CryptoType    string
	SettlementTag string
}

// TransactionSpec is the caller-supplied part of a new match.
type TransactionSpec struct {
	Amount       int64
	PricePerUnit int64
	TakerFee     int64
	MakerFee     int64
	Value        int64
	Currency     string
	CryptoType   string
	Reference    string
}

// Service is the offer book plus transaction lifecycle.
type Service struct {
	db      *gorm.DB
	logger  *zap.Logger
	ledger  BalanceReader
	sweeper *Sweeper
	expiry  time.Duration
}

// NewService creates a new market service
func NewService(db *gorm.DB, logger *zap.Logger, ledger BalanceReader, sweeper *Sweeper, expiry time.Duration) *Service {
	return &Service{
		db:      db,
		logger:  logger.Named("market"),
		ledger:  ledger,
		sweeper: sweeper,
		expiry:  expiry,
	}
}

// now shares the sweeper's clock so expiry and sweeping agree.
func (s *Service) now() time.Time {
	return s.sweeper.now()
}

// CreateOffer inserts an open offer.
func (s *Service) CreateOffer(ctx context.Context, ownerID uuid.UUID, spec OfferSpec) (*Offer, error) {
	if spec.OfferType != OfferTypeBuy && spec.OfferType != OfferTypeSell {
		return nil, errors.Validation("offer type must be buy or sell, got %q", spec.OfferType)
	}
	if spec.Amount <= 0 {
		return nil, errors.Validation("offer amount must be positive")
	}
	if spec.Fee < 0 || spec.PricePerUnit < 0 || spec.Value < 0 {
		return nil, errors.Validation("offer fee, price and value must not be negative")
	}
	if spec.Currency == "" || spec.CryptoType == "" {
		return nil, errors.Validation("offer currency and crypto type are required")
	}
	if spec.Amount > math.MaxInt64-spec.Fee {
		return nil, errors.Validation("offer amount plus fee overflows")
	}

	value := spec.Value
	if value == 0 {
		var err error
		if value, err = notional(spec.Amount, spec.PricePerUnit); err != nil {
			return nil, err
		}
	}

	offer := &Offer{
		ID:             uuid.New(),
		OwnerAccountID: ownerID,
		OfferType:      spec.OfferType,
		Amount:         spec.Amount,
		Fee:            spec.Fee,
		PricePerUnit:   spec.PricePerUnit,
		Value:          value,
		Currency:       spec.Currency,
		CryptoType:     spec.CryptoType,
		SettlementTag:  spec.SettlementTag,
		Status:         OfferOpen,
	}
	if err := s.db.WithContext(ctx).Create(offer).Error; err != nil {
		return nil, dbutil.WrapError(err)
	}

	s.logger.Info("Offer created",
		zap.String("offer_id", offer.ID.String()),
		zap.String("owner_account_id", ownerID.String()),
		zap.String("offer_type", string(offer.OfferType)),
		zap.Int64("amount", offer.Amount))

	return offer, nil
}

// ListOpenOffers returns open offers with positive remaining capacity.
func (s *Service) ListOpenOffers(ctx context.Context) ([]OfferView, error) {
	views := []OfferView{}
	err := s.withRemaining(s.db.WithContext(ctx)).
		Where("offers.status = ?", OfferOpen).
		Having("offers.amount - COALESCE(SUM(t.amount + t.taker_fee), 0) > 0").
		Order("offers.created_at").
		Scan(&views).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return clampRemaining(views), nil
}

// ListAccountOffers returns every offer owned by the account, any status.
func (s *Service) ListAccountOffers(ctx context.Context, ownerID uuid.UUID) ([]OfferView, error) {
	views := []OfferView{}
	err := s.withRemaining(s.db.WithContext(ctx)).
		Where("offers.owner_account_id = ?", ownerID).
		Order("offers.created_at DESC").
		Scan(&views).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return clampRemaining(views), nil
}

// GetOffer returns an offer with its remaining capacity.
func (s *Service) GetOffer(ctx context.Context, offerID uuid.UUID) (*OfferView, error) {
	var views []OfferView
	err := s.withRemaining(s.db.WithContext(ctx)).
		Where("offers.id = ?", offerID).
		Scan(&views).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: offer %s", errors.ErrNotFound, offerID)
	}
	return &clampRemaining(views)[0], nil
}

func clampRemaining(views []OfferView) []OfferView {
	for i := range views {
		views[i].Remaining = max(views[i].Remaining, 0)
	}
	return views
}

func (s *Service) withRemaining(db *gorm.DB) *gorm.DB {
	return db.Model(&Offer{}).
		Select("offers.*, offers.amount - COALESCE(SUM(t.amount + t.taker_fee), 0) AS remaining").
		Joins("LEFT JOIN offer_transactions t ON t.offer_id = offers.id AND t.status <> ?", TransactionRejected).
		Group("offers.id")
}

// consumed sums amount+taker_fee over the offer's non-rejected transactions.
func consumed(tx *gorm.DB, offerID uuid.UUID) (int64, error) {
	var total int64
	err := tx.Model(&Transaction{}).
		Select("COALESCE(SUM(amount + taker_fee), 0)").
		Where("offer_id = ? AND status <> ?", offerID, TransactionRejected).
		Scan(&total).Error
	if err != nil {
		return 0, errors.Store(err)
	}
	return total, nil
}

// CloseOrStop stops the offer when it still has pending transactions and
// closes it otherwise. Closing an already closed offer is a no-op.
func (s *Service) CloseOrStop(ctx context.Context, ownerID, offerID uuid.UUID) (*Offer, error) {
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		return nil, err
	}

	var offer *Offer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		offer, err = dbutil.FindOne[Offer](tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND owner_account_id = ?", offerID, ownerID))
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return fmt.Errorf("%w: offer %s", errors.ErrNotFound, offerID)
			}
			return err
		}
		if offer.Status != OfferOpen {
			return nil
		}

		var pending int64
		if err := tx.Model(&Transaction{}).
			Where("offer_id = ? AND status = ?", offerID, TransactionPending).
			Count(&pending).Error; err != nil {
			return errors.Store(err)
		}

		next := OfferClosed
		if pending > 0 {
			next = OfferStopped
		}
		result := tx.Model(&Offer{}).
			Where("id = ? AND status = ?", offerID, OfferOpen).
			UpdateColumns(map[string]any{"status": next, "updated_at": s.now()})
		if result.Error != nil {
			return errors.Store(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: offer %s changed status concurrently", errors.ErrConflict, offerID)
		}
		offer.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Offer closed or stopped",
		zap.String("offer_id", offerID.String()),
		zap.String("status", string(offer.Status)))

	return offer, nil
}

// CreateTransaction matches the taker against an open offer whose remaining
// capacity covers the matched amount. The taker fee is not part of the
// admission check, so the match that fills an offer may leave its true
// remaining capacity negative by at most that match's taker fee; otherwise a
// full-size match carrying any fee could never fill the offer.
func (s *Service) CreateTransaction(ctx context.Context, offerID, takerID uuid.UUID, spec TransactionSpec) (*Transaction, error) {
	if spec.Amount <= 0 {
		return nil, errors.Validation("transaction amount must be positive")
	}
	if spec.PricePerUnit < 0 || spec.TakerFee < 0 || spec.MakerFee < 0 || spec.Value < 0 {
		return nil, errors.Validation("transaction price, fees and value must not be negative")
	}
	if spec.Amount > math.MaxInt64-spec.TakerFee {
		return nil, errors.Validation("transaction amount plus taker fee overflows")
	}

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		return nil, err
	}

	var created *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer, err := dbutil.FindOne[Offer](tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", offerID))
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return fmt.Errorf("%w: offer %s does not exist", errors.ErrOfferUnavailable, offerID)
			}
			return err
		}
		if offer.Status != OfferOpen {
			return fmt.Errorf("%w: offer %s is %s", errors.ErrOfferUnavailable, offerID, offer.Status)
		}

		currency, cryptoType := spec.Currency, spec.CryptoType
		if currency == "" {
			currency = offer.Currency
		}
		if cryptoType == "" {
			cryptoType = offer.CryptoType
		}
		if currency != offer.Currency || cryptoType != offer.CryptoType {
			return errors.Validation("transaction %s/%s does not match offer %s/%s",
				cryptoType, currency, offer.CryptoType, offer.Currency)
		}

		used, err := consumed(tx, offerID)
		if err != nil {
			return err
		}
		// the matched amount must fit; the taker fee of the filling match may
		// overshoot, and remaining capacity is reported clamped at zero
		remaining := offer.Amount - used
		if remaining <= 0 || spec.Amount > remaining {
			return fmt.Errorf("%w: offer %s has %d remaining, need %d",
				errors.ErrOfferUnavailable, offerID, max(remaining, 0), spec.Amount)
		}

		price := spec.PricePerUnit
		if price == 0 {
			price = offer.PricePerUnit
		}
		value := spec.Value
		if value == 0 {
			if value, err = notional(spec.Amount, price); err != nil {
				return err
			}
		}

		now := s.now()
		created = &Transaction{
			ID:             uuid.New(),
			OfferID:        offerID,
			TakerAccountID: takerID,
			Amount:         spec.Amount,
			PricePerUnit:   price,
			TakerFee:       spec.TakerFee,
			MakerFee:       spec.MakerFee,
			Value:          value,
			Currency:       currency,
			CryptoType:     cryptoType,
			Reference:      spec.Reference,
			Status:         TransactionPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      now.Add(s.expiry),
		}
		if err := tx.Create(created).Error; err != nil {
			return dbutil.WrapError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction created",
		zap.String("transaction_id", created.ID.String()),
		zap.String("offer_id", offerID.String()),
		zap.String("taker_account_id", takerID.String()),
		zap.Int64("amount", created.Amount),
		zap.Time("expires_at", created.ExpiresAt))

	return created, nil
}

// ResolveTransaction moves a pending transaction to successful or rejected.
// Only the offer owner or the taker may resolve it. Losing a race against the
// sweep or another resolver returns ErrConflict.
func (s *Service) ResolveTransaction(ctx context.Context, accountID, transactionID uuid.UUID, outcome TransactionStatus) (*Transaction, error) {
	if outcome != TransactionSuccessful && outcome != TransactionRejected {
		return nil, errors.Validation("transaction outcome must be successful or rejected, got %q", outcome)
	}

	// expired transactions must be rejected before anyone can settle them
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	txn, err := dbutil.FindOne[Transaction](db.Where("id = ?", transactionID))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction %s", errors.ErrNotFound, transactionID)
		}
		return nil, err
	}
	offer, err := dbutil.FindOne[Offer](db.Where("id = ?", txn.OfferID))
	if err != nil {
		return nil, err
	}
	if accountID != txn.TakerAccountID && accountID != offer.OwnerAccountID {
		return nil, fmt.Errorf("%w: transaction %s", errors.ErrNotFound, transactionID)
	}

	now := s.now()
	result := db.Model(&Transaction{}).
		Where("id = ? AND status = ?", transactionID, TransactionPending).
		UpdateColumns(map[string]any{"status": outcome, "updated_at": now})
	if result.Error != nil {
		return nil, errors.Store(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: transaction %s is no longer pending", errors.ErrConflict, transactionID)
	}
	txn.Status = outcome
	txn.UpdatedAt = now

	s.logger.Info("Transaction resolved",
		zap.String("transaction_id", transactionID.String()),
		zap.String("status", string(outcome)))

	// a stopped offer closes as soon as its last pending transaction resolves
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Warn("Sweep after resolve failed", zap.Error(err))
	}

	return txn, nil
}

// AggregateFee sums maker fees over the offer's non-rejected transactions.
func (s *Service) AggregateFee(ctx context.Context, offerID uuid.UUID) (int64, error) {
	var agg struct {
		Matched int64
		Total   int64
	}
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("COUNT(*) AS matched, COALESCE(SUM(maker_fee), 0) AS total").
		Where("offer_id = ? AND status <> ?", offerID, TransactionRejected).
		Scan(&agg).Error
	if err != nil {
		return 0, errors.Store(err)
	}
	if agg.Matched == 0 {
		return 0, fmt.Errorf("%w: offer %s has no matched transactions", errors.ErrNoResult, offerID)
	}
	return agg.Total, nil
}

// BalanceProjection is the ledger balance minus funds committed to the
// account's exposed offers and to its settled transactions on closed offers.
func (s *Service) BalanceProjection(ctx context.Context, accountID uuid.UUID) (*BalanceProjection, error) {
	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	projection := &BalanceProjection{AccountID: accountID, LedgerBalance: balance}

	err = db.Model(&Offer{}).
		Select("COALESCE(SUM(amount + fee), 0)").
		Where("owner_account_id = ? AND status IN ?", accountID, []OfferStatus{OfferOpen, OfferStopped}).
		Scan(&projection.OfferExposure).Error
	if err != nil {
		return nil, errors.Store(err)
	}

	err = db.Model(&Transaction{}).
		Select("COALESCE(SUM(offer_transactions.amount + offer_transactions.taker_fee + offer_transactions.maker_fee), 0)").
		Joins("JOIN offers ON offers.id = offer_transactions.offer_id").
		Where("offer_transactions.taker_account_id = ? AND offer_transactions.status = ? AND offers.status = ?",
			accountID, TransactionSuccessful, OfferClosed).
		Scan(&projection.SettledExposure).Error
	if err != nil {
		return nil, errors.Store(err)
	}

	projection.Projected = balance - projection.OfferExposure - projection.SettledExposure
	return projection, nil
}

// ListAccountTransactions returns the account's transactions as taker, newest first.
func (s *Service) ListAccountTransactions(ctx context.Context, accountID uuid.UUID) ([]Transaction, error) {
	txns := []Transaction{}
	err := s.db.WithContext(ctx).
		Where("taker_account_id = ?", accountID).
		Order("created_at DESC").
		Find(&txns).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return txns, nil
}

// ListOfferTransactions returns every transaction against the offer.
func (s *Service) ListOfferTransactions(ctx context.Context, offerID uuid.UUID) ([]Transaction, error) {
	txns := []Transaction{}
	err := s.db.WithContext(ctx).
		Where("offer_id = ?", offerID).
		Order("created_at").
		Find(&txns).Error
	if err != nil {
		return nil, errors.Store(err)
	}
	return txns, nil
}

// notional is amount × price, rejected when it does not fit in int64.
func notional(amount, price int64) (int64, error) {
	v := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(price))
	if v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, errors.Validation("value of %d × %d overflows", amount, price)
	}
	return v.IntPart(), nil
}

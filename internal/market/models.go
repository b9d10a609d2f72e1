package market

import (
	"time"

	"github.com/google/uuid"
)

// OfferType is the side of an offer.
type OfferType string

const (
	OfferTypeBuy  OfferType = "buy"
	OfferTypeSell OfferType = "sell"
)

// OfferStatus of an offer. open -> stopped -> closed, or open -> closed.
type OfferStatus string

const (
	OfferOpen    OfferStatus = "open"
	OfferStopped OfferStatus = "stopped"
	OfferClosed  OfferStatus = "closed"
)

// TransactionStatus of a match. Only pending may change, and only once.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionSuccessful TransactionStatus = "successful"
	TransactionRejected   TransactionStatus = "rejected"
)

// Offer is a standing intent to buy or sell a fixed amount at a fixed price.
type Offer struct {
	ID             uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	OwnerAccountID uuid.UUID   `json:"owner_account_id" gorm:"type:uuid;not null;index"`
	OfferType      OfferType   `json:"offerType" gorm:"size:8;not null"`
	Amount         int64       `json:"amount" gorm:"not null"`
	Fee            int64       `json:"fee" gorm:"not null;default:0"`
	PricePerUnit   int64       `json:"pricePerUnit" gorm:"not null"`
	Value          int64       `json:"value" gorm:"not null"`
	Currency       string      `json:"currency" gorm:"size:16;not null"`
	CryptoType     string      `json:"cryptoType" gorm:"size:16;not null"`
	SettlementTag  string      `json:"revTag" gorm:"size:128"`
	Status         OfferStatus `json:"status" gorm:"size:16;not null;index"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Transaction is a match against an offer.
type Transaction struct {
	ID             uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	OfferID        uuid.UUID         `json:"offer_id" gorm:"type:uuid;not null;index"`
	TakerAccountID uuid.UUID         `json:"taker_account_id" gorm:"type:uuid;not null;index"`
	Amount         int64             `json:"amount" gorm:"not null"`
	PricePerUnit   int64             `json:"price" gorm:"not null"`
	TakerFee       int64             `json:"takerFee" gorm:"not null;default:0"`
	MakerFee       int64             `json:"makerFee" gorm:"not null;default:0"`
	Value          int64             `json:"value" gorm:"not null"`
	Currency       string            `json:"currency" gorm:"size:16;not null"`
	CryptoType     string            `json:"cryptoType" gorm:"size:16;not null"`
	Reference      string            `json:"randomTitle" gorm:"size:128"`
	Status         TransactionStatus `json:"status" gorm:"size:16;not null;index:idx_offer_transactions_status_expiry,priority:1"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at" gorm:"not null;index:idx_offer_transactions_status_expiry,priority:2"`
}

// TableName avoids the reserved-looking "transactions".
func (Transaction) TableName() string { return "offer_transactions" }

// OfferView is an offer with its remaining capacity.
type OfferView struct {
	Offer
	Remaining int64 `json:"remaining"`
}

// BalanceProjection is the spendable balance shown to a user.
type BalanceProjection struct {
	AccountID       uuid.UUID `json:"account_id"`
	LedgerBalance   int64     `json:"ledger_balance"`
	OfferExposure   int64     `json:"offer_exposure"`
	SettledExposure int64     `json:"settled_exposure"`
	Projected       int64     `json:"projected"`
}

// Models lists the tables owned by the market.
func Models() []any {
	return []any{&Offer{}, &Transaction{}}
}

package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user's internal balance, in ledger minor units.
type Account struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ChainAddress string    `json:"chain_address" gorm:"size:42;not null;uniqueIndex"`
	Balance      int64     `json:"balance" gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Entry journals one committed balance mutation. Reference is unique, which
// makes every keyed mutation (deposit, reservation, refund) at-most-once.
type Entry struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID uuid.UUID `json:"account_id" gorm:"type:uuid;not null;index"`
	Delta     int64     `json:"delta" gorm:"not null"`
	Reference string    `json:"reference" gorm:"size:128;not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the default "entries".
func (Entry) TableName() string { return "ledger_entries" }

// Models lists the tables owned by the ledger.
func Models() []any {
	return []any{&Account{}, &Entry{}}
}

// Reference builders for keyed mutations.
func DepositRef(txHash string) string   { return "deposit:" + txHash }
func WithdrawalRef(id uuid.UUID) string { return "withdrawal:" + id.String() }
func RefundRef(id uuid.UUID) string     { return "refund:" + id.String() }

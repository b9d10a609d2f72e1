package wallet

import (
	"time"

	"github.com/google/uuid"
)

// DepositState of a deposit attempt.
type DepositState string

const (
	DepositWatching  DepositState = "watching"
	DepositConfirmed DepositState = "confirmed"
	DepositFailed    DepositState = "failed"
)

// WithdrawalStatus of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalRequested         WithdrawalStatus = "requested"
	WithdrawalReserved          WithdrawalStatus = "reserved"
	WithdrawalSubmitted         WithdrawalStatus = "submitted"
	WithdrawalConfirmed         WithdrawalStatus = "confirmed"
	WithdrawalFailed            WithdrawalStatus = "failed"
	WithdrawalFailedUnconfirmed WithdrawalStatus = "failed_unconfirmed"
)

// Failure reasons persisted on records.
const (
	ReasonInsufficientFunds       = "insufficient_funds"
	ReasonInterruptedBeforeSubmit = "interrupted_before_submit"
)

// DepositAttempt tracks one inbound transfer by hash. The primary key makes
// a hash settle at most once.
type DepositAttempt struct {
	TxHash            string       `json:"tx_hash" gorm:"primaryKey;size:66"`
	SubmittedBy       *uuid.UUID   `json:"submitted_by,omitempty" gorm:"type:uuid;index"`
	ExpectedAmount    *int64       `json:"expected_amount,omitempty"`
	State             DepositState `json:"state" gorm:"size:16;not null;index"`
	AttemptsMade      int          `json:"attempts_made" gorm:"not null;default:0"`
	SenderAddress     string       `json:"sender_address,omitempty" gorm:"size:42"`
	CreditedAccountID *uuid.UUID   `json:"credited_account_id,omitempty" gorm:"type:uuid"`
	CreditedAmount    int64        `json:"credited_amount"`
	BlockNumber       uint64       `json:"block_number,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty" gorm:"size:255"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// VisibleTo reports whether the account submitted the deposit or received
// its credit.
func (d *DepositAttempt) VisibleTo(accountID uuid.UUID) bool {
	return (d.SubmittedBy != nil && *d.SubmittedBy == accountID) ||
		(d.CreditedAccountID != nil && *d.CreditedAccountID == accountID)
}

// WithdrawalRequest tracks one outbound transfer.
type WithdrawalRequest struct {
	ID                 uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID          uuid.UUID        `json:"account_id" gorm:"type:uuid;not null;index"`
	Amount             int64            `json:"amount" gorm:"not null"`
	DestinationAddress string           `json:"destination_address" gorm:"size:42;not null"`
	Status             WithdrawalStatus `json:"status" gorm:"size:24;not null;index"`
	TxHash             string           `json:"tx_hash,omitempty" gorm:"size:66;index"`
	AttemptsMade       int              `json:"attempts_made" gorm:"not null;default:0"`
	FailureReason      string           `json:"failure_reason,omitempty" gorm:"size:255"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Models lists the tables owned by the wallet.
func Models() []any {
	return []any{&DepositAttempt{}, &WithdrawalRequest{}}
}

// Package errors defines the error taxonomy shared by the settlement engine.
//
// Components wrap one of the sentinels below so callers can classify a failure
// with errors.Is regardless of which layer produced it.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrValidation reports bad amounts, addresses or identifiers. Not retried.
	ErrValidation = stderrors.New("validation error")
	// ErrInsufficientFunds reports a debit larger than the committed balance.
	ErrInsufficientFunds = stderrors.New("insufficient funds")
	// ErrOfferUnavailable reports an offer that is not open or lacks capacity.
	ErrOfferUnavailable = stderrors.New("offer unavailable")
	// ErrConflict reports a conditional status mutation that lost a race.
	ErrConflict = stderrors.New("conflict")
	// ErrNotFound reports a missing record.
	ErrNotFound = stderrors.New("not found")
	// ErrNoResult reports an aggregate over an empty set.
	ErrNoResult = stderrors.New("no result")

	// ErrChainTransient reports an RPC failure that may succeed on retry.
	ErrChainTransient = stderrors.New("chain rpc transient error")
	// ErrEventNotEmitted reports a confirmed receipt without the expected transfer event.
	ErrEventNotEmitted = stderrors.New("expected transfer event not emitted")
	// ErrMalformedReceipt reports receipt data that can never be decoded.
	ErrMalformedReceipt = stderrors.New("malformed receipt")
	// ErrConfirmationTimeout reports an exhausted confirmation attempt budget.
	ErrConfirmationTimeout = stderrors.New("confirmation timeout")

	// ErrStoreUnavailable reports a failure of the transactional store.
	ErrStoreUnavailable = stderrors.New("store unavailable")
)

// Re-exported so callers need a single errors import.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	New    = stderrors.New
	Join   = stderrors.Join
)

// Store wraps a store failure so that both ErrStoreUnavailable and the
// underlying driver error remain reachable through errors.Is / errors.As.
func Store(err error) error {
	if err == nil {
		return nil
	}
	if Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// Validation builds an ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Wrap attaches a formatted detail to a sentinel.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Retryable reports whether the failure is safe to retry by the caller.
func Retryable(err error) bool {
	return Is(err, ErrConflict) || Is(err, ErrChainTransient)
}

// Permanent reports whether a confirmation failure must stop polling immediately.
func Permanent(err error) bool {
	return Is(err, ErrEventNotEmitted) || Is(err, ErrMalformedReceipt)
}

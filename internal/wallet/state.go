package wallet

import (
	"fmt"
	"slices"

	"github.com/Aidin1998/p2pex/common/errors"
)

// ValidDepositTransitions lists the forward-only deposit moves.
var ValidDepositTransitions = map[DepositState][]DepositState{
	DepositWatching: {DepositConfirmed, DepositFailed},
	// terminal
	DepositConfirmed: {},
	DepositFailed:    {},
}

// ValidWithdrawalTransitions lists the forward-only withdrawal moves.
var ValidWithdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalRequested: {WithdrawalReserved},
	WithdrawalReserved:  {WithdrawalSubmitted, WithdrawalFailed, WithdrawalFailedUnconfirmed},
	WithdrawalSubmitted: {WithdrawalConfirmed, WithdrawalFailedUnconfirmed},
	// terminal
	WithdrawalConfirmed:         {},
	WithdrawalFailed:            {},
	WithdrawalFailedUnconfirmed: {},
}

func checkTransition[S ~string](table map[S][]S, from, to S) error {
	if !slices.Contains(table[from], to) {
		return fmt.Errorf("%w: invalid state transition from %s to %s", errors.ErrValidation, from, to)
	}
	return nil
}

// Terminal reports whether no transition leaves the state.
func (s DepositState) Terminal() bool {
	return len(ValidDepositTransitions[s]) == 0
}

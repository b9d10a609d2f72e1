package chain

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/p2pex/common/errors"
)

// Scaler converts between chain-native token units and ledger minor units.
// One ledger unit is 10^exponent chain units.
type Scaler struct {
	exponent int32
}

// NewScaler creates a scaler for the given power of ten.
func NewScaler(exponent int32) Scaler {
	return Scaler{exponent: exponent}
}

// ToLedger converts a chain amount to ledger units, truncating sub-unit dust.
// The dropped dust is returned alongside.
func (s Scaler) ToLedger(value *big.Int) (int64, *big.Int, error) {
	if value == nil || value.Sign() < 0 {
		return 0, nil, errors.Validation("chain amount must be non-negative")
	}
	scaled := decimal.NewFromBigInt(value, -s.exponent).Truncate(0)
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, nil, errors.Validation("chain amount %s exceeds ledger range", value)
	}
	units := scaled.IntPart()
	dust := new(big.Int).Sub(value, s.ToChain(units))
	return units, dust, nil
}

// ToChain converts ledger units to chain-native units.
func (s Scaler) ToChain(units int64) *big.Int {
	return decimal.NewFromInt(units).Shift(s.exponent).BigInt()
}

// Package units converts between human token amounts ("1.5") and base
// units held on chain.
package units

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/shopspring/decimal"
)

// ToBase scales amount by 10^decimals. Amounts finer than one base unit or
// negative amounts are rejected.
func ToBase(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("units: negative amount %s: %w", amount, domain.ErrInvalidParams)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("units: %s has more than %d decimals: %w", amount, decimals, domain.ErrInvalidParams)
	}
	return scaled.BigInt(), nil
}

// MustToBase is ToBase for constants.
func MustToBase(amount string, decimals uint8) *big.Int {
	v, err := Parse(amount, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Parse reads a decimal string into base units.
func Parse(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %v: %w", s, err, domain.ErrInvalidParams)
	}
	return ToBase(d, decimals)
}

// FromBase turns base units back into a decimal amount.
func FromBase(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// Format renders base units as a plain decimal string.
func Format(amount *big.Int, decimals uint8) string {
	return FromBase(amount, decimals).String()
}

// ApplyBps returns amount * (10000 - bps) / 10000, rounded down.
func ApplyBps(amount *big.Int, bps uint64) *big.Int {
	if bps >= 10_000 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(10_000-bps))
	return out.Quo(out, big.NewInt(10_000))
}

package lending

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Mantissas are fixed-point numbers scaled by 1e18.
var expScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// mulExp returns a*b/1e18, truncated.
func mulExp(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, expScale)
}

// divExpCeil returns a*1e18/b, rounded up.
func divExpCeil(a, b *big.Int) *big.Int {
	num := new(big.Int).Mul(a, expScale)
	q, r := new(big.Int).QuoRem(num, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Mantissa converts a decimal such as "0.75" into a 1e18 mantissa.
func Mantissa(v decimal.Decimal) *big.Int {
	return v.Shift(18).Truncate(0).BigInt()
}

// PriceMantissa converts a USD price per whole token into the
// per-base-unit mantissa the comptroller uses, so that
// value = amount * price / 1e18 is a 1e18-scaled USD value.
func PriceMantissa(usd decimal.Decimal, decimals uint8) *big.Int {
	return usd.Shift(36 - int32(decimals)).Truncate(0).BigInt()
}

// Package metric holds the MetricValue type used by fetchers, the
// predicate evaluator, and windowing. Comparisons are decimal-aware:
// values are compared as rationals value * 10^-decimals using arbitrary
// precision integers, never float64.
package metric

import (
	"math/big"
	"time"
)

// Value is an immutable observation of a metric from one source.
type Value struct {
	Amount     *big.Int // raw integer mantissa
	Decimals   uint8
	ObservedAt time.Time
	SourceID   string
}

// New builds a Value from an int64 mantissa, a convenience for tests and
// fetchers working with small numbers.
func New(amount int64, decimals uint8, observedAt time.Time, sourceID string) Value {
	return Value{
		Amount:     big.NewInt(amount),
		Decimals:   decimals,
		ObservedAt: observedAt,
		SourceID:   sourceID,
	}
}

// Rescale returns a new *big.Int equal to amount * 10^-fromDecimals
// re-expressed at toDecimals, i.e. amount * 10^(toDecimals-fromDecimals).
// It never loses precision when toDecimals >= fromDecimals (the only
// direction the evaluator uses, since it always rescales up to
// max(value.decimals, threshold.decimals)).
func Rescale(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	diff := int(toDecimals) - int(fromDecimals)
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(diff))), nil)
	out := new(big.Int)
	if diff > 0 {
		out.Mul(amount, factor)
	} else {
		out.Quo(amount, factor)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// RescaledTo returns the value's amount rescaled to the given decimals.
func (v Value) RescaledTo(decimals uint8) *big.Int {
	return Rescale(v.Amount, v.Decimals, decimals)
}

// Rational returns value as an exact big.Rat, amount / 10^decimals.
func (v Value) Rational() *big.Rat {
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.Decimals)), nil)
	return new(big.Rat).SetFrac(v.Amount, denom)
}

// Equal compares two values as rationals, independent of their decimals.
func Equal(a, b Value) bool {
	return a.Rational().Cmp(b.Rational()) == 0
}

// Package predicate evaluates a market's Predicate against a resolved
// MetricValue. Pure functions only — no I/O, no goroutines — so every
// comparison is deterministic and exactly reproducible from its inputs,
// per spec.md §4.3.
package predicate

import (
	"math/big"
	"time"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
	"github.com/oraclerunner/runner/internal/oraclerr"
)

// Outcome is the on-chain boolean convention: 1 == YES, 0 == NO.
type Outcome uint8

const (
	No  Outcome = 0
	Yes Outcome = 1
)

// Evaluate compares value against pred, rescaling both to the same
// decimal precision before an exact integer comparison. Never uses
// float64 — spec.md §4.3/§9 require decimal-exact comparisons.
func Evaluate(value metric.Value, pred market.Predicate) (Outcome, error) {
	if pred.Threshold == nil {
		return No, oraclerr.Permanentf("predicate.evaluate", "predicate has nil threshold")
	}

	scale := value.Decimals
	if pred.ValueDecimals > scale {
		scale = pred.ValueDecimals
	}

	v := value.RescaledTo(scale)
	t := metric.Rescale(pred.Threshold, pred.ValueDecimals, scale)

	cmp := v.Cmp(t)

	var yes bool
	switch pred.Op {
	case market.OpGT:
		yes = cmp > 0
	case market.OpGTE:
		yes = cmp >= 0
	case market.OpLT:
		yes = cmp < 0
	case market.OpLTE:
		yes = cmp <= 0
	case market.OpEQ:
		yes = cmp == 0
	case market.OpNEQ:
		yes = cmp != 0
	default:
		return No, oraclerr.Permanentf("predicate.evaluate", "unknown operator %q", pred.Op)
	}

	if yes {
		return Yes, nil
	}
	return No, nil
}

// Reduce collapses a set of raw samples over a window into the single
// MetricValue the evaluator expects, per spec.md §4.3's three window
// kinds. samples must be non-empty and sorted is not required.
func Reduce(win market.Window, samples []metric.Value, roundingDecimals uint8) (metric.Value, error) {
	if len(samples) == 0 {
		return metric.Value{}, oraclerr.Transientf("predicate.reduce", "no samples to reduce over window")
	}

	switch win.Kind {
	case market.WindowSnapshotAt:
		return snapshotAt(samples, win.TEnd), nil
	case market.WindowTimeAverage:
		return timeAverage(samples, roundingDecimals), nil
	case market.WindowExtremum:
		return extremum(samples, win.Extremum), nil
	default:
		return metric.Value{}, oraclerr.Permanentf("predicate.reduce", "unknown window kind %q", win.Kind)
	}
}

// snapshotAt returns the sample closest to (preferring not-after) tEnd.
func snapshotAt(samples []metric.Value, tEnd time.Time) metric.Value {
	best := samples[0]
	bestDelta := absDuration(best.ObservedAt.Sub(tEnd))
	bestAfter := best.ObservedAt.After(tEnd)
	for _, s := range samples[1:] {
		delta := absDuration(s.ObservedAt.Sub(tEnd))
		after := s.ObservedAt.After(tEnd)
		switch {
		case bestAfter && !after:
			best, bestDelta, bestAfter = s, delta, after
		case bestAfter == after && delta < bestDelta:
			best, bestDelta, bestAfter = s, delta, after
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// timeAverage computes the arithmetic mean of samples as an exact
// rational, then rounds half-to-even at roundingDecimals — matching
// IEEE 754 "banker's rounding" so repeated averaging doesn't drift.
func timeAverage(samples []metric.Value, roundingDecimals uint8) metric.Value {
	sum := new(big.Rat)
	var latest time.Time
	sourceIDs := make([]string, 0, len(samples))
	for _, s := range samples {
		sum.Add(sum, s.Rational())
		if s.ObservedAt.After(latest) {
			latest = s.ObservedAt
		}
		sourceIDs = append(sourceIDs, s.SourceID)
	}
	mean := new(big.Rat).Quo(sum, big.NewRat(int64(len(samples)), 1))

	amount := roundHalfToEven(mean, roundingDecimals)
	return metric.Value{
		Amount:     amount,
		Decimals:   roundingDecimals,
		ObservedAt: latest,
		SourceID:   "aggregate:" + joinSourceIDs(sourceIDs),
	}
}

// extremum returns the sample with the maximum (or minimum) rational
// value; ties keep the first encountered.
func extremum(samples []metric.Value, sel market.ExtremumSelect) metric.Value {
	best := samples[0]
	bestRat := best.Rational()
	for _, s := range samples[1:] {
		r := s.Rational()
		cmp := r.Cmp(bestRat)
		switch sel {
		case market.ExtremumMin:
			if cmp < 0 {
				best, bestRat = s, r
			}
		default: // ExtremumMax and unset default to max, per spec.md §9
			if cmp > 0 {
				best, bestRat = s, r
			}
		}
	}
	return best
}

// roundHalfToEven rounds r to decimals fractional digits, returning the
// resulting integer mantissa (value * 10^decimals), breaking exact ties
// toward the nearest even mantissa.
func roundHalfToEven(r *big.Rat, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))

	num := scaled.Num()
	den := scaled.Denom()

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		return quo
	}

	twiceRem := new(big.Int).Mul(rem, big.NewInt(2))
	twiceRem.Abs(twiceRem)
	denAbs := new(big.Int).Abs(den)
	cmp := twiceRem.Cmp(denAbs)

	roundUp := false
	switch {
	case cmp > 0:
		roundUp = true
	case cmp == 0:
		// exact tie: round to even
		roundUp = quo.Bit(0) == 1
	}

	if roundUp {
		if num.Sign() < 0 {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return quo
}

func joinSourceIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += "+"
		}
		out += id
	}
	return out
}

package predicate

import (
	"math/big"
	"testing"
	"time"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
)

func TestEvaluateRescalesBeforeComparing(t *testing.T) {
	// value is 50000.00 (decimals=2), threshold is 50000 (decimals=0) -> equal
	value := metric.New(5000000, 2, time.Now(), "src")
	pred := market.Predicate{Op: market.OpEQ, Threshold: big.NewInt(50000), ValueDecimals: 0}

	got, err := Evaluate(value, pred)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != Yes {
		t.Fatalf("expected YES, got %v", got)
	}
}

func TestEvaluateOperators(t *testing.T) {
	cases := []struct {
		name string
		op   market.Op
		v    int64
		t    int64
		want Outcome
	}{
		{"gt true", market.OpGT, 11, 10, Yes},
		{"gt false", market.OpGT, 10, 10, No},
		{"gte true", market.OpGTE, 10, 10, Yes},
		{"lt true", market.OpLT, 9, 10, Yes},
		{"lte true", market.OpLTE, 10, 10, Yes},
		{"eq true", market.OpEQ, 10, 10, Yes},
		{"neq true", market.OpNEQ, 9, 10, Yes},
		{"neq false", market.OpNEQ, 10, 10, No},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			value := metric.New(c.v, 0, time.Now(), "src")
			pred := market.Predicate{Op: c.op, Threshold: big.NewInt(c.t), ValueDecimals: 0}
			got, err := Evaluate(value, pred)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != c.want {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
		})
	}
}

func TestEvaluateUnknownOperator(t *testing.T) {
	value := metric.New(1, 0, time.Now(), "src")
	pred := market.Predicate{Op: market.Op("BOGUS"), Threshold: big.NewInt(1)}
	if _, err := Evaluate(value, pred); err == nil {
		t.Fatalf("expected error for unknown operator")
	}
}

func TestReduceSnapshotAtPicksClosestNotAfter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := []metric.Value{
		metric.New(1, 0, base.Add(-2*time.Minute), "a"),
		metric.New(2, 0, base.Add(-30*time.Second), "b"),
		metric.New(3, 0, base.Add(time.Minute), "c"), // after tEnd, should be ignored in favor of b
	}
	win := market.Window{Kind: market.WindowSnapshotAt, TEnd: base}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.SourceID != "b" {
		t.Fatalf("expected sample b (closest not-after tEnd), got %s", got.SourceID)
	}
}

func TestReduceTimeAverageRoundsHalfToEven(t *testing.T) {
	// average of 1 and 2 at decimals=0 is 1.5 -> rounds to 2 (nearest even)
	samples := []metric.Value{
		metric.New(1, 0, time.Now(), "a"),
		metric.New(2, 0, time.Now(), "b"),
	}
	win := market.Window{Kind: market.WindowTimeAverage}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.Amount.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected rounded mean 2, got %s", got.Amount.String())
	}
}

func TestReduceTimeAverageExactMeanNeedsNoRounding(t *testing.T) {
	// average of 1 and 3 at decimals=0 is 2.0 exactly -> no rounding ambiguity
	samples := []metric.Value{
		metric.New(1, 0, time.Now(), "a"),
		metric.New(3, 0, time.Now(), "b"),
	}
	win := market.Window{Kind: market.WindowTimeAverage}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.Amount.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected mean 2, got %s", got.Amount.String())
	}
}

func TestReduceTimeAverageTieRoundsToEvenMantissa(t *testing.T) {
	// average of 0 and 1 at decimals=0 is 0.5 -> rounds to 0 (nearest even)
	samples := []metric.Value{
		metric.New(0, 0, time.Now(), "a"),
		metric.New(1, 0, time.Now(), "b"),
	}
	win := market.Window{Kind: market.WindowTimeAverage}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.Amount.Cmp(big.NewInt(0)) != 0 {
		t.Fatalf("expected tie to round to even mantissa 0, got %s", got.Amount.String())
	}
}

func TestReduceExtremumDefaultsToMax(t *testing.T) {
	samples := []metric.Value{
		metric.New(1, 0, time.Now(), "a"),
		metric.New(9, 0, time.Now(), "b"),
		metric.New(4, 0, time.Now(), "c"),
	}
	win := market.Window{Kind: market.WindowExtremum}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.SourceID != "b" {
		t.Fatalf("expected max sample b, got %s", got.SourceID)
	}
}

func TestReduceExtremumMin(t *testing.T) {
	samples := []metric.Value{
		metric.New(1, 0, time.Now(), "a"),
		metric.New(9, 0, time.Now(), "b"),
		metric.New(4, 0, time.Now(), "c"),
	}
	win := market.Window{Kind: market.WindowExtremum, Extremum: market.ExtremumMin}

	got, err := Reduce(win, samples, 0)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got.SourceID != "a" {
		t.Fatalf("expected min sample a, got %s", got.SourceID)
	}
}

func TestReduceEmptySamples(t *testing.T) {
	win := market.Window{Kind: market.WindowSnapshotAt}
	if _, err := Reduce(win, nil, 0); err == nil {
		t.Fatalf("expected error for empty samples")
	}
}

func TestReduceUnknownWindowKind(t *testing.T) {
	win := market.Window{Kind: market.WindowKind("BOGUS")}
	samples := []metric.Value{metric.New(1, 0, time.Now(), "a")}
	if _, err := Reduce(win, samples, 0); err == nil {
		t.Fatalf("expected error for unknown window kind")
	}
}

// Package market holds the read-only on-chain Market entity. The runner
// never writes these fields; it only reads them through the Chain Adapter.
package market

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SubjectKind tags what is being measured.
type SubjectKind string

const (
	SubjectHyperliquidMetric SubjectKind = "HL_METRIC"
	SubjectTokenPrice        SubjectKind = "TOKEN_PRICE"
	SubjectGeneric           SubjectKind = "GENERIC"
)

// Subject is a tagged union over the three subject shapes spec.md §3
// defines. Exactly one of the kind-specific fields is meaningful, selected
// by Kind.
type Subject struct {
	Kind SubjectKind

	// SubjectHyperliquidMetric
	MetricID string

	// SubjectTokenPrice
	Token    common.Address
	Decimals uint8

	// SubjectGeneric
	SourceID string
}

// Op is a predicate comparison operator.
type Op string

const (
	OpGT  Op = "GT"
	OpGTE Op = "GTE"
	OpLT  Op = "LT"
	OpLTE Op = "LTE"
	OpEQ  Op = "EQ"
	OpNEQ Op = "NEQ"
)

// Predicate is the boolean comparison applied to the resolved metric value.
type Predicate struct {
	Op             Op
	Threshold      *big.Int
	ValueDecimals  uint8
}

// WindowKind selects how raw samples reduce to a single scalar.
type WindowKind string

const (
	WindowSnapshotAt  WindowKind = "SNAPSHOT_AT"
	WindowTimeAverage WindowKind = "TIME_AVERAGE"
	WindowExtremum    WindowKind = "EXTREMUM"
)

// ExtremumSelect picks max or min for an EXTREMUM window. Default is Max,
// per spec.md §9's open question about the subject encoding not
// consistently tagging this.
type ExtremumSelect string

const (
	ExtremumMax ExtremumSelect = "MAX"
	ExtremumMin ExtremumSelect = "MIN"
)

// Window is the time span a metric is observed over, reduced per Kind.
type Window struct {
	Kind     WindowKind
	TStart   time.Time
	TEnd     time.Time
	Extremum ExtremumSelect // only meaningful when Kind == WindowExtremum
}

// OracleConfig carries the market's declared source preference and
// rounding policy.
type OracleConfig struct {
	PrimarySourceID   string
	FallbackSourceID  string
	RoundingDecimals  uint8
}

// Market is the read-only, on-chain market record.
type Market struct {
	Address        common.Address
	Title          string
	Subject        Subject
	Predicate      Predicate
	Window         Window
	Oracle         OracleConfig
	CutoffTime     time.Time
	ResolveTime    time.Time
	Resolved       bool
	Cancelled      bool
	WinningOutcome *uint8 // 0 or 1, nil until resolved
}

// IsTerminal reports whether the market is already resolved or cancelled —
// a resolution attempt against it is AlreadyTerminal (spec.md §4.5 step 1).
func (m Market) IsTerminal() bool {
	return m.Resolved || m.Cancelled
}

// PendingResolution is the oracle's in-flight commit state for a market,
// returned by Chain Adapter's GetPendingResolution.
type PendingResolution struct {
	CommittedOutcome *uint8
	CommitTime       *time.Time
}

// Created is the decoded shape of a MarketCreated log.
type Created struct {
	Market           common.Address
	Creator          common.Address
	Subject          [32]byte
	Predicate        [32]byte
	WindowSpec       [32]byte
	IsProtocolMarket bool
	BlockNumber      uint64
}

// Package chain is the Chain Adapter (spec.md §4.4): read-only ABI calls
// plus signed writes to the oracle contract. Grounded on the teacher
// pack's go-ethereum usage in the Obscura node's job manager (ABI
// packing + ecdsa signing for writes) and its reorg-protection module
// (BlockNumber-based confirmation checks).
package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oraclerunner/runner/internal/market"
)

// MarketState is the mutable, terminal-state subset of a Market that the
// adapter re-reads before every resolution attempt, to guard against
// double-resolution by another process. The rest of a Market's fields
// (subject, predicate, window, oracle config) are established once at
// ingestion time from the MarketCreated log and never change.
type MarketState struct {
	Resolved       bool
	Cancelled      bool
	WinningOutcome *uint8
	CutoffTime     time.Time
	ResolveTime    time.Time
}

// PendingResolution mirrors market.PendingResolution.
type PendingResolution struct {
	CommittedOutcome *uint8
	CommitTime       *time.Time
}

// Adapter is the Chain Adapter contract from spec.md §4.4.
type Adapter interface {
	// GetMarketParams reads a market's full static configuration plus its
	// current terminal state, for the Event Ingestor to hand to the
	// Scheduler and for the Resolution Service's MarketSource. Unlike
	// GetMarketState, this is one full contract read including the
	// subject/predicate/window tuple, so callers that only need a fresh
	// terminal-state check should prefer GetMarketState.
	GetMarketParams(ctx context.Context, marketAddress common.Address) (market.Market, error)
	GetMarketState(ctx context.Context, marketAddress common.Address) (MarketState, error)
	IsResolved(ctx context.Context, marketAddress common.Address) (bool, error)
	GetPendingResolution(ctx context.Context, marketAddress common.Address) (PendingResolution, error)
	GetDisputeWindowSeconds(ctx context.Context) (time.Duration, error)

	// CommitResolution submits outcome for marketAddress, binding it to
	// dataHash. Returns the submitted transaction hash.
	CommitResolution(ctx context.Context, marketAddress common.Address, outcome uint8, dataHash [32]byte) (common.Hash, error)

	// FinalizeResolution finalizes a previously committed resolution.
	// Callable only once commitTime + disputeWindow <= now; the adapter
	// does not itself enforce this, the Resolution Service does.
	FinalizeResolution(ctx context.Context, marketAddress common.Address) (common.Hash, error)
}

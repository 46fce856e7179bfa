// Package resolution implements the Resolution Service (spec.md §4.5):
// the per-market state machine LOAD -> FETCH -> EVALUATE -> COMMIT ->
// WAIT_DISPUTE -> FINALIZE. Grounded on the teacher's worker.execute
// step shape (span per stage, trace-aware slog, error wrapped and
// surfaced rather than swallowed).
package resolution

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oraclerunner/runner/internal/chain"
	"github.com/oraclerunner/runner/internal/fetch"
	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
	"github.com/oraclerunner/runner/internal/oraclerr"
	"github.com/oraclerunner/runner/internal/predicate"
)

var tracer = otel.Tracer("oraclerunner/resolution")

// MarketSource supplies the static (non-terminal-state) half of a
// Market's parameters. ResolveMarket calls GetMarket once per attempt.
type MarketSource interface {
	GetMarket(ctx context.Context, marketAddress common.Address) (market.Market, error)
}

// Config tunes one Service instance.
type Config struct {
	MaxSources      int           // multi-source fan-out bound, default 3
	FetchTimeout    time.Duration // default 30s, spec.md §5
	DisputePollTick time.Duration // how often WaitDispute rechecks cancellation, default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxSources <= 0 {
		c.MaxSources = 3
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.DisputePollTick <= 0 {
		c.DisputePollTick = 5 * time.Second
	}
	return c
}

// Service orchestrates one market's end-to-end resolution.
type Service struct {
	markets  MarketSource
	registry *fetch.Registry
	adapter  chain.Adapter
	cfg      Config
}

func New(markets MarketSource, registry *fetch.Registry, adapter chain.Adapter, cfg Config) *Service {
	return &Service{markets: markets, registry: registry, adapter: adapter, cfg: cfg.withDefaults()}
}

// ResolveMarket runs the full state machine for marketAddress. A nil
// error means the market reached DONE (or was already terminal); the
// caller (the Scheduler) branches on a non-nil error via oraclerr.KindOf,
// which reports Permanent for an error that is not an *oraclerr.Error.
func (s *Service) ResolveMarket(ctx context.Context, marketAddress common.Address, correlationID string) error {
	ctx, span := tracer.Start(ctx, "resolution.resolve_market", trace.WithAttributes(
		attribute.String("market.address", marketAddress.Hex()),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	logger := slog.Default().With("market", marketAddress.Hex(), "correlation_id", correlationID)

	m, err := s.load(ctx, marketAddress, logger)
	if err != nil {
		return finish(span, err)
	}
	if m == nil {
		logger.InfoContext(ctx, "resolution.already_terminal")
		return nil
	}

	value, rawSamples, fetcherNames, err := s.fetch(ctx, *m, logger)
	if err != nil {
		return finish(span, err)
	}

	outcome, err := predicate.Evaluate(value, m.Predicate)
	if err != nil {
		return finish(span, oraclerr.Wrap(oraclerr.Permanent, "resolution.evaluate", "predicate evaluation failed", err))
	}
	logger.InfoContext(ctx, "resolution.evaluated", "outcome", outcome)

	dataHash := computeDataHash(m.Subject, outcome, rawSamples, fetcherNames, m.Oracle.RoundingDecimals)

	commitTime, err := s.commit(ctx, marketAddress, outcome, dataHash, logger)
	if err != nil {
		return finish(span, err)
	}
	if commitTime == nil {
		// AlreadyTerminal collapsed during commit (another resolver finished first).
		return nil
	}

	disputeWindow, err := s.adapter.GetDisputeWindowSeconds(ctx)
	if err != nil {
		return finish(span, err)
	}

	if err := s.waitDispute(ctx, *commitTime, disputeWindow, logger); err != nil {
		return finish(span, err)
	}

	if err := s.finalize(ctx, marketAddress, logger); err != nil {
		return finish(span, err)
	}

	span.SetStatus(codes.Ok, "done")
	logger.InfoContext(ctx, "resolution.done")
	return nil
}

// load fetches the market's current terminal state. A nil *market.Market
// with a nil error means the market is already resolved/cancelled.
func (s *Service) load(ctx context.Context, marketAddress common.Address, logger *slog.Logger) (*market.Market, error) {
	m, err := s.markets.GetMarket(ctx, marketAddress)
	if err != nil {
		return nil, oraclerr.Wrap(oraclerr.KindOf(err), "resolution.load", "failed to load market parameters", err)
	}

	state, err := s.adapter.GetMarketState(ctx, marketAddress)
	if err != nil {
		return nil, err
	}
	m.Resolved = state.Resolved
	m.Cancelled = state.Cancelled
	m.WinningOutcome = state.WinningOutcome

	if m.IsTerminal() {
		return nil, nil
	}
	return &m, nil
}

// fetch obtains the single aggregated MetricValue the evaluator needs,
// fanning out to multiple sources for TIME_AVERAGE/EXTREMUM windows.
func (s *Service) fetch(ctx context.Context, m market.Market, logger *slog.Logger) (value metric.Value, rawSamples []metric.Value, fetcherNames []string, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	if m.Window.Kind == market.WindowSnapshotAt {
		res, err := s.registry.FetchMetric(fetchCtx, m.Subject, m.Window.TEnd, m.Oracle.PrimarySourceID, m.Oracle.FallbackSourceID)
		if err != nil {
			return metric.Value{}, nil, nil, oraclerr.Wrap(oraclerr.KindOf(err), "resolution.fetch", "snapshot fetch failed", err)
		}
		return res.Value, []metric.Value{res.Value}, []string{res.FetcherName}, nil
	}

	results, err := s.registry.FetchMetricMultiSource(fetchCtx, m.Subject, m.Window.TEnd, s.cfg.MaxSources, m.Oracle.PrimarySourceID, m.Oracle.FallbackSourceID)
	if err != nil {
		return metric.Value{}, nil, nil, oraclerr.Wrap(oraclerr.KindOf(err), "resolution.fetch", "multi-source fetch failed", err)
	}

	samples := make([]metric.Value, len(results))
	names := make([]string, len(results))
	for i, r := range results {
		samples[i] = r.Value
		names[i] = r.FetcherName
	}

	reduced, err := predicate.Reduce(m.Window, samples, m.Oracle.RoundingDecimals)
	if err != nil {
		return metric.Value{}, nil, nil, oraclerr.Wrap(oraclerr.KindOf(err), "resolution.fetch", "windowing reduction failed", err)
	}
	return reduced, samples, names, nil
}

func (s *Service) commit(ctx context.Context, marketAddress common.Address, outcome predicate.Outcome, dataHash [32]byte, logger *slog.Logger) (*time.Time, error) {
	_, err := s.adapter.CommitResolution(ctx, marketAddress, uint8(outcome), dataHash)
	if err == nil {
		now := time.Now().UTC()
		logger.InfoContext(ctx, "resolution.committed", "outcome", outcome)
		return &now, nil
	}

	var oe *oraclerr.Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case oraclerr.AlreadyTerminal:
			logger.InfoContext(ctx, "resolution.commit_already_terminal")
			return nil, nil
		case oraclerr.ConflictingCommit:
			pending, pErr := s.adapter.GetPendingResolution(ctx, marketAddress)
			if pErr != nil {
				return nil, pErr
			}
			if pending.CommittedOutcome != nil && *pending.CommittedOutcome == uint8(outcome) {
				logger.InfoContext(ctx, "resolution.commit_matches_pending", "outcome", outcome)
				return pending.CommitTime, nil
			}
			return nil, oraclerr.Wrap(oraclerr.Permanent, "resolution.commit", "pending commit disagrees with computed outcome", err)
		}
	}
	return nil, err
}

func (s *Service) waitDispute(ctx context.Context, commitTime time.Time, disputeWindow time.Duration, logger *slog.Logger) error {
	deadline := commitTime.Add(disputeWindow)
	logger.InfoContext(ctx, "resolution.wait_dispute", "deadline", deadline)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := remaining
		if wait > s.cfg.DisputePollTick {
			wait = s.cfg.DisputePollTick
		}
		select {
		case <-ctx.Done():
			return oraclerr.Wrap(oraclerr.Transient, "resolution.wait_dispute", "cancelled during dispute window", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (s *Service) finalize(ctx context.Context, marketAddress common.Address, logger *slog.Logger) error {
	_, err := s.adapter.FinalizeResolution(ctx, marketAddress)
	if err == nil {
		logger.InfoContext(ctx, "resolution.finalized")
		return nil
	}
	if oraclerr.KindOf(err) == oraclerr.AlreadyTerminal {
		logger.InfoContext(ctx, "resolution.finalize_already_terminal")
		return nil
	}
	return err
}

func finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// computeDataHash binds the resolution to the inputs that produced it:
// subject, outcome, every raw sample's amount and decimals, fetcher names,
// observation timestamps and the rounding policy applied.
func computeDataHash(subject market.Subject, outcome predicate.Outcome, samples []metric.Value, fetcherNames []string, roundingDecimals uint8) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "subject:%s:%s", subject.Kind, subject.MetricID+subject.Token.Hex()+subject.SourceID)
	fmt.Fprintf(h, "|outcome:%d", outcome)
	fmt.Fprintf(h, "|rounding:%d", roundingDecimals)
	for i, v := range samples {
		fmt.Fprintf(h, "|sample:%d:amount:%s:decimals:%d:observedAt:%d:name:%s",
			i, v.Amount.String(), v.Decimals, v.ObservedAt.UnixNano(), fetcherNames[i])
	}
	var out [32]byte
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out
}

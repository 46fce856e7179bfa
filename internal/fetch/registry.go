package fetch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
	"github.com/oraclerunner/runner/internal/observability"
	"github.com/oraclerunner/runner/internal/oraclerr"
)

// DefaultHealthInterval matches spec.md §4.2's default health-loop
// cadence.
const DefaultHealthInterval = 60 * time.Second

// DefaultMaxConcurrentFetches matches spec.md §4.2's default global
// concurrency bound.
const DefaultMaxConcurrentFetches = 5

// Registry is the Metric Fetcher Registry from spec.md §4.2: a
// name -> (Fetcher, health) map with priority ordering, fallback, and a
// bounded-concurrency fetch path.
type Registry struct {
	mu       sync.Mutex
	order    []string
	fetchers map[string]Fetcher
	health   map[string]*health

	sem            chan struct{}
	limiter        *rate.Limiter
	healthInterval time.Duration

	metrics *observability.Prom

	stopOnce sync.Once
	stopCh   chan struct{}
}

// WithMetrics attaches a Prom instance; subsequent fetch calls and health
// probes record against it. Returns r for chaining at construction time.
func (r *Registry) WithMetrics(m *observability.Prom) *Registry {
	r.metrics = m
	return r
}

// NewRegistry constructs a Registry. maxConcurrent <= 0 uses the spec
// default of 5; healthInterval <= 0 uses the spec default of 60s.
func NewRegistry(maxConcurrent int, healthInterval time.Duration) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	return &Registry{
		fetchers:       make(map[string]Fetcher),
		health:         make(map[string]*health),
		sem:            make(chan struct{}, maxConcurrent),
		limiter:        rate.NewLimiter(rate.Limit(maxConcurrent), maxConcurrent),
		healthInterval: healthInterval,
		stopCh:         make(chan struct{}),
	}
}

// Register adds a fetcher under its declared name. Duplicate names fail
// with ConfigurationError (spec.md §4.2's AlreadyRegistered).
func (r *Registry) Register(f Fetcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := f.Name()
	if _, exists := r.fetchers[name]; exists {
		return oraclerr.New(oraclerr.ConfigurationError, "registry.register", "fetcher already registered: "+name, nil)
	}
	r.fetchers[name] = f
	r.health[name] = newHealth()
	r.order = append(r.order, name)
	return nil
}

// GetFetchersForSubject returns, in priority order, the names of every
// registered fetcher that can serve subject and is currently healthy.
// primarySourceID/fallbackSourceID (from the market's OracleConfig) are
// tried first when present and eligible; everything else follows
// registration order, stable-sorted by ascending recent error rate.
func (r *Registry) GetFetchersForSubject(subject market.Subject, primarySourceID, fallbackSourceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := func(name string) bool {
		f, ok := r.fetchers[name]
		if !ok {
			return false
		}
		return f.CanFetch(subject) && r.health[name].isHealthy()
	}

	seen := make(map[string]bool, len(r.order))
	var out []string

	for _, name := range []string{primarySourceID, fallbackSourceID} {
		if name == "" || seen[name] {
			continue
		}
		if eligible(name) {
			out = append(out, name)
			seen[name] = true
		}
	}

	rest := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if seen[name] {
			continue
		}
		if eligible(name) {
			rest = append(rest, name)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return r.health[rest[i]].errorRate() < r.health[rest[j]].errorRate()
	})

	return append(out, rest...)
}

// FetchMetric invokes the first eligible candidate for subject; on
// failure it marks that fetcher unhealthy and falls through to the next
// candidate. Fails NoFetcher when no candidate exists, AllFailed when
// every candidate fails.
func (r *Registry) FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time, primarySourceID, fallbackSourceID string) (Result, error) {
	candidates := r.GetFetchersForSubject(subject, primarySourceID, fallbackSourceID)
	if len(candidates) == 0 {
		return Result{}, oraclerr.ErrNoFetcherCandidate
	}

	for i, name := range candidates {
		value, elapsed, err := r.invoke(ctx, name, subject, atTime)
		if err == nil {
			return Result{Value: value, FetcherName: name, FetchTimeMs: float64(elapsed.Milliseconds()), FromFallback: i > 0}, nil
		}
		slog.WarnContext(ctx, "fetch.candidate_failed", "fetcher", name, "err", err)
	}
	return Result{}, oraclerr.ErrAllFetchersFailed
}

// FetchMetricMultiSource fires up to maxSources eligible candidates
// concurrently and returns every successful result, for cross-source
// reconciliation (TIME_AVERAGE / EXTREMUM windows).
func (r *Registry) FetchMetricMultiSource(ctx context.Context, subject market.Subject, atTime time.Time, maxSources int, primarySourceID, fallbackSourceID string) ([]Result, error) {
	candidates := r.GetFetchersForSubject(subject, primarySourceID, fallbackSourceID)
	if len(candidates) == 0 {
		return nil, oraclerr.ErrNoFetcherCandidate
	}
	if maxSources > 0 && maxSources < len(candidates) {
		candidates = candidates[:maxSources]
	}

	var wg sync.WaitGroup
	results := make([]*Result, len(candidates))
	wg.Add(len(candidates))
	for i, name := range candidates {
		i, name := i, name
		go func() {
			defer wg.Done()
			value, elapsed, err := r.invoke(ctx, name, subject, atTime)
			if err != nil {
				slog.WarnContext(ctx, "fetch.multisource_candidate_failed", "fetcher", name, "err", err)
				return
			}
			results[i] = &Result{Value: value, FetcherName: name, FetchTimeMs: float64(elapsed.Milliseconds()), FromFallback: i > 0}
		}()
	}
	wg.Wait()

	out := make([]Result, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	if len(out) == 0 {
		return nil, oraclerr.ErrAllFetchersFailed
	}
	return out, nil
}

// invoke runs one fetcher under the registry's global concurrency bound
// and updates its health bookkeeping. The rate.Limiter caps the steady
// call rate; the semaphore caps how many calls may be in flight at once.
func (r *Registry) invoke(ctx context.Context, name string, subject market.Subject, atTime time.Time) (metric.Value, time.Duration, error) {
	r.mu.Lock()
	f := r.fetchers[name]
	h := r.health[name]
	r.mu.Unlock()

	if err := r.limiter.Wait(ctx); err != nil {
		return metric.Value{}, 0, err
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return metric.Value{}, 0, ctx.Err()
	}
	defer func() { <-r.sem }()

	start := time.Now()
	value, err := f.FetchMetric(ctx, subject, atTime)
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.FetcherLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	if err != nil {
		h.recordFailure(err)
		if r.metrics != nil {
			r.metrics.FetcherCallTotal.WithLabelValues(name, "error").Inc()
		}
		return metric.Value{}, elapsed, err
	}
	h.recordSuccess(elapsed)
	if r.metrics != nil {
		r.metrics.FetcherCallTotal.WithLabelValues(name, "ok").Inc()
	}
	return value, elapsed, nil
}

// MarkHealthy forces a fetcher back to healthy ahead of the next health
// loop tick, per spec.md §4.2's explicit markHealthy operation.
func (r *Registry) MarkHealthy(name string) {
	r.mu.Lock()
	h := r.health[name]
	r.mu.Unlock()
	if h != nil {
		h.markHealthy()
	}
}

// Snapshot returns the current FetcherInfo for every registered fetcher.
func (r *Registry) Snapshot() []FetcherInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]FetcherInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.health[name].snapshot(name))
	}
	return out
}

// Start launches the periodic health-check loop; it returns once Stop
// is called or ctx is cancelled. Callers typically run it in its own
// goroutine and wait on it alongside the rest of the process group.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range names {
		r.mu.Lock()
		f := r.fetchers[name]
		h := r.health[name]
		r.mu.Unlock()

		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := f.IsHealthy(probeCtx)
		cancel()
		h.recordProbe(healthy)

		if r.metrics != nil {
			v := 0.0
			if h.isHealthy() {
				v = 1.0
			}
			r.metrics.FetcherHealthy.WithLabelValues(name).Set(v)
		}
	}
}

// Stop halts the health-check loop started by Start. It does not block
// until the loop has actually exited; callers that need that guarantee
// should run Start in a goroutine they join with a WaitGroup.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

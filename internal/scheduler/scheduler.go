// Package scheduler is the Job Scheduler (spec.md §4.6): it owns every
// Job's lifecycle from SCHEDULED through its terminal state, arming
// timers for future resolve times, dispatching due jobs onto a bounded
// queue, and retrying transient failures with exponential backoff.
// Grounded on the teacher's internal/scheduler package shape (a timer
// map guarded by a mutex, a bounded dispatch queue, a periodic cleanup
// loop) generalized from delayed-notification delivery to market
// resolution.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oraclerunner/runner/internal/actorctx"
	"github.com/oraclerunner/runner/internal/clock"
	"github.com/oraclerunner/runner/internal/job"
	"github.com/oraclerunner/runner/internal/observability"
	"github.com/oraclerunner/runner/internal/oraclerr"
	"github.com/oraclerunner/runner/internal/queue"
	"github.com/oraclerunner/runner/internal/store"
)

var tracer = otel.Tracer("oraclerunner/scheduler")

// Resolver is the Resolution Service contract the Scheduler drives.
// resolution.Service satisfies it.
type Resolver interface {
	ResolveMarket(ctx context.Context, marketAddress common.Address, correlationID string) error
}

// rearmCap bounds how far into the future a single timer is armed before
// it wakes up to recompute the remaining delay. Spec.md §4.6 distinguishes
// timer-based arming (<=24h) from a "calendar" primitive for longer
// delays so that a far-future resolveTime survives a wall-clock jump or a
// long process sleep without silently missing its fire time; periodically
// recomputing the remaining delay off clk.Now() gets the same property
// without inventing a second scheduling primitive.
const rearmCap = 24 * time.Hour

// Config tunes one Scheduler instance. Zero values fall back to spec.md
// §4.6's defaults via withDefaults.
type Config struct {
	Concurrency       int
	MaxRetries        int
	BaseDelay         time.Duration
	Backoff           float64
	MaxDelay          time.Duration
	ShutdownGrace     time.Duration
	CleanupInterval   time.Duration
	ImmediateDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.ImmediateDebounce <= 0 {
		c.ImmediateDebounce = time.Second
	}
	return c
}

// runtimeJob is the in-memory handle for a non-terminal job's armed
// timer. Jobs without a runtimeJob entry are either terminal or
// currently sitting in the dispatch queue waiting for a worker.
type runtimeJob struct {
	timer clock.Timer
}

// Scheduler is the Job Scheduler. One instance owns the full set of
// jobs for the process's lifetime.
type Scheduler struct {
	store    store.JobStore
	resolver Resolver
	clk      clock.Clock
	cfg      Config

	q *queue.Queue

	mu      sync.Mutex
	timers  map[string]*runtimeJob
	started bool

	stopCleanup  chan struct{}
	cleanupDone  chan struct{}
	shutdownOnce sync.Once

	metrics *observability.Prom
}

// New constructs a Scheduler. Call Start before scheduling any job.
func New(st store.JobStore, resolver Resolver, clk clock.Clock, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.Real
	}
	return &Scheduler{
		store:    st,
		resolver: resolver,
		clk:      clk,
		cfg:      cfg.withDefaults(),
		timers:   make(map[string]*runtimeJob),
	}
}

// WithMetrics attaches a Prom instance the Scheduler reports job
// outcomes and queue depth to. Optional; a nil metrics struct (the
// zero-value Scheduler) records nothing.
func (s *Scheduler) WithMetrics(m *observability.Prom) *Scheduler {
	s.metrics = m
	return s
}

// Start wires the dispatch queue to ctx's lifetime, recovers persisted
// jobs (spec.md §4.6 step "initialize"), and begins the periodic
// cleanup loop. ctx's cancellation is the signal the owned queue workers
// use to stop; callers should still call Shutdown to wait for drain.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.q = queue.New(ctx, s.cfg.Concurrency, s.cfg.Concurrency*4)
	s.stopCleanup = make(chan struct{})
	s.cleanupDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.initialize(ctx); err != nil {
		return err
	}

	go s.cleanupLoop(ctx)
	return nil
}

// initialize performs crash recovery: load every persisted job, drop
// the ones already terminal, and re-arm or re-enqueue the rest.
func (s *Scheduler) initialize(ctx context.Context) error {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return oraclerr.Wrap(oraclerr.Transient, "scheduler.initialize", "failed to load persisted jobs", err)
	}

	for _, j := range jobs {
		if j.IsTerminal() {
			continue
		}
		s.recover(ctx, j)
	}

	if _, err := s.store.Cleanup(ctx); err != nil {
		slog.Default().WarnContext(ctx, "scheduler.initialize_cleanup_failed", "error", err)
	}
	return nil
}

func (s *Scheduler) recover(ctx context.Context, j job.Job) {
	logger := slog.Default().With("job_id", j.ID, "market", j.MarketID.Hex())

	if j.Status == job.StatusExecuting {
		// The process died mid-execution; we don't know if the chain
		// call landed, so treat it like a due job and let the
		// Resolution Service's idempotent commit/finalize semantics
		// sort out whether there's anything left to do.
		logger.InfoContext(ctx, "scheduler.recover_executing_as_due")
		s.enqueue(ctx, j.ID)
		return
	}

	if j.Status == job.StatusFailed {
		logger.InfoContext(ctx, "scheduler.recover_failed_with_retries", "retry_count", j.RetryCount)
		s.armRetry(ctx, j)
		return
	}

	if !j.ResolveTime.After(s.clk.Now()) {
		logger.InfoContext(ctx, "scheduler.recover_due_now")
		s.enqueue(ctx, j.ID)
		return
	}

	logger.InfoContext(ctx, "scheduler.recover_armed", "resolve_time", j.ResolveTime)
	s.arm(ctx, j.ID, j.ResolveTime)
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if n, err := s.store.Cleanup(ctx); err != nil {
				slog.Default().WarnContext(ctx, "scheduler.cleanup_failed", "error", err)
			} else if n > 0 {
				slog.Default().InfoContext(ctx, "scheduler.cleanup_removed", "count", n)
			}
		}
	}
}

// ScheduleMarketResolution idempotently schedules a resolution job for
// marketID: the "one non-terminal job per market" invariant (spec.md §5)
// means a market with an existing non-terminal job is rearmed in place
// rather than given a second job, so a duplicate or replayed webhook
// delivery (spec.md §4.9, the S6 duplicate-webhook edge case) is always
// safe to call again. Per spec.md §4.6 step 3, a resolveTime at or
// before now (within ImmediateDebounce) produces an IMMEDIATE dispatch
// straight to the queue; anything further out arms a timer.
func (s *Scheduler) ScheduleMarketResolution(ctx context.Context, marketID common.Address, title string, resolveTime time.Time, correlationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "scheduler.schedule_market_resolution", trace.WithAttributes(
		attribute.String("market.address", marketID.Hex()),
	))
	defer span.End()

	if correlationID == "" {
		correlationID = clock.NewCorrelationID()
	}
	now := s.clk.Now()

	existing, err := s.findNonTerminalJob(ctx, marketID)
	if err != nil {
		return "", err
	}

	var j job.Job
	if existing != nil {
		if existing.Status == job.StatusExecuting {
			// Already running a resolution attempt for this market; the
			// Resolution Service re-reads market state fresh from the
			// chain adapter, so there is nothing useful to rearm.
			return existing.ID, nil
		}

		newType := job.TypeTimeBased
		if !resolveTime.After(now) {
			newType = job.TypeImmediate
		}
		scheduled := job.StatusScheduled
		zeroRetry := 0
		rt := resolveTime
		updated, err := s.store.UpdateJob(ctx, existing.ID, store.Patch{
			Status:        &scheduled,
			Type:          &newType,
			RetryCount:    &zeroRetry,
			ClearLastErr:  true,
			ResolveTime:   &rt,
			CorrelationID: &correlationID,
		})
		if err != nil {
			return "", oraclerr.Wrap(oraclerr.Transient, "scheduler.schedule", "failed to rearm existing job", err)
		}
		s.stopTimer(updated.ID)
		j = updated
	} else {
		j = job.New(marketID, title, resolveTime, now, s.cfg.MaxRetries, correlationID)
		if err := s.store.SaveJob(ctx, j); err != nil {
			return "", oraclerr.Wrap(oraclerr.Transient, "scheduler.schedule", "failed to persist new job", err)
		}
	}

	debounced := j.ResolveTime
	if !debounced.After(now.Add(s.cfg.ImmediateDebounce)) {
		debounced = now
	}

	if !debounced.After(now) {
		s.enqueue(ctx, j.ID)
	} else {
		s.arm(ctx, j.ID, debounced)
	}
	return j.ID, nil
}

// ErrNoJobForMarket is returned by TriggerNow when marketID has no
// non-terminal job to trigger.
var ErrNoJobForMarket = errors.New("scheduler: no non-terminal job for market")

// TriggerNow is the manual-resolution-trigger entrypoint (spec.md §4.9,
// POST /resolve/{marketId}): it behaves exactly as a fired timer for
// marketID's existing job — cancel whatever timer is armed and dispatch
// immediately — rather than creating or rearming a job.
func (s *Scheduler) TriggerNow(ctx context.Context, marketID common.Address) (string, error) {
	existing, err := s.findNonTerminalJob(ctx, marketID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", ErrNoJobForMarket
	}
	if existing.Status == job.StatusExecuting {
		return existing.ID, nil
	}
	s.stopTimer(existing.ID)
	s.enqueue(ctx, existing.ID)
	return existing.ID, nil
}

// Jobs returns every persisted job, for the §4.9 GET /jobs endpoint.
func (s *Scheduler) Jobs(ctx context.Context) ([]job.Job, error) {
	return s.store.LoadJobs(ctx)
}

// QueuePending reports the dispatch queue's current depth and capacity,
// for the §4.9 GET /health endpoint.
func (s *Scheduler) QueuePending() (depth, capacity int) {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return 0, 0
	}
	depth, capacity = q.Pending()
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
	return depth, capacity
}

func (s *Scheduler) findNonTerminalJob(ctx context.Context, marketID common.Address) (*job.Job, error) {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return nil, oraclerr.Wrap(oraclerr.Transient, "scheduler.schedule", "failed to load jobs for idempotency check", err)
	}
	for i := range jobs {
		if jobs[i].MarketID == marketID && !jobs[i].IsTerminal() {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

func (s *Scheduler) stopTimer(jobID string) {
	s.mu.Lock()
	if rt, ok := s.timers[jobID]; ok {
		rt.timer.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()
}

// arm schedules jobID to become due at fireAt, recomputing and re-arming
// in rearmCap-sized chunks for far-future times (see rearmCap).
func (s *Scheduler) arm(ctx context.Context, jobID string, fireAt time.Time) {
	wait := fireAt.Sub(s.clk.Now())
	if wait <= 0 {
		s.enqueue(ctx, jobID)
		return
	}
	if wait > rearmCap {
		wait = rearmCap
	}

	timer := s.clk.NewTimer(wait)
	s.mu.Lock()
	s.timers[jobID] = &runtimeJob{timer: timer}
	s.mu.Unlock()

	go func() {
		select {
		case <-timer.C():
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		_, stillArmed := s.timers[jobID]
		delete(s.timers, jobID)
		s.mu.Unlock()
		if !stillArmed {
			return // cancelled
		}

		if fireAt.Sub(s.clk.Now()) > 0 {
			s.arm(ctx, jobID, fireAt) // woke early for a rearmCap recheck
			return
		}
		s.enqueue(ctx, jobID)
	}()
}

// armRetry arms a FAILED-with-retries-remaining job using the backoff
// formula instead of its original resolveTime.
func (s *Scheduler) armRetry(ctx context.Context, j job.Job) {
	delay := RetryDelay(j.RetryCount, s.cfg.BaseDelay, s.cfg.Backoff, s.cfg.MaxDelay, nil)
	s.arm(ctx, j.ID, s.clk.Now().Add(delay))
}

func (s *Scheduler) enqueue(ctx context.Context, jobID string) {
	s.q.Submit(ctx, func(ctx context.Context) {
		s.executeJob(ctx, jobID)
	})
}

// executeJob runs one resolution attempt for jobID: SCHEDULED/RETRY ->
// EXECUTING -> COMPLETED, or EXECUTING -> FAILED (+ scheduled retry) /
// FAILED (terminal) on error, per spec.md §4.6 step 4.
func (s *Scheduler) executeJob(ctx context.Context, jobID string) {
	logger := slog.Default().With("job_id", jobID)

	if s.metrics != nil {
		s.metrics.JobsInFlight.Inc()
		defer s.metrics.JobsInFlight.Dec()
	}
	start := s.clk.Now()

	executing := job.StatusExecuting
	j, err := s.store.UpdateJob(ctx, jobID, store.Patch{Status: &executing})
	if err != nil {
		if errors.As(err, new(*store.ErrNotFound)) {
			logger.WarnContext(ctx, "scheduler.execute_unknown_job")
			return
		}
		logger.ErrorContext(ctx, "scheduler.execute_transition_failed", "error", err)
		return
	}

	ctx = actorctx.WithCorrelationID(ctx, j.CorrelationID)
	resolveErr := s.resolver.ResolveMarket(ctx, j.MarketID, j.CorrelationID)
	if resolveErr == nil {
		completed := job.StatusCompleted
		if _, err := s.store.UpdateJob(ctx, jobID, store.Patch{Status: &completed, ClearLastErr: true}); err != nil {
			logger.ErrorContext(ctx, "scheduler.mark_completed_failed", "error", err)
		}
		s.observeOutcome("completed", start)
		return
	}

	if oraclerr.KindOf(resolveErr) == oraclerr.Permanent {
		s.fail(ctx, j, resolveErr, logger)
		s.observeOutcome("failed", start)
		return
	}

	s.retryOrFail(ctx, j, resolveErr, logger)
}

func (s *Scheduler) observeOutcome(result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobResults.WithLabelValues(result).Inc()
	s.metrics.JobDuration.WithLabelValues(result).Observe(s.clk.Now().Sub(start).Seconds())
}

func (s *Scheduler) retryOrFail(ctx context.Context, j job.Job, execErr error, logger *slog.Logger) {
	nextRetry := j.RetryCount + 1
	errMsg := execErr.Error()

	if nextRetry > j.MaxRetries {
		s.fail(ctx, j, execErr, logger)
		return
	}

	failed := job.StatusFailed
	updated, err := s.store.UpdateJob(ctx, j.ID, store.Patch{
		Status:     &failed,
		RetryCount: &nextRetry,
		LastError:  &errMsg,
	})
	if err != nil {
		logger.ErrorContext(ctx, "scheduler.retry_transition_failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "scheduler.retry_scheduled", "retry_count", nextRetry, "error", errMsg)
	if s.metrics != nil {
		s.metrics.JobResults.WithLabelValues("retry").Inc()
	}
	s.armRetry(ctx, updated)
}

// fail parks j as terminally FAILED: RetryCount is pinned to MaxRetries
// so job.Job.IsTerminalFailed reports true and crash recovery never
// re-arms a retry for it, per spec.md §4.6 ("FAILED is terminal once
// retries are exhausted" applies immediately to a Permanent failure).
func (s *Scheduler) fail(ctx context.Context, j job.Job, execErr error, logger *slog.Logger) {
	failed := job.StatusFailed
	errMsg := execErr.Error()
	exhausted := j.MaxRetries
	if _, err := s.store.UpdateJob(ctx, j.ID, store.Patch{Status: &failed, RetryCount: &exhausted, LastError: &errMsg}); err != nil {
		logger.ErrorContext(ctx, "scheduler.fail_transition_failed", "error", err)
		return
	}
	logger.ErrorContext(ctx, "scheduler.job_failed_terminal", "error", errMsg)
}

// CancelJob stops jobID's armed timer (if any) and marks it CANCELLED.
// A job already EXECUTING is left to finish; cancellation is a no-op for
// it, per spec.md §4.6.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return oraclerr.Wrap(oraclerr.KindOf(err), "scheduler.cancel", "failed to load jobs", err)
	}
	for _, j := range jobs {
		if j.ID == jobID && j.Status == job.StatusExecuting {
			return nil
		}
	}

	s.stopTimer(jobID)

	cancelled := job.StatusCancelled
	_, err = s.store.UpdateJob(ctx, jobID, store.Patch{Status: &cancelled})
	if err != nil {
		return oraclerr.Wrap(oraclerr.KindOf(err), "scheduler.cancel", "failed to mark job cancelled", err)
	}
	return nil
}

// Shutdown stops the cleanup loop, cancels every armed timer, and waits
// up to cfg.ShutdownGrace for in-flight work to finish.
func (s *Scheduler) Shutdown() bool {
	ok := true
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return
		}
		close(s.stopCleanup)
		for id, rt := range s.timers {
			rt.timer.Stop()
			delete(s.timers, id)
		}
		q := s.q
		s.mu.Unlock()

		<-s.cleanupDone
		ok = q.Shutdown(s.cfg.ShutdownGrace)
	})
	return ok
}

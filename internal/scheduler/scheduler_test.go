package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/oraclerunner/runner/internal/clock"
	"github.com/oraclerunner/runner/internal/job"
	"github.com/oraclerunner/runner/internal/oraclerr"
	"github.com/oraclerunner/runner/internal/store"
)

type scriptedResolver struct {
	mu      sync.Mutex
	results []error // consumed in order, one per call; last value repeats once exhausted
	calls   int
}

func (r *scriptedResolver) ResolveMarket(ctx context.Context, marketAddress common.Address, correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.calls
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	r.calls++
	return r.results[idx]
}

func (r *scriptedResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() Config {
	return Config{
		Concurrency:       1,
		MaxRetries:        3,
		BaseDelay:         10 * time.Millisecond,
		Backoff:           2,
		MaxDelay:          time.Second,
		ShutdownGrace:     time.Second,
		CleanupInterval:   time.Hour,
		ImmediateDebounce: time.Millisecond,
	}
}

// waitForStatus polls the store for a short real-time window; the queue
// dispatches onto real goroutines regardless of which Clock the scheduler
// otherwise uses, so tests that exercise dispatch (not just arming) can't
// avoid a bounded real-time wait.
func waitForStatus(t *testing.T, st store.JobStore, jobID string, want job.Status, timeout time.Duration) job.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		jobs, err := st.LoadJobs(context.Background())
		require.NoError(t, err)
		for _, j := range jobs {
			if j.ID == jobID && j.Status == want {
				return j
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return job.Job{}
}

func mustFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestScheduleMarketResolutionRunsImmediateJobToCompletion(t *testing.T) {
	st := mustFileStore(t)
	resolver := &scriptedResolver{results: []error{nil}}
	fc := clock.NewFake(time.Now())
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	jobID, err := sched.ScheduleMarketResolution(ctx, common.HexToAddress("0x1"), "t", fc.Now(), "corr-1")
	require.NoError(t, err)

	got := waitForStatus(t, st, jobID, job.StatusCompleted, time.Second)
	require.Equal(t, 0, got.RetryCount, "expected no retries on first success")
}

func TestScheduleMarketResolutionRetriesTransientFailure(t *testing.T) {
	st := mustFileStore(t)
	transientErr := oraclerr.New(oraclerr.Transient, "test", "boom", nil)
	resolver := &scriptedResolver{results: []error{transientErr, nil}}
	fc := clock.NewFake(time.Now())
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	jobID, err := sched.ScheduleMarketResolution(ctx, common.HexToAddress("0x2"), "t", fc.Now(), "corr-2")
	require.NoError(t, err)

	waitForStatus(t, st, jobID, job.StatusFailed, time.Second)

	// Advance well past the ~10ms jittered retry delay
	// to fire the armed retry timer.
	fc.Advance(50 * time.Millisecond)

	got := waitForStatus(t, st, jobID, job.StatusCompleted, time.Second)
	require.Equal(t, 1, got.RetryCount, "expected exactly one retry")
	require.Equal(t, 2, resolver.callCount(), "expected resolver called twice")
}

func TestScheduleMarketResolutionPermanentFailureSkipsRetry(t *testing.T) {
	st := mustFileStore(t)
	permErr := oraclerr.New(oraclerr.Permanent, "test", "nope", nil)
	resolver := &scriptedResolver{results: []error{permErr}}
	fc := clock.NewFake(time.Now())
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	jobID, err := sched.ScheduleMarketResolution(ctx, common.HexToAddress("0x3"), "t", fc.Now(), "corr-3")
	require.NoError(t, err)

	waitForStatus(t, st, jobID, job.StatusFailed, time.Second)

	fc.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, resolver.callCount(), "expected no retry for a permanent failure")
}

func TestCancelJobStopsArmedTimer(t *testing.T) {
	st := mustFileStore(t)
	resolver := &scriptedResolver{results: []error{nil}}
	fc := clock.NewFake(time.Now())
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	future := fc.Now().Add(time.Hour)
	jobID, err := sched.ScheduleMarketResolution(ctx, common.HexToAddress("0x4"), "t", future, "corr-4")
	require.NoError(t, err)

	require.NoError(t, sched.CancelJob(ctx, jobID))

	fc.Advance(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 0, resolver.callCount(), "expected cancelled job to never dispatch")

	jobs, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.ID == jobID {
			require.Equal(t, job.StatusCancelled, j.Status)
		}
	}
}

func TestScheduleMarketResolutionRearmsExistingNonTerminalJob(t *testing.T) {
	st := mustFileStore(t)
	resolver := &scriptedResolver{results: []error{nil}}
	fc := clock.NewFake(time.Now())
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	addr := common.HexToAddress("0x6")
	firstID, err := sched.ScheduleMarketResolution(ctx, addr, "t", fc.Now().Add(time.Hour), "corr-a")
	require.NoError(t, err)

	secondID, err := sched.ScheduleMarketResolution(ctx, addr, "t", fc.Now().Add(2*time.Hour), "corr-b")
	require.NoError(t, err)
	require.Equal(t, firstID, secondID, "expected rearm to reuse the job id")

	jobs, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	count := 0
	for _, j := range jobs {
		if j.MarketID == addr {
			count++
		}
	}
	require.Equal(t, 1, count, "expected exactly one job for the market")
}

func TestInitializeRecoversDueJobOnRestart(t *testing.T) {
	st := mustFileStore(t)
	now := time.Now()
	j := job.New(common.HexToAddress("0x5"), "t", now.Add(-time.Minute), now.Add(-time.Minute), 3, "corr-5")
	require.NoError(t, st.SaveJob(context.Background(), j))

	resolver := &scriptedResolver{results: []error{nil}}
	fc := clock.NewFake(now)
	sched := New(st, resolver, fc, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sched.Start(ctx))
	defer sched.Shutdown()

	waitForStatus(t, st, j.ID, job.StatusCompleted, time.Second)
}

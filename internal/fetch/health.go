package fetch

import (
	"sync"
	"time"
)

// health tracks one fetcher's liveness and recent performance. Adapted
// from the teacher's notifications.ProtectedNotifier consecutive-failure
// counter, simplified from a three-state circuit breaker into the
// two-state healthy/unhealthy model spec.md §4.2 describes: fetch
// failures and the periodic health loop both mutate it directly, and an
// operator can force it back to healthy with MarkHealthy.
type health struct {
	mu sync.Mutex

	healthy   bool
	lastCheck time.Time
	lastError string

	totalFetches    int64
	errorCount      int64
	totalResponseMs float64
	lastFetch       *time.Time
}

func newHealth() *health {
	return &health{healthy: true}
}

func (h *health) recordSuccess(elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalFetches++
	h.totalResponseMs += float64(elapsed.Milliseconds())
	now := time.Now()
	h.lastFetch = &now
	h.healthy = true
	h.lastError = ""
}

func (h *health) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalFetches++
	h.errorCount++
	h.healthy = false
	if err != nil {
		h.lastError = err.Error()
	}
}

func (h *health) recordProbe(healthy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.healthy = healthy
}

func (h *health) markHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = true
	h.lastError = ""
}

func (h *health) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// errorRate is used only to break ties among otherwise equal-priority
// candidates, per spec.md §4.2's priority policy.
func (h *health) errorRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalFetches == 0 {
		return 0
	}
	return float64(h.errorCount) / float64(h.totalFetches)
}

func (h *health) snapshot(name string) FetcherInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	avg := 0.0
	successCount := h.totalFetches - h.errorCount
	if successCount > 0 {
		avg = h.totalResponseMs / float64(successCount)
	}
	return FetcherInfo{
		Name:              name,
		Healthy:           h.healthy,
		LastCheck:         h.lastCheck,
		LastError:         h.lastError,
		TotalFetches:      h.totalFetches,
		ErrorCount:        h.errorCount,
		AvgResponseTimeMs: avg,
		LastFetch:         h.lastFetch,
	}
}

package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// Defaults from spec.md §4.6's retry policy.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultBackoff   = 2.0
	DefaultMaxDelay  = 10 * DefaultBaseDelay
)

// RetryDelay implements spec.md §4.6's mandated formula:
// delay(retryCount) = min(baseDelay * backoff^(retryCount-1), maxDelay),
// plus up to 10% random jitter added on top (never subtracted, so a
// retry is never scheduled earlier than the un-jittered delay).
// jitter must return a value in [0, 1); pass nil to use math/rand.
func RetryDelay(retryCount int, baseDelay time.Duration, backoff float64, maxDelay time.Duration, jitter func() float64) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if jitter == nil {
		jitter = rand.Float64
	}

	raw := float64(baseDelay) * math.Pow(backoff, float64(retryCount-1))
	if maxDelay > 0 && raw > float64(maxDelay) {
		raw = float64(maxDelay)
	}

	return time.Duration(raw + raw*0.1*jitter())
}

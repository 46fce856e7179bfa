// Package clock abstracts monotonic time and per-request correlation IDs so
// the scheduler's timing logic is testable without sleeping in tests.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the time source every timed component depends on instead of
// calling time.Now/time.NewTimer directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer the scheduler needs, so a fake
// clock can hand back a fake timer in tests.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

// Real is the production Clock, backed by the standard library.
var Real Clock = realClock{}

func (realClock) Now() time.Time                       { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer        { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// NewCorrelationID mints a fresh correlation ID for a job or request,
// threaded through logs and spans for that unit of work.
func NewCorrelationID() string {
	return uuid.NewString()
}

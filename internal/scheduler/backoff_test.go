package scheduler

import (
	"testing"
	"time"
)

func TestRetryDelayGrowsExponentially(t *testing.T) {
	noJitter := func() float64 { return 0 }

	got1 := RetryDelay(1, 5*time.Second, 2, 50*time.Second, noJitter)
	if got1 != 5*time.Second {
		t.Fatalf("retry 1: want 5s, got %v", got1)
	}

	got2 := RetryDelay(2, 5*time.Second, 2, 50*time.Second, noJitter)
	if got2 != 10*time.Second {
		t.Fatalf("retry 2: want 10s, got %v", got2)
	}

	got3 := RetryDelay(3, 5*time.Second, 2, 50*time.Second, noJitter)
	if got3 != 20*time.Second {
		t.Fatalf("retry 3: want 20s, got %v", got3)
	}
}

func TestRetryDelayCapsAtMaxDelay(t *testing.T) {
	noJitter := func() float64 { return 0 }
	got := RetryDelay(10, 5*time.Second, 2, 50*time.Second, noJitter)
	if got != 50*time.Second {
		t.Fatalf("want capped at 50s, got %v", got)
	}
}

func TestRetryDelayAddsJitterWithoutGoingBelowRaw(t *testing.T) {
	maxJitter := func() float64 { return 1 }
	got := RetryDelay(1, 5*time.Second, 2, 50*time.Second, maxJitter)
	if got != 5*time.Second+500*time.Millisecond {
		t.Fatalf("want 5.5s with max jitter, got %v", got)
	}

	zeroJitter := func() float64 { return 0 }
	base := RetryDelay(1, 5*time.Second, 2, 50*time.Second, zeroJitter)
	if got < base {
		t.Fatalf("jittered delay %v should never be below un-jittered %v", got, base)
	}
}

func TestRetryDelayClampsRetryCountBelowOne(t *testing.T) {
	noJitter := func() float64 { return 0 }
	got := RetryDelay(0, 5*time.Second, 2, 50*time.Second, noJitter)
	if got != 5*time.Second {
		t.Fatalf("retryCount<1 should behave like retryCount=1, got %v", got)
	}
}

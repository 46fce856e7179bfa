package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsSubmittedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 2, 4)
	var count int64
	for i := 0; i < 10; i++ {
		if !q.Submit(ctx, func(ctx context.Context) {
			atomic.AddInt64(&count, 1)
		}) {
			t.Fatalf("Submit failed unexpectedly")
		}
	}

	if ok := q.Shutdown(2 * time.Second); !ok {
		t.Fatalf("Shutdown exceeded grace period")
	}
	if got := atomic.LoadInt64(&count); got != 10 {
		t.Fatalf("expected 10 tasks run, got %d", got)
	}
}

func TestQueueShutdownGraceExceeded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 1, 1)
	q.Submit(ctx, func(ctx context.Context) {
		time.Sleep(200 * time.Millisecond)
	})

	if ok := q.Shutdown(10 * time.Millisecond); ok {
		t.Fatalf("expected grace period to be exceeded")
	}
}

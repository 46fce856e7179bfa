// Package store is the durable key/value Persistence Store for Job
// records (spec.md §4.1). FileStore is the reference implementation —
// a single append-rewrite JSON file, crash-safe via write-temp-then-rename
// — but the JobStore interface lets a database substitute for it, per
// spec.md §9 ("implementations are free to substitute an embedded KV
// store or a relational table").
package store

import (
	"context"
	"time"

	"github.com/oraclerunner/runner/internal/job"
)

// Patch describes a partial update to a Job; zero-value fields are
// ignored except where a pointer is used to express "set to empty".
type Patch struct {
	Status        *job.Status
	Type          *job.Type
	RetryCount    *int
	LastError     *string
	ClearLastErr  bool
	CorrelationID *string
	ResolveTime   *time.Time
}

// JobStore is the Persistence Store contract from spec.md §4.1.
type JobStore interface {
	SaveJob(ctx context.Context, j job.Job) error
	UpdateJob(ctx context.Context, id string, patch Patch) (job.Job, error)
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]job.Job, error)
	Cleanup(ctx context.Context) (int, error)
}

// ErrNotFound is returned by UpdateJob/DeleteJob for an unknown id.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return "job not found: " + e.ID }

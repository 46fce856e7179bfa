// Package job holds the Job entity the Scheduler owns: a durable record
// of a scheduled or in-flight resolution attempt for one market. Grounded
// on the teacher's internal/domain/job package, generalized from a
// generic payload worker-job to the market-resolution job spec.md §3
// describes.
package job

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the job's lifecycle state.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether Status never transitions out again.
// FAILED is only terminal once retries are exhausted — callers must check
// RetryCount/MaxRetries alongside Status for that case.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type distinguishes how a job was armed.
type Type string

const (
	TypeTimeBased Type = "TIME_BASED"
	TypeImmediate Type = "IMMEDIATE"
	TypeRetry     Type = "RETRY"
)

// Job is the runner-owned record of one market's resolution attempt.
type Job struct {
	ID            string         `json:"id"`
	MarketID      common.Address `json:"marketId"`
	Title         string         `json:"title"`
	ResolveTime   time.Time      `json:"resolveTime"`
	Status        Status         `json:"status"`
	Type          Type           `json:"type"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	LastError     string         `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// IsTerminalFailed reports the one case where FAILED is terminal: retries
// exhausted. A FAILED job with retries remaining is recovered as a retry.
func (j Job) IsTerminalFailed() bool {
	return j.Status == StatusFailed && j.RetryCount >= j.MaxRetries
}

// IsTerminal reports whether j will never transition again.
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal() || j.IsTerminalFailed()
}

// DeriveID builds the job's id deterministically from the market address
// and its creation timestamp, per spec.md §3 ("derived from market address
// + creation timestamp").
func DeriveID(marketID common.Address, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", marketID.Hex(), createdAt.UnixNano())
}

// New constructs a fresh SCHEDULED job for marketID, choosing IMMEDIATE vs
// TIME_BASED per spec.md §4.6 step 3.
func New(marketID common.Address, title string, resolveTime, now time.Time, maxRetries int, correlationID string) Job {
	jobType := TypeTimeBased
	if !resolveTime.After(now) {
		jobType = TypeImmediate
	}
	return Job{
		ID:            DeriveID(marketID, now),
		MarketID:      marketID,
		Title:         title,
		ResolveTime:   resolveTime,
		Status:        StatusScheduled,
		Type:          jobType,
		RetryCount:    0,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}
}

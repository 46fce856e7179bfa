// Package oraclerr defines the error taxonomy the Scheduler and Resolution
// Service branch on. Every component-level failure is mapped into one of
// these kinds before it crosses a package boundary.
package oraclerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the policy it implies, not by its source.
type Kind string

const (
	// Transient failures are retried with backoff up to maxRetries.
	Transient Kind = "transient"
	// Permanent failures collapse the job to terminal FAILED immediately.
	Permanent Kind = "permanent"
	// AlreadyTerminal means the market was already resolved or cancelled;
	// treated as success by the scheduler.
	AlreadyTerminal Kind = "already_terminal"
	// NoFetcher means the registry had no candidate for the subject.
	NoFetcher Kind = "no_fetcher"
	// AllFailed means every candidate fetcher failed on this attempt.
	AllFailed Kind = "all_failed"
	// ConflictingCommit means the oracle already holds a different
	// committed outcome than the one we computed.
	ConflictingCommit Kind = "conflicting_commit"
	// ConfigurationError means the process cannot start as configured.
	ConfigurationError Kind = "configuration_error"
)

// Error wraps a causing error with a Kind so callers can branch on Kind
// while errors.Is/As still reach the original cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, oraclerr.ErrNoFetcherCandidate) matches any NoFetcher error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Transientf(op, format string, args ...any) *Error {
	return &Error{Kind: Transient, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Permanentf(op, format string, args ...any) *Error {
	return &Error{Kind: Permanent, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to Permanent for unrecognized
// errors — the Resolution Service never silently swallows an unknown error,
// it surfaces it as a non-retryable failure so an operator notices.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Permanent
}

var (
	ErrNoFetcherCandidate = New(NoFetcher, "registry.fetch", "no candidate fetcher for subject", nil)
	ErrAllFetchersFailed  = New(AllFailed, "registry.fetch", "every candidate fetcher failed", nil)
)

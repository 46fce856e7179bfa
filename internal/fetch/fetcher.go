// Package fetch implements the Metric Fetcher interface and Registry
// (spec.md §4.2): a pluggable set of upstream data sources, each wrapped
// with health tracking and fallback ordering so the Resolution Service
// always asks the registry for "a value", never a specific source.
package fetch

import (
	"context"
	"time"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
)

// Fetcher is one upstream metric source.
type Fetcher interface {
	Name() string
	SupportedSubjects() []market.SubjectKind
	CanFetch(subject market.Subject) bool
	FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time) (metric.Value, error)
	IsHealthy(ctx context.Context) bool
}

// FetcherInfo is the cumulative, read-only stats view of one fetcher,
// per spec.md §3's Fetcher Health entity.
type FetcherInfo struct {
	Name              string
	Healthy           bool
	LastCheck         time.Time
	LastError         string
	TotalFetches      int64
	ErrorCount        int64
	AvgResponseTimeMs float64
	LastFetch         *time.Time
}

// Result is what the registry hands back from a successful fetch.
type Result struct {
	Value        metric.Value
	FetcherName  string
	FetchTimeMs  float64
	FromFallback bool
}

package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
	"github.com/oraclerunner/runner/internal/oraclerr"
)

type stubFetcher struct {
	name    string
	kinds   []market.SubjectKind
	fail    bool
	healthy bool
	calls   int
}

func (s *stubFetcher) Name() string                               { return s.name }
func (s *stubFetcher) SupportedSubjects() []market.SubjectKind     { return s.kinds }
func (s *stubFetcher) CanFetch(subject market.Subject) bool        { return subject.Kind == s.kinds[0] }
func (s *stubFetcher) IsHealthy(ctx context.Context) bool          { return s.healthy }
func (s *stubFetcher) FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time) (metric.Value, error) {
	s.calls++
	if s.fail {
		return metric.Value{}, errors.New("boom")
	}
	return metric.New(1, 0, atTime, s.name), nil
}

func genericSubject() market.Subject {
	return market.Subject{Kind: market.SubjectGeneric, SourceID: "x"}
}

func TestRegistryRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry(1, time.Hour)
	f := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	require.NoError(t, r.Register(f))
	require.Error(t, r.Register(f), "expected AlreadyRegistered error")
}

func TestRegistryFetchMetricNoCandidate(t *testing.T) {
	r := NewRegistry(1, time.Hour)
	_, err := r.FetchMetric(context.Background(), genericSubject(), time.Now(), "", "")
	require.ErrorIs(t, err, oraclerr.ErrNoFetcherCandidate)
}

func TestRegistryFetchMetricFallsBackOnFailure(t *testing.T) {
	r := NewRegistry(2, time.Hour)
	primary := &stubFetcher{name: "primary", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true, fail: true}
	fallback := &stubFetcher{name: "fallback", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	require.NoError(t, r.Register(primary))
	require.NoError(t, r.Register(fallback))

	res, err := r.FetchMetric(context.Background(), genericSubject(), time.Now(), "", "")
	require.NoError(t, err)
	require.Equal(t, "fallback", res.FetcherName)
	require.True(t, res.FromFallback, "expected fallback result, got %+v", res)
}

func TestRegistryFetchMetricAllFailed(t *testing.T) {
	r := NewRegistry(2, time.Hour)
	a := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true, fail: true}
	b := &stubFetcher{name: "b", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true, fail: true}
	_ = r.Register(a)
	_ = r.Register(b)

	_, err := r.FetchMetric(context.Background(), genericSubject(), time.Now(), "", "")
	require.ErrorIs(t, err, oraclerr.ErrAllFetchersFailed)
}

func TestRegistryPrefersNamedPrimarySource(t *testing.T) {
	r := NewRegistry(2, time.Hour)
	a := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	b := &stubFetcher{name: "b", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	_ = r.Register(a)
	_ = r.Register(b)

	candidates := r.GetFetchersForSubject(genericSubject(), "b", "a")
	require.Equal(t, []string{"b", "a"}, candidates)
}

func TestRegistryFetchMetricMultiSourceReturnsAllSuccesses(t *testing.T) {
	r := NewRegistry(4, time.Hour)
	a := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	b := &stubFetcher{name: "b", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true, fail: true}
	c := &stubFetcher{name: "c", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	_ = r.Register(a)
	_ = r.Register(b)
	_ = r.Register(c)

	results, err := r.FetchMetricMultiSource(context.Background(), genericSubject(), time.Now(), 3, "", "")
	require.NoError(t, err)
	require.Len(t, results, 2, "expected 2 successful results, got %+v", results)
}

func TestRegistryUnhealthyFetcherExcluded(t *testing.T) {
	r := NewRegistry(1, time.Hour)
	a := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: false}
	_ = r.Register(a)
	r.probeAll(context.Background())

	candidates := r.GetFetchersForSubject(genericSubject(), "", "")
	require.Empty(t, candidates, "expected no eligible candidates")
}

func TestRegistryMarkHealthyRestoresEligibility(t *testing.T) {
	r := NewRegistry(2, time.Hour)
	a := &stubFetcher{name: "a", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true, fail: true}
	b := &stubFetcher{name: "b", kinds: []market.SubjectKind{market.SubjectGeneric}, healthy: true}
	_ = r.Register(a)
	_ = r.Register(b)

	_, err := r.FetchMetric(context.Background(), genericSubject(), time.Now(), "", "")
	require.NoError(t, err)

	// a should now be marked unhealthy from the failed attempt above
	candidates := r.GetFetchersForSubject(genericSubject(), "", "")
	require.NotContains(t, candidates, "a", "expected a to be excluded after failure")

	r.MarkHealthy("a")
	candidates = r.GetFetchersForSubject(genericSubject(), "", "")
	require.Contains(t, candidates, "a", "expected a to be eligible again after MarkHealthy")
}

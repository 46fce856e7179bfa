package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
)

// GenericSourceConfig describes one SubjectGeneric source: an HTTP
// endpoint returning a JSON object with a single numeric-or-string
// field holding the value.
type GenericSourceConfig struct {
	SourceID     string
	URL          string
	ValueField   string // top-level JSON field name
	ValueDecimals uint8
}

const (
	genericDefaultTimeout   = 10 * time.Second
	genericDefaultRateLimit = 5
)

// GenericHTTPFetcher serves SubjectGeneric subjects whose sourceId maps
// to a configured REST endpoint — the escape hatch for markets whose
// metric isn't covered by a dedicated fetcher. Grounded on the same
// net/http + golang.org/x/time/rate client shape as HyperliquidFetcher
// and CoinbaseFetcher.
type GenericHTTPFetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	sources    map[string]GenericSourceConfig
}

func NewGenericHTTPFetcher(requestsPerSecond int, sources []GenericSourceConfig) *GenericHTTPFetcher {
	if requestsPerSecond <= 0 {
		requestsPerSecond = genericDefaultRateLimit
	}
	byID := make(map[string]GenericSourceConfig, len(sources))
	for _, s := range sources {
		byID[s.SourceID] = s
	}
	return &GenericHTTPFetcher{
		httpClient: &http.Client{Timeout: genericDefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		sources:    byID,
	}
}

func (f *GenericHTTPFetcher) Name() string { return "generic-http" }

func (f *GenericHTTPFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectGeneric}
}

func (f *GenericHTTPFetcher) CanFetch(subject market.Subject) bool {
	if subject.Kind != market.SubjectGeneric {
		return false
	}
	_, ok := f.sources[subject.SourceID]
	return ok
}

func (f *GenericHTTPFetcher) FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time) (metric.Value, error) {
	cfg, ok := f.sources[subject.SourceID]
	if !ok {
		return metric.Value{}, fmt.Errorf("generic-http: no source configured for %q", subject.SourceID)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return metric.Value{}, fmt.Errorf("generic-http: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return metric.Value{}, fmt.Errorf("generic-http: build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return metric.Value{}, fmt.Errorf("generic-http: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metric.Value{}, fmt.Errorf("generic-http: non-OK status %d for %s", resp.StatusCode, cfg.SourceID)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return metric.Value{}, fmt.Errorf("generic-http: decode response: %w", err)
	}
	raw, ok := body[cfg.ValueField]
	if !ok {
		return metric.Value{}, fmt.Errorf("generic-http: missing field %q in response", cfg.ValueField)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		// fall back to a bare numeric literal, e.g. 1234.5
		var asNumber json.Number
		if err2 := json.Unmarshal(raw, &asNumber); err2 != nil {
			return metric.Value{}, fmt.Errorf("generic-http: field %q is neither string nor number", cfg.ValueField)
		}
		asString = asNumber.String()
	}

	amount, decimals, err := parseDecimalString(asString, cfg.ValueDecimals)
	if err != nil {
		return metric.Value{}, fmt.Errorf("generic-http: parse value: %w", err)
	}

	return metric.Value{
		Amount:     amount,
		Decimals:   decimals,
		ObservedAt: atTime,
		SourceID:   cfg.SourceID,
	}, nil
}

func (f *GenericHTTPFetcher) IsHealthy(ctx context.Context) bool {
	f.httpClient.Timeout = genericDefaultTimeout
	for _, cfg := range f.sources {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			cancel()
			return false
		}
		resp, err := f.httpClient.Do(req)
		cancel()
		if err != nil || resp.StatusCode >= 500 {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		resp.Body.Close()
	}
	return true
}

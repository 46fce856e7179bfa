package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/metric"
)

const (
	hyperliquidDefaultBaseURL   = "https://api.hyperliquid.xyz"
	hyperliquidDefaultTimeout   = 10 * time.Second
	hyperliquidDefaultRateLimit = 5 // requests per second
	hyperliquidValueDecimals   = 8
)

// HyperliquidFetcher serves SubjectHyperliquidMetric subjects from
// Hyperliquid's info API. Rate limiting follows the teacher pack's ASX
// client pattern (golang.org/x/time/rate, one token bucket per client).
type HyperliquidFetcher struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHyperliquidFetcher builds a fetcher against the public info API.
func NewHyperliquidFetcher(baseURL string, requestsPerSecond int) *HyperliquidFetcher {
	if baseURL == "" {
		baseURL = hyperliquidDefaultBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = hyperliquidDefaultRateLimit
	}
	return &HyperliquidFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: hyperliquidDefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

func (f *HyperliquidFetcher) Name() string { return "hyperliquid" }

func (f *HyperliquidFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectHyperliquidMetric}
}

func (f *HyperliquidFetcher) CanFetch(subject market.Subject) bool {
	return subject.Kind == market.SubjectHyperliquidMetric && subject.MetricID != ""
}

type hyperliquidMetaAndCtxsRequest struct {
	Type string `json:"type"`
}

type hyperliquidAssetCtx struct {
	MarkPx string `json:"markPx"`
}

type hyperliquidUniverseAsset struct {
	Name string `json:"name"`
}

func (f *HyperliquidFetcher) FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time) (metric.Value, error) {
	if !f.CanFetch(subject) {
		return metric.Value{}, fmt.Errorf("hyperliquid: unsupported subject kind %q", subject.Kind)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: rate limit wait: %w", err)
	}

	body, err := json.Marshal(hyperliquidMetaAndCtxsRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/info", strings.NewReader(string(body)))
	if err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metric.Value{}, fmt.Errorf("hyperliquid: non-OK status %d", resp.StatusCode)
	}

	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: decode response: %w", err)
	}
	if len(payload) != 2 {
		return metric.Value{}, fmt.Errorf("hyperliquid: unexpected response shape")
	}

	var universe struct {
		Universe []hyperliquidUniverseAsset `json:"universe"`
	}
	if err := json.Unmarshal(payload[0], &universe); err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: decode universe: %w", err)
	}
	var assetCtxs []hyperliquidAssetCtx
	if err := json.Unmarshal(payload[1], &assetCtxs); err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: decode asset ctxs: %w", err)
	}

	idx := -1
	for i, a := range universe.Universe {
		if strings.EqualFold(a.Name, subject.MetricID) {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(assetCtxs) {
		return metric.Value{}, fmt.Errorf("hyperliquid: metric %q not found", subject.MetricID)
	}

	amount, decimals, err := parseDecimalString(assetCtxs[idx].MarkPx, hyperliquidValueDecimals)
	if err != nil {
		return metric.Value{}, fmt.Errorf("hyperliquid: parse markPx: %w", err)
	}

	return metric.Value{
		Amount:     amount,
		Decimals:   decimals,
		ObservedAt: atTime,
		SourceID:   f.Name(),
	}, nil
}

func (f *HyperliquidFetcher) IsHealthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, f.baseURL+"/info", nil)
	if err != nil {
		return false
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// Hyperliquid's /info rejects bare GET with 4xx; any response at all
	// (not a connection failure) means the host is reachable.
	return resp.StatusCode < 500
}

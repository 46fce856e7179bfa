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

const (
	coinbaseDefaultBaseURL   = "https://api.coinbase.com/v2"
	coinbaseDefaultTimeout   = 10 * time.Second
	coinbaseDefaultRateLimit = 5
	coinbaseValueDecimals    = 8
)

// CoinbaseFetcher serves SubjectTokenPrice subjects from Coinbase's
// public spot price endpoint. tokenSymbols maps a token address to the
// ticker symbol Coinbase expects (e.g. "ETH"), since the chain only
// gives the runner an address.
type CoinbaseFetcher struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	tokenSymbols map[string]string
}

func NewCoinbaseFetcher(baseURL string, requestsPerSecond int, tokenSymbols map[string]string) *CoinbaseFetcher {
	if baseURL == "" {
		baseURL = coinbaseDefaultBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = coinbaseDefaultRateLimit
	}
	if tokenSymbols == nil {
		tokenSymbols = map[string]string{}
	}
	return &CoinbaseFetcher{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: coinbaseDefaultTimeout},
		limiter:      rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		tokenSymbols: tokenSymbols,
	}
}

func (f *CoinbaseFetcher) Name() string { return "coinbase" }

func (f *CoinbaseFetcher) SupportedSubjects() []market.SubjectKind {
	return []market.SubjectKind{market.SubjectTokenPrice}
}

func (f *CoinbaseFetcher) CanFetch(subject market.Subject) bool {
	if subject.Kind != market.SubjectTokenPrice {
		return false
	}
	_, ok := f.tokenSymbols[subject.Token.Hex()]
	return ok
}

type coinbaseSpotPriceResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

func (f *CoinbaseFetcher) FetchMetric(ctx context.Context, subject market.Subject, atTime time.Time) (metric.Value, error) {
	symbol, ok := f.tokenSymbols[subject.Token.Hex()]
	if !ok {
		return metric.Value{}, fmt.Errorf("coinbase: no symbol mapping for token %s", subject.Token.Hex())
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return metric.Value{}, fmt.Errorf("coinbase: rate limit wait: %w", err)
	}

	reqURL := fmt.Sprintf("%s/prices/%s-USD/spot", f.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return metric.Value{}, fmt.Errorf("coinbase: build request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return metric.Value{}, fmt.Errorf("coinbase: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metric.Value{}, fmt.Errorf("coinbase: non-OK status %d for %s", resp.StatusCode, symbol)
	}

	var parsed coinbaseSpotPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return metric.Value{}, fmt.Errorf("coinbase: decode response: %w", err)
	}

	amount, decimals, err := parseDecimalString(parsed.Data.Amount, coinbaseValueDecimals)
	if err != nil {
		return metric.Value{}, fmt.Errorf("coinbase: parse amount: %w", err)
	}

	return metric.Value{
		Amount:     amount,
		Decimals:   decimals,
		ObservedAt: atTime,
		SourceID:   f.Name(),
	}, nil
}

func (f *CoinbaseFetcher) IsHealthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, f.baseURL+"/currencies", nil)
	if err != nil {
		return false
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

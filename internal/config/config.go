package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FetcherConfig describes one configured metric source, parsed from the
// FETCHERS_* environment family (spec.md §6's `fetchers.*`).
type FetcherConfig struct {
	Name              string
	Endpoint          string
	APIKey            string
	SupportedSubjects []string
	RequestsPerSecond int
}

// Config is the runner's full set of recognized options (spec.md §6).
type Config struct {
	Env string

	RPCURL                       string
	PrivateKey                   string
	FactoryAddress               string
	OracleAddress                string
	WebhookPort                  int
	WebhookSecret                string
	JobConcurrency               int
	RetryMaxAttempts             int
	RetryDelayBase               time.Duration
	GasLimitMultiplier           float64
	BackfillDepth                uint64
	DisputeWindowSecondsOverride *int64
	PersistenceDir               string
	Fetchers                     map[string]FetcherConfig
}

// Load builds Config from the process environment, in the teacher's
// getEnv/getEnvInt style extended with duration/float helpers.
func Load() Config {
	cfg := Config{
		Env:                 getEnv("APP_ENV", "dev"),
		RPCURL:              getEnv("RPC_URL", ""),
		PrivateKey:          getEnv("PRIVATE_KEY", ""),
		FactoryAddress:      getEnv("FACTORY_ADDRESS", ""),
		OracleAddress:       getEnv("ORACLE_ADDRESS", ""),
		WebhookPort:         getEnvInt("WEBHOOK_PORT", 8080),
		WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
		JobConcurrency:      getEnvInt("JOB_CONCURRENCY", 5),
		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryDelayBase:      getEnvDuration("RETRY_DELAY_BASE_MS", 5*time.Second),
		GasLimitMultiplier:  getEnvFloat("GAS_LIMIT_MULTIPLIER", 1.2),
		BackfillDepth:       uint64(getEnvInt("BACKFILL_DEPTH", 10_000)),
		PersistenceDir:      getEnv("PERSISTENCE_DIR", "./data"),
		Fetchers:            loadFetchers(),
	}

	if v := os.Getenv("DISPUTE_WINDOW_SECONDS_OVERRIDE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.DisputeWindowSecondsOverride = &n
		}
	}

	return cfg
}

// loadFetchers parses FETCHERS_<NAME>_* variables into FetcherConfig
// entries. FETCHERS_NAMES lists which names to look for, e.g.
// "hyperliquid,coinbase,generic".
func loadFetchers() map[string]FetcherConfig {
	out := make(map[string]FetcherConfig)
	names := getEnv("FETCHERS_NAMES", "")
	if names == "" {
		return out
	}

	for _, raw := range strings.Split(names, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		prefix := "FETCHERS_" + strings.ToUpper(name) + "_"
		subjects := getEnv(prefix+"SUBJECTS", "")
		var subjectList []string
		if subjects != "" {
			for _, s := range strings.Split(subjects, ",") {
				if s = strings.TrimSpace(s); s != "" {
					subjectList = append(subjectList, s)
				}
			}
		}
		out[name] = FetcherConfig{
			Name:              name,
			Endpoint:          getEnv(prefix+"ENDPOINT", ""),
			APIKey:            getEnv(prefix+"API_KEY", ""),
			SupportedSubjects: subjectList,
			RequestsPerSecond: getEnvInt(prefix+"RPS", 5),
		}
	}
	return out
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return n
	}
	return fallback
}

// getEnvDuration reads key as milliseconds, matching spec.md §6's
// retryDelayBase ("Backoff base (ms)").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

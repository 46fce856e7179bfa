// Command runner is the oracle resolution runner's single process: it
// wires the Persistence Store, Chain Adapter, Metric Fetcher Registry,
// Resolution Service, Job Scheduler, Event Ingestor, and Control Plane
// HTTP surface together and runs them until a shutdown signal arrives.
// Grounded on the teacher's cmd/worker/main.go bootstrap/shutdown shape
// (signal.NotifyContext, tracer init before logging, graceful drain).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oraclerunner/runner/internal/chain"
	"github.com/oraclerunner/runner/internal/config"
	"github.com/oraclerunner/runner/internal/fetch"
	"github.com/oraclerunner/runner/internal/httpapi"
	"github.com/oraclerunner/runner/internal/ingest"
	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/observability"
	"github.com/oraclerunner/runner/internal/resolution"
	"github.com/oraclerunner/runner/internal/scheduler"
	"github.com/oraclerunner/runner/internal/store"
)

// chainMarketSource adapts chain.Adapter's GetMarketParams to the
// resolution.MarketSource interface, whose method is named GetMarket —
// the Resolution Service only ever needs the static half of a market's
// parameters, so the same call the Ingestor uses satisfies it directly.
type chainMarketSource struct {
	adapter chain.Adapter
}

func (m chainMarketSource) GetMarket(ctx context.Context, marketAddress common.Address) (market.Market, error) {
	return m.adapter.GetMarketParams(ctx, marketAddress)
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "oraclerunner", "")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	if cfg.RPCURL == "" || cfg.PrivateKey == "" || cfg.FactoryAddress == "" || cfg.OracleAddress == "" {
		slog.ErrorContext(ctx, "runner.config_incomplete", "rpcUrl_set", cfg.RPCURL != "", "factoryAddress_set", cfg.FactoryAddress != "", "oracleAddress_set", cfg.OracleAddress != "")
		os.Exit(1)
	}

	st, err := store.NewFileStore(cfg.PersistenceDir)
	if err != nil {
		slog.ErrorContext(ctx, "runner.store_init_failed", "error", err)
		os.Exit(1)
	}

	adapter, err := chain.NewEthAdapter(ctx, cfg.RPCURL, cfg.PrivateKey, common.HexToAddress(cfg.OracleAddress), cfg.GasLimitMultiplier)
	if err != nil {
		slog.ErrorContext(ctx, "runner.chain_adapter_init_failed", "error", err)
		os.Exit(2)
	}
	if cfg.DisputeWindowSecondsOverride != nil {
		adapter.SetDisputeWindowOverride(time.Duration(*cfg.DisputeWindowSecondsOverride) * time.Second)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)
	adapter.WithMetrics(prom)

	registry := fetch.NewRegistry(fetch.DefaultMaxConcurrentFetches, fetch.DefaultHealthInterval).WithMetrics(prom)
	for name, fc := range cfg.Fetchers {
		fetcher := buildFetcher(name, fc)
		if fetcher == nil {
			slog.WarnContext(ctx, "runner.unknown_fetcher_kind", "name", name)
			continue
		}
		if err := registry.Register(fetcher); err != nil {
			slog.ErrorContext(ctx, "runner.fetcher_register_failed", "name", name, "error", err)
			os.Exit(1)
		}
	}
	go registry.Start(ctx)

	resolver := resolution.New(chainMarketSource{adapter: adapter}, registry, adapter, resolution.Config{})

	sched := scheduler.New(st, resolver, nil, scheduler.Config{
		Concurrency: cfg.JobConcurrency,
		MaxRetries:  cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryDelayBase,
	}).WithMetrics(prom)

	if err := sched.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "runner.scheduler_start_failed", "error", err)
		os.Exit(1)
	}

	ethClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		slog.ErrorContext(ctx, "runner.eth_client_dial_failed", "error", err)
		os.Exit(2)
	}

	ingestor := ingest.New(ethClient, adapter, sched, ingest.Config{
		FactoryAddress: common.HexToAddress(cfg.FactoryAddress),
		BackfillDepth:  cfg.BackfillDepth,
	})

	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "runner.ingestor_stopped", "error", err)
		}
	}()

	router := httpapi.NewRouter(sched, ingestor, prom, httpapi.Config{
		Env:           cfg.Env,
		WebhookSecret: cfg.WebhookSecret,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebhookPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "runner.http_listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "runner.http_failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.InfoContext(context.Background(), "runner.shutdown_signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(context.Background(), "runner.http_shutdown_failed", "error", err)
		_ = srv.Close()
	}

	if ok := sched.Shutdown(); !ok {
		slog.WarnContext(context.Background(), "runner.scheduler_shutdown_grace_exceeded")
	}

	slog.InfoContext(context.Background(), "runner.shutdown_complete")
}

func buildFetcher(name string, fc config.FetcherConfig) fetch.Fetcher {
	switch name {
	case "hyperliquid":
		return fetch.NewHyperliquidFetcher(fc.Endpoint, fc.RequestsPerSecond)
	case "coinbase":
		return fetch.NewCoinbaseFetcher(fc.Endpoint, fc.RequestsPerSecond, nil)
	case "generic":
		return fetch.NewGenericHTTPFetcher(fc.RequestsPerSecond, nil)
	default:
		return nil
	}
}

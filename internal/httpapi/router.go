// Package httpapi is the Control Plane HTTP surface (spec.md §4.9):
// health/jobs read endpoints, the indexer webhook, and a manual
// resolution trigger. Grounded on the teacher's internal/http package
// layout (middlewares + handlers + one NewRouter wiring function).
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/oraclerunner/runner/internal/httpapi/handlers"
	"github.com/oraclerunner/runner/internal/httpapi/middlewares"
	"github.com/oraclerunner/runner/internal/observability"
)

// Config tunes the control plane's cross-cutting concerns.
type Config struct {
	Env            string
	AllowedOrigins []string
	MaxBodyBytes   int64
	WebhookSecret  string

	WebhookRateLimit int
	ResolveRateLimit int
	RateLimitWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20 // 1MB
	}
	if c.WebhookRateLimit <= 0 {
		c.WebhookRateLimit = 60
	}
	if c.ResolveRateLimit <= 0 {
		c.ResolveRateLimit = 10
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	return c
}

// NewRouter builds the gin.Engine for the control plane. sched satisfies
// handlers.JobLister and handlers.Trigger; webhookSrc satisfies
// handlers.WebhookScheduler — *scheduler.Scheduler and *ingest.Ingestor
// do so directly.
func NewRouter(sched interface {
	handlers.JobLister
	handlers.Trigger
}, webhookSrc handlers.WebhookScheduler, prom *observability.Prom, cfg Config) *gin.Engine {
	cfg = cfg.withDefaults()

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("oraclerunner"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	if prom != nil {
		r.Use(prom.GinHandleMiddleware())
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.Use(middlewares.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(cfg.MaxBodyBytes))
	r.Use(middlewares.RequireJSON())

	webhookLimiter := middlewares.NewRateLimiter(cfg.WebhookRateLimit, cfg.RateLimitWindow)
	resolveLimiter := middlewares.NewRateLimiter(cfg.ResolveRateLimit, cfg.RateLimitWindow)

	r.GET("/health", handlers.Health(sched))
	r.GET("/jobs", handlers.Jobs(sched))

	r.POST("/webhook/market",
		webhookLimiter.RateLimiterMiddleware(middlewares.KeyByIP),
		middlewares.VerifyWebhookHMAC(cfg.WebhookSecret),
		handlers.Webhook(webhookSrc),
	)

	r.POST("/resolve/:marketId",
		resolveLimiter.RateLimiterMiddleware(middlewares.KeyByIP),
		handlers.Resolve(sched),
	)

	return r
}

package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Prom holds every Prometheus collector the runner exposes. Grounded on
// the teacher's internal/observability/prom.go shape (one struct, one
// constructor, one gin middleware), generalized from HTTP+DB+generic-job
// metrics to the runner's HTTP+job+fetcher+chain metrics.
type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// Job Scheduler (internal/scheduler)
	JobDuration  *prometheus.HistogramVec
	JobResults   *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	QueueDepth   prometheus.Gauge

	// Fetcher Registry (internal/fetch)
	FetcherHealthy   *prometheus.GaugeVec
	FetcherCallTotal *prometheus.CounterVec
	FetcherLatency   *prometheus.HistogramVec

	// Chain Adapter (internal/chain)
	ChainCallDuration *prometheus.HistogramVec
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oraclerunner",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oraclerunner",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "oraclerunner",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oraclerunner",
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Resolution job execution duration by result",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"}, // result=completed|failed
		),
		JobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oraclerunner",
				Subsystem: "jobs",
				Name:      "results_total",
				Help:      "Job outcomes by result.",
			},
			[]string{"result"}, // result=completed|retry|failed
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "oraclerunner",
				Subsystem: "jobs",
				Name:      "in_flight",
				Help:      "Current number of executing resolution jobs.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "oraclerunner",
				Subsystem: "jobs",
				Name:      "queue_depth",
				Help:      "Current number of tasks buffered in the dispatch queue.",
			},
		),
		FetcherHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "oraclerunner",
				Subsystem: "fetchers",
				Name:      "healthy",
				Help:      "1 if the fetcher's circuit is closed (healthy), 0 otherwise.",
			},
			[]string{"source"},
		),
		FetcherCallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "oraclerunner",
				Subsystem: "fetchers",
				Name:      "calls_total",
				Help:      "Fetch attempts by source and outcome.",
			},
			[]string{"source", "outcome"}, // outcome=ok|error
		),
		FetcherLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oraclerunner",
				Subsystem: "fetchers",
				Name:      "latency_seconds",
				Help:      "Fetcher round-trip latency.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		),
		ChainCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "oraclerunner",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Chain Adapter call latency by method (read/commit/finalize).",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "outcome"},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.JobDuration, p.JobResults, p.JobsInFlight, p.QueueDepth,
		p.FetcherHealthy, p.FetcherCallTotal, p.FetcherLatency,
		p.ChainCallDuration,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}

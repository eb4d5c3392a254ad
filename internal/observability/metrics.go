// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
// Chosen for its maturity, wide adoption, and seamless integration with
// the Prometheus ecosystem (Grafana, Alertmanager, etc.).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the datapulse service.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - runs_submitted_total: Inbound run rate
//   - sources_failed_total: Terminal source failures (alerts)
//   - fetch_duration_seconds: Provider latency distribution
//   - circuit_breaker_state: Provider health (0=ok, 2=failing)
type Metrics struct {
	RunsSubmitted         prometheus.Counter
	SourcesCompleted      *prometheus.CounterVec
	SourcesFailed         *prometheus.CounterVec
	RetriesScheduled      *prometheus.CounterVec
	RemoteRateLimited     *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
	FetchDuration         *prometheus.HistogramVec
	OutboxPublished       prometheus.Counter
	OutboxPublishFailures prometheus.Counter
	CompletionsEmitted    *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "datapulse_runs_submitted_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RunsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Total number of runs accepted via API",
		}),
		SourcesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_completed_total",
			Help:      "Total number of sources fetched successfully",
		}, []string{"provider"}),
		SourcesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sources_failed_total",
			Help:      "Total number of sources that failed terminally",
		}, []string{"provider", "code"}),
		RetriesScheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of durable retries scheduled",
		}, []string{"provider", "code"}),
		RemoteRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_rate_limited_total",
			Help:      "Total number of provider rate limit responses honored",
		}, []string{"provider"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of acquisitions delayed by the local rate limiter",
		}, []string{"provider"}),
		FetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of provider snapshot fetches in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Total number of outbox rows republished successfully",
		}),
		OutboxPublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Total number of outbox rows that failed to republish",
		}),
		CompletionsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_emitted_total",
			Help:      "Total number of completion bundles emitted by status",
		}, []string{"status"}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Package telemetry provides observability primitives for the Relay gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrors      *prometheus.CounterVec
	FailoverAttempts    *prometheus.CounterVec
	BreakerOpens        *prometheus.CounterVec
	RateLimitRejects    *prometheus.CounterVec
	TokensProcessed     *prometheus.CounterVec
	CreditsDebitedUSD   *prometheus.CounterVec
	CatalogRefreshes    *prometheus.CounterVec
	ActivityQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream gateway call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"gateway", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "upstream_errors_total",
			Help:      "Total upstream gateway errors.",
		}, []string{"gateway", "kind"}),

		FailoverAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "failover_attempts_total",
			Help:      "Total failover chain attempts beyond the primary gateway.",
		}, []string{"gateway"}),

		BreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "breaker_opens_total",
			Help:      "Total circuit breaker open transitions.",
		}, []string{"gateway"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"scope"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CreditsDebitedUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "credits_debited_usd_total",
			Help:      "Total credits debited, in USD.",
		}, []string{"model"}),

		CatalogRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "catalog_refreshes_total",
			Help:      "Total model catalog refreshes.",
		}, []string{"gateway", "result"}),

		ActivityQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "activity_queue_length",
			Help:      "Current number of queued activity events.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoverAttempts,
		m.BreakerOpens,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CreditsDebitedUSD,
		m.CatalogRefreshes,
		m.ActivityQueueLength,
	)

	return m
}

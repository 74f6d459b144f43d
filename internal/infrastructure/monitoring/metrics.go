package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gatewarden/gatewarden/internal/domain/service"
)

// Metrics manages the Prometheus metrics for the admission pipeline.
type Metrics struct {
	AdmissionVerdicts *prometheus.CounterVec
	DegradedOps       *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	StoreLatency      *prometheus.HistogramVec
}

// NewMetrics creates and registers the Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		AdmissionVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_admission_verdicts_total",
				Help: "Total number of admission verdicts by kind.",
			},
			[]string{"verdict"},
		),
		DegradedOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_store_degraded_total",
				Help: "Total number of store failures handled by the degraded-mode policy.",
			},
			[]string{"operation"},
		),
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewarden_rate_limit_hits_total",
				Help: "Total number of rate limit denials.",
			},
			[]string{"rule"},
		),
		StoreLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatewarden_store_operation_latency_seconds",
				Help:    "Latency of record store operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordVerdict counts one admission verdict.
func (m *Metrics) RecordVerdict(kind string) {
	m.AdmissionVerdicts.WithLabelValues(kind).Inc()
}

// RecordDegraded counts one store failure absorbed by the degraded policy.
func (m *Metrics) RecordDegraded(operation string) {
	m.DegradedOps.WithLabelValues(operation).Inc()
}

// RecordRateLimitHit counts one rate limit denial.
func (m *Metrics) RecordRateLimitHit(rule string) {
	m.RateLimitHits.WithLabelValues(rule).Inc()
}

// ObserveStoreLatency records the duration of one store operation.
func (m *Metrics) ObserveStoreLatency(operation string, d time.Duration) {
	m.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
}

var _ service.Metrics = (*Metrics)(nil)

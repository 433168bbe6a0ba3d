package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics exposes Prometheus collectors for the transactional core.
type EscrowMetrics struct {
	releases       *prometheus.CounterVec
	captures       *prometheus.CounterVec
	releaseLatency prometheus.Histogram
	webhookEvents  *prometheus.CounterVec
	stuckReleasing prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registry for the escrow core.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "release",
				Name:      "attempts_total",
				Help:      "Release attempts segmented by outcome.",
			}, []string{"outcome"}),
			captures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "processor",
				Name:      "captures_total",
				Help:      "External capture calls segmented by outcome.",
			}, []string{"outcome"}),
			releaseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "release",
				Name:      "duration_seconds",
				Help:      "End-to-end latency of release invocations.",
				Buckets:   prometheus.DefBuckets,
			}),
			webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Inbound processor events segmented by outcome.",
			}, []string{"outcome"}),
			stuckReleasing: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "release",
				Name:      "stuck_releasing",
				Help:      "Transactions observed holding the releasing claim past the sweep cutoff.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.releases,
			escrowRegistry.captures,
			escrowRegistry.releaseLatency,
			escrowRegistry.webhookEvents,
			escrowRegistry.stuckReleasing,
		)
	})
	return escrowRegistry
}

// ObserveRelease records the outcome and duration of one release invocation.
// Outcomes should be stable strings such as "released", "claim_lost" or
// "capture_failed" so dashboards stay consistent.
func (m *EscrowMetrics) ObserveRelease(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.releases.WithLabelValues(outcome).Inc()
	m.releaseLatency.Observe(duration.Seconds())
}

// RecordCapture counts one external capture call.
func (m *EscrowMetrics) RecordCapture(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.captures.WithLabelValues(outcome).Inc()
}

// RecordWebhook counts one inbound webhook delivery.
func (m *EscrowMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// SetStuckReleasing publishes the sweep's count of stuck claims.
func (m *EscrowMetrics) SetStuckReleasing(n int) {
	if m == nil {
		return
	}
	m.stuckReleasing.Set(float64(n))
}

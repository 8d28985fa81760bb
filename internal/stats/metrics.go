package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for provider call statistics.
type Metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton stats metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all stats metric collectors with the given
// Prometheus registry. promauto registers with the default global
// registry, but the gateway serves /metrics from a custom registry, so
// this bridges the two.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.callsTotal,
		m.callDuration,
	)
}

// RecordCall records one completed provider call.
func (m *Metrics) RecordCall(endpoint string, latency time.Duration, outcome Outcome) {
	result := "success"
	if outcome == OutcomeFailure {
		result = "failure"
	}
	m.callsTotal.WithLabelValues(endpoint, result).Inc()
	m.callDuration.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func newMetrics() *Metrics {
	return &Metrics{
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aigateway",
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Total number of provider calls by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		callDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aigateway",
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Duration of provider calls",
				Buckets: []float64{
					.05, .1, .2, .5, 1, 2, 5, 10, 30,
				},
			},
			[]string{"endpoint"},
		),
	}
}

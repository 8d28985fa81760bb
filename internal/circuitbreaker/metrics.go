package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState shows the current state of each circuit breaker.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aigateway",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"endpoint"},
	)

	// breakerRequestsTotal counts admission checks through circuit breakers.
	breakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigateway",
			Subsystem: "breaker",
			Name:      "requests_total",
			Help:      "Total number of admission checks through circuit breakers",
		},
		[]string{"endpoint", "result"},
	)

	// breakerFailuresTotal counts failures recorded by circuit breakers.
	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigateway",
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Total number of failures recorded by circuit breakers",
		},
		[]string{"endpoint"},
	)

	// breakerSuccessesTotal counts successes recorded by circuit breakers.
	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigateway",
			Subsystem: "breaker",
			Name:      "successes_total",
			Help:      "Total number of successes recorded by circuit breakers",
		},
		[]string{"endpoint"},
	)

	// breakerStateChangesTotal counts state transitions.
	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aigateway",
			Subsystem: "breaker",
			Name:      "state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"endpoint", "from", "to"},
	)
)

// MustRegister registers breaker metric collectors with the given
// Prometheus registry so they appear on the admin /metrics endpoint.
func MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		breakerState,
		breakerRequestsTotal,
		breakerFailuresTotal,
		breakerSuccessesTotal,
		breakerStateChangesTotal,
	)
}

// RecordRequest records an admission check outcome.
func RecordRequest(endpoint string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	breakerRequestsTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordFailure records a failure.
func RecordFailure(endpoint string) {
	breakerFailuresTotal.WithLabelValues(endpoint).Inc()
}

// RecordSuccess records a success.
func RecordSuccess(endpoint string) {
	breakerSuccessesTotal.WithLabelValues(endpoint).Inc()
}

// RecordStateChange records a state transition.
func RecordStateChange(endpoint string, from, to State) {
	breakerStateChangesTotal.WithLabelValues(endpoint, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(endpoint).Set(float64(to))
}

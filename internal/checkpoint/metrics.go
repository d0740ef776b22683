package checkpoint

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for checkpoint engine operations.
//
// Exposed series (namespace "finrisk"):
//
//   - checkpoint_transitions_total (counter): lifecycle transitions by
//     control_type and target state.
//   - checkpoint_submissions_total (counter): submit outcomes by
//     control_type and outcome (accepted, validation_failed, rejected).
//   - checkpoint_resolve_latency_ms (histogram): resolver duration by
//     pipeline position.
//   - checkpoint_breaker_trips_total (counter): circuit breaker trips by
//     control_type.
//   - checkpoint_breaker_open (gauge): 1 while a definition's breaker is
//     tripped, 0 once an admin re-enables it.
//
// Labels stay on bounded dimensions (control_type, state, position); task
// and instance IDs appear only in events and logs.
type Metrics struct {
	transitions  *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	resolveMs    *prometheus.HistogramVec
	breakerTrips *prometheus.CounterVec
	breakerOpen  *prometheus.GaugeVec

	enabled bool
}

// NewMetrics creates and registers the engine metrics with the given
// registry. Pass prometheus.DefaultRegisterer to use the global registry,
// or a private prometheus.NewRegistry() for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finrisk",
		Name:      "checkpoint_transitions_total",
		Help:      "Checkpoint instance state transitions",
	}, []string{"control_type", "state"})

	m.submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finrisk",
		Name:      "checkpoint_submissions_total",
		Help:      "Checkpoint submissions by outcome",
	}, []string{"control_type", "outcome"}) // outcome: accepted, validation_failed, rejected

	m.resolveMs = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "finrisk",
		Name:      "checkpoint_resolve_latency_ms",
		Help:      "Resolver duration in milliseconds, including instance creation",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"position"})

	m.breakerTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finrisk",
		Name:      "checkpoint_breaker_trips_total",
		Help:      "Circuit breaker trips that force-disabled a definition",
	}, []string{"control_type"})

	m.breakerOpen = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "finrisk",
		Name:      "checkpoint_breaker_open",
		Help:      "1 while a definition's circuit breaker is open",
	}, []string{"control_type"})

	return m
}

// RecordTransition counts one state transition for the control type.
func (m *Metrics) RecordTransition(controlType string, state State) {
	if !m.enabled {
		return
	}
	m.transitions.WithLabelValues(controlType, string(state)).Inc()
}

// RecordSubmission counts one submit call by outcome.
func (m *Metrics) RecordSubmission(controlType, outcome string) {
	if !m.enabled {
		return
	}
	m.submissions.WithLabelValues(controlType, outcome).Inc()
}

// RecordResolveLatency observes one resolver pass for the position.
func (m *Metrics) RecordResolveLatency(position Position, latency time.Duration) {
	if !m.enabled {
		return
	}
	m.resolveMs.WithLabelValues(string(position)).Observe(float64(latency.Milliseconds()))
}

// RecordBreakerTrip counts a trip and marks the breaker open.
func (m *Metrics) RecordBreakerTrip(controlType string) {
	if !m.enabled {
		return
	}
	m.breakerTrips.WithLabelValues(controlType).Inc()
	m.breakerOpen.WithLabelValues(controlType).Set(1)
}

// RecordBreakerReset marks the breaker closed after an admin re-enable.
func (m *Metrics) RecordBreakerReset(controlType string) {
	if !m.enabled {
		return
	}
	m.breakerOpen.WithLabelValues(controlType).Set(0)
}

// Disable stops metric recording. Useful in tests that share a registry.
func (m *Metrics) Disable() { m.enabled = false }

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() { m.enabled = true }

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for checklist tracking and state machine
// evaluation.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	EvaluateLatency prometheus.Histogram

	EventsProcessed *prometheus.CounterVec
	DuplicateEvents prometheus.Counter
}

// New creates a new Metrics instance with all verification module metrics
// registered.
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vouch_verification_transitions_total",
			Help: "Verification status transitions by outcome",
		}, []string{"from", "to"}),
		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vouch_verification_evaluate_seconds",
			Help:    "State machine evaluation latency",
			Buckets: prometheus.DefBuckets,
		}),
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vouch_progress_events_total",
			Help: "Progress events processed by requirement",
		}, []string{"requirement"}),
		DuplicateEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_progress_events_duplicate_total",
			Help: "Progress events dropped by the action ledger as already counted",
		}),
	}
}

// ObserveTransition records one status transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

// ObserveEvaluate records one state machine evaluation.
func (m *Metrics) ObserveEvaluate(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// ObserveEvent records one processed progress event.
func (m *Metrics) ObserveEvent(requirement string) {
	if m != nil {
		m.EventsProcessed.WithLabelValues(requirement).Inc()
	}
}

// ObserveDuplicate records one event dropped as a duplicate.
func (m *Metrics) ObserveDuplicate() {
	if m != nil {
		m.DuplicateEvents.Inc()
	}
}

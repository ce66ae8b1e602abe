package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the fraud module.
type Metrics struct {
	// Recomputed score distribution
	ScoreDistribution prometheus.Histogram

	// Triggered checks by flag
	ChecksTriggered *prometheus.CounterVec

	// Pattern detector invocations and latency
	DetectorRuns    prometheus.Counter
	DetectorLatency prometheus.Histogram
}

// New creates a new Metrics instance with all fraud module metrics registered.
func New() *Metrics {
	return &Metrics{
		ScoreDistribution: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vouch_fraud_score",
			Help:    "Distribution of recomputed fraud scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),

		ChecksTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vouch_fraud_checks_triggered_total",
			Help: "Total triggered fraud checks by flag",
		}, []string{"flag"}),

		DetectorRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_fraud_detector_runs_total",
			Help: "Total coordinated-fraud pattern detector invocations",
		}),

		DetectorLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vouch_fraud_detector_duration_seconds",
			Help:    "Duration of pattern detector scans",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveScore records a recomputed score and its triggered flags.
func (m *Metrics) ObserveScore(total int, flags []string) {
	if m == nil {
		return
	}
	m.ScoreDistribution.Observe(float64(total))
	for _, flag := range flags {
		m.ChecksTriggered.WithLabelValues(flag).Inc()
	}
}

// ObserveDetector records one detector run.
func (m *Metrics) ObserveDetector(d time.Duration) {
	if m == nil {
		return
	}
	m.DetectorRuns.Inc()
	m.DetectorLatency.Observe(d.Seconds())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for reward issuance and reconciliation.
type Metrics struct {
	GrantsTotal   prometheus.Counter
	GrantFailures prometheus.Counter

	ReconcileRuns        prometheus.Counter
	ReconcileCorrections prometheus.Counter
}

// New creates a new Metrics instance with all reward module metrics registered.
func New() *Metrics {
	return &Metrics{
		GrantsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_reward_grants_total",
			Help: "Total referral rewards granted",
		}),
		GrantFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_reward_grant_failures_total",
			Help: "Total failed reward grant attempts",
		}),
		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_stats_reconcile_runs_total",
			Help: "Total stats reconciliation passes",
		}),
		ReconcileCorrections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vouch_stats_reconcile_corrections_total",
			Help: "Total referrer stats records corrected by reconciliation",
		}),
	}
}

// IncGrant records a successful reward grant.
func (m *Metrics) IncGrant() {
	if m != nil {
		m.GrantsTotal.Inc()
	}
}

// IncGrantFailure records a failed reward grant attempt.
func (m *Metrics) IncGrantFailure() {
	if m != nil {
		m.GrantFailures.Inc()
	}
}

// IncReconcileRun records one reconciliation pass.
func (m *Metrics) IncReconcileRun() {
	if m != nil {
		m.ReconcileRuns.Inc()
	}
}

// AddCorrections records how many stats records a pass corrected.
func (m *Metrics) AddCorrections(n int) {
	if m != nil && n > 0 {
		m.ReconcileCorrections.Add(float64(n))
	}
}

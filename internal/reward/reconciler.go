package reward

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vouch/internal/audit"
	"vouch/internal/reward/metrics"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/sentinel"
)

const reconcilePageSize = 200

// Reconciler rebuilds referrer stats counters from the verification records,
// the source of truth. Incremental counter updates can drift when a write
// races or a process dies between two stores; a periodic full recount
// repairs that drift. RewardDays is left alone because issuance and admin
// adjustments are the only legitimate writers of that balance.
type Reconciler struct {
	stats         store.StatsStore
	verifications store.VerificationStore
	auditor       *audit.Publisher
	logger        *slog.Logger
	metrics       *metrics.Metrics
	interval      time.Duration
	batch         int
	now           func() time.Time
}

type ReconcilerOption func(*Reconciler)

func ReconcilerWithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func ReconcilerWithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func ReconcilerWithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler that sweeps up to batch referrers every
// interval. A batch of zero or less means sweep everything each pass.
func NewReconciler(stats store.StatsStore, verifications store.VerificationStore, auditor *audit.Publisher, interval time.Duration, batch int, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		stats:         stats,
		verifications: verifications,
		auditor:       auditor,
		logger:        slog.Default(),
		interval:      interval,
		batch:         batch,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			corrected, err := r.ReconcileAll(ctx)
			if err != nil {
				r.logger.Error("stats reconciliation pass failed", "error", err)
				continue
			}
			if corrected > 0 {
				r.logger.Info("stats reconciliation corrected drift", "referrers", corrected)
			}
		}
	}
}

// ReconcileAll recounts stats for every known referrer, up to the configured
// batch, and returns how many records it corrected.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	r.metrics.IncReconcileRun()

	corrected := 0
	swept := 0
	for offset := 0; ; offset += reconcilePageSize {
		ids, err := r.stats.ListReferrers(ctx, store.Page{Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return corrected, dErrors.Wrap(err, dErrors.CodeDependency, "list referrers")
		}
		for _, id := range ids {
			if r.batch > 0 && swept >= r.batch {
				r.metrics.AddCorrections(corrected)
				return corrected, nil
			}
			changed, err := r.ReconcileReferrer(ctx, id)
			if err != nil {
				r.logger.Error("reconcile referrer failed", "referrer_id", id, "error", err)
				continue
			}
			if changed {
				corrected++
			}
			swept++
		}
		if len(ids) < reconcilePageSize {
			break
		}
	}
	r.metrics.AddCorrections(corrected)
	return corrected, nil
}

// ReconcileReferrer recounts one referrer's counters from their verification
// records, persisting and auditing a correction when the cached counters
// disagree. It reports whether a correction was written.
func (r *Reconciler) ReconcileReferrer(ctx context.Context, referrerID string) (bool, error) {
	total, pending, verified, blocked, err := r.recount(ctx, referrerID)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		st, err := r.stats.Get(ctx, referrerID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				st = &models.Stats{ReferrerID: referrerID}
			} else {
				return false, dErrors.Wrap(err, dErrors.CodeDependency, "load referrer stats")
			}
		}
		if st.TotalReferred == total && st.PendingVerifications == pending &&
			st.TotalVerified == verified && st.BlockedReferrals == blocked {
			return false, nil
		}

		before := st.Clone()
		st.TotalReferred = total
		st.PendingVerifications = pending
		st.TotalVerified = verified
		st.BlockedReferrals = blocked
		now := r.now().UTC()
		st.LastUpdatedAt = &now

		if err := r.stats.Save(ctx, st); err != nil {
			if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrAlreadyExists) {
				continue
			}
			return false, dErrors.Wrap(err, dErrors.CodeDependency, "save referrer stats")
		}

		r.auditor.Emit(ctx, audit.Entry{
			Action: audit.ActionUpdateStats,
			UserID: referrerID,
			Before: audit.Snapshot(before),
			After:  audit.Snapshot(st),
			Reason: "stats reconciliation recount",
		})
		return true, nil
	}
	return false, dErrors.New(dErrors.CodeConflict, "referrer stats contended, retries exhausted")
}

func (r *Reconciler) recount(ctx context.Context, referrerID string) (total, pending, verified, blocked int, err error) {
	for offset := 0; ; offset += reconcilePageSize {
		recs, err := r.verifications.ListByReferrer(ctx, referrerID, store.Page{Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return 0, 0, 0, 0, dErrors.Wrap(err, dErrors.CodeDependency, "list referrer verifications")
		}
		for _, rec := range recs {
			total++
			switch rec.Status {
			case models.StatusPending:
				pending++
			case models.StatusVerified:
				verified++
			case models.StatusBlocked:
				blocked++
			}
		}
		if len(recs) < reconcilePageSize {
			return total, pending, verified, blocked, nil
		}
	}
}

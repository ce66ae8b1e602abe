package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vouch/internal/audit"
	"vouch/internal/platform/config"
	"vouch/internal/reward"
	"vouch/internal/verification/metrics"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/sentinel"
)

const evaluateRetries = 3

// Engine applies Decide to a record under optimistic concurrency, persists
// the result, and fans the transition out to audit and rewards.
type Engine struct {
	verifications store.VerificationStore
	rewards       *reward.Service
	auditor       *audit.Publisher
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(verifications store.VerificationStore, rewards *reward.Service, auditor *audit.Publisher, opts ...Option) *Engine {
	e := &Engine{
		verifications: verifications,
		rewards:       rewards,
		auditor:       auditor,
		logger:        slog.Default(),
		tracer:        otel.Tracer("vouch/verification/engine"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate loads the referee's record, runs the transition rule, and
// persists whatever it decided. A concurrent writer invalidating the read
// triggers a fresh read-decide-write pass; the rule is pure, so re-running
// it against the newer record is always safe.
//
// The returned record reflects the persisted state. A missing record is a
// no-op, not an error, since evaluation triggers can race record creation.
func (e *Engine) Evaluate(ctx context.Context, refereeID string, cfg config.Pipeline) (*models.Verification, Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(attribute.String("referee.id", refereeID)))
	defer span.End()

	start := e.now()
	defer func() { e.metrics.ObserveEvaluate(e.now().Sub(start)) }()

	for attempt := 0; attempt < evaluateRetries; attempt++ {
		rec, err := e.verifications.Get(ctx, refereeID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, OutcomeNone, nil
			}
			return nil, OutcomeNone, dErrors.Wrap(err, dErrors.CodeDependency, "load verification record")
		}

		outcome := Decide(rec, cfg)
		if outcome == OutcomeNone {
			return rec, OutcomeNone, nil
		}

		before := audit.Snapshot(rec)
		from := rec.Status
		e.apply(rec, outcome)

		if err := e.verifications.Update(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return nil, OutcomeNone, dErrors.Wrap(err, dErrors.CodeDependency, "persist verification transition")
		}

		span.SetAttributes(attribute.String("outcome", string(outcome)))
		e.settle(ctx, rec, outcome, from, before, cfg)
		return rec, outcome, nil
	}
	return nil, OutcomeNone, dErrors.New(dErrors.CodeConflict, "verification record contended, retries exhausted")
}

// apply mutates the record for the decided outcome. VerifiedAt is stamped
// once and never cleared; grant settlement is tracked separately in the
// reward service's ledger claim.
func (e *Engine) apply(rec *models.Verification, outcome Outcome) {
	now := e.now().UTC()
	switch outcome {
	case OutcomeVerify:
		rec.Status = models.StatusVerified
		if rec.VerifiedAt == nil {
			rec.VerifiedAt = &now
		}
	case OutcomeAutoBlock:
		rec.Status = models.StatusBlocked
		rec.Blocked = true
		rec.BlockedReason = blockReason(rec)
		rec.BlockedAt = &now
	case OutcomeFlag:
		rec.AddFlag(models.FlagNeedsManualReview)
	}
}

// settle emits the audit trail, metrics, and reward side effects for a
// persisted transition. These run after the conditional write so a lost
// race never produces phantom side effects.
func (e *Engine) settle(ctx context.Context, rec *models.Verification, outcome Outcome, from models.Status, before []byte, cfg config.Pipeline) {
	switch outcome {
	case OutcomeVerify:
		e.metrics.ObserveTransition(string(from), string(rec.Status))
		e.logger.Info("referee verified",
			"referee_id", rec.RefereeID,
			"referrer_id", rec.ReferrerID,
		)
		if err := e.rewards.OnTransition(ctx, rec, from, cfg); err != nil {
			e.logger.Error("reward issuance unsettled, admin approve retries the grant",
				"referee_id", rec.RefereeID, "error", err)
		}
	case OutcomeAutoBlock:
		e.metrics.ObserveTransition(string(from), string(rec.Status))
		e.logger.Warn("referee auto-blocked",
			"referee_id", rec.RefereeID,
			"referrer_id", rec.ReferrerID,
			"score", rec.FraudScore,
			"reason", rec.BlockedReason,
		)
		e.auditor.Emit(ctx, audit.Entry{
			Action: audit.ActionAutoBlock,
			UserID: rec.RefereeID,
			Before: before,
			After:  audit.Snapshot(rec),
			Reason: rec.BlockedReason,
			Score:  rec.FraudScore,
		})
		if err := e.rewards.OnTransition(ctx, rec, from, cfg); err != nil {
			e.logger.Error("stats update failed on auto-block",
				"referee_id", rec.RefereeID, "error", err)
		}
	case OutcomeFlag:
		e.auditor.Emit(ctx, audit.Entry{
			Action: audit.ActionFlagged,
			UserID: rec.RefereeID,
			Before: before,
			After:  audit.Snapshot(rec),
			Reason: "fraud score reached manual review threshold",
			Score:  rec.FraudScore,
		})
		e.logger.Info("referee flagged for manual review",
			"referee_id", rec.RefereeID,
			"score", rec.FraudScore,
		)
	}
}

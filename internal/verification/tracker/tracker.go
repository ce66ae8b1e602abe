// Package tracker turns referral lifecycle events into checklist progress.
// It is the single write path for checklist items: each event passes the
// action ledger exactly once, so redelivered or duplicated events can never
// inflate a counter.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vouch/internal/fraud"
	"vouch/internal/platform/config"
	"vouch/internal/verification/engine"
	"vouch/internal/verification/ledger"
	"vouch/internal/verification/metrics"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/sentinel"
)

const updateRetries = 3

// Event is one checklist-relevant action reported by the platform.
type Event struct {
	RefereeID     string
	Requirement   models.Requirement
	SourceEventID string
	// Count is how much the action advances the counter. Zero means one.
	Count int
}

// Evaluator runs the state machine after progress lands.
type Evaluator interface {
	Evaluate(ctx context.Context, refereeID string, cfg config.Pipeline) (*models.Verification, engine.Outcome, error)
}

// Rescorer refreshes the fraud score when a checklist item completes.
type Rescorer interface {
	Recalculate(ctx context.Context, refereeID string, cfg config.Pipeline) (fraud.Score, error)
}

// Referrals records newly redeemed referrals against referrer stats.
type Referrals interface {
	OnReferral(ctx context.Context, referrerID string) error
}

// Tracker applies progress events to verification records.
type Tracker struct {
	verifications store.VerificationStore
	ledger        ledger.Store
	evaluator     Evaluator
	rescorer      Rescorer
	referrals     Referrals
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(verifications store.VerificationStore, led ledger.Store, evaluator Evaluator, rescorer Rescorer, referrals Referrals, opts ...Option) *Tracker {
	t := &Tracker{
		verifications: verifications,
		ledger:        led,
		evaluator:     evaluator,
		rescorer:      rescorer,
		referrals:     referrals,
		logger:        slog.Default(),
		tracer:        otel.Tracer("vouch/verification/tracker"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register creates the pending verification record for a redeemed referral
// code and counts the referral against the referrer. Redeeming twice is an
// idempotent no-op.
func (t *Tracker) Register(ctx context.Context, refereeID, referrerID string, cfg config.Pipeline) error {
	if refereeID == "" || referrerID == "" {
		return dErrors.New(dErrors.CodeValidation, "referee and referrer IDs are required")
	}
	if refereeID == referrerID {
		return dErrors.New(dErrors.CodeValidation, "self-referral is not allowed")
	}

	rec := models.New(refereeID, referrerID, cfg, t.now().UTC())
	if err := t.verifications.Create(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeDependency, "create verification record")
	}

	if err := t.referrals.OnReferral(ctx, referrerID); err != nil {
		// The reconciler recounts from the records, so a lost counter
		// update here heals on the next sweep.
		t.logger.Error("referral stats update failed", "referrer_id", referrerID, "error", err)
	}
	t.logger.Info("referral registered", "referee_id", refereeID, "referrer_id", referrerID)
	return nil
}

// RecordProgress advances one checklist counter for one event. The event is
// counted at most once across redeliveries and concurrent deliveries; a
// counted event that completes a checklist item triggers a fraud rescore and
// a state machine pass.
//
// Events for unknown referees are dropped without error, since organic user
// activity is not referral activity for most users.
func (t *Tracker) RecordProgress(ctx context.Context, ev Event, cfg config.Pipeline) error {
	ctx, span := t.tracer.Start(ctx, "tracker.RecordProgress",
		trace.WithAttributes(
			attribute.String("referee.id", ev.RefereeID),
			attribute.String("requirement", string(ev.Requirement)),
		))
	defer span.End()

	if !ev.Requirement.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown requirement %q", ev.Requirement)
	}
	if ev.RefereeID == "" || ev.SourceEventID == "" {
		return dErrors.New(dErrors.CodeValidation, "referee ID and source event ID are required")
	}

	rec, err := t.verifications.Get(ctx, ev.RefereeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeDependency, "load verification record")
	}
	if rec.Status != models.StatusPending {
		return nil
	}
	if item, ok := rec.Checklist[ev.Requirement]; ok && item.Completed {
		// A completed item never moves again; late events for it are noise.
		return nil
	}

	key := ledger.Key{RefereeID: ev.RefereeID, Requirement: ev.Requirement, SourceEventID: ev.SourceEventID}
	counted, err := t.ledger.AlreadyCounted(ctx, key)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "check action ledger entry")
	}
	if counted {
		t.metrics.ObserveDuplicate()
		return nil
	}

	created, err := t.ledger.MarkCounted(ctx, key)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "claim action ledger entry")
	}
	if !created {
		// Lost the claim race to a concurrent delivery of this event.
		t.metrics.ObserveDuplicate()
		t.logger.Debug("duplicate progress event dropped",
			"referee_id", ev.RefereeID,
			"requirement", ev.Requirement,
			"source_event_id", ev.SourceEventID,
		)
		return nil
	}

	completedNow, applied, err := t.applyProgress(ctx, ev)
	if err != nil {
		// Give the claim back so the source's redelivery retries the write
		// instead of the event vanishing half-counted.
		if relErr := t.ledger.Release(ctx, key); relErr != nil {
			t.logger.Error("ledger release failed, event is stuck counted",
				"key", key.String(), "error", relErr)
		}
		return err
	}
	if !applied {
		// A concurrent writer completed the item or moved the record between
		// our read and the claim; this event did not count.
		if relErr := t.ledger.Release(ctx, key); relErr != nil {
			t.logger.Error("ledger release failed, event is stuck counted",
				"key", key.String(), "error", relErr)
		}
		return nil
	}
	t.metrics.ObserveEvent(string(ev.Requirement))

	if completedNow {
		if _, err := t.rescorer.Recalculate(ctx, ev.RefereeID, cfg); err != nil {
			t.logger.Warn("fraud rescore failed, evaluating with last known score",
				"referee_id", ev.RefereeID, "error", err)
		}
	}
	if _, _, err := t.evaluator.Evaluate(ctx, ev.RefereeID, cfg); err != nil {
		return err
	}
	return nil
}

// applyProgress advances the counter under the record's conditional write.
// It reports whether this event flipped the item to completed and whether it
// counted at all; an item found already completed (or a record no longer
// pending) absorbs nothing.
func (t *Tracker) applyProgress(ctx context.Context, ev Event) (completedNow, applied bool, err error) {
	delta := ev.Count
	if delta <= 0 {
		delta = 1
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		rec, err := t.verifications.Get(ctx, ev.RefereeID)
		if err != nil {
			return false, false, dErrors.Wrap(err, dErrors.CodeDependency, "reload verification record")
		}
		if rec.Status != models.StatusPending {
			return false, false, nil
		}

		item, ok := rec.Checklist[ev.Requirement]
		if !ok {
			item = &models.ChecklistItem{Target: 1}
			rec.Checklist[ev.Requirement] = item
		}
		if item.Completed {
			return false, false, nil
		}

		item.Count += delta
		if item.Count >= item.Target {
			item.Completed = true
			at := t.now().UTC()
			item.CompletedAt = &at
		}
		completedNow := item.Completed

		now := t.now().UTC()
		rec.LastCheckedAt = &now

		if err := t.verifications.Update(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return false, false, dErrors.Wrap(err, dErrors.CodeDependency, "persist checklist progress")
		}
		return completedNow, true, nil
	}
	return false, false, dErrors.New(dErrors.CodeConflict, "verification record contended, retries exhausted")
}

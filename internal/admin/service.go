// Package admin exposes the manual review surface: approving, blocking, and
// resetting verifications, correcting stats, and adjusting reward balances.
// Every command requires a privileged actor and lands in the audit trail
// with before and after snapshots.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vouch/internal/audit"
	"vouch/internal/fraud"
	"vouch/internal/platform/config"
	"vouch/internal/reward"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	adminmw "vouch/pkg/platform/middleware/admin"
	"vouch/pkg/platform/sentinel"
)

const updateRetries = 3

// Rescorer recomputes a referee's fraud score on demand.
type Rescorer interface {
	Recalculate(ctx context.Context, refereeID string, cfg config.Pipeline) (fraud.Score, error)
}

// Service executes admin commands against the verification pipeline.
type Service struct {
	verifications store.VerificationStore
	stats         store.StatsStore
	rewards       *reward.Service
	rescorer      Rescorer
	auditor       *audit.Publisher
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(verifications store.VerificationStore, stats store.StatsStore, rewards *reward.Service, rescorer Rescorer, auditor *audit.Publisher, opts ...Option) *Service {
	s := &Service{
		verifications: verifications,
		stats:         stats,
		rewards:       rewards,
		rescorer:      rescorer,
		auditor:       auditor,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func requireActor(actor adminmw.Actor) error {
	if actor.ID == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if !actor.IsPrivileged() {
		return dErrors.New(dErrors.CodeForbidden, "admin role required")
	}
	return nil
}

func requireReason(reason string) error {
	if reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return nil
}

// Approve force-verifies a referee regardless of checklist or score state.
// Notes are optional. The settlement claim makes the reward grant
// exactly-once across approvals, and approving an already verified referee
// retries a grant left unsettled by an earlier granter outage.
func (s *Service) Approve(ctx context.Context, actor adminmw.Actor, refereeID, notes string, cfg config.Pipeline) (*models.Verification, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	rec, err := s.transition(ctx, refereeID, func(rec *models.Verification) (audit.Action, bool) {
		if rec.Status == models.StatusVerified {
			return "", false
		}
		rec.Status = models.StatusVerified
		rec.Blocked = false
		rec.BlockedReason = ""
		rec.BlockedAt = nil
		rec.RemoveFlag(models.FlagNeedsManualReview)
		if rec.VerifiedAt == nil {
			now := s.now().UTC()
			rec.VerifiedAt = &now
		}
		return audit.ActionApproved, true
	}, actor, notes, cfg)
	if err != nil {
		return rec, err
	}
	if rec.Status == models.StatusVerified {
		if err := s.rewards.SettleGrant(ctx, rec, cfg); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Block manually blocks a referee. Blocking an already blocked referee is a
// no-op.
func (s *Service) Block(ctx context.Context, actor adminmw.Actor, refereeID, reason string, cfg config.Pipeline) (*models.Verification, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}

	return s.transition(ctx, refereeID, func(rec *models.Verification) (audit.Action, bool) {
		if rec.Status == models.StatusBlocked {
			return "", false
		}
		now := s.now().UTC()
		rec.Status = models.StatusBlocked
		rec.Blocked = true
		rec.BlockedReason = reason
		rec.BlockedAt = &now
		return audit.ActionManualBlock, true
	}, actor, reason, cfg)
}

// Reset returns a referee to pending with a zeroed checklist, score, and
// flags. VerifiedAt deliberately survives: a referee who already earned the
// reward once can re-verify but never re-earn.
func (s *Service) Reset(ctx context.Context, actor adminmw.Actor, refereeID, reason string, cfg config.Pipeline) (*models.Verification, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}

	return s.transition(ctx, refereeID, func(rec *models.Verification) (audit.Action, bool) {
		fresh := models.New(rec.RefereeID, rec.ReferrerID, cfg, rec.CreatedAt)
		rec.Status = models.StatusPending
		rec.Checklist = fresh.Checklist
		rec.FraudScore = 0
		rec.FraudFlags = []string{}
		rec.Blocked = false
		rec.BlockedReason = ""
		rec.BlockedAt = nil
		rec.LastCheckedAt = nil
		return audit.ActionResetVerification, true
	}, actor, reason, cfg)
}

// transition runs mutate under the record's conditional write, then settles
// audit, stats, and reward side effects. mutate reports the audit action and
// whether anything changed.
func (s *Service) transition(ctx context.Context, refereeID string, mutate func(*models.Verification) (audit.Action, bool), actor adminmw.Actor, reason string, cfg config.Pipeline) (*models.Verification, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		rec, err := s.verifications.Get(ctx, refereeID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "verification record not found")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "load verification record")
		}

		before := audit.Snapshot(rec)
		from := rec.Status
		action, changed := mutate(rec)
		if !changed {
			return rec, nil
		}

		if err := s.verifications.Update(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "persist admin transition")
		}

		s.auditor.Emit(ctx, audit.Entry{
			Action:  action,
			ActorID: actor.ID,
			UserID:  rec.RefereeID,
			Before:  before,
			After:   audit.Snapshot(rec),
			Reason:  reason,
			Score:   rec.FraudScore,
		})
		s.logger.Info("admin transition applied",
			"action", action,
			"actor_id", actor.ID,
			"referee_id", rec.RefereeID,
			"from", from,
			"to", rec.Status,
		)

		if err := s.rewards.OnTransition(ctx, rec, from, cfg); err != nil {
			return rec, err
		}
		return rec, nil
	}
	return nil, dErrors.New(dErrors.CodeConflict, "verification record contended, retries exhausted")
}

// AdjustRewards shifts a referrer's reward day balance by delta, floored at
// zero, and audits the change.
func (s *Service) AdjustRewards(ctx context.Context, actor adminmw.Actor, referrerID string, delta int, reason string) (*models.Stats, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "delta must be non-zero")
	}

	before, after, err := s.rewards.AdjustRewardDays(ctx, referrerID, delta)
	if err != nil {
		return nil, err
	}
	s.auditor.Emit(ctx, audit.Entry{
		Action:  audit.ActionAdjustRewards,
		ActorID: actor.ID,
		UserID:  referrerID,
		Before:  audit.Snapshot(before),
		After:   audit.Snapshot(after),
		Reason:  reason,
	})
	return &after, nil
}

// StatsOverride carries the allow-listed absolute counter overrides for
// UpdateStats. Nil fields stay untouched.
type StatsOverride struct {
	TotalReferred        *int
	TotalVerified        *int
	PendingVerifications *int
	BlockedReferrals     *int
	RewardDays           *int
}

func (o StatsOverride) empty() bool {
	return len(o.Fields()) == 0
}

// Fields names the counters this override touches, in stats-schema order.
func (o StatsOverride) Fields() []string {
	var fields []string
	if o.TotalReferred != nil {
		fields = append(fields, "total_referred")
	}
	if o.TotalVerified != nil {
		fields = append(fields, "total_verified")
	}
	if o.PendingVerifications != nil {
		fields = append(fields, "pending_verifications")
	}
	if o.BlockedReferrals != nil {
		fields = append(fields, "blocked_referrals")
	}
	if o.RewardDays != nil {
		fields = append(fields, "reward_days")
	}
	return fields
}

// UpdateStats applies absolute counter overrides to a referrer's stats and
// audits which fields changed.
func (s *Service) UpdateStats(ctx context.Context, actor adminmw.Actor, referrerID string, override StatsOverride, reason string) (*models.Stats, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	if override.empty() {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one field to update is required")
	}

	set := func(dst *int, v *int) {
		if v != nil {
			if *v < 0 {
				*dst = 0
			} else {
				*dst = *v
			}
		}
	}
	before, after, err := s.rewards.OverrideStats(ctx, referrerID, func(st *models.Stats) {
		set(&st.TotalReferred, override.TotalReferred)
		set(&st.TotalVerified, override.TotalVerified)
		set(&st.PendingVerifications, override.PendingVerifications)
		set(&st.BlockedReferrals, override.BlockedReferrals)
		set(&st.RewardDays, override.RewardDays)
	})
	if err != nil {
		return nil, err
	}
	s.auditor.Emit(ctx, audit.Entry{
		Action:  audit.ActionUpdateStats,
		ActorID: actor.ID,
		UserID:  referrerID,
		Before:  audit.Snapshot(before),
		After:   audit.Snapshot(after),
		Reason:  reason,
	})
	return &after, nil
}

// RecalculateFraudScore reruns the fraud scorer for a referee and returns
// the breakdown. The state machine does not run here; an admin reviewing a
// score decides the transition explicitly.
func (s *Service) RecalculateFraudScore(ctx context.Context, actor adminmw.Actor, refereeID string, cfg config.Pipeline) (fraud.Score, error) {
	if err := requireActor(actor); err != nil {
		return fraud.Score{}, err
	}
	return s.rescorer.Recalculate(ctx, refereeID, cfg)
}

// FraudDetails bundles everything a reviewer needs for one referee.
type FraudDetails struct {
	Record  *models.Verification
	History []audit.Entry
}

// GetFraudDetails returns the referee's record with its audit history.
func (s *Service) GetFraudDetails(ctx context.Context, actor adminmw.Actor, refereeID string) (*FraudDetails, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	rec, err := s.verifications.Get(ctx, refereeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "load verification record")
	}
	history, err := s.auditor.List(ctx, refereeID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "load audit history")
	}
	return &FraudDetails{Record: rec, History: history}, nil
}

// GetFlaggedUsers lists pending referees awaiting manual review, oldest
// first.
func (s *Service) GetFlaggedUsers(ctx context.Context, actor adminmw.Actor, limit int) ([]*models.Verification, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.verifications.ListFlagged(ctx, models.FlagNeedsManualReview, limit)
}

// GetStats returns one referrer's aggregate counters. A referrer with no
// stats record yet reads as all zeroes.
func (s *Service) GetStats(ctx context.Context, actor adminmw.Actor, referrerID string) (*models.Stats, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	st, err := s.stats.Get(ctx, referrerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return &models.Stats{ReferrerID: referrerID}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "load referrer stats")
	}
	return st, nil
}

// GetVerification returns one referee's record.
func (s *Service) GetVerification(ctx context.Context, actor adminmw.Actor, refereeID string) (*models.Verification, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	rec, err := s.verifications.Get(ctx, refereeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "load verification record")
	}
	return rec, nil
}

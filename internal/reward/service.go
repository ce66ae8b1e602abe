// Package reward issues referral rewards exactly once per verified referee
// and keeps per-referrer stats counters in step with verification outcomes.
package reward

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vouch/internal/audit"
	"vouch/internal/platform/config"
	"vouch/internal/reward/metrics"
	"vouch/internal/verification/ledger"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	"vouch/pkg/platform/sentinel"
)

const saveRetries = 3

// conversionRequirement and grantRequirement key reward settlements in the
// action ledger. Neither is a checklist requirement; they share the ledger's
// keyspace so each settlement happens once regardless of how many
// transitions or redeliveries ask for it.
const (
	conversionRequirement = models.Requirement("paid_conversion")
	grantRequirement      = models.Requirement("reward_grant")
)

// Granter issues the actual reward in the membership system. Implementations
// must be idempotent per referee: granting twice for the same refereeID has
// the same effect as granting once.
type Granter interface {
	Grant(ctx context.Context, refereeID, referrerID string, days int) error
}

// GranterFunc adapts a function to the Granter interface.
type GranterFunc func(ctx context.Context, refereeID, referrerID string, days int) error

func (f GranterFunc) Grant(ctx context.Context, refereeID, referrerID string, days int) error {
	return f(ctx, refereeID, referrerID, days)
}

// NopGranter records nothing and always succeeds. Used when no membership
// backend is configured.
type NopGranter struct{}

func (NopGranter) Grant(context.Context, string, string, int) error { return nil }

// Service applies verification transitions to referrer stats and triggers
// reward issuance on the first transition into verified.
type Service struct {
	stats   store.StatsStore
	granter Granter
	actions ledger.Store
	auditor *audit.Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithActionLedger backs grant settlement and paid conversion credits.
// Without it both paths reject rather than risk double crediting.
func WithActionLedger(l ledger.Store) Option {
	return func(s *Service) { s.actions = l }
}

func NewService(stats store.StatsStore, granter Granter, auditor *audit.Publisher, opts ...Option) *Service {
	if granter == nil {
		granter = NopGranter{}
	}
	s := &Service{
		stats:   stats,
		granter: granter,
		auditor: auditor,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnReferral records a newly redeemed referral against the referrer's stats.
func (s *Service) OnReferral(ctx context.Context, referrerID string) error {
	return s.mutateStats(ctx, referrerID, func(st *models.Stats) {
		st.TotalReferred++
		st.PendingVerifications++
	})
}

// OnTransition updates referrer stats for a status change and, on a
// transition into verified, settles the referee's reward grant.
//
// A granter failure does not roll the transition or the counters back. The
// error carries CodeDependency so callers can surface it, and the released
// settlement claim means the next verified transition or admin approve
// retries the idempotent grant.
func (s *Service) OnTransition(ctx context.Context, rec *models.Verification, from models.Status, cfg config.Pipeline) error {
	if rec == nil || from == rec.Status {
		return nil
	}

	if err := s.mutateStats(ctx, rec.ReferrerID, func(st *models.Stats) {
		applyTransition(st, from, rec.Status)
	}); err != nil {
		// Counters are a cache reconciliation repairs; issuance still runs.
		s.logger.Error("stats update failed on transition",
			"referrer_id", rec.ReferrerID,
			"referee_id", rec.RefereeID,
			"from", from,
			"to", rec.Status,
			"error", err,
		)
	}

	if rec.Status == models.StatusVerified {
		return s.SettleGrant(ctx, rec, cfg)
	}
	return nil
}

// SettleGrant issues the referee's reward exactly once across all verified
// transitions. The settlement claim lives in the action ledger, separate
// from VerifiedAt, so a referee stays verified while an unsettled grant
// remains retryable: the claim is released when the granter fails and is
// re-taken on the next verified transition or admin approve. RewardDays is
// credited only after the granter succeeds, keeping the counter in step with
// the external entitlement.
func (s *Service) SettleGrant(ctx context.Context, rec *models.Verification, cfg config.Pipeline) error {
	days := cfg.Rewards.RewardDays()
	if days == 0 {
		return nil
	}
	if s.actions == nil {
		return dErrors.New(dErrors.CodeDependency, "reward settlement requires an action ledger")
	}

	key := ledger.Key{RefereeID: rec.RefereeID, Requirement: grantRequirement, SourceEventID: rec.RefereeID}
	created, err := s.actions.MarkCounted(ctx, key)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "claim reward settlement")
	}
	if !created {
		return nil
	}

	if err := s.granter.Grant(ctx, rec.RefereeID, rec.ReferrerID, days); err != nil {
		s.metrics.IncGrantFailure()
		if relErr := s.actions.Release(ctx, key); relErr != nil {
			s.logger.Error("release reward settlement claim failed, grant is stuck unsettled",
				"referee_id", rec.RefereeID, "error", relErr)
		}
		return dErrors.Wrap(err, dErrors.CodeDependency, "grant referral reward")
	}
	s.metrics.IncGrant()
	s.logger.Info("referral reward granted",
		"referee_id", rec.RefereeID,
		"referrer_id", rec.ReferrerID,
		"days", days,
	)

	if err := s.mutateStats(ctx, rec.ReferrerID, func(st *models.Stats) {
		st.RewardDays += days
	}); err != nil {
		// The external grant stands; the balance is an admin adjustment away.
		s.logger.Error("reward day credit failed after grant",
			"referrer_id", rec.ReferrerID,
			"referee_id", rec.RefereeID,
			"days", days,
			"error", err,
		)
		return err
	}
	return nil
}

// OnPaidConversion credits the referrer's configured conversion bonus when a
// referee upgrades to a paid plan. The action ledger makes redelivered
// conversion events harmless; a failed stats write releases the claim so the
// source can redeliver.
func (s *Service) OnPaidConversion(ctx context.Context, refereeID, referrerID, sourceEventID string, cfg config.Pipeline) error {
	bonus := cfg.Rewards.BonusDays()
	if bonus == 0 {
		return nil
	}
	if s.actions == nil {
		return dErrors.New(dErrors.CodeDependency, "paid conversion credits require an action ledger")
	}

	key := ledger.Key{RefereeID: refereeID, Requirement: conversionRequirement, SourceEventID: sourceEventID}
	created, err := s.actions.MarkCounted(ctx, key)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "claim conversion event")
	}
	if !created {
		return nil
	}

	if err := s.mutateStats(ctx, referrerID, func(st *models.Stats) {
		st.RewardDays += bonus
	}); err != nil {
		if relErr := s.actions.Release(ctx, key); relErr != nil {
			s.logger.Error("release conversion claim failed",
				"referee_id", refereeID,
				"source_event_id", sourceEventID,
				"error", relErr,
			)
		}
		return err
	}
	s.logger.Info("paid conversion bonus credited",
		"referee_id", refereeID,
		"referrer_id", referrerID,
		"bonus_days", bonus,
	)
	return nil
}

// AdjustRewardDays applies an admin-ordered delta to a referrer's reward day
// balance, flooring the result at zero. It returns the stats before and
// after the change.
func (s *Service) AdjustRewardDays(ctx context.Context, referrerID string, delta int) (before, after models.Stats, err error) {
	return s.OverrideStats(ctx, referrerID, func(st *models.Stats) {
		st.RewardDays += delta
		if st.RewardDays < 0 {
			st.RewardDays = 0
		}
	})
}

// OverrideStats applies fn to the referrer's stats under the conditional
// write loop and returns snapshots from before and after the change. A
// missing record starts from zero counters. Admin overrides go through here.
func (s *Service) OverrideStats(ctx context.Context, referrerID string, fn func(*models.Stats)) (before, after models.Stats, err error) {
	err = s.mutateStats(ctx, referrerID, func(st *models.Stats) {
		before = *st.Clone()
		fn(st)
		after = *st.Clone()
	})
	return before, after, err
}

// mutateStats runs fn against the referrer's stats record under an
// optimistic concurrency loop. A missing record starts from zero counters.
func (s *Service) mutateStats(ctx context.Context, referrerID string, fn func(*models.Stats)) error {
	for attempt := 0; attempt < saveRetries; attempt++ {
		st, err := s.stats.Get(ctx, referrerID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				st = &models.Stats{ReferrerID: referrerID}
			} else {
				return dErrors.Wrap(err, dErrors.CodeDependency, "load referrer stats")
			}
		}
		fn(st)
		now := s.now().UTC()
		st.LastUpdatedAt = &now
		if err := s.stats.Save(ctx, st); err != nil {
			if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrAlreadyExists) {
				continue
			}
			return dErrors.Wrap(err, dErrors.CodeDependency, "save referrer stats")
		}
		return nil
	}
	return dErrors.New(dErrors.CodeConflict, "referrer stats contended, retries exhausted")
}

// applyTransition shifts status counters for one referee moving between
// verification states. Counters floor at zero since they are a best-effort
// cache over the verification records.
func applyTransition(st *models.Stats, from, to models.Status) {
	switch from {
	case models.StatusPending:
		st.PendingVerifications--
	case models.StatusVerified:
		st.TotalVerified--
	case models.StatusBlocked:
		st.BlockedReferrals--
	}
	switch to {
	case models.StatusPending:
		st.PendingVerifications++
	case models.StatusVerified:
		st.TotalVerified++
	case models.StatusBlocked:
		st.BlockedReferrals++
	}
	if st.PendingVerifications < 0 {
		st.PendingVerifications = 0
	}
	if st.TotalVerified < 0 {
		st.TotalVerified = 0
	}
	if st.BlockedReferrals < 0 {
		st.BlockedReferrals = 0
	}
}

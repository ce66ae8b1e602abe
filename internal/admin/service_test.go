package admin

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vouch/internal/audit"
	"vouch/internal/fraud"
	"vouch/internal/platform/config"
	"vouch/internal/reward"
	"vouch/internal/verification/ledger"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
	adminmw "vouch/pkg/platform/middleware/admin"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	adminActor = adminmw.Actor{ID: "admin-1", Role: adminmw.RoleAdmin}
	plainActor = adminmw.Actor{ID: "user-9", Role: "member"}
)

type fixture struct {
	service       *Service
	verifications *store.InMemoryVerificationStore
	stats         *store.InMemoryStatsStore
	auditStore    *audit.InMemoryStore
	granted       *int
	grantErr      *error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vs := store.NewInMemoryVerificationStore()
	stats := store.NewInMemoryStatsStore()
	auditStore := audit.NewInMemoryStore()
	auditor := audit.NewPublisher(auditStore, slog.Default())
	signals := fraud.NewInMemorySignalStore()

	granted := 0
	var grantErr error
	granter := reward.GranterFunc(func(context.Context, string, string, int) error {
		if grantErr != nil {
			return grantErr
		}
		granted++
		return nil
	})
	rewards := reward.NewService(stats, granter, auditor,
		reward.WithActionLedger(ledger.NewInMemoryStore()),
		reward.WithClock(func() time.Time { return testNow }))
	scorer := fraud.NewScorer(vs, signals, fraud.NewDetector(vs, signals, slog.Default()), slog.Default(),
		fraud.WithClock(func() time.Time { return testNow }))

	svc := NewService(vs, stats, rewards, scorer, auditor, WithClock(func() time.Time { return testNow }))
	return &fixture{service: svc, verifications: vs, stats: stats, auditStore: auditStore, granted: &granted, grantErr: &grantErr}
}

func seedPending(t *testing.T, f *fixture, refereeID string, flags ...string) *models.Verification {
	t.Helper()
	rec := models.New(refereeID, "referrer-1", config.DefaultPipeline(), testNow.Add(-48*time.Hour))
	for _, fl := range flags {
		rec.AddFlag(fl)
	}
	require.NoError(t, f.verifications.Create(t.Context(), rec))
	return rec
}

func TestApproveVerifiesAndRewardsOnce(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1", models.FlagNeedsManualReview)

	rec, err := f.service.Approve(t.Context(), adminActor, "referee-1", "legitimate activity confirmed", config.DefaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
	assert.False(t, rec.HasFlag(models.FlagNeedsManualReview), "approve clears the review flag")
	require.NotNil(t, rec.VerifiedAt)
	assert.Equal(t, 1, *f.granted)

	entries, err := f.auditStore.ListByUser(t.Context(), "referee-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionApproved, entries[0].Action)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, "legitimate activity confirmed", entries[0].Reason)
	assert.NotEmpty(t, entries[0].Before)
	assert.NotEmpty(t, entries[0].After)
}

func TestApproveAlreadyVerifiedIsNoop(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	_, err := f.service.Approve(t.Context(), adminActor, "referee-1", "first", cfg)
	require.NoError(t, err)
	_, err = f.service.Approve(t.Context(), adminActor, "referee-1", "second", cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, *f.granted)
	entries, _ := f.auditStore.ListByUser(t.Context(), "referee-1")
	assert.Len(t, entries, 1, "no-op approve leaves no audit entry")
}

func TestResetThenApproveDoesNotRegrant(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	_, err := f.service.Approve(t.Context(), adminActor, "referee-1", "looks fine", cfg)
	require.NoError(t, err)

	rec, err := f.service.Reset(t.Context(), adminActor, "referee-1", "suspicious burst, re-verify", cfg)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.FraudScore)
	assert.Empty(t, rec.FraudFlags)
	require.NotNil(t, rec.VerifiedAt, "reset keeps the reward guard")
	for _, req := range models.Requirements() {
		item := rec.Checklist[req]
		assert.Equal(t, 0, item.Count)
		assert.False(t, item.Completed)
	}

	_, err = f.service.Approve(t.Context(), adminActor, "referee-1", "cleared after review", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, *f.granted, "reward issued at most once per referee")
}

func TestBlockRecordsReasonAndCounters(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")

	rec, err := f.service.Block(t.Context(), adminActor, "referee-1", "confirmed farm account", config.DefaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, rec.Status)
	assert.True(t, rec.Blocked)
	assert.Equal(t, "confirmed farm account", rec.BlockedReason)
	require.NotNil(t, rec.BlockedAt)

	entries, _ := f.auditStore.ListByUser(t.Context(), "referee-1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionManualBlock, entries[0].Action)

	st, err := f.stats.Get(t.Context(), "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.BlockedReferrals)
}

func TestCommandsRequirePrivilegedActor(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	_, err := f.service.Approve(t.Context(), plainActor, "referee-1", "reason", cfg)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = f.service.Block(t.Context(), adminmw.Actor{}, "referee-1", "reason", cfg)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = f.service.AdjustRewards(t.Context(), plainActor, "referrer-1", 5, "reason")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
}

func TestApproveNotesAreOptional(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")

	rec, err := f.service.Approve(t.Context(), adminActor, "referee-1", "", config.DefaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
	assert.Equal(t, 1, *f.granted)

	entries, _ := f.auditStore.ListByUser(t.Context(), "referee-1")
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Reason)
}

func TestBlockAndResetRequireReason(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	_, err := f.service.Block(t.Context(), adminActor, "referee-1", "", cfg)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = f.service.Reset(t.Context(), adminActor, "referee-1", "", cfg)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestApproveRetriesUnsettledGrant(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	*f.grantErr = errors.New("subscription service down")
	rec, err := f.service.Approve(t.Context(), adminActor, "referee-1", "looks fine", cfg)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDependency))
	assert.Equal(t, models.StatusVerified, rec.Status, "the verification stands even when the grant fails")
	assert.Equal(t, 0, *f.granted)

	*f.grantErr = nil
	rec, err = f.service.Approve(t.Context(), adminActor, "referee-1", "retry after outage", cfg)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
	assert.Equal(t, 1, *f.granted, "re-approve settles the grant left behind by the outage")

	st, err := f.stats.Get(t.Context(), "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.Rewards.RewardDays(), st.RewardDays)

	_, err = f.service.Approve(t.Context(), adminActor, "referee-1", "once more", cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, *f.granted, "a settled grant never re-issues")
}

func TestApproveUnknownReferee(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Approve(t.Context(), adminActor, "ghost", "reason", config.DefaultPipeline())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestAdjustRewardsFloorsAtZero(t *testing.T) {
	f := newFixture(t)

	st, err := f.service.AdjustRewards(t.Context(), adminActor, "referrer-1", 7, "goodwill credit")
	require.NoError(t, err)
	assert.Equal(t, 7, st.RewardDays)

	st, err = f.service.AdjustRewards(t.Context(), adminActor, "referrer-1", -20, "clawback")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RewardDays)

	entries, _ := f.auditStore.ListByUser(t.Context(), "referrer-1")
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionAdjustRewards, entries[0].Action)
}

func TestUpdateStatsAllowListAndAudit(t *testing.T) {
	f := newFixture(t)
	two, ten := 2, 10

	st, err := f.service.UpdateStats(t.Context(), adminActor, "referrer-1",
		StatsOverride{TotalVerified: &two, RewardDays: &ten}, "support correction")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalVerified)
	assert.Equal(t, 10, st.RewardDays)
	assert.Equal(t, 0, st.TotalReferred, "untouched field keeps its value")

	entries, _ := f.auditStore.ListByUser(t.Context(), "referrer-1")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionUpdateStats, entries[0].Action)
	assert.Equal(t, "admin-1", entries[0].ActorID)
}

func TestUpdateStatsRejectsEmptyOverride(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.UpdateStats(t.Context(), adminActor, "referrer-1", StatsOverride{}, "oops")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestGetFlaggedUsers(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1", models.FlagNeedsManualReview)
	seedPending(t, f, "referee-2")
	seedPending(t, f, "referee-3", models.FlagNeedsManualReview)

	recs, err := f.service.GetFlaggedUsers(t.Context(), adminActor, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestGetFraudDetailsIncludesHistory(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f, "referee-1")
	cfg := config.DefaultPipeline()

	_, err := f.service.Block(t.Context(), adminActor, "referee-1", "farm", cfg)
	require.NoError(t, err)

	details, err := f.service.GetFraudDetails(t.Context(), adminActor, "referee-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, details.Record.Status)
	require.Len(t, details.History, 1)
	assert.Equal(t, audit.ActionManualBlock, details.History[0].Action)
}

func TestGetStatsUnknownReferrerReadsZero(t *testing.T) {
	f := newFixture(t)

	st, err := f.service.GetStats(t.Context(), adminActor, "referrer-none")
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalReferred)
	assert.Equal(t, "referrer-none", st.ReferrerID)
}

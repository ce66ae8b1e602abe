package tracker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vouch/internal/audit"
	"vouch/internal/fraud"
	"vouch/internal/platform/config"
	"vouch/internal/reward"
	"vouch/internal/verification/engine"
	"vouch/internal/verification/ledger"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	dErrors "vouch/pkg/domain-errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tracker       *Tracker
	verifications *store.InMemoryVerificationStore
	stats         *store.InMemoryStatsStore
	ledger        *ledger.InMemoryStore
	signals       *fraud.InMemorySignalStore
	granted       *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vs := store.NewInMemoryVerificationStore()
	stats := store.NewInMemoryStatsStore()
	led := ledger.NewInMemoryStore()
	signals := fraud.NewInMemorySignalStore()
	auditor := audit.NewPublisher(audit.NewInMemoryStore(), slog.Default())

	granted := 0
	granter := reward.GranterFunc(func(context.Context, string, string, int) error {
		granted++
		return nil
	})
	rewards := reward.NewService(stats, granter, auditor,
		reward.WithActionLedger(led),
		reward.WithClock(func() time.Time { return testNow }))
	eng := engine.New(vs, rewards, auditor, engine.WithClock(func() time.Time { return testNow }))
	detector := fraud.NewDetector(vs, signals, slog.Default())
	scorer := fraud.NewScorer(vs, signals, detector, slog.Default(),
		fraud.WithClock(func() time.Time { return testNow }))

	tr := New(vs, led, eng, scorer, rewards, WithClock(func() time.Time { return testNow }))
	return &fixture{tracker: tr, verifications: vs, stats: stats, ledger: led, signals: signals, granted: &granted}
}

func TestRegisterCreatesRecordAndCountsReferral(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()

	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Len(t, rec.Checklist, 5)

	st, err := f.stats.Get(t.Context(), "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalReferred)
	assert.Equal(t, 1, st.PendingVerifications)
}

func TestRegisterTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()

	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	st, err := f.stats.Get(t.Context(), "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalReferred, "double redemption counts once")
}

func TestRegisterRejectsSelfReferral(t *testing.T) {
	f := newFixture(t)

	err := f.tracker.Register(t.Context(), "user-1", "user-1", config.DefaultPipeline())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestRecordProgressIncrements(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}
	require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	item := rec.Checklist[models.ReqForumPosts]
	assert.Equal(t, 1, item.Count)
	assert.False(t, item.Completed)
}

func TestRecordProgressDuplicateEventCountsOnce(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))
	}

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Checklist[models.ReqForumPosts].Count, "redelivered event counted once")
}

func TestRecordProgressConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	ev := Event{RefereeID: "referee-1", Requirement: models.ReqInteractions, SourceEventID: "dm-1"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.tracker.RecordProgress(context.Background(), ev, cfg)
		}()
	}
	wg.Wait()

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Checklist[models.ReqInteractions].Count)
}

func TestRecordProgressCompletesItem(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	for i, id := range []string{"post-1", "post-2", "post-3"} {
		ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: id}
		require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))

		rec, err := f.verifications.Get(t.Context(), "referee-1")
		require.NoError(t, err)
		item := rec.Checklist[models.ReqForumPosts]
		assert.Equal(t, i+1, item.Count)
	}

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	item := rec.Checklist[models.ReqForumPosts]
	assert.True(t, item.Completed)
	require.NotNil(t, item.CompletedAt)
}

func TestRecordProgressCompletedItemIgnoresLateEvents(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	for _, id := range []string{"post-1", "post-2", "post-3"} {
		ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: id}
		require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))
	}
	entries := f.ledger.Len()

	ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-4"}
	require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Checklist[models.ReqForumPosts].Count, "a completed item does not keep counting")
	assert.Equal(t, entries, f.ledger.Len(), "late events for a completed item leave no claim behind")
}

func TestFullChecklistVerifiesReferee(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	// Account fingerprint old enough to avoid the young account flag.
	f.signals.Record(&fraud.Fingerprint{
		UserID:           "referee-1",
		AccountCreatedAt: testNow.Add(-30 * 24 * time.Hour),
	})

	complete := func(req models.Requirement, n int, prefix string) {
		for i := 0; i < n; i++ {
			ev := Event{RefereeID: "referee-1", Requirement: req, SourceEventID: prefix + string(rune('a'+i))}
			require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))
		}
	}
	complete(models.ReqAccountAge, 1, "age-")
	complete(models.ReqForumPosts, 3, "post-")
	complete(models.ReqInteractions, 5, "dm-")
	complete(models.ReqGroupActivity, 3, "group-")
	complete(models.ReqRecoveryActivity, 1, "recovery-")

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.Status)
	require.NotNil(t, rec.VerifiedAt)
	assert.Equal(t, 1, *f.granted)

	st, err := f.stats.Get(t.Context(), "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalVerified)
	assert.Equal(t, 0, st.PendingVerifications)
}

func TestRecordProgressUnknownRefereeIsNoop(t *testing.T) {
	f := newFixture(t)

	ev := Event{RefereeID: "stranger", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}
	require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, config.DefaultPipeline()))
	assert.Equal(t, 0, f.ledger.Len(), "no ledger entry for unknown referees")
}

func TestRecordProgressVerifiedRecordIsNoop(t *testing.T) {
	f := newFixture(t)
	cfg := config.DefaultPipeline()
	require.NoError(t, f.tracker.Register(t.Context(), "referee-1", "referrer-1", cfg))

	rec, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	rec.Status = models.StatusVerified
	require.NoError(t, f.verifications.Update(t.Context(), rec))

	ev := Event{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}
	require.NoError(t, f.tracker.RecordProgress(t.Context(), ev, cfg))

	got, err := f.verifications.Get(t.Context(), "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Checklist[models.ReqForumPosts].Count)
}

func TestRecordProgressInvalidRequirement(t *testing.T) {
	f := newFixture(t)

	ev := Event{RefereeID: "referee-1", Requirement: "likes", SourceEventID: "like-1"}
	err := f.tracker.RecordProgress(t.Context(), ev, config.DefaultPipeline())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

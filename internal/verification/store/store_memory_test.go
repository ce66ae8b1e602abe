package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vouch/internal/platform/config"
	"vouch/internal/verification/models"
	"vouch/pkg/platform/sentinel"
)

func newRecord(refereeID, referrerID string, created time.Time) *models.Verification {
	return models.New(refereeID, referrerID, config.DefaultPipeline(), created)
}

func TestVerificationStore_CreateAndGet(t *testing.T) {
	s := NewInMemoryVerificationStore()
	ctx := t.Context()

	rec := newRecord("referee-1", "referrer-1", time.Now())
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	assert.ErrorIs(t, s.Create(ctx, newRecord("referee-1", "referrer-1", time.Now())), sentinel.ErrAlreadyExists)

	got, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestVerificationStore_UpdateCAS(t *testing.T) {
	s := NewInMemoryVerificationStore()
	ctx := t.Context()

	rec := newRecord("referee-1", "referrer-1", time.Now())
	require.NoError(t, s.Create(ctx, rec))

	// Two readers load the same version.
	first, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)

	first.Checklist[models.ReqForumPosts].Count = 1
	require.NoError(t, s.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.FraudScore = 50
	assert.ErrorIs(t, s.Update(ctx, second), sentinel.ErrConflict,
		"stale version must lose the conditional write")

	got, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Checklist[models.ReqForumPosts].Count)
	assert.Equal(t, 0, got.FraudScore, "losing write must not leak through")
}

func TestVerificationStore_GetReturnsCopy(t *testing.T) {
	s := NewInMemoryVerificationStore()
	ctx := t.Context()

	require.NoError(t, s.Create(ctx, newRecord("referee-1", "referrer-1", time.Now())))

	got, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)
	got.Checklist[models.ReqForumPosts].Count = 99

	fresh, err := s.Get(ctx, "referee-1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Checklist[models.ReqForumPosts].Count,
		"caller mutations must not reach the store")
}

func TestVerificationStore_ListByReferrer(t *testing.T) {
	s := NewInMemoryVerificationStore()
	ctx := t.Context()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Create(ctx, newRecord(id, "referrer-1", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, s.Create(ctx, newRecord("other", "referrer-2", base)))

	all, err := s.ListByReferrer(ctx, "referrer-1", Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[0].RefereeID, "creation order")

	paged, err := s.ListByReferrer(ctx, "referrer-1", Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "c", paged[0].RefereeID)
}

func TestVerificationStore_ListFlagged(t *testing.T) {
	s := NewInMemoryVerificationStore()
	ctx := t.Context()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	flagged := newRecord("flagged", "referrer-1", base)
	flagged.AddFlag(models.FlagNeedsManualReview)
	require.NoError(t, s.Create(ctx, flagged))

	clean := newRecord("clean", "referrer-1", base.Add(time.Hour))
	require.NoError(t, s.Create(ctx, clean))

	blocked := newRecord("blocked", "referrer-1", base.Add(2*time.Hour))
	blocked.AddFlag(models.FlagNeedsManualReview)
	blocked.Status = models.StatusBlocked
	require.NoError(t, s.Create(ctx, blocked))

	got, err := s.ListFlagged(ctx, models.FlagNeedsManualReview, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "only pending records belong in the review queue")
	assert.Equal(t, "flagged", got[0].RefereeID)
}

func TestStatsStore_SaveCAS(t *testing.T) {
	s := NewInMemoryStatsStore()
	ctx := t.Context()

	st := &models.Stats{ReferrerID: "referrer-1", TotalReferred: 1}
	require.NoError(t, s.Save(ctx, st))
	assert.Equal(t, int64(1), st.Version)

	stale := st.Clone()
	st.TotalReferred = 2
	require.NoError(t, s.Save(ctx, st))

	stale.TotalReferred = 7
	assert.ErrorIs(t, s.Save(ctx, stale), sentinel.ErrConflict)

	got, err := s.Get(ctx, "referrer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalReferred)
}

func TestStatsStore_ListReferrers(t *testing.T) {
	s := NewInMemoryStatsStore()
	ctx := t.Context()

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, s.Save(ctx, &models.Stats{ReferrerID: id}))
	}

	ids, err := s.ListReferrers(ctx, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo"}, ids)

	rest, err := s.ListReferrers(ctx, Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"charlie"}, rest)
}

//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"

	"vouch/internal/platform/config"
	"vouch/internal/verification/ledger"
	"vouch/internal/verification/models"
	"vouch/internal/verification/store"
	"vouch/pkg/platform/sentinel"
	"vouch/pkg/platform/tx"
	"vouch/pkg/testutil/containers"
)

const schema = `
CREATE TABLE IF NOT EXISTS referral_verifications (
    referee_id      TEXT PRIMARY KEY,
    referrer_id     TEXT NOT NULL,
    status          TEXT NOT NULL,
    checklist       JSONB NOT NULL,
    fraud_score     INT NOT NULL DEFAULT 0,
    fraud_flags     TEXT[] NOT NULL DEFAULT '{}',
    blocked         BOOLEAN NOT NULL DEFAULT false,
    blocked_reason  TEXT,
    blocked_at      TIMESTAMPTZ,
    verified_at     TIMESTAMPTZ,
    last_checked_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    version         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS referral_verifications_referrer_idx
    ON referral_verifications (referrer_id, created_at);

CREATE TABLE IF NOT EXISTS referral_stats (
    referrer_id           TEXT PRIMARY KEY,
    total_referred        INT NOT NULL DEFAULT 0,
    total_verified        INT NOT NULL DEFAULT 0,
    pending_verifications INT NOT NULL DEFAULT 0,
    blocked_referrals     INT NOT NULL DEFAULT 0,
    reward_days           INT NOT NULL DEFAULT 0,
    last_updated_at       TIMESTAMPTZ,
    version               BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS action_ledger (
    referee_id      TEXT        NOT NULL,
    requirement     TEXT        NOT NULL,
    source_event_id TEXT        NOT NULL,
    counted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (referee_id, requirement, source_event_id)
);
`

type PostgresStoreSuite struct {
	suite.Suite
	postgres      *containers.PostgresContainer
	verifications *store.PostgresVerificationStore
	stats         *store.PostgresStatsStore
	ledger        *ledger.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.Require().NoError(s.postgres.ApplySchema(context.Background(), schema))
	s.verifications = store.NewPostgresVerificationStore(s.postgres.DB)
	s.stats = store.NewPostgresStatsStore(s.postgres.DB)
	s.ledger = ledger.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "referral_verifications", "referral_stats", "action_ledger")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) seed(refereeID string) *models.Verification {
	rec := models.New(refereeID, "referrer-1", config.DefaultPipeline(), time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(s.verifications.Create(context.Background(), rec))
	return rec
}

func (s *PostgresStoreSuite) TestCreateAndGetRoundTrip() {
	ctx := context.Background()
	rec := s.seed("referee-1")
	rec.Checklist[models.ReqForumPosts].Count = 2
	rec.AddFlag(models.FlagYoungAccount)
	s.Require().NoError(s.verifications.Update(ctx, rec))

	got, err := s.verifications.Get(ctx, "referee-1")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Status)
	s.Equal(2, got.Checklist[models.ReqForumPosts].Count)
	s.Equal([]string{models.FlagYoungAccount}, got.FraudFlags)
	s.Equal(int64(2), got.Version)
}

func (s *PostgresStoreSuite) TestCreateDuplicateReferee() {
	s.seed("referee-1")

	dup := models.New("referee-1", "referrer-2", config.DefaultPipeline(), time.Now().UTC())
	err := s.verifications.Create(context.Background(), dup)
	s.Require().ErrorIs(err, sentinel.ErrAlreadyExists)
}

func (s *PostgresStoreSuite) TestUpdateStaleVersionConflicts() {
	ctx := context.Background()
	rec := s.seed("referee-1")

	stale := rec.Clone()
	rec.FraudScore = 30
	s.Require().NoError(s.verifications.Update(ctx, rec))

	stale.FraudScore = 10
	err := s.verifications.Update(ctx, stale)
	s.Require().ErrorIs(err, sentinel.ErrConflict, "a stale version must not overwrite a newer write")

	got, err := s.verifications.Get(ctx, "referee-1")
	s.Require().NoError(err)
	s.Equal(30, got.FraudScore)
}

func (s *PostgresStoreSuite) TestListFlaggedFiltersPendingWithFlag() {
	ctx := context.Background()
	flagged := s.seed("referee-1")
	flagged.AddFlag(models.FlagNeedsManualReview)
	s.Require().NoError(s.verifications.Update(ctx, flagged))

	s.seed("referee-2")

	verified := s.seed("referee-3")
	verified.Status = models.StatusVerified
	verified.AddFlag(models.FlagNeedsManualReview)
	s.Require().NoError(s.verifications.Update(ctx, verified))

	recs, err := s.verifications.ListFlagged(ctx, models.FlagNeedsManualReview, 10)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("referee-1", recs[0].RefereeID)
}

func (s *PostgresStoreSuite) TestStatsSaveConflictOnStaleVersion() {
	ctx := context.Background()
	st := &models.Stats{ReferrerID: "referrer-1", TotalReferred: 1}
	s.Require().NoError(s.stats.Save(ctx, st))

	stale := st.Clone()
	st.TotalReferred = 2
	s.Require().NoError(s.stats.Save(ctx, st))

	stale.TotalReferred = 9
	err := s.stats.Save(ctx, stale)
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	got, err := s.stats.Get(ctx, "referrer-1")
	s.Require().NoError(err)
	s.Equal(2, got.TotalReferred)
}

func (s *PostgresStoreSuite) TestLedgerClaimIsFirstWriterWins() {
	ctx := context.Background()
	key := ledger.Key{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}

	created, err := s.ledger.MarkCounted(ctx, key)
	s.Require().NoError(err)
	s.True(created)

	created, err = s.ledger.MarkCounted(ctx, key)
	s.Require().NoError(err)
	s.False(created, "a redelivered event loses the claim")

	counted, err := s.ledger.AlreadyCounted(ctx, key)
	s.Require().NoError(err)
	s.True(counted)

	s.Require().NoError(s.ledger.Release(ctx, key))
	counted, err = s.ledger.AlreadyCounted(ctx, key)
	s.Require().NoError(err)
	s.False(counted, "a released claim can be retaken")
}

// The ledger claim and the checklist write share one transaction, so a
// failure after the claim must leave neither behind.
func (s *PostgresStoreSuite) TestTransactionRollsBackClaimWithChecklist() {
	ctx := context.Background()
	rec := s.seed("referee-1")
	key := ledger.Key{RefereeID: "referee-1", Requirement: models.ReqForumPosts, SourceEventID: "post-1"}

	boom := errors.New("downstream failed")
	err := tx.Run(ctx, s.postgres.DB, func(ctx context.Context) error {
		created, err := s.ledger.MarkCounted(ctx, key)
		s.Require().NoError(err)
		s.Require().True(created)

		rec.Checklist[models.ReqForumPosts].Count = 1
		if err := s.verifications.Update(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	counted, err := s.ledger.AlreadyCounted(ctx, key)
	s.Require().NoError(err)
	s.False(counted, "the claim rolls back with the checklist write")

	got, err := s.verifications.Get(ctx, "referee-1")
	s.Require().NoError(err)
	s.Equal(0, got.Checklist[models.ReqForumPosts].Count)
	s.Equal(int64(1), got.Version)
}

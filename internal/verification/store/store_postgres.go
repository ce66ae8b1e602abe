package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"vouch/internal/verification/models"
	"vouch/pkg/platform/sentinel"
	txcontext "vouch/pkg/platform/tx"
)

// PostgresVerificationStore persists verification records with optimistic
// concurrency on the version column.
//
// Schema:
//
//	CREATE TABLE referral_verifications (
//	    referee_id      TEXT PRIMARY KEY,
//	    referrer_id     TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    checklist       JSONB NOT NULL,
//	    fraud_score     INT NOT NULL DEFAULT 0,
//	    fraud_flags     TEXT[] NOT NULL DEFAULT '{}',
//	    blocked         BOOLEAN NOT NULL DEFAULT false,
//	    blocked_reason  TEXT,
//	    blocked_at      TIMESTAMPTZ,
//	    verified_at     TIMESTAMPTZ,
//	    last_checked_at TIMESTAMPTZ,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    version         BIGINT NOT NULL
//	);
//	CREATE INDEX referral_verifications_referrer_idx
//	    ON referral_verifications (referrer_id, created_at);
type PostgresVerificationStore struct {
	db *sql.DB
}

// NewPostgresVerificationStore creates a Postgres-backed verification store.
func NewPostgresVerificationStore(db *sql.DB) *PostgresVerificationStore {
	return &PostgresVerificationStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresVerificationStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const verificationColumns = `referee_id, referrer_id, status, checklist, fraud_score, fraud_flags,
	blocked, blocked_reason, blocked_at, verified_at, last_checked_at, created_at, version`

func (s *PostgresVerificationStore) Create(ctx context.Context, v *models.Verification) error {
	checklist, err := json.Marshal(v.Checklist)
	if err != nil {
		return fmt.Errorf("marshal checklist: %w", err)
	}

	_, err = s.execer(ctx).ExecContext(ctx,
		`INSERT INTO referral_verifications (`+verificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		v.RefereeID, v.ReferrerID, string(v.Status), checklist, v.FraudScore,
		pq.Array(v.FraudFlags), v.Blocked, nullString(v.BlockedReason),
		v.BlockedAt, v.VerifiedAt, v.LastCheckedAt, v.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert verification: %w", err)
	}
	v.Version = 1
	return nil
}

func (s *PostgresVerificationStore) Get(ctx context.Context, refereeID string) (*models.Verification, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM referral_verifications WHERE referee_id = $1`,
		refereeID,
	)
	return scanVerification(row)
}

func (s *PostgresVerificationStore) Update(ctx context.Context, v *models.Verification) error {
	checklist, err := json.Marshal(v.Checklist)
	if err != nil {
		return fmt.Errorf("marshal checklist: %w", err)
	}

	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE referral_verifications SET
		     status = $2, checklist = $3, fraud_score = $4, fraud_flags = $5,
		     blocked = $6, blocked_reason = $7, blocked_at = $8,
		     verified_at = $9, last_checked_at = $10, version = version + 1
		 WHERE referee_id = $1 AND version = $11`,
		v.RefereeID, string(v.Status), checklist, v.FraudScore, pq.Array(v.FraudFlags),
		v.Blocked, nullString(v.BlockedReason), v.BlockedAt,
		v.VerifiedAt, v.LastCheckedAt, v.Version,
	)
	if err != nil {
		return fmt.Errorf("update verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Either the record vanished or a concurrent writer bumped the
		// version. Records are never hard-deleted in production, so report
		// the conflict.
		return sentinel.ErrConflict
	}
	v.Version++
	return nil
}

func (s *PostgresVerificationStore) ListByReferrer(ctx context.Context, referrerID string, page Page) ([]*models.Verification, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM referral_verifications
		 WHERE referrer_id = $1
		 ORDER BY created_at, referee_id
		 LIMIT $2 OFFSET $3`,
		referrerID, limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list verifications by referrer: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

func (s *PostgresVerificationStore) ListFlagged(ctx context.Context, flag string, limit int) ([]*models.Verification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+verificationColumns+` FROM referral_verifications
		 WHERE status = $1 AND $2 = ANY(fraud_flags)
		 ORDER BY created_at, referee_id
		 LIMIT $3`,
		string(models.StatusPending), flag, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list flagged verifications: %w", err)
	}
	defer rows.Close()
	return scanVerifications(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*models.Verification, error) {
	var (
		v             models.Verification
		status        string
		checklist     []byte
		flags         pq.StringArray
		blockedReason sql.NullString
	)
	err := row.Scan(
		&v.RefereeID, &v.ReferrerID, &status, &checklist, &v.FraudScore, &flags,
		&v.Blocked, &blockedReason, &v.BlockedAt, &v.VerifiedAt, &v.LastCheckedAt,
		&v.CreatedAt, &v.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification: %w", err)
	}

	v.Status = models.Status(status)
	v.FraudFlags = []string(flags)
	if v.FraudFlags == nil {
		v.FraudFlags = []string{}
	}
	v.BlockedReason = blockedReason.String
	if err := json.Unmarshal(checklist, &v.Checklist); err != nil {
		return nil, fmt.Errorf("unmarshal checklist: %w", err)
	}
	return &v, nil
}

func scanVerifications(rows *sql.Rows) ([]*models.Verification, error) {
	var out []*models.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PostgresStatsStore persists referrer aggregates.
//
// Schema:
//
//	CREATE TABLE referral_stats (
//	    referrer_id           TEXT PRIMARY KEY,
//	    total_referred        INT NOT NULL DEFAULT 0,
//	    total_verified        INT NOT NULL DEFAULT 0,
//	    pending_verifications INT NOT NULL DEFAULT 0,
//	    blocked_referrals     INT NOT NULL DEFAULT 0,
//	    reward_days           INT NOT NULL DEFAULT 0,
//	    last_updated_at       TIMESTAMPTZ,
//	    version               BIGINT NOT NULL
//	);
type PostgresStatsStore struct {
	db *sql.DB
}

// NewPostgresStatsStore creates a Postgres-backed stats store.
func NewPostgresStatsStore(db *sql.DB) *PostgresStatsStore {
	return &PostgresStatsStore{db: db}
}

func (s *PostgresStatsStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStatsStore) Get(ctx context.Context, referrerID string) (*models.Stats, error) {
	var (
		st      models.Stats
		updated sql.NullTime
	)
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT referrer_id, total_referred, total_verified, pending_verifications,
		        blocked_referrals, reward_days, last_updated_at, version
		 FROM referral_stats WHERE referrer_id = $1`,
		referrerID,
	).Scan(&st.ReferrerID, &st.TotalReferred, &st.TotalVerified, &st.PendingVerifications,
		&st.BlockedReferrals, &st.RewardDays, &updated, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}
	if updated.Valid {
		t := updated.Time
		st.LastUpdatedAt = &t
	}
	return &st, nil
}

func (s *PostgresStatsStore) Save(ctx context.Context, st *models.Stats) error {
	updated := st.LastUpdatedAt

	if st.Version == 0 {
		_, err := s.execer(ctx).ExecContext(ctx,
			`INSERT INTO referral_stats (referrer_id, total_referred, total_verified,
			     pending_verifications, blocked_referrals, reward_days, last_updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
			st.ReferrerID, st.TotalReferred, st.TotalVerified, st.PendingVerifications,
			st.BlockedReferrals, st.RewardDays, updated,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert stats: %w", err)
		}
		st.Version = 1
		return nil
	}

	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE referral_stats SET
		     total_referred = $2, total_verified = $3, pending_verifications = $4,
		     blocked_referrals = $5, reward_days = $6, last_updated_at = $7,
		     version = version + 1
		 WHERE referrer_id = $1 AND version = $8`,
		st.ReferrerID, st.TotalReferred, st.TotalVerified, st.PendingVerifications,
		st.BlockedReferrals, st.RewardDays, updated, st.Version,
	)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	st.Version++
	return nil
}

func (s *PostgresStatsStore) ListReferrers(ctx context.Context, page Page) ([]string, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT referrer_id FROM referral_stats ORDER BY referrer_id LIMIT $1 OFFSET $2`,
		limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list referrers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan referrer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrers: %w", err)
	}
	return ids, nil
}

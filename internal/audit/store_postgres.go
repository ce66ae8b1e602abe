package audit

import (
	"context"
	"database/sql"
	"fmt"

	txcontext "vouch/pkg/platform/tx"
)

// PostgresStore persists audit entries. The table carries no update or delete
// paths; application code only ever inserts and reads.
//
// Schema:
//
//	CREATE TABLE fraud_audit_log (
//	    id        UUID PRIMARY KEY,
//	    action    TEXT NOT NULL,
//	    actor_id  TEXT NOT NULL,
//	    user_id   TEXT NOT NULL,
//	    before    JSONB,
//	    after     JSONB,
//	    reason    TEXT,
//	    score     INT NOT NULL DEFAULT 0,
//	    ts        TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX fraud_audit_log_user_idx ON fraud_audit_log (user_id, ts);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO fraud_audit_log (id, action, actor_id, user_id, before, after, reason, score, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, string(entry.Action), entry.ActorID, entry.UserID,
		nullBytes(entry.Before), nullBytes(entry.After),
		entry.Reason, entry.Score, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, action, actor_id, user_id, before, after, reason, score, ts
		 FROM fraud_audit_log WHERE user_id = $1 ORDER BY ts`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			action string
			reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &action, &e.ActorID, &e.UserID, &e.Before, &e.After,
			&reason, &e.Score, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		e.Reason = reason.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

package ledger

import (
	"context"
	"database/sql"
	"fmt"

	txcontext "vouch/pkg/platform/tx"
)

// PostgresStore persists ledger entries in the action_ledger table. It honors
// a transaction placed in context so the claim can commit atomically with the
// checklist write.
//
// Schema:
//
//	CREATE TABLE action_ledger (
//	    referee_id      TEXT        NOT NULL,
//	    requirement     TEXT        NOT NULL,
//	    source_event_id TEXT        NOT NULL,
//	    counted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (referee_id, requirement, source_event_id)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed action ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) AlreadyCounted(ctx context.Context, key Key) (bool, error) {
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM action_ledger
		     WHERE referee_id = $1 AND requirement = $2 AND source_event_id = $3
		 )`,
		key.RefereeID, string(key.Requirement), key.SourceEventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query action ledger: %w", err)
	}
	return exists, nil
}

// MarkCounted inserts the entry, relying on the primary key for the
// first-writer-wins guarantee.
func (s *PostgresStore) MarkCounted(ctx context.Context, key Key) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO action_ledger (referee_id, requirement, source_event_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (referee_id, requirement, source_event_id) DO NOTHING`,
		key.RefereeID, string(key.Requirement), key.SourceEventID,
	)
	if err != nil {
		return false, fmt.Errorf("insert action ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key Key) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM action_ledger
		 WHERE referee_id = $1 AND requirement = $2 AND source_event_id = $3`,
		key.RefereeID, string(key.Requirement), key.SourceEventID,
	)
	if err != nil {
		return fmt.Errorf("release action ledger entry: %w", err)
	}
	return nil
}

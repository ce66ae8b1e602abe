package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit entries from a channel and persists them, decoupling
// hot-path handlers from audit store latency. A failed append is logged and
// the entry dropped; the primary state change already happened.
type Worker struct {
	store  Store
	inbox  <-chan Entry
	logger *slog.Logger
}

// NewWorker creates a worker draining inbox into store.
func NewWorker(store Store, inbox <-chan Entry, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// AsyncStore queues appends onto a worker inbox so emitters never wait on
// the audit backend. Reads pass through to the backing store. When the inbox
// is full the append happens inline rather than dropping the entry.
type AsyncStore struct {
	backing Store
	inbox   chan Entry
}

// NewAsyncStore wraps backing with a buffered inbox; feed the returned
// channel to a Worker.
func NewAsyncStore(backing Store, buffer int) (*AsyncStore, <-chan Entry) {
	s := &AsyncStore{backing: backing, inbox: make(chan Entry, buffer)}
	return s, s.inbox
}

func (s *AsyncStore) Append(ctx context.Context, entry Entry) error {
	select {
	case s.inbox <- entry:
		return nil
	default:
		return s.backing.Append(ctx, entry)
	}
}

func (s *AsyncStore) ListByUser(ctx context.Context, userID string) ([]Entry, error) {
	return s.backing.ListByUser(ctx, userID)
}

// Run drains the inbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			if err := w.store.Append(ctx, entry); err != nil {
				w.logger.ErrorContext(ctx, "audit append failed",
					"action", entry.Action,
					"user_id", entry.UserID,
					"error", err,
				)
			}
		}
	}
}

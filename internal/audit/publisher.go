package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the append-only persistence port for the audit trail.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByUser(ctx context.Context, userID string) ([]Entry, error)
}

// Publisher captures structured audit entries. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily. A failed
// append is logged and swallowed: losing one audit entry is preferable to
// rolling back a legitimate state change, though the gap is surfaced through
// the log for monitoring.
type Publisher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock overrides the timestamp source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// NewPublisher creates a publisher writing to the given store.
func NewPublisher(store Store, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit appends an entry, filling ID and timestamp when unset.
func (p *Publisher) Emit(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = p.now()
	}
	if entry.ActorID == "" {
		entry.ActorID = SystemActor
	}
	if err := p.store.Append(ctx, entry); err != nil {
		p.logger.ErrorContext(ctx, "audit append failed",
			"action", entry.Action,
			"user_id", entry.UserID,
			"error", err,
		)
	}
}

// List returns a user's audit entries, oldest first.
func (p *Publisher) List(ctx context.Context, userID string) ([]Entry, error) {
	return p.store.ListByUser(ctx, userID)
}

// Snapshot marshals a record for the before/after fields. Marshal failures
// degrade to a null snapshot rather than failing the primary action.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

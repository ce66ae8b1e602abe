// Package ledger is the idempotency record behind checklist progress. Each
// entry keys one real-world action (refereeID, requirement, sourceEventID);
// presence means the action already counted, so redelivered events no-op.
package ledger

import (
	"context"
	"fmt"

	"vouch/internal/verification/models"
)

// Key identifies one counted action.
type Key struct {
	RefereeID     string
	Requirement   models.Requirement
	SourceEventID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.RefereeID, k.Requirement, k.SourceEventID)
}

// Store is the action ledger port. Entries are write-once; MarkCounted is the
// atomic claim that makes check-then-mark safe under duplicate delivery.
type Store interface {
	// AlreadyCounted reports whether the action was counted before.
	AlreadyCounted(ctx context.Context, key Key) (bool, error)

	// MarkCounted creates the entry if absent and reports whether this call
	// created it. Exactly one of any set of concurrent callers sees true.
	MarkCounted(ctx context.Context, key Key) (created bool, err error)

	// Release undoes a claim whose checklist write failed, so the event
	// source's redelivery can retry instead of being silently dropped. It is
	// never called for successfully counted actions.
	Release(ctx context.Context, key Key) error
}

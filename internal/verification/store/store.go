// Package store persists verification and stats records. Both record types
// are the pipeline's only mutual-exclusion resources, so every write is a
// conditional write keyed on the record's Version: a lost race surfaces
// sentinel.ErrConflict instead of silently overwriting a concurrent update.
package store

import (
	"context"

	"vouch/internal/verification/models"
)

// Page bounds a referrer-keyed index scan.
type Page struct {
	Limit  int
	Offset int
}

// VerificationStore is the port for per-referee verification records.
type VerificationStore interface {
	// Create inserts a new record. Returns sentinel.ErrAlreadyExists when a
	// record for the referee is already present.
	Create(ctx context.Context, v *models.Verification) error

	// Get loads the record for a referee. Returns sentinel.ErrNotFound when
	// absent (events may race record creation; handlers no-op on this).
	Get(ctx context.Context, refereeID string) (*models.Verification, error)

	// Update writes the record if the stored Version equals v.Version, then
	// increments it. Returns sentinel.ErrConflict when a concurrent writer
	// won.
	Update(ctx context.Context, v *models.Verification) error

	// ListByReferrer pages through a referrer's referees in creation order.
	// This backs the pattern detector and the stats reconciler; it is a
	// bounded index query, never a full-collection scan.
	ListByReferrer(ctx context.Context, referrerID string, page Page) ([]*models.Verification, error)

	// ListFlagged returns up to limit pending records carrying the given
	// fraud flag, oldest first.
	ListFlagged(ctx context.Context, flag string, limit int) ([]*models.Verification, error)
}

// StatsStore is the port for per-referrer aggregates.
type StatsStore interface {
	// Get loads the stats record. Returns sentinel.ErrNotFound when absent.
	Get(ctx context.Context, referrerID string) (*models.Stats, error)

	// Save writes the record conditionally on Version (zero Version inserts).
	// Returns sentinel.ErrConflict when a concurrent writer won.
	Save(ctx context.Context, s *models.Stats) error

	// ListReferrers pages through known referrer IDs for reconciliation.
	ListReferrers(ctx context.Context, page Page) ([]string, error)
}

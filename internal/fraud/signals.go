// Package fraud scores a referee's trust signals and detects coordinated
// farming across a referrer's cohort. Scoring is deterministic so audit
// replay and admin recalculation reproduce the same number from the same
// signals.
package fraud

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mssola/useragent"

	"vouch/pkg/platform/sentinel"
	platformstrings "vouch/pkg/platform/strings"
)

// Fingerprint is the already-recorded trust signal set for one user. Device
// and IP collection happens elsewhere in the application; the pipeline only
// consumes these fields.
type Fingerprint struct {
	UserID    string
	DeviceIDs []string
	IPs       []string
	UserAgent string
	// ProfileBio is the free-text profile field farms tend to template.
	ProfileBio string
	// AccountCreatedAt is when the user account was created, which may
	// predate the referral.
	AccountCreatedAt time.Time
}

// SignalStore is the read-only port over recorded trust signals.
type SignalStore interface {
	// Fingerprint returns the recorded signals for a user, or
	// sentinel.ErrNotFound when none were recorded.
	Fingerprint(ctx context.Context, userID string) (*Fingerprint, error)
}

// Template is the normalized signup shape used for cross-referee matching:
// identical browser/OS plus an identical profile bio reads as a scripted
// signup batch.
type Template struct {
	Browser string
	OS      string
	Bio     string
}

// TemplateOf normalizes a fingerprint for comparison.
func TemplateOf(fp *Fingerprint) Template {
	ua := useragent.New(fp.UserAgent)
	browser, version := ua.Browser()
	return Template{
		Browser: strings.ToLower(browser + "/" + version),
		OS:      strings.ToLower(ua.OS()),
		Bio:     strings.ToLower(strings.TrimSpace(fp.ProfileBio)),
	}
}

// Overlaps reports whether the two string sets share any element.
func Overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; ok {
			return true
		}
	}
	return false
}

// InMemorySignalStore holds fingerprints seeded by the surrounding
// application (or tests).
type InMemorySignalStore struct {
	mu           sync.RWMutex
	fingerprints map[string]*Fingerprint
}

// NewInMemorySignalStore creates an empty signal store.
func NewInMemorySignalStore() *InMemorySignalStore {
	return &InMemorySignalStore{fingerprints: make(map[string]*Fingerprint)}
}

// Record stores or replaces a user's fingerprint. Device and IP lists are
// deduplicated so repeated observations of the same device never skew
// overlap checks.
func (s *InMemorySignalStore) Record(fp *Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fp
	cp.DeviceIDs = platformstrings.DedupeAndTrimLower(fp.DeviceIDs)
	cp.IPs = platformstrings.DedupeAndTrim(fp.IPs)
	s.fingerprints[fp.UserID] = &cp
}

func (s *InMemorySignalStore) Fingerprint(_ context.Context, userID string) (*Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.fingerprints[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *fp
	return &cp, nil
}

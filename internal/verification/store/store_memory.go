package store

import (
	"context"
	"sort"
	"sync"

	"vouch/internal/verification/models"
	"vouch/pkg/platform/sentinel"
)

// InMemoryVerificationStore keeps verification records in a map with the same
// conditional-write semantics as the Postgres implementation, so services and
// tests exercise identical concurrency behavior.
type InMemoryVerificationStore struct {
	mu      sync.RWMutex
	records map[string]*models.Verification
}

// NewInMemoryVerificationStore creates an empty store.
func NewInMemoryVerificationStore() *InMemoryVerificationStore {
	return &InMemoryVerificationStore{records: make(map[string]*models.Verification)}
}

func (s *InMemoryVerificationStore) Create(_ context.Context, v *models.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[v.RefereeID]; ok {
		return sentinel.ErrAlreadyExists
	}
	stored := v.Clone()
	stored.Version = 1
	s.records[v.RefereeID] = stored
	v.Version = 1
	return nil
}

func (s *InMemoryVerificationStore) Get(_ context.Context, refereeID string) (*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[refereeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryVerificationStore) Update(_ context.Context, v *models.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[v.RefereeID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != v.Version {
		return sentinel.ErrConflict
	}
	stored := v.Clone()
	stored.Version = v.Version + 1
	s.records[v.RefereeID] = stored
	v.Version = stored.Version
	return nil
}

func (s *InMemoryVerificationStore) ListByReferrer(_ context.Context, referrerID string, page Page) ([]*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Verification
	for _, rec := range s.records {
		if rec.ReferrerID == referrerID {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].RefereeID < all[j].RefereeID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	return clonePage(all, page), nil
}

func (s *InMemoryVerificationStore) ListFlagged(_ context.Context, flag string, limit int) ([]*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.Verification
	for _, rec := range s.records {
		if rec.Status == models.StatusPending && rec.HasFlag(flag) {
			all = append(all, rec)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].RefereeID < all[j].RefereeID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	return clonePage(all, Page{Limit: limit}), nil
}

func clonePage(all []*models.Verification, page Page) []*models.Verification {
	if page.Offset >= len(all) {
		return nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	out := make([]*models.Verification, len(all))
	for i, rec := range all {
		out[i] = rec.Clone()
	}
	return out
}

// InMemoryStatsStore keeps referrer aggregates in a map.
type InMemoryStatsStore struct {
	mu      sync.RWMutex
	records map[string]*models.Stats
}

// NewInMemoryStatsStore creates an empty store.
func NewInMemoryStatsStore() *InMemoryStatsStore {
	return &InMemoryStatsStore{records: make(map[string]*models.Stats)}
}

func (s *InMemoryStatsStore) Get(_ context.Context, referrerID string) (*models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[referrerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStatsStore) Save(_ context.Context, st *models.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[st.ReferrerID]
	if !ok {
		if st.Version != 0 {
			return sentinel.ErrConflict
		}
	} else if current.Version != st.Version {
		return sentinel.ErrConflict
	}
	stored := st.Clone()
	stored.Version = st.Version + 1
	s.records[st.ReferrerID] = stored
	st.Version = stored.Version
	return nil
}

func (s *InMemoryStatsStore) ListReferrers(_ context.Context, page Page) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if page.Offset >= len(ids) {
		return nil, nil
	}
	ids = ids[page.Offset:]
	if page.Limit > 0 && page.Limit < len(ids) {
		ids = ids[:page.Limit]
	}
	return ids, nil
}

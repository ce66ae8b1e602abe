package ledger

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps the ledger in a map for tests and single-process
// deployments. It intentionally favors clarity over performance.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory ledger.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]time.Time)}
}

func (s *InMemoryStore) AlreadyCounted(_ context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key.String()]
	return ok, nil
}

func (s *InMemoryStore) MarkCounted(_ context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, ok := s.entries[k]; ok {
		return false, nil
	}
	s.entries[k] = time.Now()
	return true, nil
}

func (s *InMemoryStore) Release(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

// Len reports how many actions have been counted. Test helper.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

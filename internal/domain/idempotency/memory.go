package idempotency

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (s *MemoryStore) Claim(_ context.Context, key Key, owner string, now, staleBefore time.Time) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key]; ok {
		takeover := r.Status == StatusProcessing && (r.Owner == owner || r.ClaimedAt.Before(staleBefore))
		if !takeover {
			return false, &r, nil
		}
	}
	s.records[key] = Record{Key: key, Status: StatusProcessing, Owner: owner, ClaimedAt: now}
	return true, nil, nil
}

func (s *MemoryStore) Finish(_ context.Context, key Key, status Status, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Message = message
	r.CompletedAt = &now
	s.records[key] = r
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key Key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key]; ok && r.Status == StatusProcessing && r.Owner == owner {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

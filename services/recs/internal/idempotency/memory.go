package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	done  bool
	until time.Time
}

// memoryStore is a development-only in-memory idempotency store.
type memoryStore struct {
	mu    sync.Mutex
	seen  map[string]memoryEntry
	lease time.Duration
	now   func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{seen: make(map[string]memoryEntry), lease: DefaultLease, now: time.Now}
}

func (s *memoryStore) Claim(_ context.Context, eventID string) (ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.seen[eventID]; ok {
		if e.done {
			return Done, nil
		}
		if now.Before(e.until) {
			return InFlight, nil
		}
	}
	s.seen[eventID] = memoryEntry{until: now.Add(s.lease)}
	return Claimed, nil
}

func (s *memoryStore) Complete(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[eventID] = memoryEntry{done: true}
	return nil
}

func (s *memoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.seen[eventID]; ok && !e.done {
		delete(s.seen, eventID)
	}
	return nil
}

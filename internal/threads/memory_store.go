package threads

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	threadID  string
	expiresAt time.Time // zero = never
}

// NewMemoryStore creates a store whose entries expire ttl after their last Put.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, conversation string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversation]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, conversation)
		return "", ErrNotFound
	}
	return e.threadID, nil
}

func (s *MemoryStore) Put(_ context.Context, conversation, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{threadID: threadID}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[conversation] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, conversation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversation)
	return nil
}

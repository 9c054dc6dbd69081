// Package store holds the idempotency-key stores that let create-type
// operations be retried safely by callers that never auto-retry.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// IdempotencyStore binds a caller-supplied key to the id of the entity the
// first request created.
type IdempotencyStore interface {
	// Reserve binds key to value if key is unbound and reports the value
	// the key is bound to and whether this call bound it.
	Reserve(ctx context.Context, key, value string) (bound string, fresh bool, err error)
	// Release unbinds key so a failed create can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is the single-process IdempotencyStore.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	entries map[string]memoryEntry
}

func NewMemoryStore(clock clockwork.Clock, ttl time.Duration) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if e, ok := s.entries[key]; ok && (s.ttl <= 0 || now.Before(e.expires)) {
		return e.value, false, nil
	}
	s.entries[key] = memoryEntry{value: value, expires: now.Add(s.ttl)}
	s.sweepLocked(now)
	return value, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
}

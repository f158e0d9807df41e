package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
)

// MemoryStore is the single-process Store backend: state lives only in this
// Governor's memory, reset on restart. Suitable for a single-worker
// deployment or tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]crawler.RateLimitState
	slots  map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]crawler.RateLimitState),
		slots:  make(map[string]time.Time),
	}
}

// Load returns the persisted state for domain, if any.
func (s *MemoryStore) Load(_ context.Context, domain string) (crawler.RateLimitState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[domain]
	return state, ok, nil
}

// Store upserts the state for domain.
func (s *MemoryStore) Store(_ context.Context, state crawler.RateLimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Domain] = state
	return nil
}

// TryAcquireSlot enforces that requests against domain are spaced at least
// delay apart, using the last granted slot time as the reference point.
func (s *MemoryStore) TryAcquireSlot(_ context.Context, domain string, delay time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.slots[domain]
	if ok && now.Sub(last) < delay {
		return false, nil
	}
	s.slots[domain] = now
	return true, nil
}

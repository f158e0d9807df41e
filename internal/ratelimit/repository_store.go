package ratelimit

import (
	"context"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
)

// RateLimitRepository is the narrow slice of the Repository component this
// package depends on. internal/repository's SQLite backend satisfies it, so
// it can back a RepositoryStore without this package importing a database
// driver.
type RateLimitRepository interface {
	LoadRateLimitState(ctx context.Context, domain string) (crawler.RateLimitState, bool, error)
	UpsertRateLimitState(ctx context.Context, state crawler.RateLimitState) error
	// ClaimRateLimitSlot atomically checks whether `now` is at least delay
	// past the domain's last_request_at and, if so, advances
	// last_request_at to now in the same transaction. It reports whether the
	// slot was granted.
	ClaimRateLimitSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error)
}

// RepositoryStore persists rate-limit state through the embedded SQLite
// Repository backend, so the AIMD state survives restarts and
// is shared across every worker pointed at the same database.
type RepositoryStore struct {
	repo RateLimitRepository
}

// NewRepositoryStore wraps repo as a rate-limit Store.
func NewRepositoryStore(repo RateLimitRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

// Load returns the persisted state for domain, if any.
func (s *RepositoryStore) Load(ctx context.Context, domain string) (crawler.RateLimitState, bool, error) {
	return s.repo.LoadRateLimitState(ctx, domain)
}

// Store upserts the state for domain.
func (s *RepositoryStore) Store(ctx context.Context, state crawler.RateLimitState) error {
	return s.repo.UpsertRateLimitState(ctx, state)
}

// TryAcquireSlot delegates to the repository's atomic claim so concurrent
// workers sharing one database never both acquire the same slot.
func (s *RepositoryStore) TryAcquireSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error) {
	return s.repo.ClaimRateLimitSlot(ctx, domain, delay, now)
}

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
)

// KVClient is the capability a shared external key-value store (Redis,
// Memcached, or similar) must provide for KVStore to coordinate rate limits
// across independently-deployed worker fleets. Any client satisfying this
// narrow interface can back a KVStore; no specific driver is required by
// this package.
type KVClient interface {
	// Get returns the raw value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value for key unconditionally.
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSwap stores newValue for key only if the current value
	// equals oldValue (oldValue is nil if the key is expected absent). It
	// reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) (bool, error)
}

// KVStore persists rate-limit state in an external shared key-value store,
// the right backend when the crawl engine itself runs as many independent
// processes with no shared database.
type KVStore struct {
	client KVClient
	prefix string
}

// NewKVStore wraps client as a rate-limit Store, namespacing keys under
// prefix (e.g. "ratelimit:").
func NewKVStore(client KVClient, prefix string) *KVStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &KVStore{client: client, prefix: prefix}
}

func (s *KVStore) stateKey(domain string) string {
	return s.prefix + "state:" + domain
}

func (s *KVStore) slotKey(domain string) string {
	return s.prefix + "slot:" + domain
}

// Load returns the persisted state for domain, if any.
func (s *KVStore) Load(ctx context.Context, domain string) (crawler.RateLimitState, bool, error) {
	raw, ok, err := s.client.Get(ctx, s.stateKey(domain))
	if err != nil {
		return crawler.RateLimitState{}, false, fmt.Errorf("kv get state: %w", err)
	}
	if !ok {
		return crawler.RateLimitState{}, false, nil
	}
	var state crawler.RateLimitState
	if err := json.Unmarshal(raw, &state); err != nil {
		return crawler.RateLimitState{}, false, fmt.Errorf("kv decode state: %w", err)
	}
	return state, true, nil
}

// Store upserts the state for domain.
func (s *KVStore) Store(ctx context.Context, state crawler.RateLimitState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("kv encode state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(state.Domain), raw); err != nil {
		return fmt.Errorf("kv set state: %w", err)
	}
	return nil
}

// TryAcquireSlot performs a compare-and-swap loop against the slot key so
// two processes racing on the same domain cannot both win the same window.
func (s *KVStore) TryAcquireSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error) {
	key := s.slotKey(domain)
	old, ok, err := s.client.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("kv get slot: %w", err)
	}
	if ok {
		var last time.Time
		if err := last.UnmarshalText(old); err == nil {
			if now.Sub(last) < delay {
				return false, nil
			}
		}
	}
	newVal, err := now.MarshalText()
	if err != nil {
		return false, fmt.Errorf("kv marshal slot: %w", err)
	}
	var oldVal []byte
	if ok {
		oldVal = old
	}
	swapped, err := s.client.CompareAndSwap(ctx, key, oldVal, newVal)
	if err != nil {
		return false, fmt.Errorf("kv swap slot: %w", err)
	}
	return swapped, nil
}

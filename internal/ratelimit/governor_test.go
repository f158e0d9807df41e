package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGovernor_AcquireSpacesRequests(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gov := New(store, Config{InitialDelay: 50 * time.Millisecond, MinDelay: 50 * time.Millisecond})

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, gov.Acquire(ctx, "https://example.com/a"))
	require.NoError(t, gov.Acquire(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestGovernor_ReportThrottledDoublesDelay(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gov := New(store, Config{InitialDelay: 100 * time.Millisecond, MinDelay: 10 * time.Millisecond, MaxBackoff: time.Second})

	ctx := context.Background()
	require.NoError(t, gov.ReportThrottled(ctx, "https://example.com/a"))
	state, ok, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), state.DelayMs)

	require.NoError(t, gov.ReportThrottled(ctx, "https://example.com/a"))
	state, _, err = store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(400), state.DelayMs)
}

func TestGovernor_ReportThrottledCapsAtMaxBackoff(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gov := New(store, Config{InitialDelay: 40 * time.Second, MinDelay: 10 * time.Millisecond, MaxBackoff: 60 * time.Second})

	ctx := context.Background()
	require.NoError(t, gov.ReportThrottled(ctx, "https://example.com/a"))
	state, _, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, (60 * time.Second).Milliseconds(), state.DelayMs)
}

func TestGovernor_ReportSuccessDecaysAfterStreak(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gov := New(store, Config{
		InitialDelay:  time.Second,
		MinDelay:      100 * time.Millisecond,
		SuccessStreak: 3,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, gov.ReportSuccess(ctx, "https://example.com/a", 0))
	}
	state, ok, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Less(t, state.DelayMs, time.Second.Milliseconds())
	require.GreaterOrEqual(t, state.DelayMs, (100 * time.Millisecond).Milliseconds())
}

// TestGovernor_RateLimitAdaptationScenario mirrors the documented 20-fetch
// scenario for domain d: [200x3, 429, 429, 200x15]. After the two 429s the
// delay must at least double and in_backoff must be set; after the
// subsequent 10 successes in_backoff clears and the delay strictly decreases
// below its peak.
func TestGovernor_RateLimitAdaptationScenario(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	gov := New(store, Config{
		InitialDelay: 500 * time.Millisecond,
		MinDelay:     50 * time.Millisecond,
		MaxBackoff:   60 * time.Second,
	})

	ctx := context.Background()
	url := "https://example.com/a"

	for i := 0; i < 3; i++ {
		require.NoError(t, gov.ReportSuccess(ctx, url, 0))
	}
	state, _, err := store.Load(ctx, "example.com")
	require.NoError(t, err)
	beforeBackoff := state.DelayMs

	require.NoError(t, gov.ReportThrottled(ctx, url))
	require.NoError(t, gov.ReportThrottled(ctx, url))
	state, _, err = store.Load(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, state.InBackoff)
	require.GreaterOrEqual(t, state.DelayMs, beforeBackoff*2)
	require.Equal(t, int64(2), state.RateLimitHits)
	peak := state.DelayMs

	for i := 0; i < 15; i++ {
		require.NoError(t, gov.ReportSuccess(ctx, url, 0))
		state, _, err = store.Load(ctx, "example.com")
		require.NoError(t, err)
		if i < 9 {
			require.True(t, state.InBackoff, "in_backoff should still be set before the 10th consecutive success")
		}
	}
	require.False(t, state.InBackoff)
	require.Less(t, state.DelayMs, peak)
	require.Equal(t, int64(20), state.TotalRequests)
}

func TestMemoryStore_TryAcquireSlotEnforcesSpacing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	ok, err := store.TryAcquireSlot(ctx, "example.com", time.Second, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryAcquireSlot(ctx, "example.com", time.Second, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TryAcquireSlot(ctx, "example.com", time.Second, now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
}

// Package ratelimit implements the adaptive per-domain rate governor: an
// additive-increase/multiplicative-decrease controller over inter-request
// delay, backed by one of several pluggable persistence Stores so state
// survives process restarts and is shared across worker processes.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/telemetry"
)

// Config tunes the AIMD controller. Zero values are replaced with sane
// defaults by New.
type Config struct {
	InitialDelay      time.Duration
	MinDelay          time.Duration
	MaxBackoff        time.Duration
	MaxGrowth         time.Duration
	SuccessStreak     int // consecutive successes before the delay decays, while not in backoff
	BackoffClearStreak int // consecutive successes required to clear in_backoff
	BackoffMultiplier float64
	GrowthMultiplier  float64
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxGrowth <= 0 {
		c.MaxGrowth = 30 * time.Second
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = 5
	}
	if c.BackoffClearStreak <= 0 {
		c.BackoffClearStreak = 10
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.GrowthMultiplier <= 1 {
		c.GrowthMultiplier = 1.5
	}
	return c
}

// Store persists RateLimitState per domain. Implementations must be safe for
// concurrent use; TryAcquireSlot additionally enforces monotonic per-domain
// spacing so two workers racing on the same domain cannot both proceed
// within the same delay window.
type Store interface {
	Load(ctx context.Context, domain string) (crawler.RateLimitState, bool, error)
	Store(ctx context.Context, state crawler.RateLimitState) error
	TryAcquireSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error)
}

// Governor is the adaptive rate-limit controller. One Governor instance is
// shared by every fetch path in a process; the Store it wraps determines
// whether that sharing extends across processes.
type Governor struct {
	store Store
	cfg   Config
}

// New constructs a Governor backed by the given Store.
func New(store Store, cfg Config) *Governor {
	return &Governor{store: store, cfg: cfg.withDefaults()}
}

// Acquire blocks (respecting ctx) until the per-domain spacing for rawURL's
// host has elapsed, then returns. It is the single entry point fetchers call
// before issuing a request.
func (g *Governor) Acquire(ctx context.Context, rawURL string) error {
	domain, err := hostOf(rawURL)
	if err != nil {
		return err
	}

	state, ok, err := g.store.Load(ctx, domain)
	if err != nil {
		return fmt.Errorf("rate limit load %s: %w", domain, err)
	}
	delay := g.cfg.InitialDelay
	if ok && state.DelayMs > 0 {
		delay = time.Duration(state.DelayMs) * time.Millisecond
	}
	if delay < g.cfg.MinDelay {
		delay = g.cfg.MinDelay
	}

	for {
		acquired, err := g.store.TryAcquireSlot(ctx, domain, delay, time.Now())
		if err != nil {
			return fmt.Errorf("rate limit acquire %s: %w", domain, err)
		}
		if acquired {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit acquire %s: %w", domain, ctx.Err())
		case <-time.After(pollInterval(delay)):
		}
	}
}

func pollInterval(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 10 * time.Millisecond
	}
	tenth := delay / 10
	if tenth < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if tenth > 500*time.Millisecond {
		return 500 * time.Millisecond
	}
	return tenth
}

// ReportSuccess applies additive decrease: after a run of consecutive
// successes the delay steps back down towards the minimum, never below it.
func (g *Governor) ReportSuccess(ctx context.Context, rawURL string, observed time.Duration) error {
	domain, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	state, ok, err := g.store.Load(ctx, domain)
	if err != nil {
		return fmt.Errorf("rate limit load %s: %w", domain, err)
	}
	if !ok {
		state = crawler.RateLimitState{Domain: domain, DelayMs: g.cfg.InitialDelay.Milliseconds()}
	}
	state.ConsecutiveFailures = 0
	state.ConsecutiveSuccesses++
	state.TotalRequests++
	state.LastRequestAt = time.Now()
	state.UpdatedAt = state.LastRequestAt

	if state.InBackoff {
		if state.ConsecutiveSuccesses >= g.cfg.BackoffClearStreak {
			state.InBackoff = false
			state.ConsecutiveSuccesses = 0
		}
	} else if state.ConsecutiveSuccesses >= g.cfg.SuccessStreak {
		state.ConsecutiveSuccesses = 0
		floor := g.cfg.MinDelay
		current := time.Duration(state.DelayMs) * time.Millisecond
		newDelay := floor + time.Duration(0.8*float64(current-floor))
		if newDelay < floor {
			newDelay = floor
		}
		state.DelayMs = newDelay.Milliseconds()
	}

	if observed > 0 {
		telemetry.ObserveRateLimitDelay(domain, observed)
	}
	if err := g.store.Store(ctx, state); err != nil {
		return fmt.Errorf("rate limit store %s: %w", domain, err)
	}
	return nil
}

// ReportThrottled applies multiplicative decrease in response to a 429/403:
// the delay doubles (configurable), capped at MaxBackoff, and marks the
// domain in_backoff until BackoffClearStreak consecutive successes clear it.
func (g *Governor) ReportThrottled(ctx context.Context, rawURL string) error {
	return g.grow(ctx, rawURL, g.cfg.BackoffMultiplier, g.cfg.MaxBackoff, true)
}

// ReportTransportError applies a gentler multiplicative growth in response
// to connection failures and timeouts, capped at MaxGrowth. It does not set
// in_backoff; only an actual rate_limited_status does that.
func (g *Governor) ReportTransportError(ctx context.Context, rawURL string) error {
	return g.grow(ctx, rawURL, g.cfg.GrowthMultiplier, g.cfg.MaxGrowth, false)
}

func (g *Governor) grow(ctx context.Context, rawURL string, multiplier float64, cap time.Duration, rateLimited bool) error {
	domain, err := hostOf(rawURL)
	if err != nil {
		return err
	}
	state, ok, err := g.store.Load(ctx, domain)
	if err != nil {
		return fmt.Errorf("rate limit load %s: %w", domain, err)
	}
	if !ok {
		state = crawler.RateLimitState{Domain: domain, DelayMs: g.cfg.InitialDelay.Milliseconds()}
	}
	state.ConsecutiveSuccesses = 0
	state.ConsecutiveFailures++
	state.TotalRequests++
	if rateLimited {
		state.InBackoff = true
		state.RateLimitHits++
	}
	now := time.Now()
	state.LastRequestAt = now
	state.UpdatedAt = now

	current := time.Duration(state.DelayMs) * time.Millisecond
	if current <= 0 {
		current = g.cfg.MinDelay
	}
	grown := time.Duration(float64(current) * multiplier)
	if grown > cap {
		grown = cap
	}
	state.DelayMs = grown.Milliseconds()

	if err := g.store.Store(ctx, state); err != nil {
		return fmt.Errorf("rate limit store %s: %w", domain, err)
	}
	return nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}

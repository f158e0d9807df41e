// Package crawlengine drives a Source's crawl_urls through the
// discovered -> fetching -> fetched/not_modified/failed state machine,
// claiming work from a repository.Repository and moving bytes through a
// contentstore.Store.
package crawlengine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/contentstore"
	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/hashutil"
	"github.com/pubrecords/acquire/internal/repository"
	"github.com/pubrecords/acquire/internal/telemetry"
)

// Config tunes claim batching, retry scheduling, and staleness thresholds.
type Config struct {
	BatchSize      int
	StaleThreshold time.Duration
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	RefreshTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 15 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 30 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Hour
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	return c
}

// Engine executes the claim/fetch/finalize cycle for one Source at a time.
type Engine struct {
	repo    repository.Repository
	content *contentstore.Store
	fetcher crawler.Fetcher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Engine.
func New(repo repository.Repository, content *contentstore.Store, fetcher crawler.Fetcher, clock crawler.Clock, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		repo:    repo,
		content: content,
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// RunBatch claims up to cfg.BatchSize discovered/retry-eligible rows for
// sourceID and fetches each, returning how many it processed.
func (e *Engine) RunBatch(ctx context.Context, sourceID, claimedBy string) (int, error) {
	now := e.clock.Now()
	claimed, err := e.repo.ClaimBatch(ctx, sourceID, e.cfg.BatchSize, claimedBy, now)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, u := range claimed {
		if err := e.processOne(ctx, u); err != nil {
			e.logger.Warn("process url failed", zap.String("url_id", u.ID), zap.String("url", u.URL), zap.Error(err))
		}
	}
	return len(claimed), nil
}

// ReclaimStale recovers rows a crashed worker left stuck in "fetching".
func (e *Engine) ReclaimStale(ctx context.Context) (int, error) {
	n, err := e.repo.ReclaimStale(ctx, e.cfg.StaleThreshold, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		e.logger.Info("reclaimed stale crawl urls", zap.Int("count", n))
	}
	return n, nil
}

// Refresh re-queues Documents for sourceID whose last crawl predates the
// configured refresh TTL, preserving each row's conditional-request cursor.
func (e *Engine) Refresh(ctx context.Context, sourceID string) (int, error) {
	n, err := e.repo.RefreshStale(ctx, sourceID, e.cfg.RefreshTTL, e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("refresh stale documents: %w", err)
	}
	return n, nil
}

func (e *Engine) processOne(ctx context.Context, u repository.ClaimedURL) error {
	ctx, span := telemetry.Tracer().Start(ctx, "crawlengine.processOne",
		trace.WithAttributes(
			attribute.String("crawl_url.id", u.ID),
			attribute.String("crawl_url.url", u.URL),
			attribute.Int("crawl_url.depth", u.Depth),
		),
	)
	defer span.End()

	err := e.fetchAndHandle(ctx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) fetchAndHandle(ctx context.Context, u repository.ClaimedURL) error {
	req := crawler.FetchRequest{
		URL:             u.URL,
		Depth:           u.Depth,
		IfNoneMatch:     u.ETag,
		IfModifiedSince: parseHTTPDate(u.LastModified),
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return e.handleTransportError(ctx, u, err)
	}

	switch {
	case resp.NotModified:
		return e.repo.MarkNotModified(ctx, u.ID)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return e.handleFresh(ctx, u, resp)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return e.repo.MarkFailed(ctx, u.ID, fmt.Sprintf("http %d", resp.StatusCode), false, time.Time{})
	default:
		return e.handleRetryableFailure(ctx, u, fmt.Sprintf("http %d", resp.StatusCode))
	}
}

func (e *Engine) handleTransportError(ctx context.Context, u repository.ClaimedURL, fetchErr error) error {
	return e.handleRetryableFailure(ctx, u, fetchErr.Error())
}

func (e *Engine) handleRetryableFailure(ctx context.Context, u repository.ClaimedURL, reason string) error {
	attempt := u.AttemptCount + 1
	if attempt >= e.cfg.MaxRetries {
		return e.repo.MarkFailed(ctx, u.ID, reason, false, time.Time{})
	}
	delay := e.backoff(attempt)
	return e.repo.MarkFailed(ctx, u.ID, reason, true, e.clock.Now().Add(delay))
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.cfg.BaseRetryDelay) * math.Pow(2, float64(attempt)))
	if delay > e.cfg.MaxRetryDelay {
		delay = e.cfg.MaxRetryDelay
	}
	return delay
}

func (e *Engine) handleFresh(ctx context.Context, u repository.ClaimedURL, resp crawler.FetchResponse) error {
	canonical := u.CanonicalURL
	if canonical == "" {
		canonical = u.URL
	}
	doc, err := e.repo.GetOrCreateDocument(ctx, u.SourceID, canonical)
	if err != nil {
		return fmt.Errorf("get or create document: %w", err)
	}

	digest := hashutil.Sum(resp.Body)
	if latest, ok, err := e.repo.LatestVersion(ctx, doc.ID); err == nil && ok && latest.ContentHash == digest.Primary {
		e.saveConditionalCursor(ctx, u.ID, resp)
		return e.repo.MarkNotModified(ctx, u.ID)
	} else if err != nil {
		return fmt.Errorf("load latest version: %w", err)
	}

	placement, err := e.content.Put(ctx, resp.Body)
	if err != nil {
		return fmt.Errorf("store document body: %w", err)
	}

	version := crawler.DocumentVersion{
		FetchedAt:     e.clock.Now(),
		ContentHash:   digest.Primary,
		SecondaryHash: digest.Secondary,
		SizeBytes:     placement.Size,
		ContentType:   placement.MimeType,
		BlobURI:       placement.RelativePath,
		HTTPStatus:    resp.StatusCode,
		ETag:          resp.Headers.Get("ETag"),
		LastModified:  resp.Headers.Get("Last-Modified"),
		PreExisting:   placement.PreExisting,
	}
	if err := e.repo.InsertVersion(ctx, doc.ID, version); err != nil {
		return fmt.Errorf("insert document version: %w", err)
	}

	e.saveConditionalCursor(ctx, u.ID, resp)
	return e.repo.MarkFetched(ctx, u.ID, doc.ID, digest.Primary)
}

func (e *Engine) saveConditionalCursor(ctx context.Context, urlID string, resp crawler.FetchResponse) {
	etag := resp.Headers.Get("ETag")
	lastModified := resp.Headers.Get("Last-Modified")
	if etag == "" && lastModified == "" {
		return
	}
	if err := e.repo.SetConditionalCursor(ctx, urlID, etag, lastModified); err != nil {
		e.logger.Warn("set conditional cursor failed", zap.String("url_id", urlID), zap.Error(err))
	}
}

func parseHTTPDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

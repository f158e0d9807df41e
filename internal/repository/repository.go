// Package repository persists the crawl engine's relational state: the
// source/crawl-url queue, document identity and versions, and the AIMD
// rate-limit table, behind one SQL-backed implementation over the embedded
// modernc.org/sqlite driver. There is no Postgres implementation.
package repository

import (
	"context"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
)

// ClaimedURL is one row the crawl engine just won the race to fetch, plus
// the conditional-request cursor saved from its last successful fetch.
type ClaimedURL struct {
	crawler.CrawlUrl
	ETag         string
	LastModified string
	ContentHash  string
}

// Repository is the full persistence surface the crawl engine, discovery
// strategies, and rate governor depend on. internal/ratelimit only needs
// the narrower RateLimitRepository slice of this interface.
type Repository interface {
	// EnsureSource upserts a Source row, returning its (possibly newly
	// assigned) ID.
	EnsureSource(ctx context.Context, src crawler.Source) (string, error)
	// GetSource looks up one Source by ID.
	GetSource(ctx context.Context, id string) (crawler.Source, bool, error)
	// ListSources returns every configured Source.
	ListSources(ctx context.Context) ([]crawler.Source, error)

	// EnqueueURL inserts a CrawlUrl in the discovered state if
	// (source_id, url) isn't already present. It is a no-op, not an error,
	// when the row exists.
	EnqueueURL(ctx context.Context, url crawler.CrawlUrl) error

	// ClaimBatch atomically moves up to limit rows in state "discovered",
	// or "failed" with next_attempt_at <= now, for sourceID into "fetching",
	// stamping claimedBy and fetchedAt. Rows raced away by another worker
	// are simply absent from the result, not an error.
	ClaimBatch(ctx context.Context, sourceID string, limit int, claimedBy string, now time.Time) ([]ClaimedURL, error)

	// ReclaimStale returns "fetching" rows whose fetched_at is older than
	// olderThan back to "discovered", for crash recovery.
	ReclaimStale(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	// RefreshStale re-queues crawl_urls for sourceID whose Document
	// last_crawled_at predates olderThan, preserving each row's stored
	// ETag/Last-Modified cursor so a conditional re-fetch can return 304.
	RefreshStale(ctx context.Context, sourceID string, olderThan time.Duration, now time.Time) (int, error)

	// SetConditionalCursor stores the validators returned by the most recent
	// fetch of url, consulted by the next claim to populate IfNoneMatch/
	// IfModifiedSince.
	SetConditionalCursor(ctx context.Context, urlID, etag, lastModified string) error

	// MarkFetched transitions url to fetched, attaching documentID and the
	// content hash of the body just stored.
	MarkFetched(ctx context.Context, urlID, documentID, contentHash string) error
	// MarkNotModified transitions url to not_modified without a new document version.
	MarkNotModified(ctx context.Context, urlID string) error
	// MarkFailed transitions url to failed, recording lastError and, when
	// retryable, scheduling nextAttemptAt and incrementing the retry count.
	MarkFailed(ctx context.Context, urlID, lastError string, retryable bool, nextAttemptAt time.Time) error

	// GetOrCreateDocument resolves the stable Document identity for
	// (sourceID, canonicalURL), creating the row on first sight.
	GetOrCreateDocument(ctx context.Context, sourceID, canonicalURL string) (crawler.Document, error)
	// LatestVersion returns the most recently fetched DocumentVersion for a
	// Document, if one exists.
	LatestVersion(ctx context.Context, documentID string) (crawler.DocumentVersion, bool, error)
	// InsertVersion records a newly observed DocumentVersion and updates the
	// parent Document's latest_version_id/last_crawled_at.
	InsertVersion(ctx context.Context, documentID string, version crawler.DocumentVersion) error

	// ListLatestVersionsNeedingPages returns up to limit DocumentVersions
	// that are their Document's latest_version_id and have no DocumentPage
	// rows yet, the page-extraction step's own claimable work queue.
	ListLatestVersionsNeedingPages(ctx context.Context, limit int) ([]crawler.DocumentVersion, error)
	// CreateDocumentPages explodes a DocumentVersion into count DocumentPage
	// rows (page numbers 1..count), each initially untextend, returning the
	// full set for that version. Idempotent: calling it twice for the same
	// version/count is a no-op on the second call.
	CreateDocumentPages(ctx context.Context, documentVersionID string, count int) ([]crawler.DocumentPage, error)
	// ListDocumentPages returns every page row for a DocumentVersion, ordered
	// by page number.
	ListDocumentPages(ctx context.Context, documentVersionID string) ([]crawler.DocumentPage, error)

	// ClaimAnalysisBatch atomically claims up to limit pages with no
	// AnalysisResult row yet for (page, analysisType, backend), inserting an
	// in_progress placeholder for each and returning enough to process them.
	ClaimAnalysisBatch(ctx context.Context, analysisType, backend string, limit int, now time.Time) ([]AnalysisClaim, error)
	// CompleteAnalysis finalizes a claimed AnalysisResult row with its text
	// (or error) and processing time.
	CompleteAnalysis(ctx context.Context, resultID, text string, confidence *float64, processingTimeMs int64, errText string, now time.Time) error
	// ListAnalysisResults returns every backend's AnalysisResult for one page.
	ListAnalysisResults(ctx context.Context, documentPageID string) ([]crawler.AnalysisResult, error)
	// FinalizePage sets a page's chosen final_text/source/quality_score and
	// appends it into the parent Document's extracted_text.
	FinalizePage(ctx context.Context, page crawler.DocumentPage) error
	// GetDocument looks up one Document by ID.
	GetDocument(ctx context.Context, documentID string) (crawler.Document, bool, error)

	// ListDocumentsNeedingAnnotation returns up to limit Documents that have
	// extracted_text but no completed Annotation row for annotationType yet
	// (including ones left uncompleted by a prior failed attempt).
	ListDocumentsNeedingAnnotation(ctx context.Context, annotationType string, limit int) ([]crawler.Document, error)
	// ClaimAnnotation upserts an Annotation row for (documentID,
	// annotationType) with completed_at reset to NULL, claiming the work.
	// Returns the claimed row's ID.
	ClaimAnnotation(ctx context.Context, documentID, annotationType, provider, model string, now time.Time) (string, error)
	// CompleteAnnotation finalizes a claimed Annotation with its content (or
	// error).
	CompleteAnnotation(ctx context.Context, annotationID, content, errText string, now time.Time) error
	// InsertDocumentEntities records the entities a ner annotation produced.
	InsertDocumentEntities(ctx context.Context, documentID string, entities []crawler.DocumentEntity) error
	// ListDocumentEntities returns every entity recorded for a Document.
	ListDocumentEntities(ctx context.Context, documentID string) ([]crawler.DocumentEntity, error)

	// RateLimitRepository is embedded so a Repository can back the AIMD
	// governor's persistence directly.
	RateLimitRepository

	Close() error
}

// AnalysisClaim is one page an analysis worker just won the right to
// process: the placeholder AnalysisResult row plus the blob location of the
// DocumentVersion it belongs to, so the backend can re-read the source
// bytes for that page.
type AnalysisClaim struct {
	crawler.AnalysisResult
	PageNumber        int
	DocumentVersionID string
	BlobURI           string
	ContentType       string
}

// RateLimitRepository is re-declared here (matching internal/ratelimit's
// interface of the same name) purely so Repository can embed it without
// internal/ratelimit importing this package.
type RateLimitRepository interface {
	LoadRateLimitState(ctx context.Context, domain string) (crawler.RateLimitState, bool, error)
	UpsertRateLimitState(ctx context.Context, state crawler.RateLimitState) error
	ClaimRateLimitSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error)
}

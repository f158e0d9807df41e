package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// JobParameters captures per-job configuration knobs requested by the client.
// A job drives one pass of the crawl engine over a Source's seed URLs.
type JobParameters struct {
	SourceID              string            `json:"source_id"`
	URLs                  []string          `json:"urls"`
	MaxDepth              int               `json:"max_depth"`
	MaxPages              int               `json:"max_pages"`
	BudgetSeconds         int               `json:"budget_seconds"`
	HeadlessAllowed       bool              `json:"headless_allowed" mapstructure:"headless_allowed"`
	HeadlessProvided      bool              `json:"-" mapstructure:"headless_provided"`
	RespectRobots         bool              `json:"respect_robots" mapstructure:"respect_robots"`
	RespectRobotsProvided bool              `json:"-" mapstructure:"respect_robots_provided"`
	PerDomainCaps         map[string]int    `json:"per_domain_caps"`
	Tags                  map[string]string `json:"tags"`
	AllowDomains          []string          `json:"allow_domains"`
	DenyDomains           []string          `json:"deny_domains"`
}

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks per-run throughput across the pipeline stages a run
// touches: fetch, analysis, and annotation.
type JobCounters struct {
	PagesSucceeded   int `json:"pages_succeeded"`
	PagesFailed      int `json:"pages_failed"`
	Retries          int `json:"retries"`
	DocumentsStored  int `json:"documents_stored"`
	PagesAnalyzed    int `json:"pages_analyzed"`
	AnnotationsDone  int `json:"annotations_done"`
}

// PageRecord is a legacy-shaped per-fetch audit row, retained for the job
// result endpoint; DocumentPage is the canonical per-page analysis record.
type PageRecord struct {
	JobID        string         `json:"job_id"`
	URL          string         `json:"url"`
	StatusCode   int            `json:"status_code"`
	UsedHeadless bool           `json:"used_headless"`
	FetchedAt    time.Time      `json:"fetched_at"`
	DurationMs   int64          `json:"duration_ms"`
	ContentHash  string         `json:"content_hash"`
	Headers      http.Header    `json:"headers"`
	BlobURI      string         `json:"blob_uri"`
	Metrics      map[string]int `json:"metrics,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL, including the
// conditional-request validators a repeat crawl supplies.
type FetchRequest struct {
	JobID                 string
	URL                   string
	Depth                 int
	UseHeadless           bool
	Headers               http.Header
	RespectRobots         bool
	RespectRobotsProvided bool
	IfNoneMatch           string
	IfModifiedSince       time.Time
	MaxRedirects          int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	NotModified  bool
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job   Job
	Pages []PageRecord
}

// CrawlUrlStatus is the lifecycle state of a discovered URL as it moves
// through the claim/fetch/finalize cycle.
type CrawlUrlStatus string

// CrawlUrl status values.
const (
	CrawlUrlDiscovered  CrawlUrlStatus = "discovered"
	CrawlUrlFetching    CrawlUrlStatus = "fetching"
	CrawlUrlFetched     CrawlUrlStatus = "fetched"
	CrawlUrlFailed      CrawlUrlStatus = "failed"
	CrawlUrlNotModified CrawlUrlStatus = "not_modified"
	CrawlUrlSkipped     CrawlUrlStatus = "skipped"
)

// Source describes one configured archive the engine crawls: its entry
// point, which discovery strategy to apply, and per-source overrides.
type Source struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	BaseURL         string    `json:"base_url"`
	DiscoveryMethod string    `json:"discovery_method"`
	ConfigJSON      string    `json:"config_json"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
}

// CrawlUrl is a single URL discovered for a Source, tracked through the
// claim-based fetch lifecycle described by CrawlUrlStatus.
type CrawlUrl struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	URL             string         `json:"url"`
	CanonicalURL    string         `json:"canonical_url"`
	Status          CrawlUrlStatus `json:"status"`
	Depth           int            `json:"depth"`
	DiscoveryMethod string         `json:"discovery_method,omitempty"`
	ParentURL       string         `json:"parent_url,omitempty"`
	DiscoveredAt    time.Time      `json:"discovered_at"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy       string         `json:"claimed_by,omitempty"`
	FetchedAt       *time.Time     `json:"fetched_at,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at,omitempty"`
	AttemptCount    int            `json:"attempt_count"`
	LastError       string         `json:"last_error,omitempty"`
}

// RetrievalRecord is the immutable audit row written for every HTTP
// retrieval attempt the fetcher makes, successful or not.
type RetrievalRecord struct {
	ID               string
	JobID            string
	PartitionTS      time.Time
	RetrievedAt      time.Time
	URL              string
	Hash             string
	BlobURI          string
	Headers          http.Header
	StatusCode       int
	ContentType      string
	ParentID         string
	ParentTimestamp  time.Time
}

// Document is the stable identity for one (source, canonical URL) pair.
// Its ID is derived as sha256(source_id || canonical_url) truncated to 32
// hex characters, so re-crawls of the same URL resolve to the same row.
type Document struct {
	ID              string    `json:"id"`
	SourceID        string    `json:"source_id"`
	CanonicalURL    string    `json:"canonical_url"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastCrawledAt   time.Time `json:"last_crawled_at"`
	LatestVersionID string    `json:"latest_version_id,omitempty"`
	ExtractedText   string    `json:"extracted_text,omitempty"`
}

// DocumentVersion is one fetched snapshot of a Document's content, addressed
// by its dual content hash.
type DocumentVersion struct {
	ID            string     `json:"id"`
	DocumentID    string     `json:"document_id"`
	FetchedAt     time.Time  `json:"fetched_at"`
	ContentHash   string     `json:"content_hash"`
	SecondaryHash string     `json:"secondary_hash"`
	SizeBytes     int64      `json:"size_bytes"`
	ContentType   string     `json:"content_type"`
	BlobURI       string     `json:"blob_uri"`
	HTTPStatus    int        `json:"http_status"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  string     `json:"last_modified,omitempty"`
	PreExisting   bool       `json:"pre_existing"`
}

// DocumentPage is one page's finalized text, chosen among competing
// analysis backends by quality score.
type DocumentPage struct {
	ID                string  `json:"id"`
	DocumentVersionID string  `json:"document_version_id"`
	PageNumber        int     `json:"page_number"`
	FinalText         string  `json:"final_text,omitempty"`
	FinalTextSource   string  `json:"final_text_source,omitempty"`
	QualityScore      float64 `json:"quality_score"`
}

// VirtualFile is an embedded attachment surfaced out of a document version
// (e.g. an image extracted from a PDF) that is stored as its own blob.
type VirtualFile struct {
	ID                string `json:"id"`
	DocumentVersionID string `json:"document_version_id"`
	Path              string `json:"path"`
	ContentType       string `json:"content_type"`
	BlobURI           string `json:"blob_uri"`
}

// AnalysisResult is one backend's attempt at extracting text for one page,
// claimed at-most-once per (page, analysis_type, backend).
type AnalysisResult struct {
	ID                 string     `json:"id"`
	DocumentPageID     string     `json:"document_page_id"`
	AnalysisType       string     `json:"analysis_type"`
	Backend            string     `json:"backend"`
	Text               string     `json:"text,omitempty"`
	Confidence         *float64   `json:"confidence,omitempty"`
	ProcessingTimeMs   int64      `json:"processing_time_ms"`
	Error              string     `json:"error,omitempty"`
	ClaimedAt          time.Time  `json:"claimed_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Annotation is one LLM-derived artifact for a Document, claimed via an
// upsert with a completed_at sentinel of NULL.
type Annotation struct {
	ID             string     `json:"id"`
	DocumentID     string     `json:"document_id"`
	AnnotationType string     `json:"annotation_type"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Content        string     `json:"content,omitempty"`
	ClaimedAt      time.Time  `json:"claimed_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// DocumentEntity is one structured entity the NER annotation operation
// extracted from a Document's text, optionally geocoded when it is a
// location.
type DocumentEntity struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Lat        *float64 `json:"lat,omitempty"`
	Lng        *float64 `json:"lng,omitempty"`
}

// RateLimitState is the persisted AIMD state for one domain.
type RateLimitState struct {
	Domain               string    `json:"domain"`
	DelayMs              int64     `json:"delay_ms"`
	InBackoff            bool      `json:"in_backoff"`
	TotalRequests        int64     `json:"total_requests"`
	RateLimitHits        int64     `json:"rate_limit_hits"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	LastRequestAt        time.Time `json:"last_request_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ConfigurationHistory describes one loaded configuration snapshot, keyed by
// the hash of its resolved content. No repository method stores or reads
// it.
type ConfigurationHistory struct {
	ID           string    `json:"id"`
	ConfigHash   string    `json:"config_hash"`
	LoadedAt     time.Time `json:"loaded_at"`
	Source       string    `json:"source"`
	SnapshotJSON string    `json:"snapshot_json"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Attempt   int
	Submitted int64
}

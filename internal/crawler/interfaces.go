package crawler

import (
	"context"
	"time"
)

// JobStore persists job and page metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordPage(ctx context.Context, page PageRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// BlobStore writes raw artifacts and returns a URI. Implementations must
// write atomically: a partial write must never be visible at the returned
// path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// BlobExister is implemented by blob stores that can report whether a path
// has already been written, letting callers skip redundant content-addressed
// writes. Optional: stores that can't cheaply answer this (or don't need to)
// may omit it.
type BlobExister interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// BlobReader is implemented by blob stores that support reading back what
// they wrote, used by the analysis pipeline to pull acquired bytes out of
// the store again.
type BlobReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// RetrievalStore persists the immutable per-fetch audit trail.
type RetrievalStore interface {
	StoreRetrieval(ctx context.Context, record RetrievalRecord) error
	Close() error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Policy encapsulates admission control and rate limiting.
type Policy interface {
	AllowHeadless(jobID string, url string, depth int) bool
	AllowFetch(jobID string, url string, depth int) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Package analysis explodes a fetched DocumentVersion into per-page rows
// and runs one or more OCR/text-extraction backends over each page,
// claimed at-most-once per (page, backend) pair, then finalizes each page's
// text by a quality score across whichever backends produced output.
package analysis

import "context"

// Result is one backend's attempt at extracting text for a single page.
type Result struct {
	Text             string
	Confidence       *float64
	ProcessingTimeMs int64
}

// Backend is polymorphic over process(page_bytes) -> {text, confidence?,
// processing_time_ms, error?}. docBytes is the full DocumentVersion body (a
// backend that only needs one page, e.g. a paginated PDF extractor, carves
// the page out itself using pageNumber).
type Backend interface {
	// Name identifies the backend for the (page, analysis_type, backend)
	// claim key and for metrics.
	Name() string
	// Process extracts text for pageNumber (1-based) out of docBytes, whose
	// content type is contentType.
	Process(ctx context.Context, docBytes []byte, contentType string, pageNumber int) (Result, error)
}

// Package discovery implements the polymorphic URL-discovery strategies:
// each one turns a Source's configuration into a bounded sequence of
// candidate URLs, which the engine deduplicates and inserts into the crawl
// queue via repository.Repository.EnqueueURL.
package discovery

import (
	"context"
	"encoding/json"
)

// Candidate is one URL a Strategy proposes for the crawl queue.
type Candidate struct {
	URL             string
	DiscoveryMethod string
	ParentURL       string
	Depth           int
}

// Strategy discovers candidate URLs for one Source. Implementations stream
// results on the returned channel and close it when done or when ctx is
// canceled; a non-nil error from Discover means the strategy could not even
// start (e.g. malformed config), not that every candidate failed.
type Strategy interface {
	Discover(ctx context.Context, cfg json.RawMessage) (<-chan Candidate, error)
}

// send is a small helper every strategy uses to respect ctx cancellation
// while pushing onto an unbuffered results channel.
func send(ctx context.Context, out chan<- Candidate, c Candidate) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

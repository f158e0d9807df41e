// Package crawler defines the domain types and narrow capability interfaces
// shared across the acquisition engine: the crawl job control plane
// (Job/QueueItem/FetchRequest), the content-addressed document model
// (Document/DocumentVersion/DocumentPage), and the cross-cutting
// infrastructure seams (BlobStore, Fetcher, Queue, Clock, IDGenerator) that
// every subsystem package depends on without depending on each other.
package crawler

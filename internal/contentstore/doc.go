// Package contentstore implements the content-addressed document store: it
// derives a storage path from a dual content hash, sniffs a MIME type to
// pick a file extension, and detects whether a given byte payload has
// already been written before delegating the atomic write to an underlying
// crawler.BlobStore backend (local filesystem, GCS, or in-memory). The write
// itself is atomic end to end because every backend it delegates to writes
// via a temp-file-then-rename (local, GCS) or single-shot map insert
// (in-memory).
package contentstore

package contentstore

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/hashutil"
)

// Placement describes where a payload landed in the store and whether it
// was already there under that content hash.
type Placement struct {
	SHA256       string
	BLAKE3       string
	Size         int64
	RelativePath string
	MimeType     string
	PreExisting  bool
}

// Store is the content-addressed document store: it hashes a payload,
// derives a deterministic storage path from the primary hash, and delegates
// the actual write to an underlying crawler.BlobStore.
type Store struct {
	blobs  crawler.BlobStore
	prefix string
}

// New builds a Store over blobs. prefix roots every path (default
// "documents" if empty), matching the layout in the canonical relative-path
// rule: "<prefix>/<sha256[0:2]>/<sha256[2:4]>/<sha256>.<ext>".
func New(blobs crawler.BlobStore, prefix string) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = "documents"
	}
	return &Store{blobs: blobs, prefix: prefix}
}

// Put computes the dual content hash for data, derives its canonical path,
// and writes it unless a matching object already exists there. Two calls
// with identical bytes always resolve to the same RelativePath.
func (s *Store) Put(ctx context.Context, data []byte) (Placement, error) {
	digest := hashutil.Sum(data)
	mimeType := sniffMime(data)
	relPath := RelativePath(s.prefix, digest.Primary, extensionFor(mimeType))

	placement := Placement{
		SHA256:       digest.Primary,
		BLAKE3:       digest.Secondary,
		Size:         int64(len(data)),
		RelativePath: relPath,
		MimeType:     mimeType,
	}

	if existed, err := s.exists(ctx, relPath); err != nil {
		return Placement{}, fmt.Errorf("check existing object: %w", err)
	} else if existed {
		placement.PreExisting = true
		return placement, nil
	}

	if _, err := s.blobs.PutObject(ctx, relPath, mimeType, data); err != nil {
		return Placement{}, fmt.Errorf("put object: %w", err)
	}
	return placement, nil
}

// Open reads back the bytes for a previously-placed payload. It requires the
// underlying blob store to implement crawler.BlobReader.
func (s *Store) Open(ctx context.Context, placement Placement) ([]byte, error) {
	reader, ok := s.blobs.(crawler.BlobReader)
	if !ok {
		return nil, fmt.Errorf("blob store does not support reads")
	}
	return reader.GetObject(ctx, placement.RelativePath)
}

func (s *Store) exists(ctx context.Context, path string) (bool, error) {
	checker, ok := s.blobs.(crawler.BlobExister)
	if !ok {
		return false, nil
	}
	return checker.Exists(ctx, path)
}

// RelativePath computes the canonical content-addressed path for a hash.
func RelativePath(prefix, sha256Hex, ext string) string {
	dir1 := sha256Hex[0:2]
	dir2 := sha256Hex[2:4]
	return fmt.Sprintf("%s/%s/%s/%s.%s", prefix, dir1, dir2, sha256Hex, ext)
}

// sniffMime detects the MIME type of data by byte-signature sniffing, the
// same approach the contract requires over trusting a caller-declared
// Content-Type.
func sniffMime(data []byte) string {
	detected := http.DetectContentType(data)
	if idx := strings.Index(detected, ";"); idx >= 0 {
		detected = detected[:idx]
	}
	return strings.TrimSpace(detected)
}

// extensionFor maps a MIME type to its canonical file extension, falling
// back to "bin" for anything unrecognized.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "text/plain":
		return "txt"
	case "application/json":
		return "json"
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/tiff":
		return "tiff"
	case "application/zip":
		return "zip"
	case "application/xml", "text/xml":
		return "xml"
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return "bin"
	}
	return strings.TrimPrefix(exts[0], ".")
}

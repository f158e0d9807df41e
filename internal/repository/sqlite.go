package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/pubrecords/acquire/internal/crawler"
)

// SQLiteRepository implements Repository over the embedded modernc.org
// sqlite driver, the default backend for single-process deployments and
// for tests that want real SQL semantics without a Postgres instance.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a sqlite database at dsn and applies
// the schema. dsn is passed straight to the driver, so "file::memory:?cache=shared"
// and "./data/state.db" both work.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections
	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	source_type TEXT,
	name TEXT,
	base_url TEXT,
	config_json TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	last_scraped TIMESTAMP
);

CREATE TABLE IF NOT EXISTS crawl_urls (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	url TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	status TEXT NOT NULL,
	discovery_method TEXT,
	parent_url TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	discovered_at TIMESTAMP NOT NULL,
	claimed_at TIMESTAMP,
	claimed_by TEXT,
	fetched_at TIMESTAMP,
	next_attempt_at TIMESTAMP,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	document_id TEXT,
	etag TEXT,
	last_modified TEXT,
	content_hash TEXT,
	UNIQUE(source_id, url)
);
CREATE INDEX IF NOT EXISTS idx_crawl_urls_claimable ON crawl_urls(source_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	canonical_url TEXT NOT NULL,
	first_seen_at TIMESTAMP NOT NULL,
	last_crawled_at TIMESTAMP NOT NULL,
	latest_version_id TEXT,
	extracted_text TEXT,
	UNIQUE(source_id, canonical_url)
);

CREATE TABLE IF NOT EXISTS document_versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	fetched_at TIMESTAMP NOT NULL,
	content_hash TEXT NOT NULL,
	secondary_hash TEXT,
	size_bytes INTEGER NOT NULL,
	content_type TEXT,
	blob_uri TEXT,
	http_status INTEGER,
	etag TEXT,
	last_modified TEXT,
	pre_existing INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_document_versions_doc ON document_versions(document_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS rate_limit_state (
	domain TEXT PRIMARY KEY,
	delay_ms INTEGER NOT NULL,
	in_backoff INTEGER NOT NULL DEFAULT 0,
	total_requests INTEGER NOT NULL DEFAULT 0,
	rate_limit_hits INTEGER NOT NULL DEFAULT 0,
	consecutive_successes INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_request_at TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS document_pages (
	id TEXT PRIMARY KEY,
	document_version_id TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	final_text TEXT,
	final_text_source TEXT,
	quality_score REAL NOT NULL DEFAULT 0,
	UNIQUE(document_version_id, page_number)
);

CREATE TABLE IF NOT EXISTS analysis_results (
	id TEXT PRIMARY KEY,
	document_page_id TEXT NOT NULL,
	analysis_type TEXT NOT NULL,
	backend TEXT NOT NULL,
	text TEXT,
	confidence REAL,
	processing_time_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	claimed_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	UNIQUE(document_page_id, analysis_type, backend)
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	annotation_type TEXT NOT NULL,
	provider TEXT,
	model TEXT,
	content TEXT,
	claimed_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	error TEXT,
	UNIQUE(document_id, annotation_type)
);

CREATE TABLE IF NOT EXISTS document_entities (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	entity_text TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	lat REAL,
	lng REAL
);
CREATE INDEX IF NOT EXISTS idx_document_entities_doc ON document_entities(document_id);
`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// EnsureSource upserts src, filling in CreatedAt if it's the initial insert.
func (r *SQLiteRepository) EnsureSource(ctx context.Context, src crawler.Source) (string, error) {
	if src.ID == "" {
		return "", fmt.Errorf("source id is required")
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sources (id, source_type, name, base_url, config_json, enabled, created_at, last_scraped)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	source_type=excluded.source_type,
	name=excluded.name,
	base_url=excluded.base_url,
	config_json=excluded.config_json,
	enabled=excluded.enabled`,
		src.ID, src.DiscoveryMethod, src.Name, src.BaseURL, src.ConfigJSON, boolToInt(src.Enabled), src.CreatedAt, nullTime(nil))
	if err != nil {
		return "", fmt.Errorf("upsert source: %w", err)
	}
	return src.ID, nil
}

// GetSource looks up one Source by ID.
func (r *SQLiteRepository) GetSource(ctx context.Context, id string) (crawler.Source, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, source_type, name, base_url, config_json, enabled, created_at
FROM sources WHERE id = ?`, id)
	var src crawler.Source
	var enabled int
	if err := row.Scan(&src.ID, &src.DiscoveryMethod, &src.Name, &src.BaseURL, &src.ConfigJSON, &enabled, &src.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.Source{}, false, nil
		}
		return crawler.Source{}, false, fmt.Errorf("get source: %w", err)
	}
	src.Enabled = enabled != 0
	return src, true, nil
}

// ListSources returns every configured Source, ordered by name.
func (r *SQLiteRepository) ListSources(ctx context.Context) ([]crawler.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, source_type, name, base_url, config_json, enabled, created_at
FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []crawler.Source
	for rows.Next() {
		var src crawler.Source
		var enabled int
		if err := rows.Scan(&src.ID, &src.DiscoveryMethod, &src.Name, &src.BaseURL, &src.ConfigJSON, &enabled, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Enabled = enabled != 0
		out = append(out, src)
	}
	return out, rows.Err()
}

// EnqueueURL inserts a discovered CrawlUrl, silently doing nothing if
// (source_id, url) already exists.
func (r *SQLiteRepository) EnqueueURL(ctx context.Context, u crawler.CrawlUrl) error {
	if u.DiscoveredAt.IsZero() {
		u.DiscoveredAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = crawler.CrawlUrlDiscovered
	}
	if u.ID == "" {
		u.ID = deriveID(u.SourceID, u.URL)
	}
	if u.DiscoveryMethod == "" {
		u.DiscoveryMethod = "seed"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO crawl_urls (id, source_id, url, canonical_url, status, discovery_method, parent_url, depth, discovered_at, attempt_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(source_id, url) DO NOTHING`,
		u.ID, u.SourceID, u.URL, canonicalOrSelf(u), u.Status, u.DiscoveryMethod, u.ParentURL, u.Depth, u.DiscoveredAt)
	if err != nil {
		return fmt.Errorf("enqueue url: %w", err)
	}
	return nil
}

func canonicalOrSelf(u crawler.CrawlUrl) string {
	if u.CanonicalURL != "" {
		return u.CanonicalURL
	}
	return u.URL
}

// ClaimBatch wins up to limit rows for sourceID via a conditional UPDATE,
// then reads back exactly the rows this call claimed.
func (r *SQLiteRepository) ClaimBatch(ctx context.Context, sourceID string, limit int, claimedBy string, now time.Time) ([]ClaimedURL, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM crawl_urls
WHERE source_id = ?
  AND (status = ? OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?))
ORDER BY discovered_at ASC
LIMIT ?`,
		sourceID, crawler.CrawlUrlDiscovered, crawler.CrawlUrlFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []ClaimedURL
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
UPDATE crawl_urls SET status = ?, claimed_at = ?, claimed_by = ?, fetched_at = ?
WHERE id = ? AND status IN (?, ?)`,
			crawler.CrawlUrlFetching, now, claimedBy, now, id, crawler.CrawlUrlDiscovered, crawler.CrawlUrlFailed)
		if err != nil {
			return nil, fmt.Errorf("claim url %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // raced away by another worker
		}
		claimedURL, err := r.getClaimedURL(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, claimedURL)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

func (r *SQLiteRepository) getClaimedURL(ctx context.Context, q querier, id string) (ClaimedURL, error) {
	var c ClaimedURL
	u := &c.CrawlUrl
	var claimedAt, fetchedAt, nextAttemptAt sql.NullTime
	var claimedBy, lastError, etag, lastModified, contentHash, discoveryMethod, parentURL sql.NullString
	err := q.QueryRowContext(ctx, `
SELECT id, source_id, url, canonical_url, status, depth, discovery_method, parent_url, discovered_at, claimed_at, claimed_by, fetched_at, next_attempt_at, attempt_count, last_error, etag, last_modified, content_hash
FROM crawl_urls WHERE id = ?`, id).Scan(
		&u.ID, &u.SourceID, &u.URL, &u.CanonicalURL, &u.Status, &u.Depth, &discoveryMethod, &parentURL, &u.DiscoveredAt,
		&claimedAt, &claimedBy, &fetchedAt, &nextAttemptAt, &u.AttemptCount, &lastError,
		&etag, &lastModified, &contentHash,
	)
	if err != nil {
		return ClaimedURL{}, fmt.Errorf("get url %s: %w", id, err)
	}
	if claimedAt.Valid {
		u.ClaimedAt = &claimedAt.Time
	}
	if fetchedAt.Valid {
		u.FetchedAt = &fetchedAt.Time
	}
	if nextAttemptAt.Valid {
		u.NextAttemptAt = &nextAttemptAt.Time
	}
	u.DiscoveryMethod = discoveryMethod.String
	u.ParentURL = parentURL.String
	u.ClaimedBy = claimedBy.String
	u.LastError = lastError.String
	c.ETag = etag.String
	c.LastModified = lastModified.String
	c.ContentHash = contentHash.String
	return c, nil
}

// ReclaimStale returns "fetching" rows whose fetched_at predates the stale
// threshold back to "discovered", recovering from a crashed worker.
func (r *SQLiteRepository) ReclaimStale(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `
UPDATE crawl_urls SET status = ?, claimed_at = NULL, claimed_by = NULL
WHERE status = ? AND fetched_at IS NOT NULL AND fetched_at <= ?`,
		crawler.CrawlUrlDiscovered, crawler.CrawlUrlFetching, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RefreshStale moves crawl_urls for sourceID back to "discovered" when their
// Document's last_crawled_at predates olderThan, leaving each row's stored
// etag/last_modified/content_hash cursor untouched so the next fetch can
// send conditional headers.
func (r *SQLiteRepository) RefreshStale(ctx context.Context, sourceID string, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `
UPDATE crawl_urls SET status = ?
WHERE source_id = ?
  AND status IN (?, ?)
  AND document_id IN (
    SELECT id FROM documents WHERE source_id = ? AND last_crawled_at <= ?
  )`,
		crawler.CrawlUrlDiscovered, sourceID, crawler.CrawlUrlFetched, crawler.CrawlUrlNotModified, sourceID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("refresh stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetConditionalCursor persists the validators from the most recent fetch of
// urlID, consulted by the next claim of that row.
func (r *SQLiteRepository) SetConditionalCursor(ctx context.Context, urlID, etag, lastModified string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE crawl_urls SET etag = ?, last_modified = ? WHERE id = ?`, etag, lastModified, urlID)
	if err != nil {
		return fmt.Errorf("set conditional cursor: %w", err)
	}
	return nil
}

// MarkFetched transitions url to fetched, attaching documentID and the
// content hash so a future fetch can detect an unchanged body even without
// validators.
func (r *SQLiteRepository) MarkFetched(ctx context.Context, urlID, documentID, contentHash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE crawl_urls SET status = ?, document_id = ?, content_hash = ?, last_error = '' WHERE id = ?`,
		crawler.CrawlUrlFetched, documentID, contentHash, urlID)
	if err != nil {
		return fmt.Errorf("mark fetched: %w", err)
	}
	return nil
}

// MarkNotModified transitions url to not_modified without a new version.
func (r *SQLiteRepository) MarkNotModified(ctx context.Context, urlID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE crawl_urls SET status = ? WHERE id = ?`, crawler.CrawlUrlNotModified, urlID)
	if err != nil {
		return fmt.Errorf("mark not modified: %w", err)
	}
	return nil
}

// MarkFailed transitions url to failed, scheduling a retry when retryable.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, urlID, lastError string, retryable bool, nextAttemptAt time.Time) error {
	if retryable {
		_, err := r.db.ExecContext(ctx, `
UPDATE crawl_urls SET status = ?, last_error = ?, attempt_count = attempt_count + 1, next_attempt_at = ?
WHERE id = ?`, crawler.CrawlUrlFailed, lastError, nextAttemptAt, urlID)
		if err != nil {
			return fmt.Errorf("mark failed (retryable): %w", err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE crawl_urls SET status = ?, last_error = ? WHERE id = ?`,
		crawler.CrawlUrlFailed, lastError, urlID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// GetOrCreateDocument resolves the Document row for (sourceID, canonicalURL),
// deriving a stable id from sha256(source_id || canonical_url).
func (r *SQLiteRepository) GetOrCreateDocument(ctx context.Context, sourceID, canonicalURL string) (crawler.Document, error) {
	id := deriveID(sourceID, canonicalURL)
	now := time.Now().UTC()

	var doc crawler.Document
	var latestVersionID sql.NullString
	err := r.db.QueryRowContext(ctx, `
SELECT id, source_id, canonical_url, first_seen_at, last_crawled_at, latest_version_id
FROM documents WHERE id = ?`, id).Scan(
		&doc.ID, &doc.SourceID, &doc.CanonicalURL, &doc.FirstSeenAt, &doc.LastCrawledAt, &latestVersionID,
	)
	if err == nil {
		doc.LatestVersionID = latestVersionID.String
		return doc, nil
	}
	if err != sql.ErrNoRows {
		return crawler.Document{}, fmt.Errorf("lookup document: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (id, source_id, canonical_url, first_seen_at, last_crawled_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source_id, canonical_url) DO NOTHING`, id, sourceID, canonicalURL, now, now)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("create document: %w", err)
	}
	return crawler.Document{ID: id, SourceID: sourceID, CanonicalURL: canonicalURL, FirstSeenAt: now, LastCrawledAt: now}, nil
}

// LatestVersion returns the most recently fetched version for documentID.
func (r *SQLiteRepository) LatestVersion(ctx context.Context, documentID string) (crawler.DocumentVersion, bool, error) {
	var v crawler.DocumentVersion
	var etag, lastMod sql.NullString
	err := r.db.QueryRowContext(ctx, `
SELECT id, document_id, fetched_at, content_hash, secondary_hash, size_bytes, content_type, blob_uri, http_status, etag, last_modified, pre_existing
FROM document_versions WHERE document_id = ? ORDER BY fetched_at DESC LIMIT 1`, documentID).Scan(
		&v.ID, &v.DocumentID, &v.FetchedAt, &v.ContentHash, &v.SecondaryHash, &v.SizeBytes, &v.ContentType, &v.BlobURI, &v.HTTPStatus, &etag, &lastMod, &v.PreExisting,
	)
	if err == sql.ErrNoRows {
		return crawler.DocumentVersion{}, false, nil
	}
	if err != nil {
		return crawler.DocumentVersion{}, false, fmt.Errorf("latest version: %w", err)
	}
	v.ETag = etag.String
	v.LastModified = lastMod.String
	return v, true, nil
}

// InsertVersion records version for documentID and updates the parent
// Document's latest_version_id/last_crawled_at.
func (r *SQLiteRepository) InsertVersion(ctx context.Context, documentID string, version crawler.DocumentVersion) error {
	if version.ID == "" {
		version.ID = deriveID(documentID, version.ContentHash, fmt.Sprint(version.FetchedAt.UnixNano()))
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert version tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	_, err = tx.ExecContext(ctx, `
INSERT INTO document_versions (id, document_id, fetched_at, content_hash, secondary_hash, size_bytes, content_type, blob_uri, http_status, etag, last_modified, pre_existing)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ID, documentID, version.FetchedAt, version.ContentHash, version.SecondaryHash, version.SizeBytes,
		version.ContentType, version.BlobURI, version.HTTPStatus, version.ETag, version.LastModified, boolToInt(version.PreExisting))
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE documents SET latest_version_id = ?, last_crawled_at = ? WHERE id = ?`,
		version.ID, version.FetchedAt, documentID)
	if err != nil {
		return fmt.Errorf("update document latest version: %w", err)
	}
	return tx.Commit()
}

// ListLatestVersionsNeedingPages returns up to limit DocumentVersions that
// are their Document's current latest_version_id and have no DocumentPage
// rows yet.
func (r *SQLiteRepository) ListLatestVersionsNeedingPages(ctx context.Context, limit int) ([]crawler.DocumentVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT v.id, v.document_id, v.fetched_at, v.content_hash, v.secondary_hash, v.size_bytes, v.content_type, v.blob_uri, v.http_status, v.etag, v.last_modified, v.pre_existing
FROM document_versions v
JOIN documents d ON d.latest_version_id = v.id
WHERE NOT EXISTS (SELECT 1 FROM document_pages p WHERE p.document_version_id = v.id)
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions needing pages: %w", err)
	}
	defer rows.Close()

	var out []crawler.DocumentVersion
	for rows.Next() {
		var v crawler.DocumentVersion
		var etag, lastMod sql.NullString
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.FetchedAt, &v.ContentHash, &v.SecondaryHash, &v.SizeBytes, &v.ContentType, &v.BlobURI, &v.HTTPStatus, &etag, &lastMod, &v.PreExisting); err != nil {
			return nil, fmt.Errorf("scan document version: %w", err)
		}
		v.ETag = etag.String
		v.LastModified = lastMod.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateDocumentPages inserts page rows 1..count for documentVersionID if
// they don't already exist, then returns the full set.
func (r *SQLiteRepository) CreateDocumentPages(ctx context.Context, documentVersionID string, count int) ([]crawler.DocumentPage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create pages tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	for n := 1; n <= count; n++ {
		id := deriveID(documentVersionID, fmt.Sprint(n))
		_, err := tx.ExecContext(ctx, `
INSERT INTO document_pages (id, document_version_id, page_number, quality_score)
VALUES (?, ?, ?, 0)
ON CONFLICT(document_version_id, page_number) DO NOTHING`, id, documentVersionID, n)
		if err != nil {
			return nil, fmt.Errorf("insert page %d: %w", n, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create pages tx: %w", err)
	}
	return r.ListDocumentPages(ctx, documentVersionID)
}

// ListDocumentPages returns every page for documentVersionID, in page order.
func (r *SQLiteRepository) ListDocumentPages(ctx context.Context, documentVersionID string) ([]crawler.DocumentPage, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_version_id, page_number, final_text, final_text_source, quality_score
FROM document_pages WHERE document_version_id = ? ORDER BY page_number ASC`, documentVersionID)
	if err != nil {
		return nil, fmt.Errorf("list document pages: %w", err)
	}
	defer rows.Close()

	var out []crawler.DocumentPage
	for rows.Next() {
		var p crawler.DocumentPage
		var finalText, finalTextSource sql.NullString
		if err := rows.Scan(&p.ID, &p.DocumentVersionID, &p.PageNumber, &finalText, &finalTextSource, &p.QualityScore); err != nil {
			return nil, fmt.Errorf("scan document page: %w", err)
		}
		p.FinalText = finalText.String
		p.FinalTextSource = finalTextSource.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimAnalysisBatch selects up to limit pages still missing a result for
// (analysisType, backend) and inserts an in_progress placeholder for each,
// joined back with the owning DocumentVersion's blob location.
func (r *SQLiteRepository) ClaimAnalysisBatch(ctx context.Context, analysisType, backend string, limit int, now time.Time) ([]AnalysisClaim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim analysis tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	rows, err := tx.QueryContext(ctx, `
SELECT p.id, p.page_number, p.document_version_id, v.blob_uri, v.content_type
FROM document_pages p
JOIN document_versions v ON v.id = p.document_version_id
WHERE NOT EXISTS (
	SELECT 1 FROM analysis_results a
	WHERE a.document_page_id = p.id AND a.analysis_type = ? AND a.backend = ?
)
LIMIT ?`, analysisType, backend, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable pages: %w", err)
	}
	type candidate struct {
		pageID, versionID, blobURI, contentType string
		pageNumber                              int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.pageID, &c.pageNumber, &c.versionID, &c.blobURI, &c.contentType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable page: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claims []AnalysisClaim
	for _, c := range candidates {
		resultID := deriveID(c.pageID, analysisType, backend)
		_, err := tx.ExecContext(ctx, `
INSERT INTO analysis_results (id, document_page_id, analysis_type, backend, claimed_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(document_page_id, analysis_type, backend) DO NOTHING`, resultID, c.pageID, analysisType, backend, now)
		if err != nil {
			return nil, fmt.Errorf("claim page %s: %w", c.pageID, err)
		}
		claims = append(claims, AnalysisClaim{
			AnalysisResult: crawler.AnalysisResult{
				ID:             resultID,
				DocumentPageID: c.pageID,
				AnalysisType:   analysisType,
				Backend:        backend,
				ClaimedAt:      now,
			},
			PageNumber:        c.pageNumber,
			DocumentVersionID: c.versionID,
			BlobURI:           c.blobURI,
			ContentType:       c.contentType,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim analysis tx: %w", err)
	}
	return claims, nil
}

// CompleteAnalysis finalizes a claimed AnalysisResult row.
func (r *SQLiteRepository) CompleteAnalysis(ctx context.Context, resultID, text string, confidence *float64, processingTimeMs int64, errText string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE analysis_results SET text = ?, confidence = ?, processing_time_ms = ?, error = ?, completed_at = ?
WHERE id = ?`, text, confidence, processingTimeMs, errText, now, resultID)
	if err != nil {
		return fmt.Errorf("complete analysis: %w", err)
	}
	return nil
}

// ListAnalysisResults returns every backend attempt recorded for one page.
func (r *SQLiteRepository) ListAnalysisResults(ctx context.Context, documentPageID string) ([]crawler.AnalysisResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_page_id, analysis_type, backend, text, confidence, processing_time_ms, error, claimed_at, completed_at
FROM analysis_results WHERE document_page_id = ?`, documentPageID)
	if err != nil {
		return nil, fmt.Errorf("list analysis results: %w", err)
	}
	defer rows.Close()

	var out []crawler.AnalysisResult
	for rows.Next() {
		var a crawler.AnalysisResult
		var text, errText sql.NullString
		var confidence sql.NullFloat64
		var completedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.DocumentPageID, &a.AnalysisType, &a.Backend, &text, &confidence, &a.ProcessingTimeMs, &errText, &a.ClaimedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan analysis result: %w", err)
		}
		a.Text = text.String
		a.Error = errText.String
		if confidence.Valid {
			a.Confidence = &confidence.Float64
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FinalizePage stores page's chosen final text/source/score and appends it
// into the owning Document's extracted_text, in page-number order.
func (r *SQLiteRepository) FinalizePage(ctx context.Context, page crawler.DocumentPage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize page tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	_, err = tx.ExecContext(ctx, `
UPDATE document_pages SET final_text = ?, final_text_source = ?, quality_score = ?
WHERE id = ?`, page.FinalText, page.FinalTextSource, page.QualityScore, page.ID)
	if err != nil {
		return fmt.Errorf("update document page: %w", err)
	}

	var documentID string
	err = tx.QueryRowContext(ctx, `SELECT document_id FROM document_versions WHERE id = ?`, page.DocumentVersionID).Scan(&documentID)
	if err != nil {
		return fmt.Errorf("look up parent document: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT final_text FROM document_pages WHERE document_version_id = ? ORDER BY page_number ASC`, page.DocumentVersionID)
	if err != nil {
		return fmt.Errorf("read pages for concatenation: %w", err)
	}
	var sb strings.Builder
	first := true
	for rows.Next() {
		var text sql.NullString
		if err := rows.Scan(&text); err != nil {
			rows.Close()
			return fmt.Errorf("scan page text: %w", err)
		}
		if !first {
			sb.WriteString("\n\n")
		}
		first = false
		sb.WriteString(text.String)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE documents SET extracted_text = ? WHERE id = ?`, sb.String(), documentID)
	if err != nil {
		return fmt.Errorf("update document extracted_text: %w", err)
	}
	return tx.Commit()
}

// GetDocument looks up one Document by ID.
func (r *SQLiteRepository) GetDocument(ctx context.Context, documentID string) (crawler.Document, bool, error) {
	var doc crawler.Document
	var latestVersionID, extractedText sql.NullString
	err := r.db.QueryRowContext(ctx, `
SELECT id, source_id, canonical_url, first_seen_at, last_crawled_at, latest_version_id, extracted_text
FROM documents WHERE id = ?`, documentID).Scan(
		&doc.ID, &doc.SourceID, &doc.CanonicalURL, &doc.FirstSeenAt, &doc.LastCrawledAt, &latestVersionID, &extractedText,
	)
	if err == sql.ErrNoRows {
		return crawler.Document{}, false, nil
	}
	if err != nil {
		return crawler.Document{}, false, fmt.Errorf("get document: %w", err)
	}
	doc.LatestVersionID = latestVersionID.String
	doc.ExtractedText = extractedText.String
	return doc, true, nil
}

// ListDocumentsNeedingAnnotation returns Documents with extracted_text set
// and no completed Annotation for annotationType yet, including ones left
// uncompleted by a prior failed attempt.
func (r *SQLiteRepository) ListDocumentsNeedingAnnotation(ctx context.Context, annotationType string, limit int) ([]crawler.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT d.id, d.source_id, d.canonical_url, d.first_seen_at, d.last_crawled_at, d.latest_version_id, d.extracted_text
FROM documents d
WHERE d.extracted_text IS NOT NULL AND d.extracted_text != ''
AND NOT EXISTS (
	SELECT 1 FROM annotations a
	WHERE a.document_id = d.id AND a.annotation_type = ? AND a.completed_at IS NOT NULL
)
LIMIT ?`, annotationType, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents needing annotation: %w", err)
	}
	defer rows.Close()

	var out []crawler.Document
	for rows.Next() {
		var doc crawler.Document
		var latestVersionID, extractedText sql.NullString
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.CanonicalURL, &doc.FirstSeenAt, &doc.LastCrawledAt, &latestVersionID, &extractedText); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.LatestVersionID = latestVersionID.String
		doc.ExtractedText = extractedText.String
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ClaimAnnotation upserts a claim row for (documentID, annotationType),
// resetting completed_at to NULL, and returns its ID regardless of whether
// this call created it or a previous failed attempt did.
func (r *SQLiteRepository) ClaimAnnotation(ctx context.Context, documentID, annotationType, provider, model string, now time.Time) (string, error) {
	id := deriveID(documentID, annotationType)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO annotations (id, document_id, annotation_type, provider, model, claimed_at, completed_at, error)
VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
ON CONFLICT(document_id, annotation_type) DO UPDATE SET
	provider=excluded.provider, model=excluded.model, claimed_at=excluded.claimed_at, completed_at=NULL, error=NULL`,
		id, documentID, annotationType, provider, model, now)
	if err != nil {
		return "", fmt.Errorf("claim annotation: %w", err)
	}
	return id, nil
}

// CompleteAnnotation finalizes a claimed Annotation with content or an
// error; on error completed_at stays NULL so the next pass retries it.
func (r *SQLiteRepository) CompleteAnnotation(ctx context.Context, annotationID, content, errText string, now time.Time) error {
	if errText != "" {
		_, err := r.db.ExecContext(ctx, `UPDATE annotations SET error = ? WHERE id = ?`, errText, annotationID)
		if err != nil {
			return fmt.Errorf("record annotation error: %w", err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE annotations SET content = ?, completed_at = ?, error = '' WHERE id = ?`, content, now, annotationID)
	if err != nil {
		return fmt.Errorf("complete annotation: %w", err)
	}
	return nil
}

// InsertDocumentEntities replaces the recorded entities for documentID with
// entities (a fresh ner pass supersedes a prior one).
func (r *SQLiteRepository) InsertDocumentEntities(ctx context.Context, documentID string, entities []crawler.DocumentEntity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert entities tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_entities WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear prior entities: %w", err)
	}
	for i, e := range entities {
		id := deriveID(documentID, e.Type, e.Text, fmt.Sprint(i))
		_, err := tx.ExecContext(ctx, `
INSERT INTO document_entities (id, document_id, entity_text, entity_type, lat, lng)
VALUES (?, ?, ?, ?, ?, ?)`, id, documentID, e.Text, e.Type, e.Lat, e.Lng)
		if err != nil {
			return fmt.Errorf("insert entity %q: %w", e.Text, err)
		}
	}
	return tx.Commit()
}

// ListDocumentEntities returns every entity recorded for documentID.
func (r *SQLiteRepository) ListDocumentEntities(ctx context.Context, documentID string) ([]crawler.DocumentEntity, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, entity_text, entity_type, lat, lng FROM document_entities WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document entities: %w", err)
	}
	defer rows.Close()

	var out []crawler.DocumentEntity
	for rows.Next() {
		var e crawler.DocumentEntity
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Text, &e.Type, &lat, &lng); err != nil {
			return nil, fmt.Errorf("scan document entity: %w", err)
		}
		if lat.Valid {
			e.Lat = &lat.Float64
		}
		if lng.Valid {
			e.Lng = &lng.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadRateLimitState implements RateLimitRepository.
func (r *SQLiteRepository) LoadRateLimitState(ctx context.Context, domain string) (crawler.RateLimitState, bool, error) {
	var s crawler.RateLimitState
	err := r.db.QueryRowContext(ctx, `
SELECT domain, delay_ms, in_backoff, total_requests, rate_limit_hits, consecutive_successes, consecutive_failures, last_request_at, updated_at
FROM rate_limit_state WHERE domain = ?`, domain).Scan(
		&s.Domain, &s.DelayMs, &s.InBackoff, &s.TotalRequests, &s.RateLimitHits, &s.ConsecutiveSuccesses, &s.ConsecutiveFailures, &s.LastRequestAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return crawler.RateLimitState{}, false, nil
	}
	if err != nil {
		return crawler.RateLimitState{}, false, fmt.Errorf("load rate limit state: %w", err)
	}
	return s, true, nil
}

// UpsertRateLimitState implements RateLimitRepository.
func (r *SQLiteRepository) UpsertRateLimitState(ctx context.Context, state crawler.RateLimitState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rate_limit_state (domain, delay_ms, in_backoff, total_requests, rate_limit_hits, consecutive_successes, consecutive_failures, last_request_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(domain) DO UPDATE SET
	delay_ms=excluded.delay_ms,
	in_backoff=excluded.in_backoff,
	total_requests=excluded.total_requests,
	rate_limit_hits=excluded.rate_limit_hits,
	consecutive_successes=excluded.consecutive_successes,
	consecutive_failures=excluded.consecutive_failures,
	last_request_at=excluded.last_request_at,
	updated_at=excluded.updated_at`,
		state.Domain, state.DelayMs, boolToInt(state.InBackoff), state.TotalRequests, state.RateLimitHits, state.ConsecutiveSuccesses, state.ConsecutiveFailures, state.LastRequestAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rate limit state: %w", err)
	}
	return nil
}

// ClaimRateLimitSlot atomically grants domain a slot if now is at least
// delay past the last granted slot (tracked via last_request_at), advancing
// last_request_at in the same transaction when granted.
func (r *SQLiteRepository) ClaimRateLimitSlot(ctx context.Context, domain string, delay time.Duration, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim slot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var lastRequestAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT last_request_at FROM rate_limit_state WHERE domain = ?`, domain).Scan(&lastRequestAt)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read slot: %w", err)
	}
	if err == nil && lastRequestAt.Valid && now.Sub(lastRequestAt.Time) < delay {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO rate_limit_state (domain, delay_ms, last_request_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(domain) DO UPDATE SET last_request_at=excluded.last_request_at, updated_at=excluded.updated_at`,
		domain, delay.Milliseconds(), now, now)
	if err != nil {
		return false, fmt.Errorf("claim slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim slot: %w", err)
	}
	return true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func deriveID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

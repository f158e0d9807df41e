package crawlengine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/contentstore"
	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/repository"
	"github.com/pubrecords/acquire/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type scriptedFetcher struct {
	responses []crawler.FetchResponse
	errs      []error
	calls     int
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return crawler.FetchResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func newTestEngine(t *testing.T, fetcher crawler.Fetcher, clock crawler.Clock) (*Engine, *repository.SQLiteRepository) {
	t.Helper()
	repo, err := repository.OpenSQLite(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	content := contentstore.New(memory.NewBlobStore(), "documents")
	engine := New(repo, content, fetcher, clock, Config{}, zap.NewNop())
	return engine, repo
}

func seedSourceAndURL(t *testing.T, repo *repository.SQLiteRepository, sourceID, url string) {
	t.Helper()
	ctx := context.Background()
	_, err := repo.EnsureSource(ctx, crawler.Source{ID: sourceID, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: sourceID, URL: url}))
}

func TestRunBatchStoresNewDocumentVersion(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{responses: []crawler.FetchResponse{{
		StatusCode: 200,
		Headers:    http.Header{"Content-Type": {"text/html"}, "ETag": {`"v1"`}},
		Body:       []byte("<html>hello</html>"),
	}}}
	engine, repo := newTestEngine(t, fetcher, &fakeClock{now: time.Unix(1000, 0)})
	seedSourceAndURL(t, repo, "src-1", "https://example.gov/a")

	n, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	doc, err := repo.GetOrCreateDocument(context.Background(), "src-1", "https://example.gov/a")
	require.NoError(t, err)
	version, ok, err := repo.LatestVersion(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, version.ContentHash)
	require.NotEmpty(t, version.BlobURI)
}

func TestRunBatchSameBodyRecordsNotModified(t *testing.T) {
	t.Parallel()
	body := []byte("<html>same every time</html>")
	fetcher := &scriptedFetcher{responses: []crawler.FetchResponse{
		{StatusCode: 200, Headers: http.Header{}, Body: body},
		{StatusCode: 200, Headers: http.Header{}, Body: body},
	}}
	engine, repo := newTestEngine(t, fetcher, &fakeClock{now: time.Unix(1000, 0)})
	ctx := context.Background()

	_, err := repo.EnsureSource(ctx, crawler.Source{ID: "src-1", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: "src-1", URL: "https://example.gov/a"}))
	n, err := engine.RunBatch(ctx, "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	doc, err := repo.GetOrCreateDocument(ctx, "src-1", "https://example.gov/a")
	require.NoError(t, err)
	firstVersion, ok, err := repo.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A second URL that canonicalizes to the same document, fetching the
	// identical body, must not create a second version.
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{
		SourceID: "src-1", URL: "https://example.gov/a?utm=1", CanonicalURL: "https://example.gov/a",
	}))
	n, err = engine.RunBatch(ctx, "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	secondVersion, ok, err := repo.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, firstVersion.ID, secondVersion.ID, "identical content must not produce a new version")
}

func TestRunBatch4xxFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{responses: []crawler.FetchResponse{{StatusCode: 404}}}
	engine, repo := newTestEngine(t, fetcher, &fakeClock{now: time.Unix(1000, 0)})
	seedSourceAndURL(t, repo, "src-1", "https://example.gov/missing")

	n, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 0, again, "a permanently failed 4xx row must not be reclaimed")
}

func TestRunBatch5xxSchedulesRetry(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{responses: []crawler.FetchResponse{{StatusCode: 503}}}
	now := time.Unix(1000, 0)
	engine, repo := newTestEngine(t, fetcher, &fakeClock{now: now})
	seedSourceAndURL(t, repo, "src-1", "https://example.gov/flaky")

	_, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)

	immediateRetry, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 0, immediateRetry, "next_attempt_at must be in the future")

	engine.clock = &fakeClock{now: now.Add(2 * time.Hour)}
	laterRetry, err := engine.RunBatch(context.Background(), "src-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, 1, laterRetry)
}

func TestReclaimStaleRecoversCrashedWorker(t *testing.T) {
	t.Parallel()
	fetcher := &scriptedFetcher{responses: []crawler.FetchResponse{{StatusCode: 200, Headers: http.Header{}, Body: []byte("x")}}}
	now := time.Unix(10000, 0)
	engine, repo := newTestEngine(t, fetcher, &fakeClock{now: now.Add(-2 * time.Hour)})
	seedSourceAndURL(t, repo, "src-1", "https://example.gov/a")

	claimed, err := repo.ClaimBatch(context.Background(), "src-1", 10, "worker-a", now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	engine.clock = &fakeClock{now: now}
	n, err := engine.ReclaimStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered, err := engine.RunBatch(context.Background(), "src-1", "worker-b")
	require.NoError(t, err)
	require.Equal(t, 1, recovered)
}

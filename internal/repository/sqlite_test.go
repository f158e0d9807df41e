package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pubrecords/acquire/internal/crawler"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestEnsureSourceIsUpsert(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	src := crawler.Source{ID: "src-1", Name: "county-records", BaseURL: "https://example.gov", Enabled: true}
	id, err := repo.EnsureSource(ctx, src)
	require.NoError(t, err)
	require.Equal(t, "src-1", id)

	src.Name = "county-records-renamed"
	_, err = repo.EnsureSource(ctx, src)
	require.NoError(t, err)
}

func TestClaimBatchWinsExactlyOnce(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureSource(ctx, crawler.Source{ID: "src-1", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: "src-1", URL: "https://example.gov/a"}))
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: "src-1", URL: "https://example.gov/b"}))

	now := time.Now().UTC()
	first, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-a", now)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-b", now)
	require.NoError(t, err)
	require.Empty(t, second, "rows already fetching must not be claimable again")
}

func TestReclaimStaleRestoresCrashedClaims(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureSource(ctx, crawler.Source{ID: "src-1", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: "src-1", URL: "https://example.gov/a"}))

	claimedAt := time.Now().UTC().Add(-2 * time.Hour)
	claimed, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-a", claimedAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := repo.ReclaimStale(ctx, time.Hour, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reclaimable, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-b", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, reclaimable, 1)
}

func TestMarkFailedSchedulesRetryWhenRetryable(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.EnsureSource(ctx, crawler.Source{ID: "src-1", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, repo.EnqueueURL(ctx, crawler.CrawlUrl{SourceID: "src-1", URL: "https://example.gov/a"}))

	claimed, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-a", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	nextAttempt := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, repo.MarkFailed(ctx, claimed[0].ID, "timeout", true, nextAttempt))

	retried, err := repo.ClaimBatch(ctx, "src-1", 10, "worker-b", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, 1, retried[0].AttemptCount)
}

func TestDocumentVersionLifecycle(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	doc, err := repo.GetOrCreateDocument(ctx, "src-1", "https://example.gov/a")
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)

	again, err := repo.GetOrCreateDocument(ctx, "src-1", "https://example.gov/a")
	require.NoError(t, err)
	require.Equal(t, doc.ID, again.ID, "document identity must be stable across repeat crawls")

	_, ok, err := repo.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.False(t, ok)

	v1 := crawler.DocumentVersion{
		FetchedAt:   time.Now().UTC(),
		ContentHash: "hash-v1",
		SizeBytes:   1024,
		ContentType: "application/pdf",
		HTTPStatus:  200,
	}
	require.NoError(t, repo.InsertVersion(ctx, doc.ID, v1))

	latest, ok, err := repo.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hash-v1", latest.ContentHash)
}

func TestRateLimitSlotIsExclusive(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	granted, err := repo.ClaimRateLimitSlot(ctx, "example.gov", 500*time.Millisecond, now)
	require.NoError(t, err)
	require.True(t, granted)

	denied, err := repo.ClaimRateLimitSlot(ctx, "example.gov", 500*time.Millisecond, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	require.False(t, denied, "a second claim inside the delay window must be refused")

	grantedAgain, err := repo.ClaimRateLimitSlot(ctx, "example.gov", 500*time.Millisecond, now.Add(600*time.Millisecond))
	require.NoError(t, err)
	require.True(t, grantedAgain)
}

func TestUpsertAndLoadRateLimitState(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t)
	ctx := context.Background()

	state := crawler.RateLimitState{
		Domain:               "example.gov",
		DelayMs:              250,
		ConsecutiveSuccesses: 3,
		UpdatedAt:            time.Now().UTC(),
	}
	require.NoError(t, repo.UpsertRateLimitState(ctx, state))

	loaded, ok, err := repo.LoadRateLimitState(ctx, "example.gov")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(250), loaded.DelayMs)
	require.Equal(t, 3, loaded.ConsecutiveSuccesses)
}

package annotator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/llmclient"
	"github.com/pubrecords/acquire/internal/repository"
)

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func newScriptedLLMServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []chatChoice{{Message: struct {
				Content string `json:"content"`
			}{Content: reply}}},
		})
	}))
}

func newTestAnnotator(t *testing.T, llm *llmclient.Client, cfg Config) (*Annotator, *repository.SQLiteRepository) {
	t.Helper()
	repo, err := repository.OpenSQLite(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo, llm, cfg, zap.NewNop()), repo
}

func seedDocumentWithText(t *testing.T, repo *repository.SQLiteRepository, sourceID, url, text string) crawler.Document {
	t.Helper()
	ctx := context.Background()
	_, err := repo.EnsureSource(ctx, crawler.Source{ID: sourceID, Enabled: true})
	require.NoError(t, err)
	doc, err := repo.GetOrCreateDocument(ctx, sourceID, url)
	require.NoError(t, err)

	version := crawler.DocumentVersion{
		DocumentID:  doc.ID,
		FetchedAt:   time.Unix(1000, 0),
		ContentHash: "deadbeef",
		ContentType: "text/plain",
		BlobURI:     "documents/de/ad/deadbeef.txt",
		HTTPStatus:  200,
	}
	require.NoError(t, repo.InsertVersion(ctx, doc.ID, version))
	version, ok, err := repo.LatestVersion(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = repo.CreateDocumentPages(ctx, version.ID, 1)
	require.NoError(t, err)
	pages, err := repo.ListDocumentPages(ctx, version.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	page := crawler.DocumentPage{ID: pages[0].ID, FinalText: text, FinalTextSource: "test", QualityScore: 1}
	require.NoError(t, repo.FinalizePage(ctx, page))

	updated, ok, err := repo.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return updated
}

func TestRunBatchSynopsisClaimsAndCompletes(t *testing.T) {
	t.Parallel()
	srv := newScriptedLLMServer(t, "A neutral one-paragraph summary of the record.")
	defer srv.Close()
	llm := llmclient.New(llmclient.Config{BaseURL: srv.URL, Model: "test-model"})
	a, repo := newTestAnnotator(t, llm, Config{Provider: "test", Model: "test-model"})

	doc := seedDocumentWithText(t, repo, "src-1", "https://example.gov/orders/order-42", "the council approved the zoning request")

	n, err := a.RunBatch(context.Background(), Synopsis, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := a.RunBatch(context.Background(), Synopsis, 10)
	require.NoError(t, err)
	require.Equal(t, 0, again) // completed annotation is no longer claimable

	_ = doc
}

func TestRunBatchTagsNormalizesCommaList(t *testing.T) {
	t.Parallel()
	srv := newScriptedLLMServer(t, "Zoning, Permits,  Council , zoning")
	defer srv.Close()
	llm := llmclient.New(llmclient.Config{BaseURL: srv.URL, Model: "test-model"})
	a, repo := newTestAnnotator(t, llm, Config{Provider: "test", Model: "test-model"})
	seedDocumentWithText(t, repo, "src-1", "https://example.gov/orders/order-42", "zoning record text")

	n, err := a.RunBatch(context.Background(), Tags, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRunBatchNERPopulatesEntities(t *testing.T) {
	t.Parallel()
	srv := newScriptedLLMServer(t, `[{"text":"Jane Doe","type":"person"},{"text":"City Council","type":"organization"},{"text":"not-a-type","type":"bogus"}]`)
	defer srv.Close()
	llm := llmclient.New(llmclient.Config{BaseURL: srv.URL, Model: "test-model"})
	a, repo := newTestAnnotator(t, llm, Config{Provider: "test", Model: "test-model"})
	doc := seedDocumentWithText(t, repo, "src-1", "https://example.gov/orders/order-42", "Jane Doe appeared before the City Council")

	n, err := a.RunBatch(context.Background(), NER, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entities, err := repo.ListDocumentEntities(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, entities, 2)
}

func TestRunBatchDateDetectNormalizesDate(t *testing.T) {
	t.Parallel()
	srv := newScriptedLLMServer(t, `{"date": "March 3, 2024", "confidence": 0.8, "source": "dateline at top of document"}`)
	defer srv.Close()
	llm := llmclient.New(llmclient.Config{BaseURL: srv.URL, Model: "test-model"})
	a, repo := newTestAnnotator(t, llm, Config{Provider: "test", Model: "test-model"})
	seedDocumentWithText(t, repo, "src-1", "https://example.gov/orders/order-42", "dated March 3, 2024")

	n, err := a.RunBatch(context.Background(), DateDetect, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTitleOfDerivesFromCanonicalURL(t *testing.T) {
	t.Parallel()
	doc := crawler.Document{CanonicalURL: "https://example.gov/orders/order-42"}
	require.Equal(t, "order-42", titleOf(doc))
}

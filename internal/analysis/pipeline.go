package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/contentstore"
	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/repository"
	"github.com/pubrecords/acquire/internal/telemetry"
)

// htmlStripper removes every tag from HTML-sourced extractions, since
// final_text is stored and served as plain text, never as markup.
var htmlStripper = bluemonday.StrictPolicy()

// Config tunes the pipeline's batch size and compare-mode toggle.
type Config struct {
	MaxPages    int
	CompareMode bool
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 200
	}
	return c
}

// Pipeline drives page extraction, OCR-backend claiming, and text
// finalization for fetched DocumentVersions.
type Pipeline struct {
	repo     repository.Repository
	content  *contentstore.Store
	backends []Backend
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pipeline over the configured backends, tried in the
// order given whenever text finalization needs to break a tie.
func New(repo repository.Repository, content *contentstore.Store, backends []Backend, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{repo: repo, content: content, backends: backends, cfg: cfg.withDefaults(), logger: logger}
}

// ExplodeVersion creates a DocumentPage row per page of version's body (1
// for non-PDF content types, since pdfcpu is the only page counter in
// reach), returning how many it created/found.
func (p *Pipeline) ExplodeVersion(ctx context.Context, version crawler.DocumentVersion) (int, error) {
	count := 1
	if strings.Contains(version.ContentType, "pdf") {
		body, err := p.content.Open(ctx, contentstore.Placement{RelativePath: version.BlobURI})
		if err != nil {
			return 0, fmt.Errorf("open version body: %w", err)
		}
		n, err := PageCount(body)
		if err != nil {
			return 0, fmt.Errorf("count pages: %w", err)
		}
		count = n
	}
	if count > p.cfg.MaxPages {
		p.logger.Warn("document exceeds max_pages, truncating", zap.Int("page_count", count), zap.Int("max_pages", p.cfg.MaxPages))
		count = p.cfg.MaxPages
	}
	pages, err := p.repo.CreateDocumentPages(ctx, version.ID, count)
	if err != nil {
		return 0, fmt.Errorf("create document pages: %w", err)
	}
	return len(pages), nil
}

// RunBatch claims up to limit pages per configured backend still missing an
// "ocr" result for that backend, processes them, and (outside compare mode)
// finalizes each page's text afterward.
func (p *Pipeline) RunBatch(ctx context.Context, limit int) (int, error) {
	processed := 0
	now := time.Now()
	for _, backend := range p.backends {
		claims, err := p.repo.ClaimAnalysisBatch(ctx, "ocr", backend.Name(), limit, now)
		if err != nil {
			return processed, fmt.Errorf("claim batch for %s: %w", backend.Name(), err)
		}
		for _, claim := range claims {
			p.processClaim(ctx, backend, claim)
			processed++
		}
	}
	return processed, nil
}

func (p *Pipeline) processClaim(ctx context.Context, backend Backend, claim repository.AnalysisClaim) {
	now := time.Now()
	body, err := p.content.Open(ctx, contentstore.Placement{RelativePath: claim.BlobURI})
	if err != nil {
		p.completeWithError(ctx, claim, fmt.Sprintf("open body: %v", err), now)
		return
	}

	result, err := backend.Process(ctx, body, claim.ContentType, claim.PageNumber)
	if err != nil {
		p.completeWithError(ctx, claim, err.Error(), now)
		return
	}

	text := result.Text
	if strings.Contains(claim.ContentType, "html") {
		text = strings.TrimSpace(htmlStripper.Sanitize(text))
	}

	if err := p.repo.CompleteAnalysis(ctx, claim.ID, text, result.Confidence, result.ProcessingTimeMs, "", now); err != nil {
		p.logger.Warn("record analysis result failed", zap.String("backend", backend.Name()), zap.Error(err))
		return
	}
	telemetry.ObserveAnalysis(backend.Name(), "success")

	if !p.cfg.CompareMode {
		if err := p.Finalize(ctx, claim.DocumentPageID); err != nil {
			p.logger.Warn("finalize page failed", zap.String("page_id", claim.DocumentPageID), zap.Error(err))
		}
	}
}

func (p *Pipeline) completeWithError(ctx context.Context, claim repository.AnalysisClaim, errText string, now time.Time) {
	if err := p.repo.CompleteAnalysis(ctx, claim.ID, "", nil, 0, errText, now); err != nil {
		p.logger.Warn("record analysis failure failed", zap.Error(err))
	}
	telemetry.ObserveAnalysis(claim.Backend, "failure")
}

// Finalize recomputes documentPageID's final_text by quality score across
// every backend that has produced output for it, and appends the chosen
// text into the owning Document's extracted_text.
func (p *Pipeline) Finalize(ctx context.Context, documentPageID string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "analysis.Finalize",
		trace.WithAttributes(attribute.String("document_page.id", documentPageID)),
	)
	defer span.End()

	results, err := p.repo.ListAnalysisResults(ctx, documentPageID)
	if err != nil {
		return fmt.Errorf("list analysis results: %w", err)
	}
	byBackend := make(map[string]string)
	for _, r := range results {
		if r.CompletedAt == nil || r.Error != "" {
			continue
		}
		byBackend[r.Backend] = r.Text
	}
	text, source, quality := chooseFinal(byBackend, p.backendOrder())
	if source == "" {
		return nil // nothing usable yet
	}

	// FinalizePage resolves the owning DocumentVersion/Document from the page
	// row itself; we only need to pass the fields it writes plus the page ID.
	page := crawler.DocumentPage{ID: documentPageID, FinalText: text, FinalTextSource: source, QualityScore: quality}
	return p.repo.FinalizePage(ctx, page)
}

// backendOrder returns the configured backend names in the order the
// Pipeline was constructed with, the tie-break order chooseFinal honors.
func (p *Pipeline) backendOrder() []string {
	names := make([]string, len(p.backends))
	for i, b := range p.backends {
		names[i] = b.Name()
	}
	return names
}

// Compare runs every configured backend over version's pages without
// writing final text anywhere, the non-destructive compare-mode path.
func (p *Pipeline) Compare(ctx context.Context, version crawler.DocumentVersion) (map[int]map[string]Result, error) {
	body, err := p.content.Open(ctx, contentstore.Placement{RelativePath: version.BlobURI})
	if err != nil {
		return nil, fmt.Errorf("open version body: %w", err)
	}
	pageCount := 1
	if strings.Contains(version.ContentType, "pdf") {
		if n, err := PageCount(body); err == nil {
			pageCount = n
		}
	}

	out := make(map[int]map[string]Result)
	for page := 1; page <= pageCount; page++ {
		out[page] = make(map[string]Result)
		for _, backend := range p.backends {
			result, err := backend.Process(ctx, body, version.ContentType, page)
			if err != nil {
				out[page][backend.Name()] = Result{Text: fmt.Sprintf("error: %v", err)}
				continue
			}
			out[page][backend.Name()] = result
		}
	}
	return out, nil
}

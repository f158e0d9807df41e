// Package annotator runs LLM-driven synopsis, tag, entity, and date-
// detection passes over Documents that already have extracted_text, one row
// per (document, annotation_type) claimed through the same upsert-to-claim
// idiom the analysis pipeline uses for pages.
package annotator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/llmclient"
	"github.com/pubrecords/acquire/internal/repository"
	"github.com/pubrecords/acquire/internal/telemetry"
)

// Annotation type identifiers, used as both the claim key and the metrics
// label.
const (
	Synopsis   = "synopsis"
	Tags       = "tags"
	NER        = "ner"
	DateDetect = "date_detect"
)

// Config carries the prompt-rendering and request knobs that mirror the
// provider-agnostic llm configuration block.
type Config struct {
	Provider        string
	Model           string
	MaxContentChars int
	SynopsisPrompt  string
	TagsPrompt      string
}

func (c Config) withDefaults() Config {
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = 8000
	}
	if c.SynopsisPrompt == "" {
		c.SynopsisPrompt = "Summarize the following public record in a single neutral paragraph.\n\nTitle: {title}\n\nContent:\n{content}"
	}
	if c.TagsPrompt == "" {
		c.TagsPrompt = "List 3-5 short topical tags (comma-separated, lowercase) for the following public record.\n\nTitle: {title}\n\nContent:\n{content}"
	}
	return c
}

// Annotator drives the claim/prompt/complete loop for one provider.
type Annotator struct {
	repo   repository.Repository
	llm    *llmclient.Client
	cfg    Config
	logger *zap.Logger
}

// New builds an Annotator over an already-configured llmclient.Client.
func New(repo repository.Repository, llm *llmclient.Client, cfg Config, logger *zap.Logger) *Annotator {
	return &Annotator{repo: repo, llm: llm, cfg: cfg.withDefaults(), logger: logger}
}

// RunBatch claims up to limit Documents still missing a completed
// annotationType row and runs that operation over each.
func (a *Annotator) RunBatch(ctx context.Context, annotationType string, limit int) (int, error) {
	docs, err := a.repo.ListDocumentsNeedingAnnotation(ctx, annotationType, limit)
	if err != nil {
		return 0, fmt.Errorf("list documents needing %s: %w", annotationType, err)
	}
	for _, doc := range docs {
		a.processOne(ctx, doc, annotationType)
	}
	return len(docs), nil
}

func (a *Annotator) processOne(ctx context.Context, doc crawler.Document, annotationType string) {
	now := time.Now()
	annotationID, err := a.repo.ClaimAnnotation(ctx, doc.ID, annotationType, a.cfg.Provider, a.cfg.Model, now)
	if err != nil {
		a.logger.Warn("claim annotation failed", zap.String("document_id", doc.ID), zap.String("type", annotationType), zap.Error(err))
		return
	}

	content, err := a.run(ctx, doc, annotationType)
	if err != nil {
		a.complete(ctx, annotationID, "", err.Error(), annotationType)
		return
	}
	a.complete(ctx, annotationID, content, "", annotationType)

	if annotationType == NER {
		if entities, err := parseEntities(content); err != nil {
			a.logger.Warn("parse ner entities failed", zap.String("document_id", doc.ID), zap.Error(err))
		} else if err := a.repo.InsertDocumentEntities(ctx, doc.ID, entities); err != nil {
			a.logger.Warn("insert ner entities failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
}

func (a *Annotator) run(ctx context.Context, doc crawler.Document, annotationType string) (string, error) {
	switch annotationType {
	case Synopsis:
		return a.llm.Complete(ctx, render(a.cfg.SynopsisPrompt, titleOf(doc), truncate(doc.ExtractedText, a.cfg.MaxContentChars)))
	case Tags:
		reply, err := a.llm.Complete(ctx, render(a.cfg.TagsPrompt, titleOf(doc), truncate(doc.ExtractedText, a.cfg.MaxContentChars)))
		if err != nil {
			return "", err
		}
		return normalizeTags(reply), nil
	case NER:
		return a.llm.Complete(ctx, render(nerPrompt, titleOf(doc), truncate(doc.ExtractedText, a.cfg.MaxContentChars)))
	case DateDetect:
		reply, err := a.llm.Complete(ctx, render(dateDetectPrompt, titleOf(doc), truncate(doc.ExtractedText, a.cfg.MaxContentChars)))
		if err != nil {
			return "", err
		}
		return normalizeDateDetectReply(reply)
	default:
		return "", fmt.Errorf("unknown annotation type %q", annotationType)
	}
}

func (a *Annotator) complete(ctx context.Context, annotationID, content, errText, annotationType string) {
	if err := a.repo.CompleteAnnotation(ctx, annotationID, content, errText, time.Now()); err != nil {
		a.logger.Warn("complete annotation failed", zap.String("annotation_id", annotationID), zap.Error(err))
		return
	}
	outcome := "success"
	if errText != "" {
		outcome = "failure"
	}
	telemetry.ObserveAnnotation(annotationType, outcome)
}

// titleOf derives a human-readable title from a Document's canonical URL,
// since the schema carries no separate title field.
func titleOf(doc crawler.Document) string {
	url := strings.TrimRight(doc.CanonicalURL, "/")
	if idx := strings.LastIndex(url, "/"); idx >= 0 && idx+1 < len(url) {
		return url[idx+1:]
	}
	return url
}

func render(template, title, content string) string {
	out := strings.ReplaceAll(template, "{title}", title)
	out = strings.ReplaceAll(out, "{content}", content)
	return out
}

func truncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

func normalizeTags(reply string) string {
	parts := strings.Split(reply, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		tag := strings.ToLower(strings.TrimSpace(p))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return strings.Join(out, ", ")
}

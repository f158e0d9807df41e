package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/crawler"
	"github.com/pubrecords/acquire/internal/repository"
)

// SourceConfig is the stored per-strategy configuration for one Source, as
// decoded from its config_json column.
type SourceConfig struct {
	Method string          `json:"discovery_method"`
	Config json.RawMessage `json:"discovery_config"`
}

// Coordinator runs every configured Strategy for a Source concurrently and
// enqueues the union of their candidates, deduplicated in-process so the
// same URL surfaced by two strategies in the same run only reaches the
// repository once. EnqueueURL's own insert-or-ignore on (source_id, url)
// is what makes repeated runs across process restarts idempotent.
type Coordinator struct {
	repo       repository.Repository
	strategies map[string]Strategy
	logger     *zap.Logger
}

// NewCoordinator builds a Coordinator over the given named strategies.
func NewCoordinator(repo repository.Repository, strategies map[string]Strategy, logger *zap.Logger) *Coordinator {
	return &Coordinator{repo: repo, strategies: strategies, logger: logger}
}

// Run discovers candidates for sourceID via every method listed in configs
// and enqueues each distinct URL. It returns the number of URLs enqueued
// (including ones the repository silently ignored as already present).
func (c *Coordinator) Run(ctx context.Context, sourceID string, configs []SourceConfig) (int, error) {
	var wg sync.WaitGroup
	merged := make(chan Candidate)

	for _, sc := range configs {
		strategy, ok := c.strategies[sc.Method]
		if !ok {
			c.logger.Warn("unknown discovery method, skipping", zap.String("method", sc.Method))
			continue
		}
		candidates, err := strategy.Discover(ctx, sc.Config)
		if err != nil {
			c.logger.Warn("discovery strategy failed to start", zap.String("method", sc.Method), zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range candidates {
				select {
				case merged <- cand:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	seen := make(map[string]bool)
	enqueued := 0
	now := time.Now()
	for cand := range merged {
		if cand.URL == "" || seen[cand.URL] {
			continue
		}
		seen[cand.URL] = true

		err := c.repo.EnqueueURL(ctx, crawler.CrawlUrl{
			SourceID:        sourceID,
			URL:             cand.URL,
			CanonicalURL:    cand.URL,
			Status:          "discovered",
			Depth:           cand.Depth,
			DiscoveryMethod: cand.DiscoveryMethod,
			ParentURL:       cand.ParentURL,
			DiscoveredAt:    now,
		})
		if err != nil {
			c.logger.Warn("enqueue candidate failed", zap.String("url", cand.URL), zap.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pubrecords/acquire/internal/crawler"
)

// APIPaginatedConfig configures the API-paginated strategy: a JSON endpoint
// whose results live at ItemsPath and whose per-item URL is at URLField,
// paged by incrementing PageParam until an empty page is returned.
type APIPaginatedConfig struct {
	Endpoint  string `json:"endpoint"`
	PageParam string `json:"page_param"`
	StartPage int    `json:"start_page"`
	ItemsPath string `json:"items_path"`
	URLField  string `json:"url_field"`
	MaxPages  int    `json:"max_pages"`
}

// APIPaginated increments PageParam until an empty results page.
type APIPaginated struct {
	fetcher crawler.Fetcher
}

// NewAPIPaginated builds an APIPaginated strategy over fetcher.
func NewAPIPaginated(fetcher crawler.Fetcher) *APIPaginated {
	return &APIPaginated{fetcher: fetcher}
}

// Discover implements Strategy.
func (a *APIPaginated) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg APIPaginatedConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode api-paginated config: %w", err)
	}
	if cfg.Endpoint == "" || cfg.PageParam == "" {
		return nil, fmt.Errorf("api-paginated config requires endpoint and page_param")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.StartPage == 0 {
		cfg.StartPage = 1
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		a.run(ctx, cfg, out)
	}()
	return out, nil
}

func (a *APIPaginated) run(ctx context.Context, cfg APIPaginatedConfig, out chan<- Candidate) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return
	}

	for page := cfg.StartPage; page < cfg.StartPage+cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			return
		}
		pageURL := *base
		q := pageURL.Query()
		q.Set(cfg.PageParam, strconv.Itoa(page))
		pageURL.RawQuery = q.Encode()

		resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL.String()})
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return
		}

		decoded, err := decodeJSON(resp.Body)
		if err != nil {
			return
		}
		items, ok := resolveArrayPath(decoded, cfg.ItemsPath)
		if !ok || len(items) == 0 {
			return
		}

		for _, item := range items {
			itemURL, ok := resolveStringPath(item, cfg.URLField)
			if !ok || itemURL == "" {
				continue
			}
			if !send(ctx, out, Candidate{URL: itemURL, DiscoveryMethod: "api_paginated", ParentURL: pageURL.String()}) {
				return
			}
		}
	}
}

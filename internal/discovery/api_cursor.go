package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/pubrecords/acquire/internal/crawler"
)

// APICursorConfig configures the API-cursor strategy: a JSON endpoint that
// returns an opaque cursor at CursorPath, passed back as CursorParam on the
// next request, until the cursor comes back empty.
type APICursorConfig struct {
	Endpoint    string `json:"endpoint"`
	CursorParam string `json:"cursor_param"`
	CursorPath  string `json:"cursor_path"`
	ItemsPath   string `json:"items_path"`
	URLField    string `json:"url_field"`
	MaxRequests int    `json:"max_requests"`
}

// APICursor follows an opaque cursor in the response until it is empty.
type APICursor struct {
	fetcher crawler.Fetcher
}

// NewAPICursor builds an APICursor strategy over fetcher.
func NewAPICursor(fetcher crawler.Fetcher) *APICursor {
	return &APICursor{fetcher: fetcher}
}

// Discover implements Strategy.
func (a *APICursor) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg APICursorConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode api-cursor config: %w", err)
	}
	if cfg.Endpoint == "" || cfg.CursorParam == "" {
		return nil, fmt.Errorf("api-cursor config requires endpoint and cursor_param")
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1000
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		a.run(ctx, cfg, out)
	}()
	return out, nil
}

func (a *APICursor) run(ctx context.Context, cfg APICursorConfig, out chan<- Candidate) {
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return
	}

	cursor := ""
	for requests := 0; requests < cfg.MaxRequests; requests++ {
		if ctx.Err() != nil {
			return
		}
		reqURL := *base
		if cursor != "" {
			q := reqURL.Query()
			q.Set(cfg.CursorParam, cursor)
			reqURL.RawQuery = q.Encode()
		}

		resp, err := a.fetcher.Fetch(ctx, crawler.FetchRequest{URL: reqURL.String()})
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return
		}

		decoded, err := decodeJSON(resp.Body)
		if err != nil {
			return
		}
		items, _ := resolveArrayPath(decoded, cfg.ItemsPath)
		for _, item := range items {
			itemURL, ok := resolveStringPath(item, cfg.URLField)
			if !ok || itemURL == "" {
				continue
			}
			if !send(ctx, out, Candidate{URL: itemURL, DiscoveryMethod: "api_cursor", ParentURL: reqURL.String()}) {
				return
			}
		}

		next, ok := resolveStringPath(decoded, cfg.CursorPath)
		if !ok || next == "" {
			return
		}
		cursor = next
	}
}

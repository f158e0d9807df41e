package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/pubrecords/acquire/internal/crawler"
)

// Sitemap fetches a sitemap.xml (or a sitemap index) and yields every <loc>
// entry. No pack library parses XML sitemaps specifically (antchfx/xmlquery
// is pulled in transitively by colly for its own selector engine, not
// exposed as a general-purpose sitemap reader), so this decodes the
// standard sitemap schema directly with stdlib encoding/xml — see
// DESIGN.md.
type Sitemap struct {
	fetcher crawler.Fetcher
}

// NewSitemap builds a Sitemap strategy over fetcher.
func NewSitemap(fetcher crawler.Fetcher) *Sitemap {
	return &Sitemap{fetcher: fetcher}
}

type sitemapConfig struct {
	URL string `json:"url"`
}

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Discover implements Strategy.
func (s *Sitemap) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg sitemapConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode sitemap config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("sitemap config requires url")
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		s.crawlSitemap(ctx, cfg.URL, out, 0)
	}()
	return out, nil
}

func (s *Sitemap) crawlSitemap(ctx context.Context, sitemapURL string, out chan<- Candidate, depth int) {
	if depth > 3 || ctx.Err() != nil {
		return // bound sitemap-index recursion
	}
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: sitemapURL})
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	var parsed sitemapURLSet
	if err := xml.Unmarshal(resp.Body, &parsed); err != nil {
		return
	}
	for _, u := range parsed.URLs {
		if u.Loc == "" {
			continue
		}
		if !send(ctx, out, Candidate{URL: u.Loc, DiscoveryMethod: "sitemap", ParentURL: sitemapURL}) {
			return
		}
	}
	for _, nested := range parsed.Sitemaps {
		if nested.Loc != "" {
			s.crawlSitemap(ctx, nested.Loc, out, depth+1)
		}
	}
}

// Search builds search-results URLs by substituting each term into a query
// template, e.g. "https://example.gov/search?q={term}".
type Search struct{}

// NewSearch builds a Search strategy.
func NewSearch() *Search { return &Search{} }

type searchConfig struct {
	QueryTemplate string   `json:"query_template"`
	Terms         []string `json:"terms"`
}

// Discover implements Strategy.
func (s *Search) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg searchConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode search config: %w", err)
	}
	if cfg.QueryTemplate == "" || !strings.Contains(cfg.QueryTemplate, "{term}") {
		return nil, fmt.Errorf("search config requires a query_template containing {term}")
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		for _, term := range cfg.Terms {
			candidateURL := strings.ReplaceAll(cfg.QueryTemplate, "{term}", url.QueryEscape(term))
			if !send(ctx, out, Candidate{URL: candidateURL, DiscoveryMethod: "search"}) {
				return
			}
		}
	}()
	return out, nil
}

// Paths joins a fixed list of relative paths against a base URL, for
// sources whose entire crawl surface is a small, known set of pages.
type Paths struct{}

// NewPaths builds a Paths strategy.
func NewPaths() *Paths { return &Paths{} }

type pathsConfig struct {
	BaseURL string   `json:"base_url"`
	Paths   []string `json:"paths"`
}

// Discover implements Strategy.
func (p *Paths) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg pathsConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode paths config: %w", err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		for _, p := range cfg.Paths {
			rel, err := url.Parse(p)
			if err != nil {
				continue
			}
			if !send(ctx, out, Candidate{URL: base.ResolveReference(rel).String(), DiscoveryMethod: "paths"}) {
				return
			}
		}
	}()
	return out, nil
}

// Wayback queries the Internet Archive's CDX API for historical captures of
// a URL prefix, yielding each distinct archived original URL.
type Wayback struct {
	fetcher crawler.Fetcher
}

// NewWayback builds a Wayback strategy over fetcher.
func NewWayback(fetcher crawler.Fetcher) *Wayback {
	return &Wayback{fetcher: fetcher}
}

type waybackConfig struct {
	URLPrefix string `json:"url_prefix"`
	Limit     int    `json:"limit"`
}

// Discover implements Strategy.
func (w *Wayback) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg waybackConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode wayback config: %w", err)
	}
	if cfg.URLPrefix == "" {
		return nil, fmt.Errorf("wayback config requires url_prefix")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}

	cdxURL := fmt.Sprintf(
		"https://web.archive.org/cdx/search/cdx?url=%s&matchType=prefix&output=text&fl=original&collapse=urlkey&limit=%d",
		url.QueryEscape(cfg.URLPrefix), cfg.Limit,
	)

	out := make(chan Candidate)
	go func() {
		defer close(out)
		resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{URL: cdxURL})
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return
		}
		scanner := bufio.NewScanner(bytes.NewReader(resp.Body))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !send(ctx, out, Candidate{URL: line, DiscoveryMethod: "wayback"}) {
				return
			}
		}
	}()
	return out, nil
}

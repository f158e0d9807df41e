package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/pubrecords/acquire/internal/crawler"
)

// HTMLCrawlConfig configures the HTML-crawl strategy.
type HTMLCrawlConfig struct {
	StartPaths        []string `json:"start_paths"`
	LinkSelectors     []string `json:"link_selectors"`
	URLAllowPatterns  []string `json:"url_allow_patterns"`
	URLDenyPatterns   []string `json:"url_deny_patterns"`
	PaginationNextSel []string `json:"pagination_next_selectors"`
	MaxPages          int      `json:"max_pages"`
	MaxDepth          int      `json:"max_depth"`
}

// HTMLCrawl extracts links matching CSS selectors from each fetched page,
// follows pagination.next_selectors up to MaxPages, and bounds recursion at
// MaxDepth.
type HTMLCrawl struct {
	fetcher crawler.Fetcher
}

// NewHTMLCrawl builds an HTMLCrawl strategy over fetcher.
func NewHTMLCrawl(fetcher crawler.Fetcher) *HTMLCrawl {
	return &HTMLCrawl{fetcher: fetcher}
}

type htmlCrawlFrame struct {
	url   string
	depth int
}

// Discover implements Strategy.
func (h *HTMLCrawl) Discover(ctx context.Context, rawCfg json.RawMessage) (<-chan Candidate, error) {
	var cfg HTMLCrawlConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, fmt.Errorf("decode html-crawl config: %w", err)
	}
	if len(cfg.StartPaths) == 0 {
		return nil, fmt.Errorf("html-crawl config requires at least one start path")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if len(cfg.LinkSelectors) == 0 {
		cfg.LinkSelectors = []string{"a[href]"}
	}

	allow, err := compilePatterns(cfg.URLAllowPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile allow patterns: %w", err)
	}
	deny, err := compilePatterns(cfg.URLDenyPatterns)
	if err != nil {
		return nil, fmt.Errorf("compile deny patterns: %w", err)
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		h.run(ctx, cfg, allow, deny, out)
	}()
	return out, nil
}

func (h *HTMLCrawl) run(ctx context.Context, cfg HTMLCrawlConfig, allow, deny []*regexp.Regexp, out chan<- Candidate) {
	seen := make(map[string]bool)
	queue := make([]htmlCrawlFrame, 0, len(cfg.StartPaths))
	for _, p := range cfg.StartPaths {
		queue = append(queue, htmlCrawlFrame{url: p, depth: 0})
	}

	pagesFetched := 0
	for len(queue) > 0 && pagesFetched < cfg.MaxPages {
		if ctx.Err() != nil {
			return
		}
		frame := queue[0]
		queue = queue[1:]
		if seen[frame.url] {
			continue
		}
		seen[frame.url] = true

		resp, err := h.fetcher.Fetch(ctx, crawler.FetchRequest{URL: frame.url, Depth: frame.depth})
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			continue
		}
		pagesFetched++

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			continue
		}
		base, err := url.Parse(frame.url)
		if err != nil {
			continue
		}

		for _, selector := range cfg.LinkSelectors {
			doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
				href, ok := s.Attr("href")
				if !ok {
					return
				}
				resolved := resolveURL(base, href)
				if resolved == "" || !matches(resolved, allow, deny) {
					return
				}
				if !send(ctx, out, Candidate{URL: resolved, DiscoveryMethod: "html_crawl", ParentURL: frame.url, Depth: frame.depth + 1}) {
					return
				}
				if frame.depth+1 < cfg.MaxDepth && !seen[resolved] {
					queue = append(queue, htmlCrawlFrame{url: resolved, depth: frame.depth + 1})
				}
			})
		}

		for _, selector := range cfg.PaginationNextSel {
			if next, ok := doc.Find(selector).First().Attr("href"); ok {
				if resolved := resolveURL(base, next); resolved != "" && !seen[resolved] {
					queue = append(queue, htmlCrawlFrame{url: resolved, depth: frame.depth})
				}
			}
		}
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matches(candidate string, allow, deny []*regexp.Regexp) bool {
	for _, re := range deny {
		if re.MatchString(candidate) {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, re := range allow {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func resolveURL(base *url.URL, href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

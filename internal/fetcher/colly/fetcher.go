// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/proxy"

	"github.com/pubrecords/acquire/internal/crawler"
)

// defaultMaxRedirects bounds how many 3xx hops Fetch will follow when the
// request leaves FetchRequest.MaxRedirects unset.
const defaultMaxRedirects = 5

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// SocksProxy, if set, is a socks5://host:port URL the transport dials
	// through instead of connecting directly.
	SocksProxy string
}

// Governor is the subset of ratelimit.Governor the fetcher needs: a blocking
// admission gate plus per-outcome reporting, so this package doesn't import
// the ratelimit package directly and stays test-friendly.
type Governor interface {
	Acquire(ctx context.Context, rawURL string) error
	ReportSuccess(ctx context.Context, rawURL string, observed time.Duration) error
	ReportThrottled(ctx context.Context, rawURL string) error
	ReportTransportError(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	governor      Governor
}

// WithGovernor attaches a rate-limit Governor the fetcher consults before
// every request and reports outcomes to afterward. Without one, the fetcher
// issues requests unthrottled.
func (f *Fetcher) WithGovernor(g Governor) *Fetcher {
	f.governor = g
	return f
}

// collectorHooks is the subset of *colly.Collector that configureCollectorHooks
// needs: callback registration plus Visit, so a redirect hop can be driven
// through the same object the hooks were registered on.
type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	Visit(url string) error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))

	// Create a base transport with connection pooling
	baseTransport := newHTTPTransport(cfg.SocksProxy)

	// Wrap with robots cache
	transport := NewRobotsCacheTransport(baseTransport)

	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. When a Governor is attached
// it blocks for the domain's current spacing before the attempt and reports
// the outcome (success, throttled, or transport error) afterward so the
// next caller's wait reflects what just happened.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.governor != nil {
		if err := f.governor.Acquire(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("rate limit acquire: %w", err)
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, robotsState := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		if f.governor != nil {
			f.governor.ReportTransportError(ctx, request.URL) //nolint:errcheck // best-effort, the original fetch error is what the caller sees
		}
		return crawler.FetchResponse{}, err
	}
	if robotsState != nil {
		robotsState.apply(&result)
	}

	if f.governor != nil {
		f.reportOutcome(ctx, request.URL, result)
	}
	return result, nil
}

func (f *Fetcher) reportOutcome(ctx context.Context, rawURL string, result crawler.FetchResponse) {
	switch {
	case result.StatusCode == http.StatusTooManyRequests || result.StatusCode == http.StatusForbidden:
		f.governor.ReportThrottled(ctx, rawURL) //nolint:errcheck // best-effort; a stuck governor store must not fail the fetch
	case result.StatusCode >= 500:
		f.governor.ReportTransportError(ctx, rawURL) //nolint:errcheck // same as above
	default:
		f.governor.ReportSuccess(ctx, rawURL, result.Duration) //nolint:errcheck // same as above
	}
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) (*colly.Collector, *robotsProbeState) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	respectRobots := f.cfg.RespectRobots
	if request.RespectRobotsProvided {
		respectRobots = request.RespectRobots
	}
	collector.IgnoreRobotsTxt = !respectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var robotsState *robotsProbeState
	baseTransport := f.transport
	if baseTransport == nil {
		baseTransport = newHTTPTransport(f.cfg.SocksProxy)
	}
	if respectRobots {
		robotsState = newRobotsProbeState()
		baseTransport = &robotsAwareTransport{base: baseTransport, state: robotsState}
	}

	jar, _ := cookiejar.New(nil)

	// CheckRedirect returning ErrUseLastResponse hands the 3xx response back
	// to OnResponse instead of letting http.Client follow it on its own, so
	// every hop passes through followRedirect's budget check and governor
	// acquisition below.
	collector.SetClient(&http.Client{
		Transport: baseTransport,
		Jar:       jar,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	})

	f.configureCollectorHooks(ctx, collector, request, start, result, fetchErr)
	return collector, robotsState
}

func (f *Fetcher) configureCollectorHooks(
	ctx context.Context,
	collector collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	maxRedirects := request.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	hops := 0

	collector.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
		if request.IfNoneMatch != "" {
			r.Headers.Set("If-None-Match", request.IfNoneMatch)
		}
		if !request.IfModifiedSince.IsZero() {
			r.Headers.Set("If-Modified-Since", request.IfModifiedSince.UTC().Format(http.TimeFormat))
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		if location := redirectTarget(r); location != "" {
			f.followRedirect(ctx, collector, r, location, &hops, maxRedirects, fetchErr)
			return
		}
		*result = crawler.FetchResponse{
			URL:         request.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
			NotModified: r.StatusCode == http.StatusNotModified,
		}
	})

	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// redirectTarget returns r's absolute redirect target when r is a 3xx
// response carrying a Location header, or "" otherwise.
func redirectTarget(r *colly.Response) string {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return ""
	}
	loc := r.Headers.Get("Location")
	if loc == "" {
		return ""
	}
	target, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return r.Request.URL.ResolveReference(target).String()
}

// followRedirect enforces the hop budget and re-consults the Governor for
// the redirect target's domain before visiting it, so a site can't use a
// redirect chain to dodge per-domain rate limiting.
func (f *Fetcher) followRedirect(ctx context.Context, collector collectorHooks, r *colly.Response, target string, hops *int, maxRedirects int, fetchErr *error) {
	*hops++
	if *hops > maxRedirects {
		*fetchErr = fmt.Errorf("exceeded %d redirect hops following %s", maxRedirects, r.Request.URL)
		return
	}
	if f.governor != nil {
		if err := f.governor.Acquire(ctx, target); err != nil {
			*fetchErr = fmt.Errorf("rate limit acquire for redirect target: %w", err)
			return
		}
	}
	if err := collector.Visit(target); err != nil {
		*fetchErr = fmt.Errorf("follow redirect to %s: %w", target, err)
	}
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// newHTTPTransport builds the base transport. When socksProxyURL is set
// (e.g. "socks5://127.0.0.1:9050") every dial is routed through it instead
// of connecting directly; a proxy URL that does not parse, or whose scheme
// proxy.FromURL does not support, falls back to direct dialing rather than
// failing construction. Reachability is not checked here: dials through an
// unreachable proxy fail.
func newHTTPTransport(socksProxyURL string) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}

	if socksProxyURL == "" {
		return transport
	}
	parsed, err := url.Parse(socksProxyURL)
	if err != nil {
		return transport
	}
	socksDialer, err := proxy.FromURL(parsed, dialer)
	if err != nil {
		return transport
	}
	transport.Proxy = nil
	transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
		return socksDialer.Dial(network, addr)
	}
	return transport
}

package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pubrecords/acquire/internal/crawler"
)

type fakeGovernor struct {
	acquireCalls  int32
	successCalls  int32
	throttleCalls int32
	transportErrs int32
}

func (g *fakeGovernor) Acquire(_ context.Context, _ string) error {
	atomic.AddInt32(&g.acquireCalls, 1)
	return nil
}

func (g *fakeGovernor) ReportSuccess(_ context.Context, _ string, _ time.Duration) error {
	atomic.AddInt32(&g.successCalls, 1)
	return nil
}

func (g *fakeGovernor) ReportThrottled(_ context.Context, _ string) error {
	atomic.AddInt32(&g.throttleCalls, 1)
	return nil
}

func (g *fakeGovernor) ReportTransportError(_ context.Context, _ string) error {
	atomic.AddInt32(&g.transportErrs, 1)
	return nil
}

func TestFetchConsultsGovernorOnSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	gov := &fakeGovernor{}
	f := New(Config{Timeout: time.Second}).WithGovernor(gov)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&gov.acquireCalls) != 1 {
		t.Fatalf("expected Acquire called once, got %d", gov.acquireCalls)
	}
	if atomic.LoadInt32(&gov.successCalls) != 1 {
		t.Fatalf("expected ReportSuccess called once, got %d", gov.successCalls)
	}
}

func TestReportOutcomeClassifiesThrottling(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{}
	f := &Fetcher{governor: gov}

	f.reportOutcome(context.Background(), "https://example.com", crawler.FetchResponse{StatusCode: 429})
	if atomic.LoadInt32(&gov.throttleCalls) != 1 {
		t.Fatalf("expected throttle reported for 429, got %d", gov.throttleCalls)
	}

	f.reportOutcome(context.Background(), "https://example.com", crawler.FetchResponse{StatusCode: 503})
	if atomic.LoadInt32(&gov.transportErrs) != 1 {
		t.Fatalf("expected transport error reported for 503, got %d", gov.transportErrs)
	}

	f.reportOutcome(context.Background(), "https://example.com", crawler.FetchResponse{StatusCode: 200})
	if atomic.LoadInt32(&gov.successCalls) != 1 {
		t.Fatalf("expected success reported for 200, got %d", gov.successCalls)
	}
}

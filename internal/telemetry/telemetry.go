// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics for
// the acquisition service.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pubrecords/acquire/internal/config"
)

var (
	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages crawled, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_probe_tls_handshake_timeout_total",
			Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
		},
	)

	crawlerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of jobs processed, labeled by status.",
		},
		[]string{"status"},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	analysisPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_pages_total",
			Help: "Total number of pages processed by the analysis pipeline, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	annotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotations_total",
			Help: "Total number of documents annotated, labeled by annotation type and outcome.",
		},
		[]string{"annotation_type", "outcome"},
	)
)

var (
	initOnce sync.Once
	tracer   trace.Tracer = otel.Tracer("github.com/pubrecords/acquire")
)

// InitTelemetry sets up tracing (Cloud Trace, when cfg.Telemetry.ProjectID is
// set). The Prometheus collectors above are registered at package init by
// promauto, not here. The returned shutdown funcs flush and stop the tracer
// provider; the Prometheus registry needs no draining, so the second hook is
// a no-op kept for symmetry with the rest of the application lifecycle.
func InitTelemetry(ctx context.Context, cfg *config.Config) (shutdownTracer, shutdownMetrics func(context.Context) error, err error) {
	var initErr error
	var tp *sdktrace.TracerProvider
	initOnce.Do(func() {
		res, resErr := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.Telemetry.ServiceName),
				semconv.ServiceVersion(cfg.Telemetry.Version),
			),
		)
		if resErr != nil {
			initErr = fmt.Errorf("build telemetry resource: %w", resErr)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if cfg.Telemetry.ProjectID != "" {
			exporter, expErr := texporter.New(texporter.WithProjectID(cfg.Telemetry.ProjectID))
			if expErr != nil {
				initErr = fmt.Errorf("build cloud trace exporter: %w", expErr)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		tp = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		tracer = tp.Tracer("github.com/pubrecords/acquire")
	})
	if initErr != nil {
		return nil, nil, initErr
	}
	noop := func(context.Context) error { return nil }
	shutdownTracer = noop
	if tp != nil {
		shutdownTracer = tp.Shutdown
	}
	return shutdownTracer, noop, nil
}

// Tracer returns the package-wide Tracer, usable before InitTelemetry runs
// (as a no-op tracer) and after (bound to the configured provider).
func Tracer() trace.Tracer {
	return tracer
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveCrawl records metrics for a crawled page.
func ObserveCrawl(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout records a TLS handshake timeout during robots.txt probing.
func ObserveProbeTLSHandshakeTimeout() {
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveJob records metrics for a job status change.
func ObserveJob(status string) {
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveAnalysis records an analysis backend attempt outcome.
func ObserveAnalysis(backend, outcome string) {
	analysisPagesTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveAnnotation records an annotation attempt outcome.
func ObserveAnnotation(annotationType, outcome string) {
	annotationsTotal.WithLabelValues(annotationType, outcome).Inc()
}

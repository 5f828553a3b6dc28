// Package metrics defines custom Prometheus metrics for minegallery.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minegallery_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minegallery_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minegallery_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Library workflow metrics.
var (
	// WorkflowsTotal counts manifest workflows by operation and outcome.
	// Operations: add_images, delete_image, delete_album, rename_album.
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minegallery_workflows_total",
			Help: "Manifest mutation workflows by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ManifestCommitsTotal counts manifest commit attempts by outcome
	// (ok, conflict, error). Conflicts are the optimistic-concurrency
	// losses that force callers to reload and retry.
	ManifestCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minegallery_manifest_commits_total",
			Help: "Manifest commit attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StoreOperationsTotal counts blob store calls by operation and outcome.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minegallery_store_operations_total",
			Help: "Blob store operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// Image generation metrics.
var (
	// GenerationsTotal counts image generation requests by outcome.
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minegallery_generations_total",
			Help: "Image generation requests by outcome",
		},
		[]string{"outcome"},
	)

	// GenerationDuration observes provider round-trip latency in seconds.
	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minegallery_generation_duration_seconds",
			Help:    "Image generation round-trip latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			WorkflowsTotal,
			ManifestCommitsTotal,
			StoreOperationsTotal,
			GenerationsTotal,
			GenerationDuration,
		)
		// Initialize the commit counter so it appears in /metrics output
		// before the first mutation.
		ManifestCommitsTotal.WithLabelValues("ok")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual album names and blob paths.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "/openapi.json", "/openapi.yaml":
		return "/openapi.json"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if !strings.HasPrefix(path, "/api/v1/") {
		return "/other"
	}
	rest := strings.TrimPrefix(path, "/api/v1/")

	switch {
	case rest == "albums" || rest == "albums/":
		return "/api/v1/albums"
	case rest == "generate":
		return "/api/v1/generate"
	case strings.HasPrefix(rest, "images/"):
		return "/api/v1/images/{path}"
	case strings.HasPrefix(rest, "albums/"):
		sub := strings.TrimPrefix(rest, "albums/")
		switch {
		case strings.Contains(sub, "/images/"):
			return "/api/v1/albums/{album}/images/{path}"
		case strings.HasSuffix(sub, "/images"):
			return "/api/v1/albums/{album}/images"
		case strings.HasSuffix(sub, "/rename"):
			return "/api/v1/albums/{album}/rename"
		default:
			return "/api/v1/albums/{album}"
		}
	}
	return "/other"
}

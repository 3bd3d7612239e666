// Package metrics holds the gateway's Prometheus collectors. They register
// with the default registry, which the server exposes on METRICS_PATH.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeyResolutions counts resolver outcomes by the scope that matched
	// ("personal", "user_org", "org_only" or "none").
	KeyResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataup_key_resolutions_total",
			Help: "API key resolutions by matched scope",
		},
		[]string{"scope"},
	)

	// KeyRoleRejections counts org-only candidates skipped because the caller's role was not allowed.
	KeyRoleRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataup_key_role_rejections_total",
			Help: "Org-only API keys skipped because the caller role is not allowed",
		},
	)

	// TempAccessLookups counts token lookups by kind and result
	// ("active", "extended", "expired", "missing", "invalid", "error").
	TempAccessLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_access_lookups_total",
			Help: "Temporary access token lookups",
		},
		[]string{"kind", "result"},
	)

	// TempAccessRetries counts cache reads that had to be retried.
	TempAccessRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "temp_access_cache_retries_total",
			Help: "Cache read retries while resolving temporary access tokens",
		},
	)

	// BatchFrames counts frames written into batch archives by outcome ("ok" or "error").
	BatchFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_access_batch_frames_total",
			Help: "Frames written to batch archives",
		},
		[]string{"outcome"},
	)

	// UpstreamRequests counts DataUp requests by resource and status code.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataup_upstream_requests_total",
			Help: "Requests sent to the DataUp API",
		},
		[]string{"resource", "code"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataup_upstream_request_duration_seconds",
			Help:    "Latency of DataUp API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dataup_circuit_breaker_state",
			Help: "State of the DataUp circuit breaker",
		},
		[]string{"name"},
	)

	PresignCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_presign_cache_total",
			Help: "Presigned URL cache lookups by result",
		},
		[]string{"result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled by the gateway",
		},
		[]string{"method", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Latency of HTTP requests handled by the gateway",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// ObserveUpstream records one DataUp call. code 0 means the request never got a response.
func ObserveUpstream(resource string, code int, elapsed time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	UpstreamRequests.WithLabelValues(resource, label).Inc()
	UpstreamDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// ObserveHTTP records one served request.
func ObserveHTTP(method string, code int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

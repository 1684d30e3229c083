// Package metrics exposes Prometheus collectors for the gallery proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_record_requests_total",
			Help: "Total number of record lookups, labeled by failure kind and response code.",
		},
		[]string{"kind", "code"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_cache_lookups_total",
			Help: "Total number of record cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	upstreamResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_upstream_responses_total",
			Help: "Total number of upstream gallery page responses, labeled by status code.",
		},
		[]string{"code"},
	)

	sessionRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_session_renewals_total",
			Help: "Total number of browser session renewals, labeled by result.",
		},
		[]string{"result"},
	)

	sessionRenewalDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gallery_session_renewal_duration_seconds",
			Help:    "Histogram of browser session renewal latencies.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	artifactJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_artifact_jobs_total",
			Help: "Total number of PDF jobs that reached a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	artifactActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gallery_artifact_active_workers",
			Help: "Number of artifact workers currently building a PDF.",
		},
	)

	imageDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gallery_image_downloads_total",
			Help: "Total number of page image download attempts, labeled by result.",
		},
		[]string{"result"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gallery_image_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a per-host download token.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host"},
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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecordRequest counts one record lookup.
func ObserveRecordRequest(kind string, code int) {
	if kind == "" {
		kind = "none"
	}
	recordRequestsTotal.WithLabelValues(kind, strconv.Itoa(code)).Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveUpstream counts an upstream gallery page response.
func ObserveUpstream(code int) {
	upstreamResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRenewal records the outcome and latency of a session renewal.
func ObserveRenewal(ok bool, duration time.Duration) {
	result := "failure"
	if ok {
		result = "success"
	}
	sessionRenewalsTotal.WithLabelValues(result).Inc()
	sessionRenewalDurationSeconds.Observe(duration.Seconds())
}

// ObserveArtifactJob increments the job counter for the given terminal status.
func ObserveArtifactJob(status string) {
	artifactJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	artifactActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	artifactActiveWorkers.Dec()
}

// ObserveImageDownload counts a page image download attempt.
func ObserveImageDownload(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	imageDownloadsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a download waited for its host's token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

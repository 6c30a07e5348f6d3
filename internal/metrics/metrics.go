// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch attempt outcomes.
const (
	FetchOK        = "ok"
	FetchRetry     = "retry"
	FetchFailed    = "failed"
	FetchNotFound  = "not_found"
	FacilitySaved  = "saved"
	FacilityParsed = "parsed"
	FacilitySkip   = "skipped"
	FacilityFailed = "failed"
)

var (
	crawlerFetchAttemptsTotal     *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFacilitiesTotal        *prometheus.CounterVec
	crawlerUpsertRowsTotal        *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRobotsFallbackTotal    prometheus.Counter
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFacilitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_facilities_total",
				Help: "Facility detail pages, labeled by outcome (parsed, skipped, saved).",
			},
			[]string{"outcome"},
		)

		crawlerUpsertRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_upsert_rows_total",
				Help: "Rows sent to the facility store, labeled by result.",
			},
			[]string{"result"},
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

		crawlerRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
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
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, outcome string, bytesFetched int) {
	if crawlerFetchAttemptsTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerFetchAttemptsTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFacility counts a detail page outcome.
func ObserveFacility(outcome string) {
	if crawlerFacilitiesTotal == nil {
		return
	}
	crawlerFacilitiesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFacilities adds n facilities with the same outcome.
func ObserveFacilities(outcome string, n int) {
	if crawlerFacilitiesTotal == nil || n <= 0 {
		return
	}
	crawlerFacilitiesTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveUpsert records the row counts of one flushed batch.
func ObserveUpsert(affected, failed int) {
	if crawlerUpsertRowsTotal == nil {
		return
	}
	crawlerUpsertRowsTotal.WithLabelValues("affected").Add(float64(affected))
	crawlerUpsertRowsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts robots.txt probes that fell back to allow-all.
func ObserveRobotsFallback() {
	if crawlerRobotsFallbackTotal == nil {
		return
	}
	crawlerRobotsFallbackTotal.Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if crawlerJobsTotal == nil {
		return
	}
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

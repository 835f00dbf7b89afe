// Package metrics exposes Prometheus collectors for the cabinet service.
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

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	crawlCyclesTotal           *prometheus.CounterVec
	crawlCycleDurationSeconds  prometheus.Histogram
	watcherRunsTotal           *prometheus.CounterVec
	archiveCacheTotal          *prometheus.CounterVec
	collectedTotal             *prometheus.CounterVec
	attachmentJobsTotal        *prometheus.CounterVec
	attachmentBytesTotal       prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	activitiesTotal            *prometheus.CounterVec
	entities                   *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_fetch_total",
				Help: "Total number of upstream fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_fetch_bytes_total",
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

		crawlCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_crawl_cycles_total",
				Help: "Total number of crawl cycles, labeled by status.",
			},
			[]string{"status"},
		)

		crawlCycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cabinet_crawl_cycle_duration_seconds",
				Help:    "Histogram of crawl cycle durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		watcherRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_watcher_runs_total",
				Help: "Total number of watcher runs, labeled by watcher and status.",
			},
			[]string{"watcher", "status"},
		)

		archiveCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_archive_cache_total",
				Help: "Archive cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		collectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_collected_total",
				Help: "Obsolete entities removed by the collector, labeled by kind.",
			},
			[]string{"kind"},
		)

		attachmentJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_attachment_jobs_total",
				Help: "Attachment jobs processed, labeled by job and status.",
			},
			[]string{"job", "status"},
		)

		attachmentBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cabinet_attachment_bytes_total",
				Help: "Total bytes of attachment files stored.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cabinet_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cabinet_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		activitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cabinet_activities_total",
				Help: "Finished activities, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		entities = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cabinet_entities",
				Help: "Stored entity counts from the latest statistics snapshot.",
			},
			[]string{"kind"},
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

// StatusClass buckets an HTTP status code into 2xx/3xx/4xx/5xx or "error".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch increments the upstream fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCycle records a finished crawl cycle.
func ObserveCycle(status string, duration time.Duration) {
	Init()
	crawlCyclesTotal.WithLabelValues(status).Inc()
	crawlCycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveWatcher records one watcher run within a cycle.
func ObserveWatcher(watcher, status string) {
	Init()
	watcherRunsTotal.WithLabelValues(watcher, status).Inc()
}

// ObserveArchiveCache records an archive cache lookup result (hit, miss, failure).
func ObserveArchiveCache(result string) {
	Init()
	archiveCacheTotal.WithLabelValues(result).Inc()
}

// ObserveCollected records entities removed by the collector.
func ObserveCollected(kind string, n int) {
	Init()
	if n > 0 {
		collectedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveAttachmentJob records a processed attachment job.
func ObserveAttachmentJob(job, status string) {
	Init()
	attachmentJobsTotal.WithLabelValues(job, status).Inc()
}

// ObserveAttachmentBytes records stored attachment bytes.
func ObserveAttachmentBytes(n int64) {
	Init()
	if n > 0 {
		attachmentBytesTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveActivity records a finished activity.
func ObserveActivity(activityType string, success bool) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	activitiesTotal.WithLabelValues(activityType, status).Inc()
}

// SetEntityCounts publishes the latest entity totals.
func SetEntityCounts(threads, posts, attachments, totalSize int64) {
	Init()
	entities.WithLabelValues("threads").Set(float64(threads))
	entities.WithLabelValues("posts").Set(float64(posts))
	entities.WithLabelValues("attachments").Set(float64(attachments))
	entities.WithLabelValues("attachment_bytes").Set(float64(totalSize))
}

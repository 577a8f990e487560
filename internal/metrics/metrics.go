// Package metrics exposes Prometheus collectors for crawl runs.
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
	pagesTotal             *prometheus.CounterVec
	retriesTotal           *prometheus.CounterVec
	proxyValid             prometheus.Gauge
	proxyEvictionsTotal    prometheus.Counter
	proxyTestsTotal        *prometheus.CounterVec
	downloadsTotal         *prometheus.CounterVec
	robotsDecisionsTotal   *prometheus.CounterVec
	dispositionWritesTotal *prometheus.CounterVec
	heapBytes              prometheus.Gauge
	politenessWait         *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_pages_total",
				Help: "Pages processed, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)
		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_retries_total",
				Help: "Retried operations, labeled by how the retry loop ended.",
			},
			[]string{"outcome"},
		)
		proxyValid = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "argus_proxy_valid",
			Help: "Number of proxies currently in the valid set.",
		})
		proxyEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_proxy_evictions_total",
			Help: "Proxies moved to the invalid set after repeated failures.",
		})
		proxyTestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_proxy_tests_total",
				Help: "Proxy health checks, labeled by result.",
			},
			[]string{"result"},
		)
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_downloads_total",
				Help: "Resource downloads, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)
		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_robots_decisions_total",
				Help: "robots.txt evaluations, labeled by decision.",
			},
			[]string{"decision"},
		)
		dispositionWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "argus_disposition_writes_total",
				Help: "Persisted page formats, labeled by format and result.",
			},
			[]string{"format", "result"},
		)
		heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "argus_process_heap_bytes",
			Help: "Heap bytes in use at the last monitor tick.",
		})
		politenessWait = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "argus_politeness_wait_seconds",
				Help:    "Time spent waiting on the per-host politeness delay.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
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
		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown" if the URL is invalid.
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

// ObservePage counts one processed page.
func ObservePage(site, status string) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRetry counts the end of a retry loop that needed more than one attempt
// or stopped on a permanent error.
func ObserveRetry(outcome string) {
	Init()
	retriesTotal.WithLabelValues(outcome).Inc()
}

// SetProxyValid publishes the size of the valid proxy set.
func SetProxyValid(n int) {
	Init()
	proxyValid.Set(float64(n))
}

// ObserveProxyEviction counts one eviction.
func ObserveProxyEviction() {
	Init()
	proxyEvictionsTotal.Inc()
}

// ObserveProxyTest counts one health check.
func ObserveProxyTest(valid bool) {
	Init()
	proxyTestsTotal.WithLabelValues(result(valid)).Inc()
}

// ObserveDownload counts one download attempt outcome.
func ObserveDownload(kind, outcome string) {
	Init()
	downloadsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRobots counts one robots decision.
func ObserveRobots(allowed bool) {
	Init()
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	robotsDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveDispositionWrite counts one format write.
func ObserveDispositionWrite(format string, ok bool) {
	Init()
	dispositionWritesTotal.WithLabelValues(format, result(ok)).Inc()
}

// SetHeapBytes publishes the current heap size.
func SetHeapBytes(n uint64) {
	Init()
	heapBytes.Set(float64(n))
}

// ObservePolitenessWait records how long a page waited for its host's turn.
func ObservePolitenessWait(site string, d time.Duration) {
	Init()
	politenessWait.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObserveHTTPRequest records one request served by the status server.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

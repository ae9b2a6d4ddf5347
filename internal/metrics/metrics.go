// Package metrics holds the Prometheus collectors for downloads, content
// fetches and cache usage. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coursecache"

// Fetch outcomes.
const (
	FetchNetwork     = "network"
	FetchRevalidated = "revalidated"
	FetchCache       = "cache"
	FetchUnavailable = "unavailable"
)

type Metrics struct {
	reg *prometheus.Registry

	downloadsStarted  prometheus.Counter
	downloadsFinished *prometheus.CounterVec // status
	downloadErrors    *prometheus.CounterVec // kind
	downloadBytes     prometheus.Counter
	activeDownloads   prometheus.Gauge
	queuedDownloads   prometheus.Gauge
	fetches           *prometheus.CounterVec // outcome
	fetchSeconds      prometheus.Histogram
	cacheBytes        *prometheus.GaugeVec // kind
	cacheEntries      *prometheus.GaugeVec // kind
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		downloadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "downloads_started_total",
			Help: "Download attempts that began transferring.",
		}),
		downloadsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "downloads_finished_total",
			Help: "Download attempts by final status.",
		}, []string{"status"}),
		downloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "download_errors_total",
			Help: "Failed downloads by error kind.",
		}, []string{"kind"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "download_bytes_total",
			Help: "Video bytes written to the cache.",
		}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "downloads_active",
			Help: "Transfers currently running.",
		}),
		queuedDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "downloads_queued",
			Help: "Transfers waiting for a slot.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "content_fetches_total",
			Help: "Course content requests by where the answer came from.",
		}, []string{"outcome"}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "content_fetch_seconds",
			Help:    "Time to answer a course content request.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_bytes",
			Help: "Bytes of committed artifacts by kind.",
		}, []string{"kind"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries",
			Help: "Committed artifacts by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.downloadsStarted, m.downloadsFinished, m.downloadErrors, m.downloadBytes,
		m.activeDownloads, m.queuedDownloads,
		m.fetches, m.fetchSeconds,
		m.cacheBytes, m.cacheEntries,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.downloadsStarted.Inc()
}

// DownloadFinished records a terminal or paused attempt; kind is the error kind for failures.
func (m *Metrics) DownloadFinished(status, kind string) {
	if m == nil {
		return
	}
	m.downloadsFinished.WithLabelValues(status).Inc()
	if kind != "" {
		m.downloadErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

// SetQueue reports how many transfers are running and waiting.
func (m *Metrics) SetQueue(active, queued int) {
	if m == nil {
		return
	}
	m.activeDownloads.Set(float64(active))
	m.queuedDownloads.Set(float64(queued))
}

// ObserveFetch records one FetchCourseContent call.
func (m *Metrics) ObserveFetch(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchSeconds.Observe(seconds)
}

// SetCacheUsage reports committed artifacts of kind.
func (m *Metrics) SetCacheUsage(kind string, entries int, bytes int64) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(kind).Set(float64(entries))
	m.cacheBytes.WithLabelValues(kind).Set(float64(bytes))
}

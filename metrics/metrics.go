// Package metrics bundles the Prometheus collectors of the crawler and
// the fetch engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PagesTotal      *prometheus.CounterVec
	LinksTotal      prometheus.Counter
	RetriesTotal    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	DownloadsTotal  *prometheus.CounterVec
	BytesTotal      prometheus.Counter
	InFlight        prometheus.Gauge
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_requests_total",
			Help: "Total HTTP requests issued, by phase (page or file).",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_request_duration_seconds",
			Help:    "HTTP request latency, by phase.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Listing pages processed, by result.",
		},
		[]string{"result"},
	)
	links := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_links_extracted_total",
			Help: "Total number of file links extracted from listing pages.",
		},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of retry attempts scheduled, by phase.",
		},
		[]string{"phase"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Total number of request errors by phase and type.",
		},
		[]string{"phase", "error_type"},
	)
	downloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "File download outcomes by status.",
		},
		[]string{"status"},
	)
	bytesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_downloaded_bytes_total",
			Help: "Bytes written to disk by the downloader.",
		},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_downloads_in_flight",
			Help: "Downloads currently being transferred.",
		},
	)

	registry.MustRegister(requests, requestDuration, pages, links, retries, errorsTotal, downloads, bytesTotal, inFlight)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		PagesTotal:      pages,
		LinksTotal:      links,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		DownloadsTotal:  downloads,
		BytesTotal:      bytesTotal,
		InFlight:        inFlight,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncPage counts a processed listing page.
func (m *Metrics) IncPage(result string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(result).Inc()
}

// AddLinks adds n extracted links.
func (m *Metrics) AddLinks(n int) {
	if m == nil {
		return
	}
	m.LinksTotal.Add(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries(phase string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(phase).Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(phase, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(phase, errorType).Inc()
}

// IncDownload counts a download outcome.
func (m *Metrics) IncDownload(status string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(status).Inc()
}

// AddBytes adds n transferred bytes.
func (m *Metrics) AddBytes(n int64) {
	if m == nil {
		return
	}
	m.BytesTotal.Add(float64(n))
}

// TrackInFlight increments the in-flight gauge and returns its release.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

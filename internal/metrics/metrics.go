// Package metrics exposes Prometheus instrumentation for the download queue
// and the cache manager.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "capsulecache"

// Metrics holds every collector the service exports.
type Metrics struct {
	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadRetries  prometheus.Counter
	downloadDuration prometheus.Histogram
	activeDownloads  prometheus.Gauge
	queueDepth       prometheus.Gauge
	evictions        *prometheus.CounterVec
	bytesFreed       *prometheus.CounterVec
	evictionErrors   *prometheus.CounterVec
	cacheSize        prometheus.Gauge
	cacheMaxSize     prometheus.Gauge
	cacheFiles       prometheus.Gauge
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		downloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Finished download attempts by outcome",
			},
			[]string{"result"}, // completed, failed, cancelled, paused, requeued
		),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written to the cache by downloads",
		}),
		downloadRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Retries spent on download tasks",
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Wall time of successful downloads",
			Buckets: []float64{
				1,    // previews
				5,    // 5s
				15,   // 15s
				60,   // 1m
				300,  // 5m
				900,  // 15m - large stems
				3600, // 1h
			},
		}),
		activeDownloads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_downloads",
			Help:      "Downloads currently owned by a worker",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the in-memory queue",
		}),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Files evicted from the cache by pass type",
			},
			[]string{"mode"}, // lru, smart
		),
		bytesFreed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_bytes_freed_total",
				Help:      "Bytes freed by eviction passes",
			},
			[]string{"mode"},
		),
		evictionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_eviction_errors_total",
				Help:      "Per-entry failures during eviction passes",
			},
			[]string{"mode"},
		),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Sum of resident cache entry sizes",
		}),
		cacheMaxSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_max_size_bytes",
			Help:      "Configured cache budget",
		}),
		cacheFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_files",
			Help:      "Number of resident cache entries",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) DownloadFinished(result string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
	if result == "completed" {
		m.downloadDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) DownloadRetried() {
	if m == nil {
		return
	}
	m.downloadRetries.Inc()
}

func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.activeDownloads.Inc()
}

func (m *Metrics) DownloadStopped() {
	if m == nil {
		return
	}
	m.activeDownloads.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveEviction records the outcome of one eviction pass.
func (m *Metrics) ObserveEviction(mode string, files int, freed int64, errs int) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(mode).Add(float64(files))
	m.bytesFreed.WithLabelValues(mode).Add(float64(freed))
	m.evictionErrors.WithLabelValues(mode).Add(float64(errs))
}

func (m *Metrics) SetCacheUsage(files int, size, maxSize int64) {
	if m == nil {
		return
	}
	m.cacheFiles.Set(float64(files))
	m.cacheSize.Set(float64(size))
	m.cacheMaxSize.Set(float64(maxSize))
}

// Package metrics exposes download manager activity as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stemfetch/internal/download"
)

const namespace = "stemfetch"

// StatsSource reports queue occupancy. *download.Manager satisfies it.
type StatsSource interface {
	Stats() download.Stats
}

// Collector records job lifecycle events. It implements download.Hooks.
type Collector struct {
	jobsTotal       *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	durationSeconds *prometheus.HistogramVec
	fileSizeBytes   prometheus.Histogram

	reg prometheus.Registerer

	// last reported byte count per token, to turn cumulative progress into deltas
	mu   sync.Mutex
	seen map[string]int64
}

var _ download.Hooks = (*Collector)(nil)

// New creates a Collector and registers its metrics with reg.
// It panics if registration fails (e.g. duplicate names).
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg:  reg,
		seen: make(map[string]int64),
	}

	c.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs by lifecycle outcome (started, completed, failed, retried).",
		},
		[]string{"status"},
	)

	c.bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_downloaded_total",
		Help:      "Bytes written to disk across all jobs.",
	})

	c.durationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to its terminal event.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"status"},
	)

	// 1KB .. 1GB
	c.fileSizeBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "file_size_bytes",
		Help:      "Size of completed downloads.",
		Buckets:   prometheus.ExponentialBuckets(1024, 10, 7),
	})

	reg.MustRegister(c.jobsTotal, c.bytesDownloaded, c.durationSeconds, c.fileSizeBytes)
	return c
}

// Bind attaches c to mgr and registers queue gauges evaluated on every scrape.
// The returned func detaches the hooks.
func (c *Collector) Bind(mgr interface {
	StatsSource
	Attach(download.Hooks) func()
}) func() {
	c.Watch(mgr)
	return mgr.Attach(c)
}

// Watch registers pending/active/retrying gauges backed by src.
func (c *Collector) Watch(src StatsSource) {
	gauge := func(name, help string, pick func(download.Stats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(src.Stats())) })
	}
	c.reg.MustRegister(
		gauge("jobs_pending", "Jobs waiting for a concurrency slot.", func(s download.Stats) int { return s.Pending }),
		gauge("jobs_active", "Jobs currently transferring.", func(s download.Stats) int { return s.Active }),
		gauge("jobs_retrying", "Failed jobs waiting out their retry backoff.", func(s download.Stats) int { return s.Retrying }),
	)
}

func (c *Collector) OnJobStart(s download.Snapshot) {
	c.jobsTotal.WithLabelValues("started").Inc()
}

func (c *Collector) OnJobProgress(s download.Snapshot) {
	c.addBytes(s.Token, s.DownloadedBytes, false)
}

func (c *Collector) OnJobComplete(s download.Snapshot) {
	c.addBytes(s.Token, s.DownloadedBytes, true)
	c.jobsTotal.WithLabelValues(string(download.StatusCompleted)).Inc()
	c.durationSeconds.WithLabelValues(string(download.StatusCompleted)).Observe(elapsed(s))
	c.fileSizeBytes.Observe(float64(s.DownloadedBytes))
}

func (c *Collector) OnJobError(s download.Snapshot) {
	c.addBytes(s.Token, s.DownloadedBytes, true)
	if s.WillRetry {
		c.jobsTotal.WithLabelValues("retried").Inc()
		return
	}
	c.jobsTotal.WithLabelValues(string(download.StatusFailed)).Inc()
	c.durationSeconds.WithLabelValues(string(download.StatusFailed)).Observe(elapsed(s))
}

func (c *Collector) addBytes(token string, downloaded int64, final bool) {
	c.mu.Lock()
	delta := downloaded - c.seen[token]
	if final {
		delete(c.seen, token)
	} else {
		c.seen[token] = downloaded
	}
	c.mu.Unlock()

	if delta > 0 {
		c.bytesDownloaded.Add(float64(delta))
	}
}

func elapsed(s download.Snapshot) float64 {
	d := s.LastUpdated.Sub(s.CreatedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

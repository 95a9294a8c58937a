// Package metrics exposes worker observability data through a Prometheus
// registry: job outcomes and latency, dependency install durations, cache
// sync/hydrate activity, and runner restarts. All record functions are
// safe to call before Init; they no-op until the registry exists.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// workerMetrics wraps the prometheus collectors for the worker.
type workerMetrics struct {
	registry *prometheus.Registry

	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	installDuration *prometheus.HistogramVec
	installsTotal   *prometheus.CounterVec

	cacheSyncsTotal    prometheus.Counter
	cacheSyncFiles     prometheus.Counter
	cacheHydratesTotal prometheus.Counter

	runnerRestartsTotal prometheus.Counter
	forwardsTotal       *prometheus.CounterVec
}

// Default histogram buckets for job duration (in milliseconds).
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var (
	mu sync.RWMutex
	pm *workerMetrics
)

// Init initializes the metrics subsystem. Safe to call once per process.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &workerMetrics{
		registry: registry,

		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs, by execution mode and status",
			},
			[]string{"mode", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_ms",
				Help:      "Job duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"mode"},
		),
		installDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "install_duration_ms",
				Help:      "Dependency install duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"kind"},
		),
		installsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Dependency install attempts, by kind and status",
			},
			[]string{"kind", "status"},
		),
		cacheSyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_syncs_total",
			Help:      "Cache tarball publishes",
		}),
		cacheSyncFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sync_files_total",
			Help:      "Files added to the cache tarball",
		}),
		cacheHydratesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hydrates_total",
			Help:      "Cache hydrations from the volume tarball",
		}),
		runnerRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_restarts_total",
			Help:      "Runner process restarts",
		}),
		forwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Cross-endpoint forwards, by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.installDuration,
		m.installsTotal,
		m.cacheSyncsTotal,
		m.cacheSyncFiles,
		m.cacheHydratesTotal,
		m.runnerRestartsTotal,
		m.forwardsTotal,
	)

	mu.Lock()
	pm = m
	mu.Unlock()
}

func get() *workerMetrics {
	mu.RLock()
	defer mu.RUnlock()
	return pm
}

// Handler returns the /metrics HTTP handler, or a 404 handler before Init.
func Handler() http.Handler {
	m := get()
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJob records a completed job.
func RecordJob(mode string, success bool, duration time.Duration) {
	m := get()
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.jobsTotal.WithLabelValues(mode, status).Inc()
	m.jobDuration.WithLabelValues(mode).Observe(float64(duration.Milliseconds()))
}

// RecordInstall records a dependency install attempt.
func RecordInstall(kind string, success bool, duration time.Duration) {
	m := get()
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.installsTotal.WithLabelValues(kind, status).Inc()
	m.installDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

// RecordCacheSync records a published cache tarball.
func RecordCacheSync(files int) {
	m := get()
	if m == nil {
		return
	}
	m.cacheSyncsTotal.Inc()
	m.cacheSyncFiles.Add(float64(files))
}

// RecordCacheHydrate records a hydration from the volume tarball.
func RecordCacheHydrate() {
	if m := get(); m != nil {
		m.cacheHydratesTotal.Inc()
	}
}

// RecordRunnerRestart records a runner process restart.
func RecordRunnerRestart() {
	if m := get(); m != nil {
		m.runnerRestartsTotal.Inc()
	}
}

// RecordForward records a cross-endpoint forward outcome.
func RecordForward(success bool) {
	m := get()
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.forwardsTotal.WithLabelValues(status).Inc()
}

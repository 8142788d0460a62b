// Package metrics exports the engine's runtime observability surface as
// Prometheus gauges/counters. Grounded on 88lin-divinesense's
// ai/metrics/prometheus.go exporter shape (a registry-backed struct with
// one field per series, constructed once and updated from the owning
// component), scaled down to the handful of series spec §3/§4.1/§4.6
// call out: DependencyTracker cache hit rate, dispatcher in-flight count,
// live-instance count, and cleanup sweep outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the engine's Prometheus series and the registry they are
// bound to.
type Exporter struct {
	registry *prometheus.Registry

	dagCacheHits   prometheus.Gauge
	dagCacheMisses prometheus.Gauge

	dispatcherInFlight prometheus.Gauge
	dispatcherSubmits  prometheus.Counter
	dispatcherFailures prometheus.Counter

	liveInstances prometheus.Gauge

	cleanupSweeps     prometheus.Counter
	cleanupContexts   prometheus.Counter
	cleanupTempFiles  prometheus.Counter
	cleanupErrors     prometheus.Counter
}

// New creates an Exporter and registers every series on a fresh registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		dagCacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflowcore", Subsystem: "dag", Name: "cache_hits_total",
			Help: "DependencyTracker graph cache hits (cumulative).",
		}),
		dagCacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflowcore", Subsystem: "dag", Name: "cache_misses_total",
			Help: "DependencyTracker graph cache misses (cumulative).",
		}),
		dispatcherInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflowcore", Subsystem: "dispatcher", Name: "in_flight_tasks",
			Help: "AGENT tasks currently IN_PROGRESS in the dispatcher worker pool.",
		}),
		dispatcherSubmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "dispatcher", Name: "submitted_total",
			Help: "Total AGENT tasks submitted to the dispatcher.",
		}),
		dispatcherFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "dispatcher", Name: "failed_total",
			Help: "Total AGENT tasks that reported a terminal failure.",
		}),
		liveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflowcore", Subsystem: "instman", Name: "live_instances",
			Help: "Workflow instances currently registered in the InstanceManager.",
		}),
		cleanupSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "cleanup", Name: "sweeps_total",
			Help: "ResourceCleanupManager sweep cycles run.",
		}),
		cleanupContexts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "cleanup", Name: "contexts_removed_total",
			Help: "Terminal instance contexts removed by the cleanup sweep.",
		}),
		cleanupTempFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "cleanup", Name: "temp_files_removed_total",
			Help: "Tracked temp files deleted by the cleanup sweep.",
		}),
		cleanupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workflowcore", Subsystem: "cleanup", Name: "cleaner_errors_total",
			Help: "Registered cleaner invocations that returned an error.",
		}),
	}

	registry.MustRegister(
		e.dagCacheHits, e.dagCacheMisses,
		e.dispatcherInFlight, e.dispatcherSubmits, e.dispatcherFailures,
		e.liveInstances,
		e.cleanupSweeps, e.cleanupContexts, e.cleanupTempFiles, e.cleanupErrors,
	)
	return e
}

// Handler returns the HTTP handler serving this exporter's registry in
// Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SetDAGCacheStats mirrors dag.Tracker.CacheStats' cumulative totals onto
// the exported gauges; call it from the monitor loop.
func (e *Exporter) SetDAGCacheStats(hits, misses int64) {
	e.dagCacheHits.Set(float64(hits))
	e.dagCacheMisses.Set(float64(misses))
}

// SetDispatcherInFlight sets the current in-flight AGENT task gauge.
func (e *Exporter) SetDispatcherInFlight(n int64) { e.dispatcherInFlight.Set(float64(n)) }

// IncDispatcherSubmitted increments the submitted-task counter.
func (e *Exporter) IncDispatcherSubmitted() { e.dispatcherSubmits.Inc() }

// IncDispatcherFailed increments the failed-task counter.
func (e *Exporter) IncDispatcherFailed() { e.dispatcherFailures.Inc() }

// SetLiveInstances sets the current live-instance gauge.
func (e *Exporter) SetLiveInstances(n int) { e.liveInstances.Set(float64(n)) }

// ObserveCleanupSweep records the outcome of one cleanup sweep.
func (e *Exporter) ObserveCleanupSweep(contextsRemoved, tempFilesRemoved, cleanerErrors int64) {
	e.cleanupSweeps.Inc()
	e.cleanupContexts.Add(float64(contextsRemoved))
	e.cleanupTempFiles.Add(float64(tempFilesRemoved))
	e.cleanupErrors.Add(float64(cleanerErrors))
}

// Package metrics records sync and workflow outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncObservation is one finished entity sync.
type SyncObservation struct {
	Entity   string
	Type     string
	Records  int
	Duration time.Duration
	Err      error
}

// Recorder receives outcomes from the orchestrator and the engine.
type Recorder interface {
	ObserveSync(obs SyncObservation)
	ObserveRun(status string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveSync(SyncObservation)      {}
func (Nop) ObserveRun(string, time.Duration) {}

// RecorderFunc adapts a function to Recorder for sync observations. Run
// observations are dropped.
type RecorderFunc func(obs SyncObservation)

func (f RecorderFunc) ObserveSync(obs SyncObservation)  { f(obs) }
func (f RecorderFunc) ObserveRun(string, time.Duration) {}

// Prometheus exports observations as Prometheus collectors.
type Prometheus struct {
	registry *prometheus.Registry

	syncOps      *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	lastSync     *prometheus.GaugeVec
	syncErrors   *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

// NewPrometheus registers the collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		syncOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_operations_total",
			Help: "Entity sync operations by outcome.",
		}, []string{"entity", "status", "type"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_sync_duration_seconds",
			Help:    "Duration of entity syncs.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"entity", "type"}),
		lastSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful sync.",
		}, []string{"entity", "type"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_errors_total",
			Help: "Entity syncs that failed after retries.",
		}, []string{"entity", "type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_workflow_runs_total",
			Help: "Automation runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldsync_workflow_run_duration_seconds",
			Help:    "Wall time from run creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}),
	}
	p.registry.MustRegister(
		p.syncOps, p.syncDuration, p.lastSync, p.syncErrors, p.runs, p.runDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) ObserveSync(obs SyncObservation) {
	status := "success"
	if obs.Err != nil {
		status = "error"
		p.syncErrors.WithLabelValues(obs.Entity, obs.Type).Inc()
	} else {
		p.lastSync.WithLabelValues(obs.Entity, obs.Type).SetToCurrentTime()
	}
	p.syncOps.WithLabelValues(obs.Entity, status, obs.Type).Inc()
	p.syncDuration.WithLabelValues(obs.Entity, obs.Type).Observe(obs.Duration.Seconds())
}

func (p *Prometheus) ObserveRun(status string, d time.Duration) {
	p.runs.WithLabelValues(status).Inc()
	p.runDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	// Lifecycle metrics
	spawns       *prometheus.CounterVec
	spawnFailure *prometheus.CounterVec
	exits        *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	forceKills   *prometheus.CounterVec

	// State metrics
	liveWorkers prometheus.Gauge

	// Performance metrics
	shutdownDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "procvisor"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Total number of worker processes started",
		},
		[]string{"worker"},
	)

	pmc.spawnFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_failures_total",
			Help:      "Total number of worker processes that failed to start",
		},
		[]string{"worker"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of unexpected worker exits",
		},
		[]string{"worker", "reason"},
	)

	pmc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of worker restarts",
		},
		[]string{"worker"},
	)

	pmc.forceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_force_terminations_total",
			Help:      "Total number of workers killed after the stop grace period",
		},
		[]string{"worker"},
	)

	pmc.liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_workers",
			Help:      "Current number of live worker processes",
		},
	)

	pmc.shutdownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_duration_seconds",
			Help:      "Duration of supervisor shutdown",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Register all metrics
	pmc.registry.MustRegister(
		pmc.spawns,
		pmc.spawnFailure,
		pmc.exits,
		pmc.restarts,
		pmc.forceKills,
		pmc.liveWorkers,
		pmc.shutdownDuration,
	)

	return pmc
}

// WorkerSpawned records a successful process start
func (pmc *PrometheusMetricsCollector) WorkerSpawned(id WorkerID) {
	pmc.spawns.WithLabelValues(string(id)).Inc()
}

// WorkerSpawnFailed records a failed process start
func (pmc *PrometheusMetricsCollector) WorkerSpawnFailed(id WorkerID) {
	pmc.spawnFailure.WithLabelValues(string(id)).Inc()
}

// WorkerExited records an unexpected exit, labelled clean, signal or error
func (pmc *PrometheusMetricsCollector) WorkerExited(id WorkerID, status ExitStatus) {
	pmc.exits.WithLabelValues(string(id), exitReason(status)).Inc()
}

// WorkerRestarted records a replacement process
func (pmc *PrometheusMetricsCollector) WorkerRestarted(id WorkerID) {
	pmc.restarts.WithLabelValues(string(id)).Inc()
}

// WorkerForceTerminated records a kill after the grace period
func (pmc *PrometheusMetricsCollector) WorkerForceTerminated(id WorkerID) {
	pmc.forceKills.WithLabelValues(string(id)).Inc()
}

// LiveWorkers records the number of live worker processes
func (pmc *PrometheusMetricsCollector) LiveWorkers(count int) {
	pmc.liveWorkers.Set(float64(count))
}

// ShutdownDuration records how long Stop took
func (pmc *PrometheusMetricsCollector) ShutdownDuration(duration time.Duration) {
	pmc.shutdownDuration.Observe(duration.Seconds())
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func exitReason(status ExitStatus) string {
	switch {
	case status.Err != nil:
		return "error"
	case status.Signal != 0:
		return "signal"
	case status.Code == 0:
		return "clean"
	default:
		return "code"
	}
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

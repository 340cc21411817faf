package procmgr

import (
	"time"
)

// MetricsCollector defines the interface for collecting supervisor metrics
type MetricsCollector interface {
	// WorkerSpawned records a successful process start
	WorkerSpawned(id WorkerID)

	// WorkerSpawnFailed records a failed process start
	WorkerSpawnFailed(id WorkerID)

	// WorkerExited records a worker exit observed while running
	WorkerExited(id WorkerID, status ExitStatus)

	// WorkerRestarted records a replacement process
	WorkerRestarted(id WorkerID)

	// WorkerForceTerminated records a kill after the grace period
	WorkerForceTerminated(id WorkerID)

	// LiveWorkers records the number of live worker processes
	LiveWorkers(count int)

	// ShutdownDuration records how long Stop took
	ShutdownDuration(duration time.Duration)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) WorkerSpawned(id WorkerID)                   {}
func (n *noopMetricsCollector) WorkerSpawnFailed(id WorkerID)               {}
func (n *noopMetricsCollector) WorkerExited(id WorkerID, status ExitStatus) {}
func (n *noopMetricsCollector) WorkerRestarted(id WorkerID)                 {}
func (n *noopMetricsCollector) WorkerForceTerminated(id WorkerID)           {}
func (n *noopMetricsCollector) LiveWorkers(count int)                       {}
func (n *noopMetricsCollector) ShutdownDuration(duration time.Duration)     {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

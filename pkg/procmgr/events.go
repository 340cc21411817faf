package procmgr

import "time"

// EventType names a worker lifecycle transition.
type EventType string

const (
	// EventSpawned - a process was started for a worker
	EventSpawned EventType = "spawned"
	// EventSpawnFailed - the OS refused to start a worker process
	EventSpawnFailed EventType = "spawn_failed"
	// EventCrashed - a worker exited abnormally while the supervisor was running
	EventCrashed EventType = "crashed"
	// EventExited - a worker exited cleanly while the supervisor was running
	EventExited EventType = "exited"
	// EventRestarted - a replacement process was started
	EventRestarted EventType = "restarted"
	// EventAbandoned - a worker hit its restart limit and is no longer supervised
	EventAbandoned EventType = "abandoned"
	// EventQuitSent - QUIT was written to the worker channel during shutdown
	EventQuitSent EventType = "quit_sent"
	// EventStopped - a worker exited within the grace period during shutdown
	EventStopped EventType = "stopped"
	// EventForceTerminated - a worker outlived the grace period and was killed
	EventForceTerminated EventType = "force_terminated"
)

// Event describes one lifecycle transition.
type Event struct {
	Type    EventType
	Worker  WorkerID
	PID     int
	SpawnID string
	Time    time.Time

	// Exit is set for crashed, exited, stopped and force_terminated
	Exit *ExitStatus

	// Err is set for spawn_failed and abandoned
	Err error
}

// EventPublisher receives lifecycle events.
//
// Publish may be called with the supervisor lock held and must not block or
// call back into the Supervisor.
type EventPublisher interface {
	Publish(event Event)
}

// EventPublisherFunc adapts a function to EventPublisher
type EventPublisherFunc func(event Event)

// Publish calls f(event)
func (f EventPublisherFunc) Publish(event Event) {
	f(event)
}

// noopEventPublisher is used when no publisher is configured
type noopEventPublisher struct{}

func (noopEventPublisher) Publish(Event) {}

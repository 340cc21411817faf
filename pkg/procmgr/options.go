package procmgr

import (
	"log/slog"
	"os"
	"time"
)

// Option configures the Supervisor
type Option func(*Supervisor)

// WithCheckInterval sets how often the health monitor looks for dead workers
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.checkInterval = d
	}
}

// WithStopGracePeriod sets how long Stop waits after QUIT before killing
func WithStopGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopGrace = d
	}
}

// WithRestartPolicy replaces the restart policy
func WithRestartPolicy(p RestartPolicy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithRestartOnCleanExit controls whether workers exiting with status zero are restarted
func WithRestartOnCleanExit(restart bool) Option {
	return func(s *Supervisor) {
		s.policy.OnCleanExit = restart
	}
}

// WithMaxRestarts caps restarts per worker. Zero means unlimited.
func WithMaxRestarts(n int) Option {
	return func(s *Supervisor) {
		s.policy.MaxRestarts = n
	}
}

// WithSignals sets the OS signals that trigger shutdown while Start is running
func WithSignals(signals ...os.Signal) Option {
	return func(s *Supervisor) {
		s.signals = append([]os.Signal(nil), signals...)
	}
}

// WithSpawner sets the Spawner implementation
func WithSpawner(spawner Spawner) Option {
	return func(s *Supervisor) {
		s.spawner = spawner
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Supervisor) {
		s.metrics = mc
	}
}

// WithEventPublisher sets the lifecycle event publisher
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Supervisor) {
		s.events = p
	}
}

// WithMessageHandler installs a handler for messages workers send upstream.
// Without one, inbound messages are logged at debug level and discarded.
func WithMessageHandler(h MessageHandler) Option {
	return func(s *Supervisor) {
		s.onMessage = h
	}
}

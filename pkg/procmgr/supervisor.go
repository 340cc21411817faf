package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jrepp/procvisor/pkg/channel"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCheckInterval is how often the health monitor runs
	DefaultCheckInterval = 2 * time.Second

	// DefaultStopGracePeriod is how long Stop waits for workers after QUIT
	DefaultStopGracePeriod = 10 * time.Second
)

// MessageHandler receives messages a worker sends to the supervisor. It runs
// on the worker's reader goroutine and must not call Stop.
type MessageHandler func(id WorkerID, msg string)

// Supervisor launches a fixed set of workers as OS processes, restarts the
// ones that exit while it is running and shuts the fleet down on Stop.
type Supervisor struct {
	// immutable after New; iterating it is the key snapshot for the map
	workers []Descriptor

	checkInterval time.Duration
	stopGrace     time.Duration
	policy        RestartPolicy
	signals       []os.Signal
	spawner       Spawner
	logger        *slog.Logger
	metrics       MetricsCollector
	events        EventPublisher
	onMessage     MessageHandler

	mu       sync.Mutex
	procs    map[WorkerID]*ProcessRecord
	pending  map[WorkerID]bool
	dropped  map[WorkerID]bool
	restarts map[WorkerID]int
	lastExit map[WorkerID]ExitStatus
	running  bool
	started  bool
	spawnCtx context.Context

	stopCh      chan struct{}
	stopOnce    sync.Once
	monitorDone chan struct{}
	monitorErr  error
	readers     sync.WaitGroup
}

// New creates a supervisor for the given workers. Invalid settings are
// rejected here with INVALID_CONFIGURATION.
func New(descriptors []Descriptor, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		checkInterval: DefaultCheckInterval,
		stopGrace:     DefaultStopGracePeriod,
		policy:        DefaultRestartPolicy(),
		signals:       append([]os.Signal(nil), DefaultSignals...),
		spawner:       &ExecSpawner{},
		logger:        slog.Default(),
		metrics:       NewNoopMetricsCollector(),
		events:        noopEventPublisher{},
		procs:         make(map[WorkerID]*ProcessRecord),
		pending:       make(map[WorkerID]bool),
		dropped:       make(map[WorkerID]bool),
		restarts:      make(map[WorkerID]int),
		lastExit:      make(map[WorkerID]ExitStatus),
		spawnCtx:      context.Background(),
		stopCh:        make(chan struct{}),
		monitorDone:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.checkInterval <= 0 {
		return nil, NewConfigurationError("check_timeout", s.checkInterval,
			"health check interval must be positive")
	}
	if s.stopGrace <= 0 {
		return nil, NewConfigurationError("stop_timeout", s.stopGrace,
			"stop grace period must be positive")
	}
	if s.policy.MaxRestarts < 0 {
		return nil, NewConfigurationError("max_restarts", s.policy.MaxRestarts,
			"max restarts cannot be negative")
	}
	if s.spawner == nil {
		return nil, NewConfigurationError("spawner", nil, "spawner cannot be nil")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewNoopMetricsCollector()
	}
	if s.events == nil {
		s.events = noopEventPublisher{}
	}

	seen := make(map[WorkerID]bool, len(descriptors))
	s.workers = make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, NewConfigurationError("worker.id", string(d.ID),
				fmt.Sprintf("duplicate worker id '%s'", d.ID))
		}
		seen[d.ID] = true
		s.workers = append(s.workers, d.clone())
	}

	s.logger = s.logger.With("component", "supervisor")
	return s, nil
}

// Start installs the shutdown signal handlers, launches the health monitor,
// spawns every worker and blocks until the monitor finishes, which happens
// only once Stop has been called. Cancelling ctx counts as a stop request.
//
// Stop always runs before Start returns. The returned error is the initial
// spawn failure, the monitor failure or a recovered panic, if any.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started || s.stopRequested() {
		s.mu.Unlock()
		return NewError(ErrorCodeInternalError, "Supervisor can only be started once")
	}
	s.started = true
	s.running = true
	s.spawnCtx = ctx
	go s.monitor()
	s.mu.Unlock()

	defer s.Stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor failed unexpectedly",
				"panic", r,
				"stack", string(debug.Stack()))
			err = NewError(ErrorCodeInternalError, "Supervisor failed unexpectedly").
				WithCause(fmt.Errorf("%v", r))
		}
	}()

	s.installSignalHandlers(ctx)

	s.logger.Info("supervisor starting",
		"workers", len(s.workers),
		"check_interval", s.checkInterval,
		"stop_grace_period", s.stopGrace)

	if err := s.startWorkers(); err != nil {
		s.logger.Error("initial worker launch failed", "error", err)
		return err
	}

	<-s.monitorDone
	return s.monitorErr
}

// stopRequested reports whether Stop has begun.
func (s *Supervisor) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// installSignalHandlers routes the configured signals and ctx cancellation
// to Stop. The relay goroutine exits once Stop has begun.
func (s *Supervisor) installSignalHandlers(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	if len(s.signals) > 0 {
		signal.Notify(sigCh, s.signals...)
	}

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			s.logger.Info("signal received, stopping", "signal", sig.String())
			s.Stop()
		case <-ctx.Done():
			s.logger.Info("context cancelled, stopping", "reason", ctx.Err())
			s.Stop()
		case <-s.stopCh:
		}
	}()
}

// startWorkers spawns every registered worker. It keeps going after a
// failure so the caller sees every broken worker at once.
func (s *Supervisor) startWorkers() error {
	var errs []error
	for _, w := range s.workers {
		running, err := s.startWorker(w)
		if !running {
			s.logger.Info("stop requested during startup, skipping remaining workers")
			break
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startWorker spawns w unless a stop has been requested.
func (s *Supervisor) startWorker(w Descriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false, nil
	}
	_, err := s.spawnLocked(w)
	return true, err
}

// spawnLocked starts a process for w and installs it in the map. The caller
// holds s.mu and has removed any previous record for w.
func (s *Supervisor) spawnLocked(w Descriptor) (*ProcessRecord, error) {
	rec, err := s.spawner.Spawn(s.spawnCtx, w)
	if err == nil && (rec == nil || rec.done == nil) {
		// nothing to reap or kill; storing it would wedge Stop
		if rec != nil {
			rec.release()
		}
		rec = nil
		err = NewSpawnError(w.ID, w.Path, errors.New("spawner returned no running process; build records with NewProcessRecord"))
	}
	if err != nil {
		s.metrics.WorkerSpawnFailed(w.ID)
		s.logger.Error("worker spawn failed",
			"worker", string(w.ID),
			"executable", w.Path,
			"error", err)
		s.events.Publish(Event{Type: EventSpawnFailed, Worker: w.ID, Time: time.Now(), Err: err})
		return nil, err
	}

	s.procs[w.ID] = rec
	delete(s.pending, w.ID)
	s.metrics.WorkerSpawned(w.ID)
	s.metrics.LiveWorkers(len(s.procs))
	s.logger.Info("worker spawned", recordAttrs(rec)...)
	s.events.Publish(Event{
		Type:    EventSpawned,
		Worker:  w.ID,
		PID:     rec.PID(),
		SpawnID: rec.SpawnID,
		Time:    rec.StartedAt,
	})

	if rec.Channel != nil {
		s.readers.Add(1)
		go s.readLoop(rec)
	}
	return rec, nil
}

// readLoop drains messages a worker sends upstream until its channel closes.
func (s *Supervisor) readLoop(rec *ProcessRecord) {
	defer s.readers.Done()

	for {
		msg, err := rec.Channel.Receive()
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) {
				s.logger.Debug("worker channel read failed",
					append(recordAttrs(rec), "error", NewChannelError(rec.Worker.ID, err))...)
			}
			return
		}

		if msg == channel.MessageReady {
			s.logger.Info("worker ready", recordAttrs(rec)...)
		}

		if s.onMessage != nil {
			s.onMessage(rec.Worker.ID, msg)
			continue
		}
		s.logger.Debug("worker message", append(recordAttrs(rec), "message", msg)...)
	}
}

// Stop shuts the fleet down: it halts the health monitor, asks every live
// worker to quit, waits up to the grace period, kills the stragglers and
// reaps every process. It is safe to call more than once and from several
// goroutines; later calls block until the first one completes.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(s.shutdown)
}

func (s *Supervisor) shutdown() {
	begin := time.Now()

	s.mu.Lock()
	s.running = false
	started := s.started
	s.mu.Unlock()

	// (1) halt the monitor; it finishes its current tick first
	close(s.stopCh)
	if started {
		<-s.monitorDone
	}

	// take ownership of every record; nothing spawns once running is false
	s.mu.Lock()
	records := make([]*ProcessRecord, 0, len(s.procs))
	for _, w := range s.workers {
		if rec, ok := s.procs[w.ID]; ok {
			records = append(records, rec)
		}
	}
	clear(s.procs)
	clear(s.pending)
	s.mu.Unlock()

	s.logger.Info("supervisor stopping",
		"workers", len(records),
		"grace_period", s.stopGrace)

	// (2)-(5) quit, wait against one shared deadline, kill, reap
	ctx, cancel := context.WithTimeout(context.Background(), s.stopGrace)
	defer cancel()

	var g errgroup.Group
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			s.stopRecord(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	s.readers.Wait()

	duration := time.Since(begin)
	s.metrics.LiveWorkers(0)
	s.metrics.ShutdownDuration(duration)
	s.logger.Info("supervisor stopped", "duration", duration)
}

// stopRecord sends QUIT, waits for ctx, escalates to SIGKILL and reaps.
func (s *Supervisor) stopRecord(ctx context.Context, rec *ProcessRecord) {
	id := rec.Worker.ID

	if rec.Alive() && rec.Channel != nil {
		if err := rec.Channel.Send(channel.MessageQuit); err != nil {
			s.logger.Warn("quit not delivered",
				append(recordAttrs(rec), "error", NewChannelError(id, err))...)
		} else {
			s.logger.Info("quit sent", recordAttrs(rec)...)
			s.events.Publish(Event{Type: EventQuitSent, Worker: id, PID: rec.PID(), SpawnID: rec.SpawnID, Time: time.Now()})
		}
	}

	status, err := rec.Wait(ctx)
	if err == nil {
		s.logger.Info("worker exited", append(recordAttrs(rec), "status", status.String())...)
		s.events.Publish(Event{Type: EventStopped, Worker: id, PID: rec.PID(), SpawnID: rec.SpawnID, Time: time.Now(), Exit: &status})
		rec.release()
		return
	}

	s.logger.Warn("worker did not exit within grace period, killing",
		append(recordAttrs(rec), "grace_period", s.stopGrace)...)
	if kerr := rec.Kill(); kerr != nil {
		s.logger.Error("failed to kill worker", append(recordAttrs(rec), "error", kerr)...)
	}

	// reap; SIGKILL cannot be ignored
	<-rec.Done()
	status, _ = rec.ExitStatus()
	rec.release()

	s.metrics.WorkerForceTerminated(id)
	s.logger.Warn("worker force terminated", append(recordAttrs(rec), "status", status.String())...)
	s.events.Publish(Event{Type: EventForceTerminated, Worker: id, PID: rec.PID(), SpawnID: rec.SpawnID, Time: time.Now(), Exit: &status})
}

// Running reports whether the supervisor has started and no stop was requested.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Workers returns a snapshot of every registered worker, in registration order.
func (s *Supervisor) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		st := WorkerStatus{
			ID:       w.ID,
			Pending:  s.pending[w.ID],
			Dropped:  s.dropped[w.ID],
			Restarts: s.restarts[w.ID],
		}
		if exit, ok := s.lastExit[w.ID]; ok {
			st.LastExit = &exit
		}
		if rec, ok := s.procs[w.ID]; ok {
			st.PID = rec.PID()
			st.SpawnID = rec.SpawnID
			st.StartedAt = rec.StartedAt
			st.Alive = rec.Alive()
		}
		out = append(out, st)
	}
	return out
}

func recordAttrs(rec *ProcessRecord) []any {
	return []any{
		"worker", string(rec.Worker.ID),
		"pid", rec.PID(),
		"spawn_id", rec.SpawnID,
	}
}

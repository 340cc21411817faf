package procmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/procvisor/pkg/channel"
	"golang.org/x/sys/unix"
)

// WorkerID uniquely identifies a worker. It is stable across restarts and
// keys the supervisor's process map.
type WorkerID string

// Descriptor describes a worker: its identity and the executable a spawned
// process runs. Descriptors are immutable once handed to the supervisor.
type Descriptor struct {
	ID   WorkerID
	Path string
	Args []string
	Env  []string // extra KEY=VALUE pairs on top of the supervisor environment
	Dir  string
}

// Validate checks the descriptor is usable as a map key and spawn target.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return NewConfigurationError("worker.id", d.ID, "worker id cannot be empty")
	}
	if d.Path == "" {
		return NewConfigurationError("worker.path", d.Path,
			fmt.Sprintf("worker '%s' has no executable", d.ID))
	}
	return nil
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Args = append([]string(nil), d.Args...)
	c.Env = append([]string(nil), d.Env...)
	return c
}

// ExitStatus is how a worker process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal
	Code int
	// Signal is the terminating signal, zero if the process exited normally
	Signal syscall.Signal
	// Err is set when waiting on the process failed for another reason
	Err error
}

// Clean reports a voluntary exit with status zero.
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && s.Signal == 0 && s.Err == nil
}

// String returns a human readable description of the exit
func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	case s.Signal != 0:
		return fmt.Sprintf("killed by %s", unix.SignalName(s.Signal))
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}

	status := ExitStatus{Code: state.ExitCode()}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}
	return status
}

// ProcessRecord is the supervisor-side state for one running attempt of a
// worker. A restart creates a new record; records are never reused.
type ProcessRecord struct {
	Worker    Descriptor
	SpawnID   string
	Channel   *channel.Channel
	StartedAt time.Time

	cmd *exec.Cmd

	// mu orders Kill against the reaper: while exited is false the group
	// leader has not been reaped, so pgid cannot have been reused.
	mu     sync.Mutex
	pgid   int // zero when the group must not be signalled
	exited bool

	done   chan struct{}
	status ExitStatus // written by the reaper before done is closed

	releaseOnce sync.Once
}

// NewProcessRecord wraps a started command in a record and begins reaping
// it. It is the only way for a Spawner outside this package to build a
// record. ch is the supervisor half of the worker's channel and may be nil.
// The worker's process group is force-killed on stop only when cmd was
// started as the leader of its own group (SysProcAttr.Setpgid).
func NewProcessRecord(worker Descriptor, cmd *exec.Cmd, ch *channel.Channel) (*ProcessRecord, error) {
	if cmd == nil || cmd.Process == nil {
		return nil, NewSpawnError(worker.ID, worker.Path, errors.New("command has not been started"))
	}

	rec := &ProcessRecord{
		Worker:    worker,
		SpawnID:   uuid.NewString(),
		Channel:   ch,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	if attr := cmd.SysProcAttr; attr != nil && attr.Setpgid && attr.Pgid == 0 {
		rec.pgid = cmd.Process.Pid
	}

	go rec.reap()
	return rec, nil
}

// PID returns the OS process id.
func (r *ProcessRecord) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (r *ProcessRecord) Done() <-chan struct{} {
	return r.done
}

// Alive reports whether the process has not been reaped yet.
func (r *ProcessRecord) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// ExitStatus returns the exit status once the process has been reaped.
func (r *ProcessRecord) ExitStatus() (ExitStatus, bool) {
	select {
	case <-r.done:
		return r.status, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the process is reaped or ctx is done.
func (r *ProcessRecord) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-r.done:
		return r.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Kill force-terminates the process and its process group. It is a no-op
// once the process has exited.
func (r *ProcessRecord) Kill() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exited || !r.Alive() || r.cmd == nil || r.cmd.Process == nil {
		return nil
	}

	if r.pgid > 0 {
		if err := unix.Kill(-r.pgid, unix.SIGKILL); err == nil {
			return nil
		}
	}

	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", r.PID(), err)
	}
	return nil
}

// release closes the supervisor half of the channel. Safe to call more than once.
func (r *ProcessRecord) release() {
	r.releaseOnce.Do(func() {
		if r.Channel != nil {
			r.Channel.Close()
		}
	})
}

// reap waits for the process and records its exit. Runs in its own goroutine.
func (r *ProcessRecord) reap() {
	// observe the exit without reaping so Kill can stop using the group id
	// before the pid is released
	exitErr := waitExited(r.cmd.Process.Pid)

	r.mu.Lock()
	if exitErr != nil {
		r.pgid = 0
	} else {
		r.exited = true
	}
	r.mu.Unlock()

	err := r.cmd.Wait()
	r.status = exitStatusOf(r.cmd.ProcessState, err)
	close(r.done)
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	ID        WorkerID
	PID       int
	SpawnID   string
	Alive     bool
	Pending   bool // waiting for a spawn retry
	Dropped   bool // no longer supervised: clean exit without restart, or restart limit reached
	Restarts  int
	StartedAt time.Time
	LastExit  *ExitStatus
}

// RestartPolicy decides what happens when a worker exits while the
// supervisor is running.
type RestartPolicy struct {
	// OnCleanExit restarts workers that exit with status zero. When false a
	// cleanly exited worker is dropped from supervision.
	OnCleanExit bool

	// MaxRestarts caps restarts per worker. Zero means unlimited.
	MaxRestarts int
}

// DefaultRestartPolicy restarts on any unexpected exit without limit.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{OnCleanExit: true}
}

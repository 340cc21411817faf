package procmgr

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jrepp/procvisor/pkg/channel"
)

// EnvWorkerID is set in every worker's environment to its WorkerID.
const EnvWorkerID = "PROCVISOR_WORKER_ID"

// Spawner creates worker processes. Implementations outside this package
// build their records with NewProcessRecord; a nil record or one that does
// not track a process is treated as a spawn failure.
type Spawner interface {
	// Spawn starts one process for the worker and returns its live record.
	// Failures are returned as SPAWN_FAILED errors.
	Spawn(ctx context.Context, worker Descriptor) (*ProcessRecord, error)
}

// SpawnerFunc adapts a function to the Spawner interface
type SpawnerFunc func(ctx context.Context, worker Descriptor) (*ProcessRecord, error)

// Spawn calls f(ctx, worker)
func (f SpawnerFunc) Spawn(ctx context.Context, worker Descriptor) (*ProcessRecord, error) {
	return f(ctx, worker)
}

// ExecSpawner starts workers as OS processes. The child half of a fresh
// channel pair is passed as descriptor 3 and announced in the environment.
type ExecSpawner struct {
	// Stdout and Stderr receive the worker's output. Nil inherits the
	// supervisor's streams.
	Stdout io.Writer
	Stderr io.Writer

	// SendTimeout bounds writes on the supervisor half of the channel.
	SendTimeout time.Duration
}

// DefaultSendTimeout bounds channel writes for ExecSpawner.
const DefaultSendTimeout = time.Second

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, worker Descriptor) (*ProcessRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewSpawnError(worker.ID, worker.Path, err)
	}

	parent, child, err := channel.NewPair()
	if err != nil {
		return nil, NewSpawnError(worker.ID, worker.Path, fmt.Errorf("create channel: %w", err))
	}

	cmd := exec.Command(worker.Path, worker.Args...)
	cmd.Dir = worker.Dir
	cmd.Env = append(os.Environ(), worker.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%s", EnvWorkerID, worker.ID),
		fmt.Sprintf("%s=%d", channel.EnvFD, channel.ChildFD),
	)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	// output copiers must not hold the reaper hostage to grandchildren
	cmd.WaitDelay = time.Second

	// own process group: terminal interrupts reach the supervisor only, and a
	// force kill takes the worker's children with it
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		child.Close()
		parent.Close()
		return nil, NewSpawnError(worker.ID, worker.Path, err)
	}

	// the child holds its own copy now
	child.Close()

	sendTimeout := s.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = DefaultSendTimeout
	}
	parent.SetSendTimeout(sendTimeout)

	return NewProcessRecord(worker, cmd, parent)
}

var _ Spawner = (*ExecSpawner)(nil)

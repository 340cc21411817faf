package procmgr

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrepp/procvisor/pkg/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func spawnHelper(t *testing.T, mode string) *ProcessRecord {
	t.Helper()

	spawner := &ExecSpawner{SendTimeout: 500 * time.Millisecond}
	rec, err := spawner.Spawn(context.Background(), helperWorker(t, WorkerID(mode), mode))
	require.NoError(t, err)
	t.Cleanup(func() {
		rec.Kill()
		<-rec.Done()
		rec.release()
	})
	return rec
}

func TestExecSpawner_SpawnAndQuit(t *testing.T) {
	rec := spawnHelper(t, modeObedient)

	assert.Greater(t, rec.PID(), 0)
	assert.True(t, rec.Alive())
	_, err := uuid.Parse(rec.SpawnID)
	assert.NoError(t, err)

	msg, err := rec.Channel.Receive()
	require.NoError(t, err)
	assert.Equal(t, channel.MessageReady, msg)

	require.NoError(t, rec.Channel.Send(channel.MessageQuit))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := rec.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, status.Clean(), status.String())
	assert.False(t, rec.Alive())

	got, ok := rec.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, status, got)
	assert.True(t, processGone(rec.PID()))
}

func TestExecSpawner_ExitCode(t *testing.T) {
	rec := spawnHelper(t, modeCrash)

	<-rec.Done()
	status, ok := rec.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, 7, status.Code)
	assert.False(t, status.Clean())
	assert.Equal(t, "exit code 7", status.String())
}

func TestExecSpawner_ChannelClosesWithWorker(t *testing.T) {
	rec := spawnHelper(t, modeCleanExit)

	<-rec.Done()
	_, err := rec.Channel.Receive()
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestExecSpawner_SpawnFailure(t *testing.T) {
	spawner := &ExecSpawner{}
	rec, err := spawner.Spawn(context.Background(), Descriptor{ID: "missing", Path: "/nonexistent/worker"})
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, "missing", err.(*SupervisorError).Context["worker"])
}

func TestExecSpawner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&ExecSpawner{}).Spawn(ctx, helperWorker(t, "w", modeObedient))
	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessRecord_KillHungWorker(t *testing.T) {
	rec := spawnHelper(t, modeHang)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := rec.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, rec.Kill())
	<-rec.Done()

	status, _ := rec.ExitStatus()
	assert.Equal(t, unix.SIGKILL, status.Signal)
	assert.Equal(t, -1, status.Code)
	assert.Equal(t, "killed by SIGKILL", status.String())

	// reaped: killing again is a no-op
	assert.NoError(t, rec.Kill())
}

func TestProcessRecord_KillAfterExitIsNoop(t *testing.T) {
	rec := spawnHelper(t, modeCrash)
	<-rec.Done()

	// the pid and group id may already belong to someone else
	assert.NoError(t, rec.Kill())

	status, ok := rec.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, 7, status.Code)
}

func TestNewProcessRecord_RequiresStartedCommand(t *testing.T) {
	w := Descriptor{ID: "w", Path: "/bin/true"}

	rec, err := NewProcessRecord(w, nil, nil)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrSpawn)

	rec, err = NewProcessRecord(w, exec.Command("/bin/true"), nil)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestProcessRecord_ReleaseIdempotent(t *testing.T) {
	rec := spawnHelper(t, modeObedient)

	rec.release()
	rec.release()

	err := rec.Channel.Send(channel.MessageQuit)
	assert.True(t, errors.Is(err, channel.ErrClosed))
}

func TestExitStatus(t *testing.T) {
	assert.True(t, ExitStatus{}.Clean())
	assert.False(t, ExitStatus{Code: 1}.Clean())
	assert.False(t, ExitStatus{Code: -1, Signal: unix.SIGTERM}.Clean())
	assert.False(t, ExitStatus{Err: errors.New("wait: no child")}.Clean())

	assert.Equal(t, "exit code 0", ExitStatus{}.String())
	assert.Equal(t, "wait failed: boom", ExitStatus{Err: errors.New("boom")}.String())
}

func TestDescriptor_Validate(t *testing.T) {
	assert.NoError(t, Descriptor{ID: "a", Path: "/bin/a"}.Validate())
	assert.ErrorIs(t, Descriptor{Path: "/bin/a"}.Validate(), ErrInvalidConfiguration)
	assert.ErrorIs(t, Descriptor{ID: "a"}.Validate(), ErrInvalidConfiguration)
}

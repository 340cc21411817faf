package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrepp/procvisor/pkg/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (supervisorEnd, workerEnd *channel.Channel) {
	t.Helper()

	parent, childFile, err := channel.NewPair()
	require.NoError(t, err)
	child, err := channel.FromFile(childFile)
	require.NoError(t, err)

	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return parent, child
}

func serveAsync(ctx context.Context, ch *channel.Channel, h Handler) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, ch, h)
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServe_QuitStopsLoop(t *testing.T) {
	sup, w := newPair(t)

	var mu sync.Mutex
	var got []string
	errCh := serveAsync(context.Background(), w, func(ctx context.Context, msg string) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})

	require.NoError(t, sup.Send("reload"))
	require.NoError(t, sup.Send("ping"))
	require.NoError(t, sup.Send(channel.MessageQuit))
	require.NoError(t, sup.Send("after-quit"))

	assert.NoError(t, waitErr(t, errCh))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reload", "ping"}, got)
}

func TestServe_SupervisorGone(t *testing.T) {
	sup, w := newPair(t)
	errCh := serveAsync(context.Background(), w, nil)

	require.NoError(t, sup.Close())
	assert.NoError(t, waitErr(t, errCh))
}

func TestServe_ContextCancelled(t *testing.T) {
	_, w := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := serveAsync(ctx, w, nil)

	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
}

func TestServe_HandlerError(t *testing.T) {
	sup, w := newPair(t)
	boom := errors.New("boom")
	errCh := serveAsync(context.Background(), w, func(ctx context.Context, msg string) error {
		return boom
	})

	require.NoError(t, sup.Send("explode"))
	assert.ErrorIs(t, waitErr(t, errCh), boom)
}

func TestOpen_NotSupervised(t *testing.T) {
	t.Setenv(channel.EnvFD, "")
	_, err := Open()
	assert.Error(t, err)
}

func TestID(t *testing.T) {
	t.Setenv(EnvWorkerID, "ingest")
	assert.Equal(t, "ingest", ID())
}

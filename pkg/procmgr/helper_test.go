package procmgr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jrepp/procvisor/pkg/worker"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// envTestWorker switches the test binary into worker mode.
const envTestWorker = "PROCVISOR_TEST_WORKER"

const (
	modeObedient  = "obedient"   // loops on the channel, exits 0 on QUIT
	modeHang      = "hang"       // never reads the channel, ignores signals
	modeCleanExit = "clean-exit" // exits 0 shortly after start
	modeCrash     = "crash"      // exits 7 shortly after start
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(envTestWorker); mode != "" {
		os.Exit(runTestWorker(mode))
	}
	os.Exit(m.Run())
}

func runTestWorker(mode string) int {
	switch mode {
	case modeObedient:
		if err := worker.Run(context.Background(), nil); err != nil {
			return 1
		}
		return 0
	case modeHang:
		signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		time.Sleep(time.Hour)
		return 0
	case modeCleanExit:
		time.Sleep(20 * time.Millisecond)
		return 0
	case modeCrash:
		time.Sleep(20 * time.Millisecond)
		return 7
	}
	return 2
}

// helperWorker describes a worker that re-executes the test binary in mode.
func helperWorker(t *testing.T, id WorkerID, mode string) Descriptor {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	return Descriptor{
		ID:   id,
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env: []string{
			envTestWorker + "=" + mode,
			// race-enabled children otherwise linger a second on exit
			"GORACE=atexit_sleep_ms=0",
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSupervisor builds a supervisor with no signal handlers, a quiet
// logger and fast timings, then applies opts.
func newTestSupervisor(t *testing.T, workers []Descriptor, opts ...Option) *Supervisor {
	t.Helper()

	base := []Option{
		WithSignals(),
		WithLogger(quietLogger()),
		WithCheckInterval(50 * time.Millisecond),
		WithStopGracePeriod(2 * time.Second),
	}
	s, err := New(workers, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// startAsync runs Start in the background and returns its result channel.
func startAsync(s *Supervisor, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()
	return errCh
}

// waitAlive waits until every registered worker has a live process and
// returns their pids.
func waitAlive(t *testing.T, s *Supervisor) map[WorkerID]int {
	t.Helper()

	pids := make(map[WorkerID]int)
	require.Eventually(t, func() bool {
		clear(pids)
		for _, w := range s.Workers() {
			if !w.Alive || w.PID == 0 {
				return false
			}
			pids[w.ID] = w.PID
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "workers never came up")
	return pids
}

func workerStatus(s *Supervisor, id WorkerID) WorkerStatus {
	for _, w := range s.Workers() {
		if w.ID == id {
			return w
		}
	}
	return WorkerStatus{}
}

// processGone reports whether pid no longer exists, not even as a zombie.
func processGone(pid int) bool {
	return unix.Kill(pid, 0) == unix.ESRCH
}

// eventRecorder collects every published event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(typ EventType, id WorkerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == typ && (id == "" || e.Worker == id) {
			n++
		}
	}
	return n
}

func (r *eventRecorder) spawnedPIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pids []int
	for _, e := range r.events {
		if e.Type == EventSpawned {
			pids = append(pids, e.PID)
		}
	}
	return pids
}

func (r *eventRecorder) find(typ EventType, id WorkerID) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.events {
		if e.Type == typ && e.Worker == id {
			return e, true
		}
	}
	return Event{}, false
}

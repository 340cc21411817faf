// Command sample-worker is a minimal procvisor worker. It ticks until the
// supervisor sends QUIT and logs any other control message it receives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jrepp/procvisor/pkg/worker"
)

func main() {
	interval := flag.Duration("interval", 5*time.Second, "Heartbeat log interval")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		"worker", worker.ID(),
		"pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("worker heartbeat")
			}
		}
	}()

	logger.Info("worker started")
	err := worker.Run(ctx, func(ctx context.Context, msg string) error {
		logger.Info("control message received", "message", msg)
		return nil
	})
	if err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exiting")
}

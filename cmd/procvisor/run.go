package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jrepp/procvisor/pkg/launcher"
	"github.com/jrepp/procvisor/pkg/procmgr"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervisor and every configured worker",
	Long: `Start the supervisor, spawn every configured worker and keep them running.

The supervisor exits once it receives one of its shutdown signals
(SIGINT, SIGTERM, SIGQUIT, ... by default). Workers are asked to QUIT and
are killed if they do not exit within the stop timeout.

Example:
  procvisor run --config /etc/procvisor/procvisor.yaml
  procvisor run --workers-dir ./workers --stop-timeout 5s --http-addr :9090
`,
	RunE: runSupervisor,
}

func init() {
	runCmd.Flags().String("check-timeout", "", "Interval between worker health checks (e.g. 2s)")
	runCmd.Flags().String("stop-timeout", "", "Grace period for workers to exit after QUIT (e.g. 10s)")
	runCmd.Flags().Int("max-restarts", 0, "Stop restarting a worker after this many restarts (0 = unlimited)")
	runCmd.Flags().String("grpc-addr", "", "gRPC health service address (empty disables)")
	runCmd.Flags().String("http-addr", "", "HTTP status and metrics address (empty disables)")

	v.BindPFlag("supervisor.check_timeout", runCmd.Flags().Lookup("check-timeout"))
	v.BindPFlag("supervisor.stop_timeout", runCmd.Flags().Lookup("stop-timeout"))
	v.BindPFlag("supervisor.max_restarts", runCmd.Flags().Lookup("max-restarts"))
	v.BindPFlag("status.grpc_addr", runCmd.Flags().Lookup("grpc-addr"))
	v.BindPFlag("status.http_addr", runCmd.Flags().Lookup("http-addr"))
}

// loadConfig loads and validates the configuration and builds the logger
func loadConfig() (*launcher.Config, *slog.Logger, error) {
	cfg, err := launcher.Load(v, configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := launcher.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := cfg.Registry(logger.With("component", "registry"))
	if err != nil {
		return fmt.Errorf("failed to load workers: %w", err)
	}
	descriptors := registry.Descriptors()

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		return err
	}

	metrics := procmgr.NewPrometheusMetricsCollector("procvisor")
	status := launcher.NewStatusServer(cfg.Status, metrics.Registry(), logger.With("component", "status"))

	opts = append(opts,
		procmgr.WithLogger(logger),
		procmgr.WithMetricsCollector(metrics),
		procmgr.WithEventPublisher(status),
	)

	sup, err := procmgr.New(descriptors, opts...)
	if err != nil {
		return err
	}

	if err := status.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	status.Attach(sup)
	status.SetServing(true)

	logger.Info("procvisor starting",
		"version", Version,
		"workers", len(descriptors),
		"manifests", registry.Count())

	runErr := sup.Start(cmd.Context())

	logger.Info("supervisor exited, shutting down status server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := status.Shutdown(ctx); err != nil {
		logger.Warn("status server shutdown failed", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("supervisor failed: %w", runErr)
	}
	logger.Info("procvisor stopped")
	return nil
}

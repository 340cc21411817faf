package main

import (
	"fmt"
	"strings"

	"github.com/jrepp/procvisor/pkg/launcher"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and list the workers it describes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		registry, err := cfg.Registry(logger.With("component", "registry"))
		if err != nil {
			return fmt.Errorf("failed to load workers: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "check_timeout=%s stop_timeout=%s restart_on_clean_exit=%t max_restarts=%d\n",
			cfg.Supervisor.CheckTimeout, cfg.Supervisor.StopTimeout,
			cfg.Supervisor.RestartOnCleanExit, cfg.Supervisor.MaxRestarts)

		for _, m := range registry.ListWorkers() {
			fmt.Fprintf(out, "%s\treplicas=%d\t%s %s\n",
				m.Name, m.Replicas, m.ExecutablePath(), strings.Join(m.Args, " "))
		}
		fmt.Fprintf(out, "%d workers OK\n", len(registry.Descriptors()))
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "procvisor.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := launcher.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

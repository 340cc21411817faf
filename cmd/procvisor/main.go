// Command procvisor launches a fixed set of worker processes and keeps them
// running until it is told to stop.
package main

import (
	"os"

	"github.com/jrepp/procvisor/pkg/launcher"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X main.Version=..."
var Version = "0.1.0"

var (
	configFile string

	// v collects config file, environment and flag values for every command
	v = launcher.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "procvisor",
	Short: "Procvisor - supervise a fixed set of worker processes",
	Long: `procvisor starts every configured worker, restarts workers that exit,
and stops them all gracefully when it receives a shutdown signal.

Workers are described by manifest.yaml files under workers_dir or listed
inline in the configuration file. Settings can be overridden with
PROCVISOR_* environment variables or command line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./procvisor.yaml or /etc/procvisor/procvisor.yaml)")
	rootCmd.PersistentFlags().String("workers-dir", "", "Directory containing worker manifests")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json)")

	v.BindPFlag("workers_dir", rootCmd.PersistentFlags().Lookup("workers-dir"))
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(runCmd, validateCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/benchfleet/benchfleet/cmd/benchctl/commands"
	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "benchctl",
		Short: "benchfleet operator CLI",
		Long: `benchctl is the command-line interface for a benchfleet coordinator.

It queues benchmark tasks and control commands, manages the software catalog
and schedules, and shows devices, executions and events.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("coordinator", "", "Coordinator URL (default from config, then http://localhost:8080)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.benchfleet/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(commands.NewDeviceCommand())
	rootCmd.AddCommand(commands.NewTaskCommand())
	rootCmd.AddCommand(commands.NewCommandCommand())
	rootCmd.AddCommand(commands.NewSoftwareCommand())
	rootCmd.AddCommand(commands.NewSchedulerCommand())
	rootCmd.AddCommand(commands.NewEventsCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}

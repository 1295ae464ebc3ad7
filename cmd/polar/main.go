package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/polar/cmd/polar/commands"
	"github.com/teranos/polar/logger"
)

var rootCmd = &cobra.Command{
	Use:   "polar",
	Short: "Polar - automation scheduler and run reconciliation",
	Long: `Polar - automation scheduler and run reconciliation.

Polar turns automation jobs into scheduler events, processes them through
the automation and heartbeat executors, parks failures in retry and
dead-letter queues, and links every recorded run onto the task board.

Available commands:
  pulse  - Run the scheduler daemon or a single tick
  jobs   - Manage automation jobs
  events - Process scheduler events
  queue  - Inspect and act on retry and dead-letter queues
  runs   - Inspect run ledgers and replay task-board links
  db     - Database maintenance
  am     - Show and edit configuration

Examples:
  polar pulse start                 # Start the daemon and HTTP API
  polar jobs add --owner u1 --session s1 --schedule "every 1 hours" --prompt "Summarize"
  polar queue ls retry              # Show pending retries
  polar runs replay --source automation`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.EventsCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

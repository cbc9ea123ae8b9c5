package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/chronos/cmd/chronos/commands"
	"github.com/teranos/chronos/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chronos",
	Short: "Chronos - periodic job scheduler",
	Long: `Chronos - periodic job scheduler.

Chronos runs SQL and shell jobs on cron schedules, retries failures,
chains dependent jobs after their parent succeeds, and mails results.

Available commands:
  agent   - Run the scheduler agent
  job     - Manage job specifications and definition files
  queue   - Inspect and extend the pending queue
  runs    - Show run history
  db      - Manage the job database
  config  - Manage chronos.toml configuration
  version - Show version information

Examples:
  chronos agent start              # Start the agent in the foreground
  chronos job sync jobs.yaml       # Load job definitions into the store
  chronos job ls                   # List jobs with their next due time
  chronos runs ls --view failed    # Show failed runs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: system, user and project chronos.toml)")

	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

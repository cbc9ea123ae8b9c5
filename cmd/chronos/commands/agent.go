package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chronos/internal/agent"
	"github.com/teranos/chronos/logger"
)

// AgentCmd groups the agent subcommands
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the scheduler agent",
	Long: `The agent evaluates cron schedules, drains the pending queue into a
bounded worker pool, retries failed runs in a separate pool, and enqueues
dependent jobs after their parent succeeds.

Example:
  chronos agent start                 # Start in the foreground
  chronos agent start --workers 10    # Override agent.workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// AgentStartCmd starts the agent in the foreground
var AgentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long: `Start the agent in the foreground.

The agent will:
- Sync the configured job definition files into the store
- Fail runs left running by a previous process
- Start the scheduler and the executor pools
- Serve the status API and run event stream (unless --no-server)
- Run until interrupted, giving running jobs agent.stop_timeout to finish`,
	RunE: runAgentStart,
}

func init() {
	AgentStartCmd.Flags().Int("workers", 0, "Primary worker slots (default: agent.workers)")
	AgentStartCmd.Flags().Int("retry-workers", -1, "Retry worker slots (default: agent.retry_workers)")
	AgentStartCmd.Flags().Bool("no-server", false, "Do not start the status server")
	AgentCmd.AddCommand(AgentStartCmd)
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Agent.Workers = workers
	}
	if retryWorkers, _ := cmd.Flags().GetInt("retry-workers"); retryWorkers >= 0 {
		cfg.Agent.RetryWorkers = retryWorkers
	}
	noServer, _ := cmd.Flags().GetBool("no-server")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Config file logging applies unless the command line overrode it
	if !cmd.Flags().Changed("verbose") && !cmd.Flags().Changed("json-logs") {
		if err := logger.InitializeWithLevel(cfg.Log.JSON, logger.VerbosityToLevel(cfg.Log.Verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	a, err := agent.New(cfg, database, agent.Options{NoServer: noServer}, logger.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	pterm.Success.Printfln("Chronos agent started (%s)", a.ID)
	pterm.Printfln("  Database:           %s", cfg.GetDatabasePath())
	pterm.Printfln("  Workers:            %d (+%d retry)", cfg.Agent.Workers, cfg.Agent.RetryWorkers)
	pterm.Printfln("  Scheduler interval: %v", cfg.Agent.SchedulerInterval)
	pterm.Printfln("  Executor interval:  %v", cfg.Agent.ExecutorInterval)
	if s := a.Server(); s != nil {
		pterm.Printfln("  Status API:         http://%s", s.Addr())
	}
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down, waiting for running jobs...")
	a.Stop()
	pterm.Success.Println("Chronos agent stopped")
	return nil
}

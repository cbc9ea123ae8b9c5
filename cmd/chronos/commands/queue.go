package commands

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

// QueueCmd groups the pending queue subcommands
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and extend the pending queue",
	Long: `The pending queue holds at most one planned instance per job. The
agent drains it in insertion order.

Examples:
  chronos queue ls
  chronos queue add nightly                          # Run now
  chronos queue add nightly --at 2024-01-01T02:00:00Z  # Backfill with an earlier scheduled time`,
}

var queueLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List pending job instances",
	Args:    cobra.NoArgs,
	RunE:    runQueueLs,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Enqueue a job outside its schedule",
	Long: `Enqueue one instance of a job. The scheduled time defaults to now and
drives date tokens in the job's code; children inherit it.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueAdd,
}

func init() {
	queueAddCmd.Flags().String("at", "", "Scheduled time, RFC 3339 (default: now)")

	QueueCmd.AddCommand(queueLsCmd)
	QueueCmd.AddCommand(queueAddCmd)
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)

		queue, err := store.Queue(ctx, nil)
		if err != nil {
			return err
		}
		if len(queue) == 0 {
			pterm.Info.Println("Queue is empty")
			return nil
		}

		specs, err := store.ListSpecs(ctx)
		if err != nil {
			return err
		}
		names := make(map[int64]string, len(specs))
		for _, spec := range specs {
			names[spec.ID] = spec.Name
		}

		rows := make([][]string, 0, len(queue))
		for _, p := range queue {
			rows = append(rows, []string{
				strconv.FormatInt(p.Seq, 10),
				names[p.JobID],
				formatTime(&p.ScheduledTime),
				formatTime(&p.EnqueuedAt),
			})
		}
		return renderTable(cmd, []string{"Seq", "Job", "Scheduled", "Enqueued"}, rows)
	})
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	scheduled := time.Now().UTC().Truncate(time.Second)
	if at, _ := cmd.Flags().GetString("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return errors.WrapInvalidRequest(errors.Wrapf(err, "invalid --at %q", at))
		}
		scheduled = t.UTC()
	}

	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)

		spec, err := store.GetSpecByName(ctx, args[0])
		if err != nil {
			return err
		}
		planned := &jobs.PlannedJob{JobID: spec.ID, ScheduledTime: scheduled}
		if err := store.Enqueue(ctx, planned); err != nil {
			if errors.IsConflictError(err) {
				return errors.WithHint(err, "the job already has a pending instance")
			}
			return err
		}
		pterm.Success.Printfln("Enqueued %q for %s", spec.Name, formatTime(&scheduled))
		return nil
	})
}

package commands

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/pulse/async"
	"github.com/teranos/chronos/pulse/jobs"
)

// RunsCmd groups the run history subcommands
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show run history",
}

var runsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List recorded runs, newest first",
	Long: `List recorded runs, newest first.

Views: all, failed, succeeded, finished (succeeded or failed).

Examples:
  chronos runs ls
  chronos runs ls --view failed --job nightly --limit 20`,
	Args: cobra.NoArgs,
	RunE: runRunsLs,
}

const maxErrorWidth = 60

func init() {
	runsLsCmd.Flags().String("view", string(async.ViewAll), "Run view: all, failed, succeeded, finished")
	runsLsCmd.Flags().String("job", "", "Only runs of this job")
	runsLsCmd.Flags().Int("limit", 50, "Maximum runs to show (0: all)")

	RunsCmd.AddCommand(runsLsCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	viewFlag, _ := cmd.Flags().GetString("view")
	jobName, _ := cmd.Flags().GetString("job")
	limit, _ := cmd.Flags().GetInt("limit")

	view, err := async.ParseView(viewFlag)
	if err != nil {
		return err
	}

	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)

		var jobID *int64
		if jobName != "" {
			spec, err := store.GetSpecByName(ctx, jobName)
			if err != nil {
				return err
			}
			jobID = &spec.ID
		}

		all, err := store.Runs(ctx, jobID, 0)
		if err != nil {
			return err
		}
		runs := selectRuns(all, view, limit)
		if len(runs) == 0 {
			pterm.Info.Println("No runs")
			return nil
		}
		return renderTable(cmd, runHeader, runRows(runs))
	})
}

// selectRuns filters newest-first runs by view. limit <= 0 keeps all.
func selectRuns(runs []*jobs.Run, view async.View, limit int) []*jobs.Run {
	out := make([]*jobs.Run, 0, len(runs))
	for _, run := range runs {
		if !view.Matches(run) {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

var runHeader = []string{"ID", "Job", "Scheduled", "Attempt", "Status", "Started", "Duration", "Error"}

func runRows(runs []*jobs.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		duration := "-"
		if run.Status.IsTerminal() {
			duration = run.Duration().String()
		}
		message := ""
		if run.ErrorMessage != nil {
			message = firstLine(*run.ErrorMessage)
		}
		rows = append(rows, []string{
			strconv.FormatInt(run.ID, 10),
			run.JobName,
			formatTime(&run.ScheduledTime),
			strconv.Itoa(run.Attempt),
			string(run.Status),
			formatTime(run.StartTime),
			duration,
			orDash(message),
		})
	}
	return rows
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxErrorWidth {
		s = s[:maxErrorWidth-3] + "..."
	}
	return s
}

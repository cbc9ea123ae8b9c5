package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/db"
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/pulse/jobs"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the job database",
	Long: `Manage the SQLite job database (database.path).

Examples:
  chronos db migrate     # Apply pending schema migrations
  chronos db stats       # Show job, queue and run counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates
	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		versions, err := db.AppliedVersions(cmd.Context(), database)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return errors.New("no migrations applied")
		}
		pterm.Success.Printfln("%s is at schema version %s (%d migrations applied)",
			cfg.GetDatabasePath(), versions[len(versions)-1], len(versions))
		return nil
	})
}

// DatabaseStats summarizes the job database
type DatabaseStats struct {
	Jobs        int
	EnabledJobs int
	Queued      int
	Runs        map[jobs.Status]int
}

func collectStats(ctx context.Context, database *sql.DB) (*DatabaseStats, error) {
	stats := &DatabaseStats{Runs: make(map[jobs.Status]int)}

	err := database.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0) FROM job_specs`,
	).Scan(&stats.Jobs, &stats.EnabledJobs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM planned_jobs`).Scan(&stats.Queued); err != nil {
		return nil, errors.Wrap(err, "failed to count queue")
	}

	rows, err := database.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count runs")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan run counts")
		}
		stats.Runs[jobs.Status(status)] = n
	}
	return stats, rows.Err()
}

func runDbStats(cmd *cobra.Command, args []string) error {
	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		stats, err := collectStats(cmd.Context(), database)
		if err != nil {
			return err
		}

		path := cfg.GetDatabasePath()
		size := "-"
		if info, err := os.Stat(path); err == nil {
			size = fmt.Sprintf("%.1f KiB", float64(info.Size())/1024)
		}

		rows := [][]string{
			{"Database", path},
			{"Size", size},
			{"Jobs", fmt.Sprintf("%d (%d enabled)", stats.Jobs, stats.EnabledJobs)},
			{"Queued", strconv.Itoa(stats.Queued)},
		}
		for _, status := range []jobs.Status{jobs.StatusRunning, jobs.StatusSucceeded, jobs.StatusFailed} {
			rows = append(rows, []string{"Runs " + string(status), strconv.Itoa(stats.Runs[status])})
		}
		return renderTable(cmd, []string{"Statistic", "Value"}, rows)
	})
}

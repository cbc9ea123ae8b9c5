package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/chronos/am"
	"github.com/teranos/chronos/errors"
	"github.com/teranos/chronos/logger"
	"github.com/teranos/chronos/pulse/cron"
	"github.com/teranos/chronos/pulse/jobs"
	"github.com/teranos/chronos/version"
)

// JobCmd groups the job specification subcommands
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage job specifications",
	Long: `Create, list and remove job specifications, or sync them from
definition files (YAML or TOML, local or remote).

Examples:
  chronos job add --name nightly --type script --code ./nightly.sh --schedule "0 2 * * *"
  chronos job ls
  chronos job rm nightly
  chronos job sync jobs.yaml --watch
  chronos job sync https://example.com/jobs.toml
  chronos job export --format toml -o jobs.toml`,
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a job",
	Args:  cobra.NoArgs,
	RunE:  runJobAdd,
}

var jobLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs with their next due time",
	Args:    cobra.NoArgs,
	RunE:    runJobLs,
}

var jobRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a job and its pending queue entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRm,
}

var jobSyncCmd = &cobra.Command{
	Use:   "sync <file|url>",
	Short: "Create or update jobs from a definition file",
	Long: `Create or update jobs by name from a definition file. Parents are
resolved by name and created first. Remote sources (https, git, s3, ...)
are fetched into definitions.cache_dir.

With --watch the file is resynced whenever it changes until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobSync,
}

var jobExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every job as a definition file",
	Args:  cobra.NoArgs,
	RunE:  runJobExport,
}

func init() {
	f := jobAddCmd.Flags()
	f.String("name", "", "Unique job name")
	f.String("type", string(jobs.TypeScript), "Job type: script or query")
	f.String("code", "", "Script text or ;-separated SQL statements")
	f.String("schedule", "", "Cron schedule (empty: runs only after its parent)")
	f.String("driver", "", "Query driver name from [[drivers]]")
	f.String("result-query", "", "Query whose result is reported")
	f.String("parent", "", "Parent job name")
	f.String("description", "", "Free-form description")
	f.Int("max-retries", -1, "Retry override (default: agent.max_retries)")
	f.StringSlice("result-email", nil, "Result report recipient (repeatable)")
	f.StringSlice("status-email", nil, "Failure report recipient (repeatable)")
	f.Bool("disabled", false, "Create the job disabled")
	_ = jobAddCmd.MarkFlagRequired("name")
	_ = jobAddCmd.MarkFlagRequired("code")

	jobSyncCmd.Flags().Bool("watch", false, "Resync when the file changes")

	jobExportCmd.Flags().String("format", jobs.FormatYAML, "Output format: yaml or toml")
	jobExportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	JobCmd.AddCommand(jobAddCmd)
	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobRmCmd)
	JobCmd.AddCommand(jobSyncCmd)
	JobCmd.AddCommand(jobExportCmd)
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	spec := &jobs.Spec{Enabled: true}
	spec.Name, _ = f.GetString("name")
	spec.Code, _ = f.GetString("code")
	spec.Schedule, _ = f.GetString("schedule")
	spec.Driver, _ = f.GetString("driver")
	spec.ResultQuery, _ = f.GetString("result-query")
	spec.Description, _ = f.GetString("description")
	spec.ResultEmails, _ = f.GetStringSlice("result-email")
	spec.StatusEmails, _ = f.GetStringSlice("status-email")
	jobType, _ := f.GetString("type")
	spec.Type = jobs.Type(jobType)
	if disabled, _ := f.GetBool("disabled"); disabled {
		spec.Enabled = false
	}
	if retries, _ := f.GetInt("max-retries"); retries >= 0 {
		spec.MaxRetries = &retries
	}
	parent, _ := f.GetString("parent")

	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)
		if parent != "" {
			p, err := store.GetSpecByName(ctx, parent)
			if err != nil {
				return errors.Wrapf(err, "parent %q", parent)
			}
			spec.ParentID = &p.ID
		}
		if err := store.CreateSpec(ctx, spec); err != nil {
			return err
		}
		pterm.Success.Printfln("Created job %q (id %d)", spec.Name, spec.ID)
		return nil
	})
}

func runJobLs(cmd *cobra.Command, args []string) error {
	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		specs, err := jobs.NewStore(database).ListSpecs(cmd.Context())
		if err != nil {
			return err
		}
		if len(specs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		return renderTable(cmd, jobHeader, jobRows(specs, time.Now()))
	})
}

var jobHeader = []string{"ID", "Name", "Type", "Schedule", "Enabled", "Parent", "Next due"}

func jobRows(specs []*jobs.Spec, now time.Time) [][]string {
	names := make(map[int64]string, len(specs))
	for _, spec := range specs {
		names[spec.ID] = spec.Name
	}

	rows := make([][]string, 0, len(specs))
	for _, spec := range specs {
		parent := ""
		if spec.ParentID != nil {
			parent = names[*spec.ParentID]
		}
		next := "-"
		if spec.Enabled && spec.IsScheduled() {
			if at, err := cron.Next(spec.Schedule, now); err == nil {
				next = formatTime(&at)
			}
		}
		rows = append(rows, []string{
			strconv.FormatInt(spec.ID, 10),
			spec.Name,
			string(spec.Type),
			orDash(spec.Schedule),
			strconv.FormatBool(spec.Enabled),
			orDash(parent),
			next,
		})
	}
	return rows
}

func runJobRm(cmd *cobra.Command, args []string) error {
	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)
		spec, err := store.GetSpecByName(ctx, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteSpec(ctx, spec.ID); err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted job %q", spec.Name)
		return nil
	})
}

func runJobSync(cmd *cobra.Command, args []string) error {
	watch, _ := cmd.Flags().GetBool("watch")

	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		ctx := cmd.Context()
		store := jobs.NewStore(database)

		path, err := jobs.FetchDefinitions(ctx, args[0], cfg.Definitions.CacheDir, logger.Logger)
		if err != nil {
			return err
		}

		sync := func(path string) error {
			result, err := syncDefinitionFile(ctx, store, path)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Synced %s: %d created, %d updated, %d unchanged",
				path, result.Created, result.Updated, result.Unchanged)
			return nil
		}
		if err := sync(path); err != nil {
			return err
		}
		if !watch {
			return nil
		}
		if _, err := os.Stat(args[0]); err != nil {
			return errors.WithHint(
				errors.Newf("cannot watch remote source %s", args[0]),
				"fetch it once with job sync, or list it in definitions.paths for the agent")
		}

		w, err := jobs.NewDefinitionWatcher(path, sync, logger.Logger)
		if err != nil {
			return err
		}
		w.Start()
		pterm.Info.Printfln("Watching %s, press Ctrl+C to stop", path)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		return w.Stop()
	})
}

func syncDefinitionFile(ctx context.Context, store *jobs.SQLStore, path string) (jobs.SyncResult, error) {
	file, err := jobs.LoadDefinitions(path)
	if err != nil {
		return jobs.SyncResult{}, err
	}
	if err := file.CheckCompatible(version.Version); err != nil {
		return jobs.SyncResult{}, err
	}
	return jobs.Sync(ctx, store, file)
}

func runJobExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	return withDatabase(cmd, func(cfg *am.Config, database *sql.DB) error {
		specs, err := jobs.NewStore(database).ListSpecs(cmd.Context())
		if err != nil {
			return err
		}
		data, err := encodeDefinitions(jobs.ExportDefinitions(specs), format)
		if err != nil {
			return err
		}

		if output == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, am.DefaultFilePermissions); err != nil {
			return errors.Wrapf(err, "failed to write %s", output)
		}
		pterm.Success.Printfln("Exported %d jobs to %s", len(specs), output)
		return nil
	})
}

func encodeDefinitions(file *jobs.DefinitionFile, format string) ([]byte, error) {
	switch format {
	case jobs.FormatYAML:
		return yaml.Marshal(file)
	case jobs.FormatTOML:
		return toml.Marshal(file)
	}
	return nil, errors.NewInvalidRequestError("unsupported format: %s (supported: yaml, toml)", format)
}

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(app *App) *cobra.Command {
	var spec models.JobSpec

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a shell command job",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.lifecycle.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued job %s (max retries %d)\n", job.ID, job.MaxRetries)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec.ID, "id", "", "unique job id (required)")
	cmd.Flags().StringVarP(&spec.Command, "command", "c", "", "shell command to execute (required)")
	cmd.Flags().IntVar(&spec.MaxRetries, "max-retries", 0, "retry ceiling for this job (default: configured setting)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newListCommand(app *App) *cobra.Command {
	var stateFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *models.JobState
			if stateFlag != "" {
				st := models.JobState(stateFlag)
				if !st.Valid() {
					return fmt.Errorf("unknown state %q", stateFlag)
				}
				filter = &st
			}

			jobs, err := app.lifecycle.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFlag, "state", "", "filter by state (pending|processing|completed|failed|dead)")
	return cmd
}

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-state job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.lifecycle.Stats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tCOUNT")
			for _, st := range models.AllStates {
				fmt.Fprintf(w, "%s\t%d\n", st, stats.Counts[st])
			}
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			return w.Flush()
		},
	}
}

func newReleaseCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "release <job-id>",
		Short: "Return a processing job to pending (crash recovery)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.lifecycle.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Printf("Job %s is now %s\n", job.ID, job.State)
			return nil
		},
	}
}

func newDLQCommand(app *App) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and resurrect dead-lettered jobs",
	}

	dlq.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			dead := models.StateDead
			jobs, err := app.lifecycle.List(cmd.Context(), &dead)
			if err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		},
	})

	dlq.AddCommand(&cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resurrect a dead job with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := app.lifecycle.RetryDLQ(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s re-queued (max retries %d)\n", job.ID, job.MaxRetries)
			return nil
		},
	})

	return dlq
}

func newConfigCommand(app *App) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Read and update queue settings",
	}

	cfg.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current queue settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("max_retries=%d\nbackoff_base=%d\n", app.settings.MaxRetries, app.settings.BackoffBase)
			return nil
		},
	})

	var maxRetries, backoffBase int
	set := &cobra.Command{
		Use:   "set",
		Short: "Update queue settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.settings
			if maxRetries > 0 {
				settings.MaxRetries = maxRetries
			}
			if backoffBase > 0 {
				settings.BackoffBase = backoffBase
			}
			if err := app.store.SetSettings(cmd.Context(), settings); err != nil {
				return err
			}
			fmt.Printf("max_retries=%d\nbackoff_base=%d\n", settings.MaxRetries, settings.BackoffBase)
			return nil
		},
	}
	set.Flags().IntVar(&maxRetries, "max-retries", 0, "default retry ceiling for new jobs")
	set.Flags().IntVar(&backoffBase, "backoff-base", 0, "exponential backoff base (seconds)")
	cfg.AddCommand(set)

	return cfg
}

// printJobTable renders jobs in aligned columns.
func printJobTable(jobs []*models.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tCOMMAND\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.State, j.Attempts, j.MaxRetries,
			truncate(j.Command, 40),
			j.UpdatedAt.Local().Format(time.DateTime),
			truncate(j.Error, 40))
	}
	_ = w.Flush()
}

// truncate shortens s to n runes for table display.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

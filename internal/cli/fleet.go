package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/config"
	"github.com/BTreeMap/TaskPipe/internal/fleet"
	"github.com/spf13/cobra"
)

// workerEnv builds the environment for spawned workers so they open the
// same database and state directory the supervisor resolved, including
// any flag overrides that never reached the environment.
func workerEnv(cfg config.Config) []string {
	return append(os.Environ(),
		"TASKPIPE_DB_DRIVER="+cfg.DBDriver,
		"TASKPIPE_DB_DSN="+cfg.DBDSN,
		"TASKPIPE_STATE_DIR="+cfg.StateDir,
	)
}

func newFleetCommand(app *App) *cobra.Command {
	fleetCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage a fleet of worker processes",
	}

	var count int
	start := &cobra.Command{
		Use:   "start",
		Short: "Spawn worker processes and record them in the fleet sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup := fleet.New(app.cfg.StateDir, app.cfg.FleetGrace, fleet.WithWorkerEnv(workerEnv(app.cfg)))
			records, err := sup.Start(count)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("Started worker %s (pid %d)\n", rec.WorkerID, rec.PID)
			}
			return nil
		},
	}
	start.Flags().IntVar(&count, "count", 1, "number of worker processes to start")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully terminate every recorded worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup := fleet.New(app.cfg.StateDir, app.cfg.FleetGrace)
			stopped, err := sup.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("Stopped %d worker(s)\n", stopped)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report liveness of recorded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup := fleet.New(app.cfg.StateDir, app.cfg.FleetGrace)
			statuses, err := sup.Status()
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No workers recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tPID\tSTARTED\tRUNNING")
			for _, st := range statuses {
				fmt.Fprintf(w, "%s\t%d\t%s\t%t\n",
					st.WorkerID, st.PID, st.StartedAt.Local().Format(time.DateTime), st.Running)
			}
			return w.Flush()
		},
	}

	fleetCmd.AddCommand(start, stop, status)
	return fleetCmd
}

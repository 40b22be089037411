package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/executor"
	"github.com/BTreeMap/TaskPipe/internal/metrics"
	"github.com/BTreeMap/TaskPipe/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCommand(app *App) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process",
	}

	var (
		workerID     string
		pollInterval time.Duration
		metricsAddr  string
	)

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the worker poll/execute loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := app.cfg.PollInterval
			if pollInterval > 0 {
				interval = pollInterval
			}

			var collector *metrics.Collector
			addr := app.cfg.MetricsAddr
			if metricsAddr != "" {
				addr = metricsAddr
			}
			if addr != "" {
				collector = metrics.NewCollector()
				go collector.Serve(ctx, addr)
			}

			staleAfter := app.cfg.StaleAfter
			if !app.cfg.SweepEnabled {
				staleAfter = -1
			}

			coord := worker.New(app.lifecycle, executor.NewShell(app.cfg.ExecTimeout), worker.Config{
				ID:           workerID,
				PollInterval: interval,
				StaleAfter:   staleAfter,
				Metrics:      collector,
			})

			// Drain backstop: if the in-flight job outlives the deadline
			// after a shutdown request, the whole process terminates and a
			// future stale sweep reclaims the job.
			go func() {
				<-ctx.Done()
				time.AfterFunc(app.cfg.DrainTimeout, func() {
					slog.Error("worker run: drain deadline exceeded, terminating", "workerID", coord.ID(), "deadline", app.cfg.DrainTimeout)
					os.Exit(1)
				})
			}()

			fmt.Printf("Worker %s started (poll interval %s). Ctrl+C to stop.\n", coord.ID(), interval)
			coord.Run(ctx)
			fmt.Printf("Worker %s stopped.\n", coord.ID())
			return nil
		},
	}

	run.Flags().StringVar(&workerID, "worker-id", "", "worker identifier (default: generated)")
	run.Flags().DurationVar(&pollInterval, "poll-interval", 0, "wait between empty polls (default: configured)")
	run.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint (default: configured)")

	workerCmd.AddCommand(run)
	return workerCmd
}

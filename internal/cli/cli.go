// Package cli implements the taskpipe command tree.
//
// Commands cover the operations the lifecycle engine exposes (enqueue,
// list, status, release, DLQ retry, settings) plus fleet and worker
// management. The root command opens the configured store before any
// subcommand runs and closes it afterwards.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/TaskPipe/internal/backoff"
	"github.com/BTreeMap/TaskPipe/internal/config"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/queue"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/spf13/cobra"
)

// App carries the dependencies shared by every subcommand.
type App struct {
	cfg       config.Config
	store     store.JobStore
	settings  models.Settings
	lifecycle *queue.Lifecycle
}

// openStore connects to the configured backend and builds the lifecycle
// engine from the persisted settings.
func (a *App) openStore(ctx context.Context) error {
	var (
		st  store.JobStore
		err error
	)
	switch a.cfg.DBDriver {
	case "postgres":
		st, err = store.NewPostgresStore(store.WithDSN(a.cfg.DBDSN))
	case "sqlite3", "sqlite", "":
		st, err = store.NewSQLiteStore(store.WithDSN(a.cfg.DBDSN))
	default:
		return fmt.Errorf("unsupported database driver %q", a.cfg.DBDriver)
	}
	if err != nil {
		return fmt.Errorf("open %s store: %w", a.cfg.DBDriver, err)
	}
	a.store = st

	settings, err := st.GetSettings(ctx)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("load settings: %w", err)
	}
	if a.cfg.MaxRetries > 0 {
		settings.MaxRetries = a.cfg.MaxRetries
	}
	if a.cfg.BackoffBase > 0 {
		settings.BackoffBase = a.cfg.BackoffBase
	}
	a.settings = settings
	a.lifecycle = queue.New(st, queue.Options{
		DefaultMaxRetries: settings.MaxRetries,
		Policy:            backoff.NewExponential(settings.BackoffBase),
	})
	return nil
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		slog.Error("App.closeStore: close failed", "error", err)
	}
	a.store = nil
}

// NewRootCommand builds the full taskpipe command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}

	var (
		flagDriver   string
		flagDSN      string
		flagStateDir string
	)

	root := &cobra.Command{
		Use:           "taskpipe",
		Short:         "A persistent multi-worker shell job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.cfg = config.Load()
			if flagDriver != "" {
				app.cfg.DBDriver = flagDriver
			}
			if flagStateDir != "" {
				app.cfg.StateDir = flagStateDir
				// Load derived the DSN from the env state dir; a relocated
				// state dir moves the database with it unless the DSN was
				// given explicitly.
				if flagDSN == "" && os.Getenv("TASKPIPE_DB_DSN") == "" {
					app.cfg.DBDSN = filepath.Join(flagStateDir, config.DefaultDBFileName)
				}
			}
			if flagDSN != "" {
				app.cfg.DBDSN = flagDSN
			}
			return app.openStore(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.closeStore()
		},
	}

	root.PersistentFlags().StringVar(&flagDriver, "driver", "", "database driver (sqlite3 or postgres)")
	root.PersistentFlags().StringVar(&flagDSN, "db", "", "database DSN (file path for sqlite3, URL for postgres)")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory for database, fleet sidecar and worker logs")

	root.AddCommand(
		newEnqueueCommand(app),
		newListCommand(app),
		newStatusCommand(app),
		newReleaseCommand(app),
		newDLQCommand(app),
		newConfigCommand(app),
		newWorkerCommand(app),
		newFleetCommand(app),
	)
	return root
}

// Execute runs the command tree and maps failures to a non-zero exit.
func Execute() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel()}))
	slog.SetDefault(logger)

	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

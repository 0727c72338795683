package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/harvest-api/internal/config"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/platform/postgres"
	"github.com/spf13/cobra"
)

// migrateCommands are the goose commands exposed by the migrate subcommand.
var migrateCommands = []string{"up", "down", "reset", "status", "version"}

// newRootCommand builds the CLI. Configuration is loaded lazily by each
// subcommand so that --help works without a database.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "harvest-api",
		Short:         "Amazon review harvest orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(newServeCommand(), newWorkerCommand(), newMigrateCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var apiOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, the harvest worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if app.config.Worker.Enabled && !apiOnly {
					if err := app.startWorker(ctx); err != nil {
						if !errors.Is(err, lock.ErrLockNotAcquired) {
							return err
						}
						app.logger.Warn("worker lock held by another instance, serving API only")
					}
				}
				return app.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "do not start the harvest worker")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the harvest worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if err := app.startWorker(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				app.logger.Info("Shutting down worker...")
				return nil
			})
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrateCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closeLog, err := loadAppConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			db, err := setupAppDatabase(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(cmd.Context(), db, args[0], log)
		},
	}
}

// loadAppConfig loads configuration and sets up the process logger.
func loadAppConfig() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, closer, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"worker_enabled", cfg.Worker.Enabled,
		"lock_backend", cfg.Worker.LockBackend)

	return cfg, log, func() { _ = closer.Close() }, nil
}

// withApplication builds the application, runs fn and always cleans up.
func withApplication(ctx context.Context, fn func(context.Context, *application) error) error {
	cfg, log, closeLog, err := loadAppConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	db, err := setupAppDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}

	app, err := newApplication(ctx, cfg, log, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return fn(ctx, app)
}

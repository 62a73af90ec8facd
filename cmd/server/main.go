package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"transfer-saga/internal/config"
	"transfer-saga/internal/repository"
	"transfer-saga/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var autoMigrate bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), autoMigrate)
		},
	}
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:           "transfer-saga",
		Short:         "Transfer saga orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.Flags().AddFlagSet(serveCmd.Flags())
	root.AddCommand(serveCmd, migrateCmd)
	return root
}

func runServe(ctx context.Context, autoMigrate bool) error {
	cfg := config.Load()

	var opts []server.Option
	if autoMigrate {
		opts = append(opts, server.WithAutoMigrate())
	}

	serverInstance, port, err := server.StartServer(cfg, opts...)
	if err != nil {
		slog.Error("Failed to start server", "error", err)
		return err
	}
	slog.Info("Server started successfully", "port", port)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := serverInstance.Stop(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		return err
	}

	slog.Info("Server stopped")
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg := config.Load()

	db, err := server.OpenDatabase(cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return err
	}
	defer db.Close()

	applied, err := repository.Migrate(ctx, db, slog.Default())
	if err != nil {
		slog.Error("Migration failed", "error", err)
		return err
	}
	slog.Info("Migrations applied", "count", applied)
	return nil
}

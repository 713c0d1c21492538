package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ticket_worker/config"
	"ticket_worker/infra/database"
	"ticket_worker/internal/bootstrap"
	"ticket_worker/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "ticket-worker",
	Short:         "Turns mailbox threads into tickets",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if exists (for local development)
		_ = godotenv.Load()

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		bootstrap.InitLogger(cfg)
		return nil
	},
}

var serveMode string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops API, the worker, or both",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch serveMode {
		case "api", "worker", "all":
		default:
			return fmt.Errorf("unknown mode %q (api, worker, all)", serveMode)
		}
		return serve(cmd.Context(), serveMode)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <job-id>",
	Short: "Run one mailbox job now and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || jobID <= 0 {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JobTimeout)
		defer cancel()

		result, err := deps.SyncService.SyncJob(ctx, jobID)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if result.Failed() {
			return fmt.Errorf("job %d failed: %s", jobID, result.Message)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := database.MigrateUp
		if len(args) == 1 {
			command = database.MigrateCommand(args[0])
		}

		db, err := database.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		return database.Migrate(cmd.Context(), db, cfg.DatabaseDriver, command)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMode, "mode", "all", "Run mode: api, worker, all")
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("%v", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, mode string) error {
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer cleanup()

	var w *bootstrap.Worker
	if mode == "worker" || mode == "all" {
		w = bootstrap.NewWorker(deps)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		defer w.Stop(shutdownTimeout)
	}

	if mode == "worker" {
		logger.Info("Worker running (id %s)", cfg.WorkerID)
		<-ctx.Done()
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
		return nil
	}

	app := bootstrap.NewAPI(deps, w)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info("Starting API server on %s", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("Error shutting down: %v", err)
	}
	return nil
}

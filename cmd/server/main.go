/*
main.go - Application entry point

PURPOSE:
  Starts the postboard server, or runs a one-off ledger audit.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  postboard serve   HTTP server (default when no command is given)
  postboard audit   Recount every post's ledger, print JSON, exit 1 on drift

STARTUP SEQUENCE:
  1. Load config (defaults, YAML, .env, POSTBOARD_* env, flags)
  2. Build logger and open the configured store
  3. Wire service, accounts, metrics, router
  4. Start the audit scheduler
  5. Start server with graceful shutdown

FLAGS:
  --config     YAML config file
  --addr       HTTP listen address (overrides server.addr)
  --db-driver  memory | sqlite | badger (overrides storage.driver)
  --db         SQLite path or Badger directory for the chosen driver

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the audit scheduler
  4. Close store and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  POSTBOARD_JWT_SECRET=dev ./postboard serve --db=./data/postboard.db

  # Run with in-memory store
  POSTBOARD_JWT_SECRET=dev ./postboard --db-driver=memory

  # Audit a Badger directory
  ./postboard audit --db-driver=badger --db=./data/badger

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
  - config/config.go: Settings and precedence
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/postboard/config"
)

type rootFlags struct {
	configPath string
	addr       string
	driver     string
	dbPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare cached post counters with the reaction ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}

	rootCmd := &cobra.Command{
		Use:          "postboard",
		Short:        "Posts with consistent like/dislike counters",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.addr, "addr", "", "HTTP listen address (overrides server.addr)")
	pf.StringVar(&flags.driver, "db-driver", "", "Storage driver: memory, sqlite or badger")
	pf.StringVar(&flags.dbPath, "db", "", "SQLite file or Badger directory for the selected driver")

	rootCmd.AddCommand(serveCmd, auditCmd)
	return rootCmd
}

// loadConfig applies flags on top of config.Load. Validation is left to
// the command.
func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(config.Options{Path: flags.configPath})
	if err != nil {
		return config.Config{}, err
	}

	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.driver != "" {
		cfg.Storage.Driver = flags.driver
	}
	if flags.dbPath != "" {
		switch cfg.Storage.Driver {
		case config.DriverBadger:
			cfg.Storage.BadgerPath = flags.dbPath
		default:
			cfg.Storage.SQLitePath = flags.dbPath
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context, flags *rootFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	app.Scheduler.Start(ctx)
	defer app.Scheduler.Stop()

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		app.Logger.Infow("server starting",
			"addr", cfg.Server.Addr,
			"storage", cfg.Storage.Driver,
			"sessions", cfg.Auth.Redis.Addr != "",
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-serveErr:
		if ok {
			app.Logger.Errorw("server failed", "error", err)
			return err
		}
		return nil
	case sig := <-quit:
		app.Logger.Infow("shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		app.Logger.Errorw("server forced to shutdown", "error", err)
		return err
	}

	app.Logger.Infow("server stopped")
	return nil
}

/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the circulation billing service. Runs the HTTP API
  with its fine scheduler, or performs one-off billing jobs against the
  configured database.

COMMANDS:
  serve             Start the HTTP server and fine scheduler
  generate-fines    Run one fine pass over every overdue circulation
  bill-map XACT_ID  Print how payments settled each billing of a transaction

GLOBAL FLAGS:
  --config   TOML configuration file (optional; defaults apply without it)
  --db       SQLite database path, overrides [database].path
             Use ":memory:" for a throwaway database
  --log-level / --log-format  override [log]

STARTUP SEQUENCE (serve):
  1. Load configuration and apply flag overrides
  2. Initialize SQLite store
  3. Create API handler (ledger, penalty calculator, scheduler)
  4. Configure HTTP router and start the scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the fine scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Configuration file format
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/warp/circ-billing/api"
	"github.com/warp/circ-billing/config"
	"github.com/warp/circ-billing/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "circ-billing",
	Short: "Circulation billing and overdue fine service",
	Long: `circ-billing keeps patron transactions balanced: it allocates payments to
bills, voids and adjusts charges, opens and closes transactions, and
generates recurring overdue fines for open circulations.`,
	SilenceUsage: true,
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to TOML configuration file")
	cmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "", "Log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Shared setup ───────────────────────────────────────────────────────────

// loadConfig reads --config (if any) and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	if cmd.Flags().Lookup("port") != nil && cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	path := cfg.Database.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return sqlite.New(path)
}

// setup builds the logger, store and handler every command needs.
func setup(cmd *cobra.Command) (config.Config, *api.Handler, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cfg, api.NewHandler(store, logger, nil), nil
}

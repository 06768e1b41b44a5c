/*
main.go - Application entry point

PURPOSE:
  The maintenance command: runs the billing API server and exposes the
  admin operations that are useful without it (bulk generation, demo
  seeding, issuing a dev token).

COMMANDS:
  serve      HTTP server with graceful shutdown
  generate   Bill every unit of a society for one month
  seed       Reset the database and load a demo scenario
  token      Sign a bearer token for local testing
  version    Print the build version

GLOBAL FLAGS:
  --config   TOML config file (optional)
  --db       SQLite database path, overrides config; ":memory:" allowed

CONFIGURATION:
  Defaults, then --config, then .env, then MAINT_* variables, then flags.
  See config/config.go.

EXAMPLES:
  # Run with a config file
  maintenance serve --config ./maintenance.toml

  # Bill March for a society
  maintenance generate --society soc-green-meadows --period 2025-03

  # Token for the demo admin
  maintenance token --sub admin-1 --admin soc-green-meadows

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/warp/maintenance-engine/config"
	"github.com/warp/maintenance-engine/maintenance"
	"github.com/warp/maintenance-engine/store/sqlite"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Society maintenance billing engine",
	Long: `Computes monthly maintenance bills for residential units, accrues late
fees as time passes and records the single payment that settles each bill.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "TOML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "maintenance", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	return cfg, nil
}

// openEngine opens the store and builds an engine in the configured zone.
// The caller closes the store.
func openEngine(cfg config.Config) (*maintenance.Engine, *sqlite.Store, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return maintenance.NewEngine(store, loc), store, nil
}

/*
main.go - Application entry point

PURPOSE:
  The ledger binary. Subcommands share one configuration pipeline and one
  storage factory.

COMMANDS:
  serve       HTTP API, audit dispatcher, combined-group sweeper
  migrate     Create or update the schema
  seed-tiers  Install the default VIP tier table
  worker      Drain the asynq audit queue into the audit table

GLOBAL FLAGS:
  --config   TOML config file (optional)

CONFIGURATION:
  Defaults, then the TOML file, then .env, then LEDGER_* variables. See
  config/config.go.

EXAMPLES:
  # Dev server on an in-memory store
  LEDGER_DB_DRIVER=memory ./server serve

  # MySQL with queued audit
  ./server --config ledger.toml migrate
  ./server --config ledger.toml serve
  ./server --config ledger.toml worker

SEE ALSO:
  - wire.go: Store and service construction
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/vip-ledger/config"
	"github.com/warp/vip-ledger/observability"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "VIP account ledger",
	Long: `VIP account ledger: balances, VIP-tiered product profit, deposits
and withdrawals, with an admin audit trail.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger every command
// starts with.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

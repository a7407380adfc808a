package main

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/warp/vip-ledger/audit"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 4, "Audit tasks processed in parallel")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the audit queue into the audit table",
	Long: `Consume audit entries enqueued by servers running with audit.sink =
"queue" and write them to the configured database. Entries whose write
fails are retried by asynq.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the audit worker")
		}

		b, err := openBackend(cfg.Database)
		if err != nil {
			return err
		}
		defer b.close()

		mux := asynq.NewServeMux()
		audit.NewTaskHandler(audit.NewStoreSink(b.audit), logger).Register(mux)

		srv := audit.NewWorkerServer(cfg.Redis.Addr, concurrency)
		logger.Info("audit worker starting", zap.String("redis", cfg.Redis.Addr), zap.Int("concurrency", concurrency))
		// Run blocks until SIGTERM/SIGINT and then shuts the server down.
		return srv.Run(mux)
	},
}

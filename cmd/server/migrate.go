package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/vip-ledger/ledger"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedTiersCmd)

	seedTiersCmd.Flags().Bool("force", false, "Replace an existing tier table")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		b, err := openBackend(cfg.Database)
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

var seedTiersCmd = &cobra.Command{
	Use:   "seed-tiers",
	Short: "Install the default VIP tier table",
	Long: `Install the default four-level VIP tier table. An existing table is
left alone unless --force is given.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		b, err := openBackend(cfg.Database)
		if err != nil {
			return err
		}
		defer b.close()

		engine, err := newEngine(cfg, b, ledger.WithLogger(logger))
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		current, err := engine.Tiers(ctx)
		if err != nil {
			return err
		}
		if len(current) > 0 && !force {
			logger.Info("tier table already present, skipping", zap.Int("levels", len(current)))
			return nil
		}
		table := ledger.DefaultTiers()
		if err := engine.ReplaceTiers(ctx, table); err != nil {
			return err
		}
		logger.Info("tier table installed", zap.Int("levels", len(table)))
		return nil
	},
}

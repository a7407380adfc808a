package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/config"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/ledger/store"
	"github.com/warp/vip-ledger/store/gormstore"
	"github.com/warp/vip-ledger/store/sqlite"
	"go.uber.org/zap"
)

// backend is one configured database: the ledger store plus the audit table
// living next to it.
type backend struct {
	ledger  ledger.TxStore
	audit   audit.Store
	ping    func(ctx context.Context) error
	migrate func(ctx context.Context) error
	close   func() error
}

func openBackend(cfg config.Database) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &backend{
			ledger:  store.NewTxMemory(),
			audit:   audit.NewMemoryStore(),
			ping:    func(context.Context) error { return nil },
			migrate: func(context.Context) error { return nil },
			close:   func() error { return nil },
		}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", cfg.DSN, err)
		}
		return &backend{ledger: s, audit: s, ping: s.Ping, migrate: s.Migrate, close: s.Close}, nil
	case config.DriverMySQL:
		s, err := gormstore.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		return &backend{ledger: s, audit: s, ping: s.Ping, migrate: s.Migrate, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// auditSink builds the configured sink. The returned func releases whatever
// the sink holds open.
func auditSink(cfg config.Config, b *backend, logger *zap.Logger) (audit.Sink, func() error) {
	switch cfg.Audit.Sink {
	case config.AuditSinkLog:
		return audit.NewLogSink(logger), func() error { return nil }
	case config.AuditSinkQueue:
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
		return audit.NewQueueSink(client), client.Close
	default:
		return audit.NewStoreSink(b.audit), func() error { return nil }
	}
}

func newEngine(cfg config.Config, b *backend, opts ...ledger.Option) (*ledger.Engine, error) {
	threshold, err := cfg.NegativeThreshold()
	if err != nil {
		return nil, err
	}
	opts = append(opts, ledger.WithDefaults(ledger.Defaults{
		NegativeThreshold: threshold,
		ClickRemaining:    cfg.Ledger.DefaultClickRemaining,
	}))
	return ledger.NewEngine(b.ledger, opts...), nil
}

// ensureTiers checks the tier table at startup. The in-memory driver gets the
// default table installed; persistent drivers only warn, since seeding them
// is an explicit `seed-tiers` step. A table that cannot be read is logged and
// left for the first request to surface.
func ensureTiers(ctx context.Context, cfg config.Config, engine *ledger.Engine, logger *zap.Logger) error {
	table, err := engine.Tiers(ctx)
	if err != nil {
		logger.Warn("failed to load vip tier table", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return nil
	}
	if len(table) > 0 {
		return nil
	}
	if cfg.Database.Driver != config.DriverMemory {
		logger.Warn("vip tier table is empty, product submission will fail until `seed-tiers` runs")
		return nil
	}
	return engine.ReplaceTiers(ctx, ledger.DefaultTiers())
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/vip-ledger/api"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/moderation"
	"github.com/warp/vip-ledger/observability"
	"github.com/warp/vip-ledger/product"
	"github.com/warp/vip-ledger/withdrawal"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API together with the audit dispatcher and, when enabled,
the combined-group sweeper. SIGINT/SIGTERM drain in-flight requests, stop
the sweeper and flush queued audit entries before exiting.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	metrics := observability.NewMetrics()
	engine, err := newEngine(cfg, b, ledger.WithLogger(logger), ledger.WithObserver(metrics))
	if err != nil {
		return err
	}
	if err := ensureTiers(cmd.Context(), cfg, engine, logger); err != nil {
		return err
	}

	sink, closeSink := auditSink(cfg, b, logger)
	defer closeSink()
	dispatcher := audit.NewDispatcher(sink, logger, cfg.Audit.Buffer, audit.WithDropHook(metrics.AuditDropped))

	// Services. Committed credits re-run combined-group reconciliation.
	policy, _ := product.ParseAccrualPolicy(cfg.Ledger.ProfitAccrual)
	products := product.NewService(engine, product.WithPolicy(policy), product.WithLogger(logger))
	settle := func(ctx context.Context, userID ledger.UserID) {
		if _, err := products.SettlePending(ctx, userID); err != nil {
			logger.Warn("combined group reconciliation failed", zap.String("user_id", string(userID)), zap.Error(err))
		}
	}
	deposits := deposit.NewService(engine,
		deposit.WithContact(cfg.Deposit.Contact),
		deposit.WithAudit(dispatcher),
		deposit.WithFundedHook(settle),
		deposit.WithLogger(logger),
	)
	withdrawals := withdrawal.NewService(engine,
		withdrawal.WithAudit(dispatcher),
		withdrawal.WithReleasedHook(settle),
		withdrawal.WithLogger(logger),
	)
	mod := moderation.NewService(engine, dispatcher, logger)

	var sweeper *product.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper, err = product.NewSweeper(products, cfg.Sweeper.Schedule, logger)
		if err != nil {
			return err
		}
		sweeper.OnSweep(metrics.ObserveSweep)
		sweeper.Start()
	}

	handler := api.NewHandler(engine, products, deposits, withdrawals, mod, logger)
	handler.AuditLog = b.audit
	handler.Metrics = metrics.Handler()
	handler.Health = b.ping

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Database.Driver),
			zap.String("profit_accrual", string(policy)),
			zap.String("audit_sink", cfg.Audit.Sink))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if sweeper != nil {
		if err := sweeper.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	logger.Info("server stopped")
	return errors.Join(errs...)
}

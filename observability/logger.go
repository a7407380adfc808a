/*
Package observability builds the service's logger and Prometheus metrics.

  logger, err := observability.NewLogger("info")
  metrics := observability.NewMetrics()
  engine := ledger.NewEngine(store, ledger.WithLogger(logger), ledger.WithObserver(metrics))
  router.Handle("/metrics", metrics.Handler())
*/
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON production logger at the given level
// ("debug", "info", "warn", "error").
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

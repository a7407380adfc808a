package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, e Entry) error {
	s.logger.Info("audit",
		zap.String("entry_id", e.ID.String()),
		zap.String("actor", e.Actor),
		zap.String("action", string(e.Action)),
		zap.String("target_user", string(e.TargetUser)),
		zap.Any("details", e.Details),
		zap.Time("timestamp", e.Timestamp))
	return nil
}

// StoreSink appends entries to the audit table.
type StoreSink struct {
	store Store
}

func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, e Entry) error {
	return s.store.AppendAudit(ctx, e)
}

// MultiSink fans out to several sinks and returns the first error.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

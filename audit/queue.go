package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task Types
const (
	TypeAuditEntry = "audit:entry"
)

// QueueName is the asynq queue audit tasks are enqueued on.
const QueueName = "low"

func NewAuditEntryTask(e Entry) (*asynq.Task, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAuditEntry, data), nil
}

// Enqueuer is the part of *asynq.Client that QueueSink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands entries to the asynq worker instead of writing them
// in-process. The entry id doubles as the task id, so a re-enqueue of the
// same entry is rejected by redis.
type QueueSink struct {
	client Enqueuer
}

func NewQueueSink(client Enqueuer) *QueueSink {
	return &QueueSink{client: client}
}

func (s *QueueSink) Write(ctx context.Context, e Entry) error {
	task, err := NewAuditEntryTask(e)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(fmt.Sprintf("audit:%s", e.ID)),
		asynq.MaxRetry(5))
	return err
}

// =============================================================================
// WORKER SIDE
// =============================================================================

// TaskHandler consumes audit tasks and writes them to a Sink, normally a
// StoreSink.
type TaskHandler struct {
	sink   Sink
	logger *zap.Logger
}

func NewTaskHandler(sink Sink, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{sink: sink, logger: logger.Named("audit-worker")}
}

func (h *TaskHandler) HandleAuditEntry(ctx context.Context, t *asynq.Task) error {
	var e Entry
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.sink.Write(ctx, e); err != nil {
		h.logger.Warn("audit entry not stored, will retry", zap.String("entry_id", e.ID.String()), zap.Error(err))
		return err
	}
	return nil
}

// Register wires the handler into an asynq mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeAuditEntry, h.HandleAuditEntry)
}

// NewWorkerServer builds the asynq server that drains the audit queue.
func NewWorkerServer(redisAddr string, concurrency int) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				QueueName:  1,
			},
		},
	)
}

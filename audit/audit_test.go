package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/audit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var at = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// =============================================================================
// DISPATCHER
// =============================================================================

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	store := audit.NewMemoryStore()
	d := audit.NewDispatcher(audit.NewStoreSink(store), zap.NewNop(), 16)

	for i := 0; i < 10; i++ {
		d.Record(audit.NewEntry("admin", audit.ActionUserBlocked, "alice", at, nil))
	}
	require.NoError(t, d.Close(context.Background()))

	got, err := store.QueryAudit(context.Background(), audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestDispatcher_FullBuffer_DropsWithoutBlocking(t *testing.T) {
	// GIVEN: a sink that blocks until released and a buffer of 1
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sink := audit.SinkFunc(func(ctx context.Context, e audit.Entry) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	var mu sync.Mutex
	dropped := 0
	core, logs := observer.New(zap.WarnLevel)
	d := audit.NewDispatcher(sink, zap.New(core), 1, audit.WithDropHook(func(audit.Entry) {
		mu.Lock()
		dropped++
		mu.Unlock()
	}))

	// WHEN: one entry is in flight, one buffered, one more arrives
	d.Record(audit.NewEntry("admin", audit.ActionUserFrozen, "a", at, nil))
	<-started
	d.Record(audit.NewEntry("admin", audit.ActionUserFrozen, "b", at, nil))
	d.Record(audit.NewEntry("admin", audit.ActionUserFrozen, "c", at, nil))

	// THEN: the third is dropped and logged, Record returned immediately
	mu.Lock()
	assert.Equal(t, 1, dropped)
	mu.Unlock()
	assert.Equal(t, 1, logs.FilterMessage("audit entry dropped").Len())

	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_SinkError_IsLoggedNotPropagated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := audit.SinkFunc(func(context.Context, audit.Entry) error { return errors.New("db down") })
	d := audit.NewDispatcher(sink, zap.New(core), 4)

	d.Record(audit.NewEntry("admin", audit.ActionUserDeleted, "alice", at, nil))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestDispatcher_RecordAfterClose_Dropped(t *testing.T) {
	store := audit.NewMemoryStore()
	d := audit.NewDispatcher(audit.NewStoreSink(store), zap.NewNop(), 4)
	require.NoError(t, d.Close(context.Background()))

	d.Record(audit.NewEntry("admin", audit.ActionUserDeleted, "alice", at, nil))

	got, _ := store.QueryAudit(context.Background(), audit.Filter{})
	assert.Empty(t, got)
}

// =============================================================================
// SINKS
// =============================================================================

func TestLogSink_WritesStructuredLine(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := audit.NewLogSink(zap.New(core))

	require.NoError(t, sink.Write(context.Background(),
		audit.NewEntry("admin-1", audit.ActionUserCreated, "bob", at, map[string]any{"click_remaining": 5})))

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "admin-1", fields["actor"])
	assert.Equal(t, "user_creation", fields["action"])
	assert.Equal(t, "bob", fields["target_user"])
}

func TestMultiSink_WritesAllReturnsFirstError(t *testing.T) {
	store := audit.NewMemoryStore()
	boom := errors.New("boom")
	multi := audit.MultiSink{
		audit.SinkFunc(func(context.Context, audit.Entry) error { return boom }),
		audit.NewStoreSink(store),
	}

	err := multi.Write(context.Background(), audit.NewEntry("a", audit.ActionUserBlocked, "u", at, nil))

	assert.ErrorIs(t, err, boom)
	got, _ := store.QueryAudit(context.Background(), audit.Filter{})
	assert.Len(t, got, 1)
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	require.NoError(t, store.AppendAudit(ctx, audit.NewEntry("admin-1", audit.ActionUserBlocked, "alice", at, nil)))
	require.NoError(t, store.AppendAudit(ctx, audit.NewEntry("admin-2", audit.ActionUserFrozen, "alice", at, nil)))
	require.NoError(t, store.AppendAudit(ctx, audit.NewEntry("admin-1", audit.ActionUserDeleted, "bob", at, nil)))

	byActor, _ := store.QueryAudit(ctx, audit.Filter{Actor: "admin-1"})
	assert.Len(t, byActor, 2)

	byTarget, _ := store.QueryAudit(ctx, audit.Filter{TargetUser: "alice", Actions: []audit.Action{audit.ActionUserFrozen}})
	require.Len(t, byTarget, 1)
	assert.Equal(t, "admin-2", byTarget[0].Actor)

	latest, _ := store.QueryAudit(ctx, audit.Filter{Limit: 1})
	require.Len(t, latest, 1)
	assert.Equal(t, audit.ActionUserDeleted, latest[0].Action)
}

// =============================================================================
// QUEUE
// =============================================================================

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestQueueSink_EnqueuesThenHandlerStores(t *testing.T) {
	// GIVEN: an entry sent through the queue sink
	ctx := context.Background()
	q := &fakeEnqueuer{}
	entry := audit.NewEntry("admin", audit.ActionDepositApproved, "alice", at, map[string]any{"amount": "100.00"})
	require.NoError(t, audit.NewQueueSink(q).Write(ctx, entry))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, audit.TypeAuditEntry, q.tasks[0].Type())

	// WHEN: the worker processes the task
	store := audit.NewMemoryStore()
	handler := audit.NewTaskHandler(audit.NewStoreSink(store), zap.NewNop())
	require.NoError(t, handler.HandleAuditEntry(ctx, q.tasks[0]))

	// THEN: the stored entry matches
	got, _ := store.QueryAudit(ctx, audit.Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, entry.ID, got[0].ID)
	assert.Equal(t, "100.00", got[0].Details["amount"])
	assert.True(t, entry.Timestamp.Equal(got[0].Timestamp))
}

func TestTaskHandler_BadPayload_SkipsRetry(t *testing.T) {
	handler := audit.NewTaskHandler(audit.NewStoreSink(audit.NewMemoryStore()), zap.NewNop())

	err := handler.HandleAuditEntry(context.Background(), asynq.NewTask(audit.TypeAuditEntry, []byte("{not json")))

	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestEntry_JSONShape(t *testing.T) {
	raw, err := json.Marshal(audit.NewEntry("admin", audit.ActionUserFrozen, "alice", at, nil))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "user_frozen", m["action"])
	assert.Equal(t, "alice", m["target_user"])
	assert.NotContains(t, m, "details")
}

package gormstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/ledger/storetest"
	"github.com/warp/vip-ledger/store/gormstore"
)

// These tests need a running MySQL instance, e.g.
//   LEDGER_MYSQL_DSN="root:root@tcp(localhost:3306)/ledger_test?parseTime=true"

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Database not configured: LEDGER_MYSQL_DSN not set")
	}
	store, err := gormstore.Open(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.DropAll(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() {
		store.DropAll(context.Background())
		store.Close()
	})
	return store
}

func TestGorm_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return newTestStore(t) })
}

func TestGorm_AuditLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	e := audit.NewEntry("admin", audit.ActionUserFrozen, "alice", at, map[string]any{"reason": "chargeback"})
	require.NoError(t, store.AppendAudit(ctx, e))
	require.NoError(t, store.AppendAudit(ctx, e))

	got, err := store.QueryAudit(ctx, audit.Filter{TargetUser: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "chargeback", got[0].Details["reason"])
}

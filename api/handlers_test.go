package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/api"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/ledger/store"
	"github.com/warp/vip-ledger/moderation"
	"github.com/warp/vip-ledger/product"
	"github.com/warp/vip-ledger/withdrawal"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mem    *store.TxMemory
	log    *audit.MemoryStore
	server *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewTxMemory(), log: audit.NewMemoryStore()}
	engine := ledger.NewEngine(f.mem,
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithDefaults(ledger.Defaults{NegativeThreshold: decimal.Zero, ClickRemaining: 10}),
	)
	require.NoError(t, engine.ReplaceTiers(context.Background(), ledger.DefaultTiers()))

	// Synchronous recorder so assertions see entries immediately.
	rec := audit.RecorderFunc(func(e audit.Entry) {
		f.log.AppendAudit(context.Background(), e)
	})
	logger := zap.NewNop()
	products := product.NewService(engine, product.WithLogger(logger))
	h := api.NewHandler(engine,
		products,
		deposit.NewService(engine,
			deposit.WithAudit(rec),
			deposit.WithContact(deposit.Contact{Channel: "telegram", Handle: "@vip_support"}),
			deposit.WithFundedHook(func(ctx context.Context, userID ledger.UserID) {
				products.SettlePending(ctx, userID)
			}),
		),
		withdrawal.NewService(engine, withdrawal.WithAudit(rec)),
		moderation.NewService(engine, rec, logger),
		logger,
	)
	h.AuditLog = f.log
	h.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ledger_operations_total 0\n"))
	})
	f.server = httptest.NewServer(api.NewRouter(h, []string{"*"}))
	t.Cleanup(f.server.Close)
	return f
}

// do sends a JSON request and decodes the JSON response into a generic map
// (or slice, for list endpoints).
func (f *fixture) do(t *testing.T, method, path, actor string, body any) (int, any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out any
	if resp.ContentLength != 0 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func obj(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected JSON object, got %T", v)
	return m
}

func errorCode(t *testing.T, v any) string {
	t.Helper()
	return obj(t, obj(t, v)["error"])["code"].(string)
}

// createFunded opens an account and credits it via a direct deposit.
func (f *fixture) createFunded(t *testing.T, userID, amount string) {
	t.Helper()
	status, _ := f.do(t, http.MethodPost, "/api/admin/accounts", "admin-1", map[string]any{"user_id": userID})
	require.Equal(t, http.StatusCreated, status)
	if amount != "0" {
		status, _ = f.do(t, http.MethodPost, "/api/admin/accounts/"+userID+"/deposits", "admin-1",
			map[string]any{"amount": amount})
		require.Equal(t, http.StatusCreated, status)
	}
}

// =============================================================================
// HAPPY PATHS
// =============================================================================

func TestSubmitProducts_PaysAndReportsProfit(t *testing.T) {
	// GIVEN: alice has 500 (tier 1: 4% single)
	f := setup(t)
	f.createFunded(t, "alice", "500")

	// WHEN: she submits 100 and 50
	status, body := f.do(t, http.MethodPost, "/api/accounts/alice/products", "",
		map[string]any{"amounts": []string{"100", "50"}})

	// THEN: both are paid and 6 profit is credited
	require.Equal(t, http.StatusCreated, status)
	res := obj(t, body)
	assert.Equal(t, "6", res["total_profit"])
	assert.Equal(t, "6", res["accrued"])
	assert.Len(t, res["products"], 2)
	acct := obj(t, res["account"])
	assert.Equal(t, "356", acct["balance"])
	assert.Equal(t, float64(8), acct["click_remaining"])
}

func TestDepositApproval_SettlesCombinedGroup(t *testing.T) {
	// GIVEN: alice has 100 and parks 150 in a combined group
	f := setup(t)
	f.createFunded(t, "alice", "100")
	status, body := f.do(t, http.MethodPost, "/api/accounts/alice/products", "",
		map[string]any{"amounts": []string{"150"}})
	require.Equal(t, http.StatusCreated, status)
	parked := obj(t, obj(t, body)["products"].([]any)[0])
	assert.Equal(t, "pending", parked["status"])

	// WHEN: she requests a 100 deposit and an admin approves it
	status, body = f.do(t, http.MethodPost, "/api/accounts/alice/deposits", "", map[string]any{"amount": "100"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "@vip_support", obj(t, obj(t, body)["contact"])["handle"])
	rechargeID := obj(t, obj(t, body)["recharge"])["id"].(string)

	status, _ = f.do(t, http.MethodPost, "/api/admin/deposits/"+rechargeID+"/approve", "admin-1", nil)
	require.Equal(t, http.StatusOK, status)

	// THEN: the funded hook paid the group: 200 - 150 + 150*8% = 62
	status, body = f.do(t, http.MethodGet, "/api/accounts/alice/products", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", obj(t, body.([]any)[0])["status"])

	_, body = f.do(t, http.MethodGet, "/api/accounts/alice", "", nil)
	assert.Equal(t, "62", obj(t, body)["balance"])

	status, body = f.do(t, http.MethodGet, "/api/deposits/"+rechargeID+"/records", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", obj(t, body.([]any)[0])["status"])
}

func TestWithdrawal_RequestThenReject(t *testing.T) {
	// GIVEN: alice has 300 and asks to withdraw 120
	f := setup(t)
	f.createFunded(t, "alice", "300")
	status, body := f.do(t, http.MethodPost, "/api/accounts/alice/withdrawals", "", map[string]any{"amount": "120"})
	require.Equal(t, http.StatusCreated, status)
	res := obj(t, body)
	assert.Equal(t, "120", obj(t, res["account"])["frozen_balance"])
	id := obj(t, res["withdrawal"])["id"].(string)

	// WHEN: an admin rejects it
	status, body = f.do(t, http.MethodPost, "/api/admin/withdrawals/"+id+"/reject", "admin-2",
		map[string]any{"reason": "name mismatch"})

	// THEN: the reserve returns to the balance
	require.Equal(t, http.StatusOK, status)
	res = obj(t, body)
	wd := obj(t, res["withdrawal"])
	assert.Equal(t, "rejected", wd["status"])
	assert.Equal(t, "name mismatch", wd["rejection_reason"])
	assert.Equal(t, "300", obj(t, res["account"])["balance"])
	assert.Equal(t, "0", obj(t, res["account"])["frozen_balance"])
}

func TestModeration_FreezeBlocksSubmissionAndIsAudited(t *testing.T) {
	f := setup(t)
	f.createFunded(t, "alice", "500")

	status, body := f.do(t, http.MethodPost, "/api/admin/accounts/alice/freeze", "admin-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, obj(t, body)["is_active"])

	status, body = f.do(t, http.MethodPost, "/api/accounts/alice/products", "",
		map[string]any{"amounts": []string{"10"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "account_inactive", errorCode(t, body))

	status, body = f.do(t, http.MethodGet, "/api/admin/audit?target_user=alice&action=user_frozen", "admin-1", nil)
	require.Equal(t, http.StatusOK, status)
	entries := body.([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", obj(t, entries[0])["actor"])
}

func TestTiers_ListAndReplace(t *testing.T) {
	f := setup(t)

	status, body := f.do(t, http.MethodGet, "/api/tiers", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body, 4)

	// A table with a gap above 100 does not cover [0, inf).
	bad := []map[string]any{{
		"level": 1, "min_amount": "0", "max_amount": "100",
		"single_product_percentage": "4", "combined_product_percentage": "8",
	}}
	status, body = f.do(t, http.MethodPut, "/api/admin/tiers", "admin-1", bad)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_tier_table", errorCode(t, body))

	good := []map[string]any{{
		"level": 1, "min_amount": "0", "max_amount": nil,
		"single_product_percentage": "3", "combined_product_percentage": "6",
	}}
	status, _ = f.do(t, http.MethodPut, "/api/admin/tiers", "admin-1", good)
	require.Equal(t, http.StatusOK, status)

	_, body = f.do(t, http.MethodGet, "/api/tiers", "", nil)
	assert.Len(t, body, 1)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	f := setup(t)
	f.createFunded(t, "alice", "50")

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		status int
		code   string
	}{
		{"unknown account", http.MethodGet, "/api/accounts/bob", "", nil, http.StatusNotFound, "not_found"},
		{"malformed id", http.MethodGet, "/api/deposits/not-a-uuid", "", nil, http.StatusBadRequest, "invalid_id"},
		{"zero amount", http.MethodPost, "/api/accounts/alice/deposits", "", map[string]any{"amount": "0"},
			http.StatusBadRequest, "invalid_amount"},
		{"overdraw", http.MethodPost, "/api/accounts/alice/withdrawals", "", map[string]any{"amount": "80"},
			http.StatusUnprocessableEntity, "insufficient_funds"},
		{"duplicate account", http.MethodPost, "/api/admin/accounts", "admin-1", map[string]any{"user_id": "alice"},
			http.StatusConflict, "account_exists"},
		{"malformed body", http.MethodPost, "/api/accounts/alice/products", "", "not an object",
			http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.path, tt.actor, tt.body)

			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}
}

func TestApproveDeposit_TwiceConflicts(t *testing.T) {
	f := setup(t)
	f.createFunded(t, "alice", "0")
	_, body := f.do(t, http.MethodPost, "/api/accounts/alice/deposits", "", map[string]any{"amount": "25"})
	id := obj(t, obj(t, body)["recharge"])["id"].(string)

	status, _ := f.do(t, http.MethodPost, "/api/admin/deposits/"+id+"/approve", "admin-1", nil)
	require.Equal(t, http.StatusOK, status)
	status, body = f.do(t, http.MethodPost, "/api/admin/deposits/"+id+"/approve", "admin-1", nil)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_pending", errorCode(t, body))
	_, body = f.do(t, http.MethodGet, "/api/accounts/alice", "", nil)
	assert.Equal(t, "25", obj(t, body)["balance"], "credited once")
}

func TestStorageFailure_Returns503(t *testing.T) {
	f := setup(t)
	f.createFunded(t, "alice", "100")
	f.mem.FailOn = func(op string) error {
		if op == "create_withdrawal" {
			return errors.New("disk full")
		}
		return nil
	}

	status, body := f.do(t, http.MethodPost, "/api/accounts/alice/withdrawals", "", map[string]any{"amount": "10"})

	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "infrastructure", obj(t, obj(t, body)["error"])["kind"])
	f.mem.FailOn = nil
	_, body = f.do(t, http.MethodGet, "/api/accounts/alice", "", nil)
	assert.Equal(t, "100", obj(t, body)["balance"], "rolled back")
}

func TestAdminRoutes_RequireActor(t *testing.T) {
	f := setup(t)

	status, _ := f.do(t, http.MethodGet, "/api/admin/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodGet, "/api/admin/accounts", "admin-1", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := setup(t)

	status, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", obj(t, body)["status"])

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package withdrawal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/ledger/store"
	"github.com/warp/vip-ledger/withdrawal"
)

var fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc      *withdrawal.Service
	engine   *ledger.Engine
	mem      *store.TxMemory
	entries  []audit.Entry
	released []ledger.UserID
}

func setup(t *testing.T, balance string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{mem: store.NewTxMemory()}
	f.engine = ledger.NewEngine(f.mem,
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithDefaults(ledger.Defaults{NegativeThreshold: d("0"), ClickRemaining: 5}),
	)
	var mu sync.Mutex
	f.svc = withdrawal.NewService(f.engine,
		withdrawal.WithAudit(audit.RecorderFunc(func(e audit.Entry) {
			mu.Lock()
			defer mu.Unlock()
			f.entries = append(f.entries, e)
		})),
		withdrawal.WithReleasedHook(func(_ context.Context, userID ledger.UserID) {
			f.released = append(f.released, userID)
		}),
	)
	_, err := f.engine.OpenAccount(ctx, "alice", ledger.Settings{})
	require.NoError(t, err)
	_, err = f.engine.Fund(ctx, "alice", d(balance))
	require.NoError(t, err)
	return f
}

func (f *fixture) account(t *testing.T) ledger.Account {
	t.Helper()
	acct, err := f.engine.Account(context.Background(), "alice")
	require.NoError(t, err)
	return acct
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_ReservesFunds(t *testing.T) {
	// GIVEN: alice has 100
	f := setup(t, "100")
	ctx := context.Background()

	// WHEN: she asks to withdraw 30
	w, acct, err := f.svc.Request(ctx, "alice", d("30"))

	// THEN: 30 moves from balance to frozen, total is unchanged
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, w.Status)
	assert.True(t, acct.Balance.Equal(d("70")))
	assert.True(t, acct.FrozenBalance.Equal(d("30")))
	assert.True(t, acct.TotalBalance().Equal(d("100")))
	assert.Equal(t, 5, acct.ClickRemaining, "withdrawals do not consume clicks")

	records, err := f.svc.Records(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusPending, records[0].Status)
}

func TestRequest_OverBalance_InsufficientFunds(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()

	_, _, err := f.svc.Request(ctx, "alice", d("100.01"))

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall().Equal(d("0.01")))
	acct := f.account(t)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.True(t, acct.FrozenBalance.IsZero())

	list, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequest_Validation(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()

	_, _, err := f.svc.Request(ctx, "alice", d("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.engine.Update(ctx, "alice", "block", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		a.IsActive = false
		return a, nil
	})
	require.NoError(t, err)
	_, _, err = f.svc.Request(ctx, "alice", d("10"))
	assert.ErrorIs(t, err, ledger.ErrAccountInactive)
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

func TestApprove_SettlesReservedFunds(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()
	req, _, err := f.svc.Request(ctx, "alice", d("30"))
	require.NoError(t, err)

	w, acct, err := f.svc.Approve(ctx, "admin-1", req.ID)

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, w.Status)
	assert.Equal(t, "admin-1", w.ProcessedBy)
	require.NotNil(t, w.CompletedAt)
	assert.True(t, acct.Balance.Equal(d("70")))
	assert.True(t, acct.FrozenBalance.IsZero())
	assert.True(t, acct.CumulativeWithdrawal.Equal(d("30")))

	records, err := f.svc.Records(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusCompleted, records[0].Status)
	require.Len(t, f.entries, 1)
	assert.Equal(t, audit.ActionWithdrawalApproved, f.entries[0].Action)
	assert.Empty(t, f.released)
}

func TestReject_ReleasesReservedFunds(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()
	req, _, err := f.svc.Request(ctx, "alice", d("30"))
	require.NoError(t, err)

	w, acct, err := f.svc.Reject(ctx, "admin-1", req.ID, "  bank details mismatch ")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, w.Status)
	assert.Equal(t, "bank details mismatch", w.RejectionReason)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.True(t, acct.FrozenBalance.IsZero())
	assert.True(t, acct.CumulativeWithdrawal.IsZero())

	records, err := f.svc.Records(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, records[0].Status)
	require.Len(t, f.entries, 1)
	assert.Equal(t, audit.ActionWithdrawalRejected, f.entries[0].Action)
	assert.Equal(t, []ledger.UserID{"alice"}, f.released)
}

func TestTerminalStates_FailClosed(t *testing.T) {
	tests := []struct {
		name   string
		first  func(f *fixture, id uuid.UUID) error
		second func(f *fixture, id uuid.UUID) error
	}{
		{"approve then approve", approve, approve},
		{"approve then reject", approve, reject},
		{"reject then approve", reject, approve},
		{"reject then reject", reject, reject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, "100")
			req, _, err := f.svc.Request(context.Background(), "alice", d("40"))
			require.NoError(t, err)
			require.NoError(t, tt.first(f, req.ID))
			before := f.account(t)

			err = tt.second(f, req.ID)

			assert.ErrorIs(t, err, ledger.ErrNotPending)
			after := f.account(t)
			assert.True(t, before.Balance.Equal(after.Balance))
			assert.True(t, before.FrozenBalance.Equal(after.FrozenBalance))
			assert.True(t, before.CumulativeWithdrawal.Equal(after.CumulativeWithdrawal))
		})
	}
}

func approve(f *fixture, id uuid.UUID) error {
	_, _, err := f.svc.Approve(context.Background(), "admin-1", id)
	return err
}

func reject(f *fixture, id uuid.UUID) error {
	_, _, err := f.svc.Reject(context.Background(), "admin-1", id, "no")
	return err
}

func TestApproveAndRejectRace_ExactlyOneWins(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()
	req, _, err := f.svc.Request(ctx, "alice", d("40"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = approve(f, req.ID) }()
	go func() { defer wg.Done(); errs[1] = reject(f, req.ID) }()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrNotPending)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.True(t, f.account(t).FrozenBalance.IsZero())
}

func TestApprove_UnknownID(t *testing.T) {
	f := setup(t, "100")

	assert.ErrorIs(t, approve(f, uuid.New()), ledger.ErrNotFound)
	assert.ErrorIs(t, approve(f, uuid.Nil), ledger.ErrInvalidID)
}

func TestApprove_StorageFailure_KeepsReservation(t *testing.T) {
	f := setup(t, "100")
	ctx := context.Background()
	req, _, err := f.svc.Request(ctx, "alice", d("40"))
	require.NoError(t, err)
	f.mem.FailOn = func(op string) error {
		if op == "update_withdrawal" {
			return errors.New("timeout")
		}
		return nil
	}

	err = approve(f, req.ID)

	assert.True(t, ledger.IsRetryable(err))
	f.mem.FailOn = nil
	acct := f.account(t)
	assert.True(t, acct.FrozenBalance.Equal(d("40")))
	assert.True(t, acct.CumulativeWithdrawal.IsZero())
	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
}

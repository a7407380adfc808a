package deposit_test

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
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/ledger/store"
)

var fixedNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

type fixture struct {
	svc    *deposit.Service
	engine *ledger.Engine
	mem    *store.TxMemory
	audit  *recorder
	funded []ledger.UserID
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewTxMemory(), audit: &recorder{}}
	f.engine = ledger.NewEngine(f.mem,
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithDefaults(ledger.Defaults{NegativeThreshold: d("10"), ClickRemaining: 5}),
	)
	var mu sync.Mutex
	f.svc = deposit.NewService(f.engine,
		deposit.WithContact(deposit.Contact{Channel: "telegram", Handle: "@support"}),
		deposit.WithAudit(f.audit),
		deposit.WithFundedHook(func(_ context.Context, userID ledger.UserID) {
			mu.Lock()
			defer mu.Unlock()
			f.funded = append(f.funded, userID)
		}),
	)
	_, err := f.engine.OpenAccount(context.Background(), "alice", ledger.Settings{})
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, userID ledger.UserID) decimal.Decimal {
	t.Helper()
	acct, err := f.engine.Account(context.Background(), userID)
	require.NoError(t, err)
	return acct.Balance
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_CreatesPendingRechargeAndRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req, err := f.svc.Request(ctx, "alice", d("250"))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, req.Recharge.Status)
	assert.Equal(t, "telegram", req.Contact.Channel)
	assert.Equal(t, "@support", req.Contact.Handle)
	assert.True(t, f.balance(t, "alice").IsZero(), "request does not credit")

	got, err := f.svc.Get(ctx, req.Recharge.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	records, err := f.svc.Records(ctx, req.Recharge.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusPending, records[0].Status)
}

func TestRequest_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "alice", d("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

	_, err = f.svc.Request(ctx, "alice", d("-1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = f.svc.Request(ctx, "ghost", d("10"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRequest_InactiveAccount_Rejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.engine.Update(ctx, "alice", "freeze", func(_ ledger.Store, a ledger.Account) (ledger.Account, error) {
		a.IsActive = false
		return a, nil
	})
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, "alice", d("10"))

	assert.ErrorIs(t, err, ledger.ErrAccountInactive)
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_CreditsAndCompletesEverything(t *testing.T) {
	// GIVEN: a pending request of 250
	f := setup(t)
	ctx := context.Background()
	req, err := f.svc.Request(ctx, "alice", d("250"))
	require.NoError(t, err)

	// WHEN: an admin approves it
	r, acct, err := f.svc.Approve(ctx, "admin-1", req.Recharge.ID)

	// THEN: the account, the recharge and its record all move together
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("250")))
	assert.False(t, acct.IsPending)
	assert.Equal(t, ledger.StatusCompleted, r.Status)
	assert.Equal(t, "admin-1", r.ApprovedBy)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, fixedNow, *r.CompletedAt)

	records, err := f.svc.Records(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusCompleted, records[0].Status)

	assert.Equal(t, []audit.Action{audit.ActionDepositApproved}, f.audit.actions())
	assert.Equal(t, []ledger.UserID{"alice"}, f.funded)
}

func TestApprove_Twice_CreditsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req, err := f.svc.Request(ctx, "alice", d("100"))
	require.NoError(t, err)

	_, _, err = f.svc.Approve(ctx, "admin-1", req.Recharge.ID)
	require.NoError(t, err)
	_, _, err = f.svc.Approve(ctx, "admin-1", req.Recharge.ID)

	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assert.Equal(t, "not_pending", ledger.Code(err))
	assert.True(t, f.balance(t, "alice").Equal(d("100")))
}

func TestApprove_ConcurrentApprovals_ExactlyOneSucceeds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req, err := f.svc.Request(ctx, "alice", d("100"))
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.svc.Approve(ctx, "admin-1", req.Recharge.ID)
		}(i)
	}
	wg.Wait()

	ok, notPending := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrNotPending):
			notPending++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, notPending)
	assert.True(t, f.balance(t, "alice").Equal(d("100")))
}

func TestApprove_UnknownOrEmptyID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _, err := f.svc.Approve(ctx, "admin-1", uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, _, err = f.svc.Approve(ctx, "admin-1", uuid.Nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidID)
}

func TestApprove_StorageFailure_LeavesEverythingPending(t *testing.T) {
	// GIVEN: the record update will fail
	f := setup(t)
	ctx := context.Background()
	req, err := f.svc.Request(ctx, "alice", d("100"))
	require.NoError(t, err)
	f.mem.FailOn = func(op string) error {
		if op == "complete_record" {
			return errors.New("connection reset")
		}
		return nil
	}

	// WHEN: approving
	_, _, err = f.svc.Approve(ctx, "admin-1", req.Recharge.ID)

	// THEN: infrastructure error, nothing credited, still approvable later
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.True(t, f.balance(t, "alice").IsZero())
	assert.Empty(t, f.audit.actions())

	f.mem.FailOn = nil
	_, acct, err := f.svc.Approve(ctx, "admin-1", req.Recharge.ID)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))
}

// =============================================================================
// DIRECT / LIST
// =============================================================================

func TestDirect_CreatesCompletedRecharge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r, acct, err := f.svc.Direct(ctx, "admin-1", "alice", d("75"))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, r.Status)
	assert.True(t, acct.Balance.Equal(d("75")))
	records, err := f.svc.Records(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusCompleted, records[0].Status)
	assert.Equal(t, []audit.Action{audit.ActionDirectDeposit}, f.audit.actions())

	_, _, err = f.svc.Approve(ctx, "admin-1", r.ID)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
}

func TestDirect_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _, err := f.svc.Direct(ctx, "admin-1", "alice", d("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, _, err = f.svc.Direct(ctx, "admin-1", "ghost", d("5"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Empty(t, f.funded)
}

func TestDirect_RejectsSubScaleAmount(t *testing.T) {
	// GIVEN: an account with no funds
	f := setup(t)
	ctx := context.Background()

	// WHEN: an admin credits an amount with nine decimal places
	_, _, err := f.svc.Direct(ctx, "admin-1", "alice", d("0.000000001"))

	// THEN: it is refused before anything is written
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.True(t, f.balance(t, "alice").IsZero())
	list, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.audit.actions())
	assert.Empty(t, f.funded)
}

func TestRequest_RejectsSubScaleAmount(t *testing.T) {
	// GIVEN: an active account
	f := setup(t)

	// WHEN: the user asks to deposit a nine-place amount
	_, err := f.svc.Request(context.Background(), "alice", d("12.345678901"))

	// THEN: the request is refused
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestList_ReturnsUserRecharges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Request(ctx, "alice", d("10"))
	require.NoError(t, err)
	_, _, err = f.svc.Direct(ctx, "admin-1", "alice", d("20"))
	require.NoError(t, err)

	list, err := f.svc.List(ctx, "alice")

	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = f.svc.List(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

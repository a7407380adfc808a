// Package storetest is a conformance suite every ledger.TxStore must pass.
package storetest

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
	"github.com/warp/vip-ledger/ledger"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) ledger.TxStore

var base = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountRoundTrip", func(t *testing.T) { testAccountRoundTrip(t, newStore(t)) })
	t.Run("AccountExists", func(t *testing.T) { testAccountExists(t, newStore(t)) })
	t.Run("AccountNotFound", func(t *testing.T) { testAccountNotFound(t, newStore(t)) })
	t.Run("TiersReplace", func(t *testing.T) { testTiersReplace(t, newStore(t)) })
	t.Run("ProductsAndGroups", func(t *testing.T) { testProductsAndGroups(t, newStore(t)) })
	t.Run("PendingGroupsOldestFirst", func(t *testing.T) { testPendingGroupsOldestFirst(t, newStore(t)) })
	t.Run("RechargeLifecycle", func(t *testing.T) { testRechargeLifecycle(t, newStore(t)) })
	t.Run("WithdrawalLifecycle", func(t *testing.T) { testWithdrawalLifecycle(t, newStore(t)) })
	t.Run("RecordsComplete", func(t *testing.T) { testRecordsComplete(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("LockAccountSerializes", func(t *testing.T) { testLockAccountSerializes(t, newStore(t)) })
}

func newAccount(userID ledger.UserID) ledger.Account {
	a := ledger.NewAccount(userID, d("10"), 3)
	a.CreatedAt = base
	a.UpdatedAt = base
	return a
}

// SeedAccount creates an account with the given balance, for suites that
// need a parent row before writing products or requests.
func SeedAccount(t *testing.T, s ledger.Store, userID ledger.UserID, balance string) ledger.Account {
	t.Helper()
	a := newAccount(userID)
	a, err := a.Fund(d(balance))
	require.NoError(t, err)
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func testAccountRoundTrip(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := SeedAccount(t, s, "alice", "123.45")

	got, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("123.45")))
	assert.True(t, got.NegativeThreshold.Equal(d("10")))
	assert.Equal(t, 3, got.ClickRemaining)
	assert.Equal(t, a.IsPending, got.IsPending)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.DeletedAt)
	assert.True(t, got.CreatedAt.Equal(base))

	deleted := base.Add(time.Hour)
	got.IsActive = false
	got.DeletedAt = &deleted
	got.FrozenBalance = d("5.5")
	got.ProfitEarned = d("0.01")
	require.NoError(t, s.SaveAccount(ctx, got))

	again, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, again.IsActive)
	require.NotNil(t, again.DeletedAt)
	assert.True(t, again.DeletedAt.Equal(deleted))
	assert.True(t, again.FrozenBalance.Equal(d("5.5")))
	assert.True(t, again.ProfitEarned.Equal(d("0.01")))

	SeedAccount(t, s, "bob", "0")
	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.UserID("alice"), all[0].UserID)
}

func testAccountExists(t *testing.T, s ledger.TxStore) {
	SeedAccount(t, s, "alice", "0")
	err := s.CreateAccount(context.Background(), newAccount("alice"))
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func testAccountNotFound(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	_, err := s.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	err = s.SaveAccount(ctx, newAccount("ghost"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testTiersReplace(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.ReplaceTiers(ctx, ledger.DefaultTiers()))
	require.NoError(t, s.ReplaceTiers(ctx, ledger.DefaultTiers()))

	table, err := s.LoadTiers(ctx)
	require.NoError(t, err)
	table = table.Sorted()
	require.Len(t, table, 4)
	require.NoError(t, table.Validate())
	assert.Nil(t, table[3].MaxAmount)
	require.NotNil(t, table[0].MaxAmount)
	assert.True(t, table[0].MaxAmount.Equal(d("1000")))
	assert.True(t, table[1].SingleProductPercentage.Equal(d("5")))
	assert.Equal(t, 45, table[1].ProductsPerSection)
}

func testProductsAndGroups(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "0")
	SeedAccount(t, s, "bob", "0")

	sub := ledger.Submission{ID: uuid.New(), UserID: "alice", TotalProfit: d("1"), CreatedAt: base}
	require.NoError(t, s.CreateSubmission(ctx, sub))
	bobSub := ledger.Submission{ID: uuid.New(), UserID: "bob", TotalProfit: d("0"), CreatedAt: base}
	require.NoError(t, s.CreateSubmission(ctx, bobSub))

	group := uuid.New()
	direct := ledger.Product{ID: uuid.New(), UserID: "alice", SubmissionID: sub.ID, Amount: d("10"),
		Profit: d("0.40"), ProfitAccrued: true, Status: ledger.StatusSubmitted, CreatedAt: base}
	held1 := ledger.Product{ID: uuid.New(), UserID: "alice", SubmissionID: sub.ID, Amount: d("20"),
		IsCombined: true, CombinedGroupID: &group, Profit: d("1.60"), Status: ledger.StatusPending, CreatedAt: base.Add(time.Second)}
	held2 := ledger.Product{ID: uuid.New(), UserID: "alice", SubmissionID: sub.ID, Amount: d("30"),
		IsCombined: true, CombinedGroupID: &group, Profit: d("2.40"), Status: ledger.StatusPending, CreatedAt: base.Add(2 * time.Second)}
	bobGroup := uuid.New()
	bobHeld := ledger.Product{ID: uuid.New(), UserID: "bob", SubmissionID: bobSub.ID, Amount: d("5"),
		IsCombined: true, CombinedGroupID: &bobGroup, Profit: d("0.40"), Status: ledger.StatusPending, CreatedAt: base}
	for _, p := range []ledger.Product{direct, held1, held2, bobHeld} {
		require.NoError(t, s.CreateProduct(ctx, p))
	}

	byUser, err := s.ProductsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 3)
	assert.Equal(t, direct.ID, byUser[0].ID)
	assert.True(t, byUser[0].ProfitAccrued)

	inGroup, err := s.ProductsByGroup(ctx, "alice", group)
	require.NoError(t, err)
	require.Len(t, inGroup, 2)
	assert.Equal(t, held1.ID, inGroup[0].ID)
	require.NotNil(t, inGroup[0].CombinedGroupID)
	assert.Equal(t, group, *inGroup[0].CombinedGroupID)

	other, err := s.ProductsByGroup(ctx, "bob", group)
	require.NoError(t, err)
	assert.Empty(t, other, "groups are scoped to their owner")

	all, err := s.PendingGroups(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := s.PendingGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []ledger.GroupRef{{UserID: "alice", GroupID: group}}, mine)

	completed := base.Add(time.Minute)
	for _, p := range inGroup {
		p.Status = ledger.StatusCompleted
		p.CompletedAt = &completed
		p.ProfitAccrued = true
		require.NoError(t, s.UpdateProduct(ctx, p))
	}
	mine, err = s.PendingGroups(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mine)

	err = s.UpdateProduct(ctx, ledger.Product{ID: uuid.New(), Status: ledger.StatusCompleted})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testPendingGroupsOldestFirst(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "0")
	SeedAccount(t, s, "bob", "0")

	// GIVEN: two alice groups where the older one has the larger id
	older := uuid.MustParse("ffffffff-0000-4000-8000-000000000000")
	newer := uuid.MustParse("00000000-0000-4000-8000-000000000001")
	bobGroup := uuid.MustParse("00000000-0000-4000-8000-000000000002")
	held := func(userID ledger.UserID, sub uuid.UUID, group *uuid.UUID, at time.Time) ledger.Product {
		return ledger.Product{ID: uuid.New(), UserID: userID, SubmissionID: sub, Amount: d("10"),
			IsCombined: true, CombinedGroupID: group, Profit: d("0.80"), Status: ledger.StatusPending, CreatedAt: at}
	}
	sub := ledger.Submission{ID: uuid.New(), UserID: "alice", TotalProfit: d("0"), CreatedAt: base}
	bobSub := ledger.Submission{ID: uuid.New(), UserID: "bob", TotalProfit: d("0"), CreatedAt: base}
	require.NoError(t, s.CreateSubmission(ctx, sub))
	require.NoError(t, s.CreateSubmission(ctx, bobSub))
	for _, p := range []ledger.Product{
		held("alice", sub.ID, &newer, base.Add(time.Hour)),
		held("bob", bobSub.ID, &bobGroup, base.Add(-time.Hour)),
		held("alice", sub.ID, &older, base),
		held("alice", sub.ID, &older, base.Add(2*time.Hour)),
	} {
		require.NoError(t, s.CreateProduct(ctx, p))
	}

	// WHEN: the pending groups are listed
	mine, err := s.PendingGroups(ctx, "alice")
	require.NoError(t, err)
	all, err := s.PendingGroups(ctx, "")
	require.NoError(t, err)

	// THEN: each user's groups come oldest first regardless of id
	assert.Equal(t, []ledger.GroupRef{
		{UserID: "alice", GroupID: older},
		{UserID: "alice", GroupID: newer},
	}, mine)
	assert.Equal(t, []ledger.GroupRef{
		{UserID: "alice", GroupID: older},
		{UserID: "alice", GroupID: newer},
		{UserID: "bob", GroupID: bobGroup},
	}, all)
}

func testRechargeLifecycle(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "0")

	r := ledger.Recharge{ID: uuid.New(), UserID: "alice", Amount: d("99.99"), Status: ledger.StatusPending, CreatedAt: base}
	require.NoError(t, s.CreateRecharge(ctx, r))

	got, err := s.GetRecharge(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.True(t, got.Amount.Equal(d("99.99")))
	assert.Nil(t, got.CompletedAt)

	done := base.Add(time.Hour)
	got.Status = ledger.StatusCompleted
	got.ApprovedBy = "admin"
	got.CompletedAt = &done
	require.NoError(t, s.UpdateRecharge(ctx, got))

	list, err := s.RechargesByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.StatusCompleted, list[0].Status)
	assert.Equal(t, "admin", list[0].ApprovedBy)
	require.NotNil(t, list[0].CompletedAt)
	assert.True(t, list[0].CompletedAt.Equal(done))

	_, err = s.GetRecharge(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testWithdrawalLifecycle(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "0")

	w := ledger.Withdrawal{ID: uuid.New(), UserID: "alice", Amount: d("12"), Status: ledger.StatusPending, CreatedAt: base}
	require.NoError(t, s.CreateWithdrawal(ctx, w))

	got, err := s.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	got.Status = ledger.StatusRejected
	got.ProcessedBy = "admin"
	got.RejectionReason = "kyc"
	require.NoError(t, s.UpdateWithdrawal(ctx, got))

	list, err := s.WithdrawalsByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.StatusRejected, list[0].Status)
	assert.Equal(t, "kyc", list[0].RejectionReason)

	_, err = s.GetWithdrawal(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testRecordsComplete(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	parent := uuid.New()
	rec := ledger.TransactionRecord{ID: uuid.New(), Kind: ledger.RecordRecharge, ParentID: parent,
		UserID: "alice", Status: ledger.StatusPending, TransactionTime: base}
	require.NoError(t, s.AppendRecord(ctx, rec))

	later := base.Add(time.Hour)
	require.NoError(t, s.CompleteRecord(ctx, ledger.RecordRecharge, parent, ledger.StatusCompleted, later))

	recs, err := s.Records(ctx, ledger.RecordRecharge, parent)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.Equal(t, ledger.StatusCompleted, recs[0].Status)
	assert.True(t, recs[0].TransactionTime.Equal(later))

	none, err := s.Records(ctx, ledger.RecordWithdrawal, parent)
	require.NoError(t, err)
	assert.Empty(t, none, "kind is part of the key")

	err = s.CompleteRecord(ctx, ledger.RecordRecharge, uuid.New(), ledger.StatusCompleted, later)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testWithTxRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "50")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		a, err := tx.LockAccount(ctx, "alice")
		if err != nil {
			return err
		}
		a.Balance = d("0")
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.CreateRecharge(ctx, ledger.Recharge{ID: uuid.New(), UserID: "alice", Amount: d("1"),
			Status: ledger.StatusPending, CreatedAt: base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("50")), "balance rolled back")
	list, err := s.RechargesByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list, "recharge rolled back")
}

// testLockAccountSerializes runs read-modify-write increments through
// WithTx + LockAccount only, with no engine lock, and expects no lost
// updates.
func testLockAccountSerializes(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	SeedAccount(t, s, "alice", "0")

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx ledger.Store) error {
				a, err := tx.LockAccount(ctx, "alice")
				if err != nil {
					return err
				}
				a, err = a.Fund(d("1"))
				if err != nil {
					return err
				}
				return tx.SaveAccount(ctx, a)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("8")), "got %s", a.Balance)
}

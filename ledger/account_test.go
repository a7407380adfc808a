package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vip-ledger/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intp(v int) *int { return &v }

func decp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func funded(balance string, threshold string, clicks int) ledger.Account {
	a := ledger.NewAccount("user-1", d(threshold), clicks)
	a, _ = a.Fund(d(balance))
	return a
}

// =============================================================================
// DEDUCT
// =============================================================================

func TestDeduct_WithinBalance_DecrementsBalanceAndClicks(t *testing.T) {
	a := funded("100", "0", 3)

	got, err := a.Deduct(d("40"))

	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("60")))
	assert.Equal(t, 2, got.ClickRemaining)
	assert.False(t, got.IsPending)
}

func TestDeduct_OverSpend_LeavesAccountUnchanged(t *testing.T) {
	// GIVEN: balance 50, 2 clicks
	// WHEN: deducting 51
	// THEN: InsufficientFunds, nothing moves
	a := funded("50", "10", 2)

	got, err := a.Deduct(d("51"))

	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall().Equal(d("1")))

	assert.True(t, got.Balance.Equal(a.Balance))
	assert.Equal(t, a.ClickRemaining, got.ClickRemaining)
	assert.Equal(t, a.IsPending, got.IsPending)
}

func TestDeduct_NegativeAmount_Rejected(t *testing.T) {
	a := funded("50", "0", 1)

	_, err := a.Deduct(d("-1"))

	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
}

func TestDeduct_ClicksFloorAtZero(t *testing.T) {
	a := funded("50", "0", 0)

	got, err := a.Deduct(d("1"))

	require.NoError(t, err)
	assert.Equal(t, 0, got.ClickRemaining)
	assert.True(t, got.IsPending)
}

func TestDeduct_ExactBalance_Allowed(t *testing.T) {
	a := funded("25.50", "-1", 5)

	got, err := a.Deduct(d("25.50"))

	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

// =============================================================================
// FUND / PROFIT
// =============================================================================

func TestFund_NegativeAmount_Rejected(t *testing.T) {
	a := funded("0", "0", 1)

	_, err := a.Fund(d("-5"))

	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
}

func TestFund_ClearsPendingOnlyWhenBothConditionsRecover(t *testing.T) {
	// GIVEN: balance=50, threshold=10, clicks=1
	a := funded("50", "10", 1)
	require.False(t, a.IsPending)

	// WHEN: deduct 45 -> balance=5, clicks=0
	a, err := a.Deduct(d("45"))
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("5")))
	assert.Equal(t, 0, a.ClickRemaining)
	assert.True(t, a.IsPending)

	// WHEN: fund 100 with clicks still at 0
	a, err = a.Fund(d("100"))
	require.NoError(t, err)

	// THEN: balance recovered but pending stays set
	assert.True(t, a.Balance.Equal(d("105")))
	assert.True(t, a.IsPending, "no clicks left, pending must stay true")

	// WHEN: admin replenishes clicks
	a, err = a.Configure(ledger.Settings{ClickRemaining: intp(3)})
	require.NoError(t, err)
	assert.False(t, a.IsPending)
}

func TestFund_BalanceAtThreshold_StaysPending(t *testing.T) {
	a := funded("0", "10", 5)

	a, err := a.Fund(d("10"))

	require.NoError(t, err)
	assert.True(t, a.IsPending, "balance <= threshold is pending")
}

func TestAddProfit_CreditsBalanceAndProfit(t *testing.T) {
	a := funded("10", "0", 1)

	got, err := a.AddProfit(d("2.50"))

	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("12.50")))
	assert.True(t, got.ProfitEarned.Equal(d("2.50")))
}

func TestAddProfit_NegativeAmount_Rejected(t *testing.T) {
	_, err := funded("10", "0", 1).AddProfit(d("-0.01"))
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
}

// =============================================================================
// RESERVE / RELEASE / SETTLE
// =============================================================================

func TestReserveAndSettle_MovesFundsOut(t *testing.T) {
	a := funded("100", "0", 1)

	a, err := a.Reserve(d("30"))
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d("70")))
	assert.True(t, a.FrozenBalance.Equal(d("30")))
	assert.True(t, a.TotalBalance().Equal(d("100")))

	a, err = a.Settle(d("30"))
	require.NoError(t, err)
	assert.True(t, a.FrozenBalance.IsZero())
	assert.True(t, a.CumulativeWithdrawal.Equal(d("30")))
	assert.True(t, a.TotalBalance().Equal(d("70")))
}

func TestReserveAndRelease_RestoresBalance(t *testing.T) {
	a := funded("100", "0", 1)

	a, err := a.Reserve(d("30"))
	require.NoError(t, err)
	a, err = a.Release(d("30"))
	require.NoError(t, err)

	assert.True(t, a.Balance.Equal(d("100")))
	assert.True(t, a.FrozenBalance.IsZero())
	assert.True(t, a.CumulativeWithdrawal.IsZero())
}

func TestReserve_OverBalance_Rejected(t *testing.T) {
	_, err := funded("10", "0", 1).Reserve(d("10.01"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestSettle_MoreThanFrozen_FailsClosed(t *testing.T) {
	a := funded("100", "0", 1)
	a, _ = a.Reserve(d("10"))

	got, err := a.Settle(d("11"))

	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.True(t, got.FrozenBalance.Equal(d("10")))
}

func TestRelease_MoreThanFrozen_FailsClosed(t *testing.T) {
	_, err := funded("100", "0", 1).Release(d("1"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

// =============================================================================
// CONFIGURE / INVARIANTS
// =============================================================================

func TestConfigure_NegativeClicks_Rejected(t *testing.T) {
	_, err := funded("10", "0", 1).Configure(ledger.Settings{ClickRemaining: intp(-1)})
	assert.ErrorIs(t, err, ledger.ErrInvalidSettings)
}

func TestConfigure_RaisingThreshold_SetsPending(t *testing.T) {
	a := funded("10", "0", 5)

	a, err := a.Configure(ledger.Settings{NegativeThreshold: decp("20")})

	require.NoError(t, err)
	assert.True(t, a.IsPending)
}

func TestCheckInvariants_DetectsStalePendingFlag(t *testing.T) {
	a := funded("10", "0", 5)
	a.IsPending = true

	assert.ErrorIs(t, a.CheckInvariants(), ledger.ErrInvariantViolation)
}

func TestCheckInvariants_DetectsNegativeBalance(t *testing.T) {
	a := funded("10", "0", 5)
	a.Balance = d("-1")

	err := a.CheckInvariants()
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.Equal(t, ledger.KindInvariant, ledger.KindOf(err))
}

func TestNonNegativity_HoldsAcrossMixedSequence(t *testing.T) {
	a := funded("0", "5", 100)
	steps := []struct {
		op     string
		amount string
	}{
		{"fund", "20"}, {"deduct", "15"}, {"deduct", "10"}, {"profit", "1.25"},
		{"deduct", "6.25"}, {"fund", "0"}, {"deduct", "0.01"}, {"profit", "0"},
	}
	for _, s := range steps {
		var next ledger.Account
		var err error
		switch s.op {
		case "fund":
			next, err = a.Fund(d(s.amount))
		case "deduct":
			next, err = a.Deduct(d(s.amount))
		case "profit":
			next, err = a.AddProfit(d(s.amount))
		}
		if err == nil {
			a = next
		}
		require.NoError(t, a.CheckInvariants(), "after %s %s", s.op, s.amount)
		assert.False(t, a.Balance.IsNegative())
		assert.False(t, a.FrozenBalance.IsNegative())
	}
}

func TestCanAffordCombined(t *testing.T) {
	a := funded("100", "0", 1)
	batch := []ledger.Product{{Amount: d("60")}, {Amount: d("40")}}

	assert.True(t, a.CanAffordCombined(batch))
	assert.False(t, a.CanAffordCombined(append(batch, ledger.Product{Amount: d("0.01")})))
}

// =============================================================================
// GUARDS
// =============================================================================

func TestRequirePositive(t *testing.T) {
	assert.NoError(t, ledger.RequirePositive(d("0.01")))
	assert.ErrorIs(t, ledger.RequirePositive(d("0")), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, ledger.RequirePositive(d("-5")), ledger.ErrInvalidAmount)
}

func TestRequirePositive_Scale(t *testing.T) {
	// GIVEN: amounts at and past eight decimal places
	// WHEN: they are validated
	// THEN: only those with non-zero digits past the eighth place are refused
	assert.NoError(t, ledger.RequirePositive(d("0.00000001")))
	assert.NoError(t, ledger.RequirePositive(d("1.50000000000")))

	err := ledger.RequirePositive(d("0.000000001"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	assert.ErrorContains(t, err, "more than 8 decimal places")
	assert.ErrorIs(t, ledger.RequirePositive(d("10.123456789")), ledger.ErrInvalidAmount)
}

func TestRequireActive(t *testing.T) {
	a := ledger.NewAccount("user-1", d("0"), 1)
	require.NoError(t, a.RequireActive())

	a.IsActive = false
	err := a.RequireActive()

	assert.ErrorIs(t, err, ledger.ErrAccountInactive)
	assert.Equal(t, ledger.KindBusiness, ledger.KindOf(err))
}

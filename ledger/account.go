/*
account.go - Pure ledger arithmetic over an Account value

PURPOSE:
  Every balance rule lives here as a value-receiver method that returns
  a NEW Account or an error. Nothing is persisted and nothing is mutated
  in place, so a failed operation can never leave a half-applied change.
  Engine.Update decides when the returned value is written.

OPERATIONS:
  Deduct(amount):    balance -= amount, clicks -= 1 (floored at 0)
  Fund(amount):      balance += amount
  AddProfit(amount): balance += amount, profitEarned += amount
  Reserve(amount):   balance -> frozen (withdrawal request)
  Release(amount):   frozen -> balance (withdrawal rejected)
  Settle(amount):    frozen -> out, cumulativeWithdrawal += amount
  Configure(s):      admin threshold / click allowance

PENDING FLAG:
  Every operation recomputes IsPending from scratch:
    IsPending = Balance <= NegativeThreshold || ClickRemaining <= 0
  Fund therefore clears the flag only when both conditions recover.
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// DERIVED VALUES
// =============================================================================

// derivePending is the single definition of the pending flag.
func derivePending(balance, threshold decimal.Decimal, clicks int) bool {
	return balance.LessThanOrEqual(threshold) || clicks <= 0
}

// withPending returns a copy with IsPending recomputed.
func (a Account) withPending() Account {
	a.IsPending = derivePending(a.Balance, a.NegativeThreshold, a.ClickRemaining)
	return a
}

// TotalBalance is spendable plus frozen funds.
func (a Account) TotalBalance() decimal.Decimal {
	return a.Balance.Add(a.FrozenBalance)
}

// Active reports whether user-initiated flows may run on this account.
func (a Account) Active() bool {
	return a.IsActive && a.DeletedAt == nil
}

// CanAffordCombined is true iff the balance covers the whole batch.
func (a Account) CanAffordCombined(products []Product) bool {
	total := decimal.Zero
	for _, p := range products {
		total = total.Add(p.Amount)
	}
	return a.Balance.GreaterThanOrEqual(total)
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

func checkNonNegative(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return reason(ErrNegativeAmount, "%s", amount.String())
	}
	return nil
}

// MaxScale is the number of decimal places a request amount may carry.
const MaxScale = 8

// RequirePositive rejects zero and negative request amounts, and amounts
// finer than MaxScale places. Trailing zeros past MaxScale are accepted.
func RequirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return reason(ErrInvalidAmount, "%s", amount.String())
	}
	if !amount.Equal(amount.Truncate(MaxScale)) {
		return reason(ErrInvalidAmount, "%s has more than %d decimal places", amount.String(), MaxScale)
	}
	return nil
}

// RequireActive rejects user-initiated flows on blocked, frozen or deleted
// accounts.
func (a Account) RequireActive() error {
	if !a.Active() {
		return reason(ErrAccountInactive, "account %s", a.UserID)
	}
	return nil
}

// Deduct removes amount from the spendable balance and consumes one click.
func (a Account) Deduct(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	if amount.GreaterThan(a.Balance) {
		return a, &InsufficientFundsError{UserID: a.UserID, Available: a.Balance, Requested: amount}
	}
	a.Balance = a.Balance.Sub(amount)
	if a.ClickRemaining > 0 {
		a.ClickRemaining--
	}
	return a.withPending(), nil
}

// Fund credits amount to the spendable balance.
func (a Account) Fund(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	a.Balance = a.Balance.Add(amount)
	return a.withPending(), nil
}

// AddProfit credits amount to both the balance and the earned-profit total.
func (a Account) AddProfit(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	a.ProfitEarned = a.ProfitEarned.Add(amount)
	a.Balance = a.Balance.Add(amount)
	return a.withPending(), nil
}

// Reserve moves amount from balance into frozen funds.
func (a Account) Reserve(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	if amount.GreaterThan(a.Balance) {
		return a, &InsufficientFundsError{UserID: a.UserID, Available: a.Balance, Requested: amount}
	}
	a.Balance = a.Balance.Sub(amount)
	a.FrozenBalance = a.FrozenBalance.Add(amount)
	return a.withPending(), nil
}

// Release returns previously reserved funds to the balance.
func (a Account) Release(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	if amount.GreaterThan(a.FrozenBalance) {
		return a, reason(ErrInvariantViolation, "release %s exceeds frozen %s", amount, a.FrozenBalance)
	}
	a.FrozenBalance = a.FrozenBalance.Sub(amount)
	a.Balance = a.Balance.Add(amount)
	return a.withPending(), nil
}

// Settle removes reserved funds from the system permanently.
func (a Account) Settle(amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return a, err
	}
	if amount.GreaterThan(a.FrozenBalance) {
		return a, reason(ErrInvariantViolation, "settle %s exceeds frozen %s", amount, a.FrozenBalance)
	}
	a.FrozenBalance = a.FrozenBalance.Sub(amount)
	a.CumulativeWithdrawal = a.CumulativeWithdrawal.Add(amount)
	return a.withPending(), nil
}

// Configure applies admin settings. It is the only path that replenishes
// the click allowance.
func (a Account) Configure(s Settings) (Account, error) {
	if s.ClickRemaining != nil {
		if *s.ClickRemaining < 0 {
			return a, reason(ErrInvalidSettings, "click allowance %d is negative", *s.ClickRemaining)
		}
		a.ClickRemaining = *s.ClickRemaining
	}
	if s.NegativeThreshold != nil {
		a.NegativeThreshold = *s.NegativeThreshold
	}
	return a.withPending(), nil
}

// =============================================================================
// INVARIANTS
// =============================================================================

// CheckInvariants verifies the non-negativity and pending-derivation rules.
// The engine runs it before every write and refuses to persist on failure.
func (a Account) CheckInvariants() error {
	switch {
	case a.Balance.IsNegative():
		return reason(ErrInvariantViolation, "balance %s < 0", a.Balance)
	case a.FrozenBalance.IsNegative():
		return reason(ErrInvariantViolation, "frozen balance %s < 0", a.FrozenBalance)
	case a.CumulativeWithdrawal.IsNegative():
		return reason(ErrInvariantViolation, "cumulative withdrawal %s < 0", a.CumulativeWithdrawal)
	case a.ProfitEarned.IsNegative():
		return reason(ErrInvariantViolation, "profit earned %s < 0", a.ProfitEarned)
	case a.ClickRemaining < 0:
		return reason(ErrInvariantViolation, "click allowance %d < 0", a.ClickRemaining)
	case a.IsPending != derivePending(a.Balance, a.NegativeThreshold, a.ClickRemaining):
		return reason(ErrInvariantViolation, "pending flag out of sync")
	}
	return nil
}

// NewAccount builds a fresh account with zero balances.
func NewAccount(userID UserID, threshold decimal.Decimal, clicks int) Account {
	a := Account{
		UserID:               userID,
		Balance:              decimal.Zero,
		FrozenBalance:        decimal.Zero,
		CumulativeWithdrawal: decimal.Zero,
		ProfitEarned:         decimal.Zero,
		NegativeThreshold:    threshold,
		ClickRemaining:       clicks,
		IsActive:             true,
	}
	return a.withPending()
}

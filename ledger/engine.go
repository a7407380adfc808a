/*
engine.go - Atomic per-account mutation unit

PURPOSE:
  Engine is the only write path to an Account. Every mutation runs as:

    keyed lock(user) -> WithTx -> LockAccount -> fn -> CheckInvariants
                     -> SaveAccount -> commit -> unlock

  fn receives the transactional Store so that a workflow can write its
  own rows (a recharge, a product, a transaction record) in the same
  transaction as the balance change. fn must not do network I/O.

CONCURRENCY:
  The keyed lock serializes callers inside this process. LockAccount
  serializes across processes that share the database. Operations on
  different accounts share no lock here.

FAILURES:
  Domain errors pass through unchanged. Anything else (driver errors,
  context deadlines) is wrapped as *InfrastructureError. In every failure
  case the transaction is rolled back, so the account is unchanged.
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Observer receives one call per engine operation.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, error, time.Duration) {}

// Defaults seed new accounts when the caller leaves a setting unset.
type Defaults struct {
	NegativeThreshold decimal.Decimal
	ClickRemaining    int
}

// Engine applies ledger operations atomically per account.
type Engine struct {
	store    TxStore
	locks    *KeyedMutex
	clock    func() time.Time
	logger   *zap.Logger
	observer Observer
	defaults Defaults
}

type Option func(*Engine)

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithDefaults(d Defaults) Option {
	return func(e *Engine) { e.defaults = d }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locks:    NewKeyedMutex(),
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now is the engine clock. Workflows stamp their rows with it.
func (e *Engine) Now() time.Time { return e.clock() }

// Store exposes the underlying store for read-only listings.
func (e *Engine) Store() TxStore { return e.store }

// Logger is the engine's logger, for workflows built on top of it.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// =============================================================================
// THE MUTATION UNIT
// =============================================================================

// MutateFunc computes the next account state from the locked current one.
type MutateFunc func(tx Store, current Account) (Account, error)

// Update runs fn against userID's account as a single atomic unit.
func (e *Engine) Update(ctx context.Context, userID UserID, op string, fn MutateFunc) (Account, error) {
	start := time.Now()
	unlock := e.locks.Lock(userID)
	defer unlock()

	var result Account
	err := e.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		next, err := fn(tx, current)
		if err != nil {
			return err
		}
		next.UserID = current.UserID
		next.CreatedAt = current.CreatedAt
		if err := next.CheckInvariants(); err != nil {
			return err
		}
		next.UpdatedAt = e.clock()
		if err := tx.SaveAccount(ctx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	err = e.finish(op, userID, err, start)
	if err != nil {
		return Account{}, err
	}
	return result, nil
}

// Within runs fn in a store transaction without locking an account. Used
// for writes that touch no balance (creating a pending recharge).
func (e *Engine) Within(ctx context.Context, op string, fn func(tx Store) error) error {
	start := time.Now()
	err := e.store.WithTx(ctx, fn)
	return e.finish(op, "", err, start)
}

// View runs a read against the store outside any transaction. Errors are
// classified the same way as writes.
func (e *Engine) View(ctx context.Context, op string, fn func(s Store) error) error {
	start := time.Now()
	return e.finish(op, "", fn(e.store), start)
}

func (e *Engine) finish(op string, userID UserID, err error, start time.Time) error {
	err = classify(op, err)
	elapsed := time.Since(start)
	e.observer.ObserveOperation(op, err, elapsed)

	fields := []zap.Field{zap.String("op", op), zap.Duration("elapsed", elapsed)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", string(userID)))
	}
	switch {
	case err == nil:
		e.logger.Debug("ledger operation applied", fields...)
	case KindOf(err) == KindInfrastructure:
		e.logger.Error("ledger operation failed", append(fields, zap.Error(err))...)
	case KindOf(err) == KindInvariant:
		e.logger.Warn("ledger invariant rejected write", append(fields, zap.Error(err))...)
	default:
		e.logger.Debug("ledger operation rejected", append(fields, zap.Error(err))...)
	}
	return err
}

func classify(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// OpenAccount creates the one-per-user account.
func (e *Engine) OpenAccount(ctx context.Context, userID UserID, s Settings) (Account, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return Account{}, reason(ErrInvalidID, "empty user id")
	}
	threshold := e.defaults.NegativeThreshold
	if s.NegativeThreshold != nil {
		threshold = *s.NegativeThreshold
	}
	clicks := e.defaults.ClickRemaining
	if s.ClickRemaining != nil {
		clicks = *s.ClickRemaining
	}
	if clicks < 0 {
		return Account{}, reason(ErrInvalidSettings, "click allowance %d is negative", clicks)
	}

	acct := NewAccount(userID, threshold, clicks)
	acct.CreatedAt = e.clock()
	acct.UpdatedAt = acct.CreatedAt

	unlock := e.locks.Lock(userID)
	defer unlock()
	err := e.Within(ctx, "open_account", func(tx Store) error {
		return tx.CreateAccount(ctx, acct)
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Account returns a read snapshot.
func (e *Engine) Account(ctx context.Context, userID UserID) (Account, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return Account{}, classify("get_account", err)
	}
	return acct, nil
}

// Accounts lists every account.
func (e *Engine) Accounts(ctx context.Context) ([]Account, error) {
	accts, err := e.store.ListAccounts(ctx)
	return accts, classify("list_accounts", err)
}

// =============================================================================
// PRIMITIVES
// =============================================================================

func (e *Engine) Deduct(ctx context.Context, userID UserID, amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return Account{}, err
	}
	return e.Update(ctx, userID, "deduct", func(_ Store, a Account) (Account, error) {
		return a.Deduct(amount)
	})
}

func (e *Engine) Fund(ctx context.Context, userID UserID, amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return Account{}, err
	}
	return e.Update(ctx, userID, "fund", func(_ Store, a Account) (Account, error) {
		return a.Fund(amount)
	})
}

func (e *Engine) AddProfit(ctx context.Context, userID UserID, amount decimal.Decimal) (Account, error) {
	if err := checkNonNegative(amount); err != nil {
		return Account{}, err
	}
	return e.Update(ctx, userID, "add_profit", func(_ Store, a Account) (Account, error) {
		return a.AddProfit(amount)
	})
}

// Configure applies admin settings to an account.
func (e *Engine) Configure(ctx context.Context, userID UserID, s Settings) (Account, error) {
	if s.ClickRemaining != nil && *s.ClickRemaining < 0 {
		return Account{}, reason(ErrInvalidSettings, "click allowance %d is negative", *s.ClickRemaining)
	}
	return e.Update(ctx, userID, "configure", func(_ Store, a Account) (Account, error) {
		return a.Configure(s)
	})
}

// =============================================================================
// VIP TIERS
// =============================================================================

func (e *Engine) Tiers(ctx context.Context) (TierTable, error) {
	table, err := e.store.LoadTiers(ctx)
	if err != nil {
		return nil, classify("load_tiers", err)
	}
	return table.Sorted(), nil
}

// ReplaceTiers validates and installs a new tier table.
func (e *Engine) ReplaceTiers(ctx context.Context, table TierTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	return e.Within(ctx, "replace_tiers", func(tx Store) error {
		return tx.ReplaceTiers(ctx, table.Sorted())
	})
}

// DeriveTier returns the tier matching the account's current balance.
func (e *Engine) DeriveTier(ctx context.Context, userID UserID) (Tier, error) {
	acct, err := e.Account(ctx, userID)
	if err != nil {
		return Tier{}, err
	}
	table, err := e.Tiers(ctx)
	if err != nil {
		return Tier{}, err
	}
	return table.Derive(acct.Balance)
}

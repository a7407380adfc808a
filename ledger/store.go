/*
store.go - Persistence interface for accounts and their transactions

PURPOSE:
  Defines the interface between the ledger rules and the database.
  Calculation never touches storage directly; the Engine loads a value,
  runs pure arithmetic on it and writes the result back through Store.

KEY INTERFACES:
  AccountStore:    One row per user, locked for update inside a transaction
  TierStore:       VIP tier table (read by lookups, replaced by admins)
  ProductStore:    Submissions, products and combined groups
  RechargeStore:   Deposit requests
  WithdrawalStore: Withdrawal requests
  RecordStore:     Append-only transaction records per parent entity
  TxStore:         Store plus WithTx for atomic multi-row writes

LOCKING:
  LockAccount must give "SELECT ... FOR UPDATE" semantics when called
  inside WithTx: a second transaction locking the same account blocks
  until the first commits or rolls back.

ERRORS:
  Missing rows return an error wrapping ErrNotFound. Creating an account
  twice returns ErrAccountExists. Everything else is an infrastructure
  failure and is wrapped by the Engine.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - store/gormstore/gormstore.go: MySQL via GORM
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STORE - Split by aggregate, composed below
// =============================================================================

type AccountStore interface {
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// LockAccount reads the account and holds its row lock until the
	// enclosing transaction ends.
	LockAccount(ctx context.Context, userID UserID) (Account, error)
	SaveAccount(ctx context.Context, a Account) error
	// ListAccounts is ordered by user id.
	ListAccounts(ctx context.Context) ([]Account, error)
}

type TierStore interface {
	LoadTiers(ctx context.Context) (TierTable, error)
	ReplaceTiers(ctx context.Context, table TierTable) error
}

type ProductStore interface {
	CreateSubmission(ctx context.Context, s Submission) error
	CreateProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error
	ProductsByGroup(ctx context.Context, userID UserID, groupID uuid.UUID) ([]Product, error)
	ProductsByUser(ctx context.Context, userID UserID) ([]Product, error)
	// PendingGroups lists combined groups with at least one pending item,
	// ordered by user id, then by the creation time of each group's oldest
	// pending item. An empty userID lists every user's groups.
	PendingGroups(ctx context.Context, userID UserID) ([]GroupRef, error)
}

type RechargeStore interface {
	CreateRecharge(ctx context.Context, r Recharge) error
	GetRecharge(ctx context.Context, id uuid.UUID) (Recharge, error)
	UpdateRecharge(ctx context.Context, r Recharge) error
	RechargesByUser(ctx context.Context, userID UserID) ([]Recharge, error)
}

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w Withdrawal) error
	WithdrawalsByUser(ctx context.Context, userID UserID) ([]Withdrawal, error)
}

// RecordStore is append-only except for CompleteRecord, which applies the
// single status/time transition a record is allowed.
type RecordStore interface {
	AppendRecord(ctx context.Context, r TransactionRecord) error
	CompleteRecord(ctx context.Context, kind RecordKind, parentID uuid.UUID, status Status, at time.Time) error
	Records(ctx context.Context, kind RecordKind, parentID uuid.UUID) ([]TransactionRecord, error)
}

// Store is everything the ledger persists.
type Store interface {
	AccountStore
	TierStore
	ProductStore
	RechargeStore
	WithdrawalStore
	RecordStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

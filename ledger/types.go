/*
Package ledger provides the account ledger engine.

PURPOSE:
  This package owns every rule that moves money on a user's account:
  spendable balance, frozen (reserved) funds, cumulative withdrawals,
  earned profit, the click allowance and the derived pending flag.
  Workflows (product submission, deposits, withdrawals, moderation) never
  touch these fields directly; they go through Engine.Update.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: The per-user balance row (one per user, never deleted)
  - Tier: A VIP level mapping a balance range to profit percentages
  - Product / Submission: Purchase units and the batch that created them
  - Recharge / Withdrawal: Deposit and withdrawal requests
  - TransactionRecord: Append-only status log owned by a parent entity

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Pure arithmetic: Account methods return a new value or an error,
     they never half-apply a change (see account.go)
  3. Explicit persistence: Storage is an interface (store.go), the engine
     decides when a snapshot is written
  4. Per-account serialization: Engine.Update is the only write path

SEE ALSO:
  - account.go: Deduct, Fund, AddProfit, Reserve, Release, Settle
  - vip.go: Tier lookup and profit computation
  - engine.go: Atomic per-account mutation unit
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the opaque identity of the account owner, as resolved by the
// authentication layer.
type UserID string

// =============================================================================
// STATUS - Shared lifecycle states
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// =============================================================================
// ACCOUNT - One per user
// =============================================================================

// Account is the balance row of a single user.
//
// INVARIANTS:
//   - Balance, FrozenBalance, CumulativeWithdrawal, ProfitEarned >= 0
//   - ClickRemaining >= 0
//   - IsPending == Balance <= NegativeThreshold || ClickRemaining <= 0
//     after every balance-changing operation
type Account struct {
	UserID               UserID
	Balance              decimal.Decimal
	FrozenBalance        decimal.Decimal
	CumulativeWithdrawal decimal.Decimal
	ProfitEarned         decimal.Decimal
	IsPending            bool
	NegativeThreshold    decimal.Decimal
	ClickRemaining       int

	// Moderation state. Not money, but checked before user-initiated flows.
	IsActive  bool
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings are the admin-controlled knobs of an account. Nil fields are
// left unchanged.
type Settings struct {
	NegativeThreshold *decimal.Decimal
	ClickRemaining    *int
}

// =============================================================================
// VIP TIER
// =============================================================================

// Tier is one VIP level. Balances in [MinAmount, MaxAmount) belong to it;
// a nil MaxAmount means the range is unbounded above.
type Tier struct {
	Level                     int
	MinAmount                 decimal.Decimal
	MaxAmount                 *decimal.Decimal
	SingleProductPercentage   decimal.Decimal
	CombinedProductPercentage decimal.Decimal
	ProductsPerSection        int
	MinProfitRange            decimal.Decimal
	MaxProfitRange            decimal.Decimal
}

// TierTable is the full set of VIP levels for the current period.
type TierTable []Tier

// =============================================================================
// PRODUCTS
// =============================================================================

// Product is a single purchase unit created by a submission batch.
type Product struct {
	ID           uuid.UUID
	UserID       UserID
	SubmissionID uuid.UUID
	Amount       decimal.Decimal
	IsCombined   bool

	// CombinedGroupID is shared by every unpaid item of one batch.
	CombinedGroupID *uuid.UUID

	// Profit is the amount computed for this item. ProfitAccrued records
	// whether it has already been credited to the account.
	Profit        decimal.Decimal
	ProfitAccrued bool

	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Submission is the batch header written once per product submission.
type Submission struct {
	ID          uuid.UUID
	UserID      UserID
	TotalProfit decimal.Decimal
	CreatedAt   time.Time
}

// GroupRef identifies a combined group awaiting reconciliation.
type GroupRef struct {
	UserID  UserID
	GroupID uuid.UUID
}

// =============================================================================
// RECHARGE / WITHDRAWAL
// =============================================================================

// Recharge is a deposit request. pending -> completed, exactly once.
type Recharge struct {
	ID          uuid.UUID
	UserID      UserID
	Amount      decimal.Decimal
	Status      Status
	ApprovedBy  string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Withdrawal is a withdrawal request. pending -> completed | rejected.
type Withdrawal struct {
	ID              uuid.UUID
	UserID          UserID
	Amount          decimal.Decimal
	Status          Status
	ProcessedBy     string
	RejectionReason string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// =============================================================================
// TRANSACTION RECORD - Append-only status log
// =============================================================================

type RecordKind string

const (
	RecordProduct    RecordKind = "product"
	RecordRecharge   RecordKind = "recharge"
	RecordWithdrawal RecordKind = "withdrawal"
)

// TransactionRecord mirrors its parent's status at transition time. The
// only mutation ever applied is the single status/time update at completion.
type TransactionRecord struct {
	ID              uuid.UUID
	Kind            RecordKind
	ParentID        uuid.UUID
	UserID          UserID
	Status          Status
	TransactionTime time.Time
}

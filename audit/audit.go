/*
Package audit records who did what to which account.

PURPOSE:
  Admin actions (user creation, block/unblock, freeze, delete, deposit
  approval, tier changes) produce an Entry after their ledger write has
  committed. Recording is fire-and-forget: the caller never waits for the
  entry to land and never fails because of it.

KEY CONCEPTS:
  Entry:      {actor, action, target user, details, timestamp}
  Sink:       Where entries end up (zap log, database table, asynq queue)
  Recorder:   What workflows depend on; Dispatcher is the async one
  TaskHandler: asynq worker side of QueueSink, writes to a Store

SEE ALSO:
  - dispatcher.go: Buffered async delivery
  - sinks.go:      LogSink, StoreSink
  - queue.go:      QueueSink, TaskHandler
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/warp/vip-ledger/ledger"
)

// =============================================================================
// ENTRY
// =============================================================================

type Action string

const (
	ActionUserCreated        Action = "user_creation"
	ActionUserBlocked        Action = "user_blocked"
	ActionUserUnblocked      Action = "user_unblocked"
	ActionUserFrozen         Action = "user_frozen"
	ActionUserDeleted        Action = "user_deleted"
	ActionUserRestored       Action = "user_restored"
	ActionSettingsChanged    Action = "settings_changed"
	ActionDepositApproved    Action = "deposit_approved"
	ActionDirectDeposit      Action = "direct_deposit"
	ActionWithdrawalApproved Action = "withdrawal_approved"
	ActionWithdrawalRejected Action = "withdrawal_rejected"
	ActionTiersReplaced      Action = "tiers_replaced"
)

type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	Action     Action         `json:"action"`
	TargetUser ledger.UserID  `json:"target_user,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEntry stamps an entry with a fresh id.
func NewEntry(actor string, action Action, target ledger.UserID, at time.Time, details map[string]any) Entry {
	return Entry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		TargetUser: target,
		Details:    details,
		Timestamp:  at,
	}
}

// =============================================================================
// INTERFACES
// =============================================================================

// Sink persists or forwards a single entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(e Entry)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(e Entry)

func (f RecorderFunc) Record(e Entry) { f(e) }

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

// Store is the durable audit table.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
	QueryAudit(ctx context.Context, f Filter) ([]Entry, error)
}

// Filter narrows QueryAudit. Zero fields match everything.
type Filter struct {
	Actor      string
	TargetUser ledger.UserID
	Actions    []Action
	Limit      int
}

// Matches reports whether e passes the filter. Stores without a query
// language use it directly.
func (f Filter) Matches(e Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.TargetUser != "" && e.TargetUser != f.TargetUser {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

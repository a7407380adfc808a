/*
Package withdrawal implements the withdrawal workflow.

STATES:
  pending -> completed | rejected

MONEY FLOW:
  Request: balance -> frozen       (Reserve)
  Approve: frozen  -> out          (Settle, cumulative withdrawal grows)
  Reject:  frozen  -> balance      (Release)

Exactly one of Approve or Reject may follow a Request. Anything else
fails with ErrNotPending.
*/
package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"go.uber.org/zap"
)

// ReleasedHook runs after a rejection returned funds to userID's balance.
type ReleasedHook func(ctx context.Context, userID ledger.UserID)

type Service struct {
	engine     *ledger.Engine
	audit      audit.Recorder
	onReleased ReleasedHook
	logger     *zap.Logger
}

type Option func(*Service)

func WithAudit(r audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

func WithReleasedHook(h ReleasedHook) Option {
	return func(s *Service) { s.onReleased = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(engine *ledger.Engine, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		audit:      audit.Nop{},
		onReleased: func(context.Context, ledger.UserID) {},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("withdrawal")
	return s
}

// Request reserves amount and records a pending withdrawal.
func (s *Service) Request(ctx context.Context, userID ledger.UserID, amount decimal.Decimal) (ledger.Withdrawal, ledger.Account, error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}
	now := s.engine.Now()
	w := ledger.Withdrawal{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Status:    ledger.StatusPending,
		CreatedAt: now,
	}
	acct, err := s.engine.Update(ctx, userID, "request_withdrawal", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		if err := acct.RequireActive(); err != nil {
			return acct, err
		}
		acct, err := acct.Reserve(amount)
		if err != nil {
			return acct, err
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return acct, err
		}
		return acct, tx.AppendRecord(ctx, record(w, now))
	})
	if err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}

	s.logger.Info("withdrawal requested",
		zap.String("user_id", string(userID)),
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("amount", amount.String()))
	return w, acct, nil
}

// Approve pays out a pending withdrawal.
func (s *Service) Approve(ctx context.Context, actor string, id uuid.UUID) (ledger.Withdrawal, ledger.Account, error) {
	w, acct, err := s.transition(ctx, id, "approve_withdrawal", func(a ledger.Account, w *ledger.Withdrawal) (ledger.Account, error) {
		w.Status = ledger.StatusCompleted
		w.ProcessedBy = actor
		return a.Settle(w.Amount)
	})
	if err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}

	s.logger.Info("withdrawal approved",
		zap.String("user_id", string(w.UserID)),
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("amount", w.Amount.String()),
		zap.String("actor", actor))
	s.audit.Record(audit.NewEntry(actor, audit.ActionWithdrawalApproved, w.UserID, s.engine.Now(), map[string]any{
		"withdrawal_id": w.ID.String(),
		"amount":        w.Amount.String(),
	}))
	return w, acct, nil
}

// Reject returns the reserved amount to the balance.
func (s *Service) Reject(ctx context.Context, actor string, id uuid.UUID, reason string) (ledger.Withdrawal, ledger.Account, error) {
	w, acct, err := s.transition(ctx, id, "reject_withdrawal", func(a ledger.Account, w *ledger.Withdrawal) (ledger.Account, error) {
		w.Status = ledger.StatusRejected
		w.ProcessedBy = actor
		w.RejectionReason = strings.TrimSpace(reason)
		return a.Release(w.Amount)
	})
	if err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}

	s.logger.Info("withdrawal rejected",
		zap.String("user_id", string(w.UserID)),
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("reason", w.RejectionReason),
		zap.String("actor", actor))
	s.audit.Record(audit.NewEntry(actor, audit.ActionWithdrawalRejected, w.UserID, s.engine.Now(), map[string]any{
		"withdrawal_id": w.ID.String(),
		"amount":        w.Amount.String(),
		"reason":        w.RejectionReason,
	}))
	s.onReleased(ctx, w.UserID)
	return w, acct, nil
}

// transition moves a pending withdrawal to its terminal state. apply sets
// the new status on w and returns the account after the money movement.
func (s *Service) transition(ctx context.Context, id uuid.UUID, op string,
	apply func(ledger.Account, *ledger.Withdrawal) (ledger.Account, error)) (ledger.Withdrawal, ledger.Account, error) {
	if id == uuid.Nil {
		return ledger.Withdrawal{}, ledger.Account{}, fmt.Errorf("%w: empty withdrawal id", ledger.ErrInvalidID)
	}
	owner, err := s.Get(ctx, id)
	if err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}

	var done ledger.Withdrawal
	acct, err := s.engine.Update(ctx, owner.UserID, op, func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		w, err := tx.GetWithdrawal(ctx, id)
		if err != nil {
			return acct, err
		}
		if w.Status != ledger.StatusPending {
			return acct, ledger.NotPending("withdrawal", id, w.Status)
		}
		if acct, err = apply(acct, &w); err != nil {
			return acct, err
		}
		now := s.engine.Now()
		w.CompletedAt = &now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return acct, err
		}
		if err := tx.CompleteRecord(ctx, ledger.RecordWithdrawal, w.ID, w.Status, now); err != nil {
			return acct, err
		}
		done = w
		return acct, nil
	})
	if err != nil {
		return ledger.Withdrawal{}, ledger.Account{}, err
	}
	return done, acct, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	var w ledger.Withdrawal
	err := s.engine.View(ctx, "get_withdrawal", func(st ledger.Store) error {
		var err error
		w, err = st.GetWithdrawal(ctx, id)
		return err
	})
	return w, err
}

// List returns userID's withdrawals, oldest first.
func (s *Service) List(ctx context.Context, userID ledger.UserID) ([]ledger.Withdrawal, error) {
	var out []ledger.Withdrawal
	err := s.engine.View(ctx, "list_withdrawals", func(st ledger.Store) error {
		if _, err := st.GetAccount(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = st.WithdrawalsByUser(ctx, userID)
		return err
	})
	return out, err
}

func (s *Service) Records(ctx context.Context, id uuid.UUID) ([]ledger.TransactionRecord, error) {
	var out []ledger.TransactionRecord
	err := s.engine.View(ctx, "withdrawal_records", func(st ledger.Store) error {
		var err error
		out, err = st.Records(ctx, ledger.RecordWithdrawal, id)
		return err
	})
	return out, err
}

func record(w ledger.Withdrawal, at time.Time) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		ID:              uuid.New(),
		Kind:            ledger.RecordWithdrawal,
		ParentID:        w.ID,
		UserID:          w.UserID,
		Status:          w.Status,
		TransactionTime: at,
	}
}

/*
Package deposit implements the recharge workflow.

STATES:
  pending -> completed   (terminal, exactly once)

OPERATIONS:
  Request:  user asks to deposit; a pending Recharge and its record are
            written, and the contact channel for off-band payment is returned.
  Approve:  admin confirms payment. Inside one account transaction the
            recharge is re-read, must still be pending, the account is funded
            and both the recharge and its record complete.
  Direct:   admin credit with no prior request. The Recharge is created
            already completed.

A second Approve of the same id fails with ErrNotPending and credits
nothing.
*/
package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
	"go.uber.org/zap"
)

// Contact is where a user sends payment for a pending recharge.
type Contact struct {
	Channel      string `json:"channel" toml:"channel"`
	Handle       string `json:"handle" toml:"handle"`
	Instructions string `json:"instructions,omitempty" toml:"instructions"`
}

// Request is the outcome of a deposit request.
type Request struct {
	Recharge ledger.Recharge
	Contact  Contact
}

// FundedHook runs after a committed credit to userID's balance. It runs
// outside the account lock.
type FundedHook func(ctx context.Context, userID ledger.UserID)

type Service struct {
	engine   *ledger.Engine
	contact  Contact
	audit    audit.Recorder
	onFunded FundedHook
	logger   *zap.Logger
}

type Option func(*Service)

func WithContact(c Contact) Option {
	return func(s *Service) { s.contact = c }
}

func WithAudit(r audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithFundedHook is typically wired to reconcile pending combined groups.
func WithFundedHook(h FundedHook) Option {
	return func(s *Service) { s.onFunded = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(engine *ledger.Engine, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		audit:    audit.Nop{},
		onFunded: func(context.Context, ledger.UserID) {},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("deposit")
	return s
}

// Request records a pending deposit for userID.
func (s *Service) Request(ctx context.Context, userID ledger.UserID, amount decimal.Decimal) (Request, error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return Request{}, err
	}
	now := s.engine.Now()
	r := ledger.Recharge{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Status:    ledger.StatusPending,
		CreatedAt: now,
	}
	_, err := s.engine.Update(ctx, userID, "request_deposit", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		if err := acct.RequireActive(); err != nil {
			return acct, err
		}
		if err := tx.CreateRecharge(ctx, r); err != nil {
			return acct, err
		}
		return acct, tx.AppendRecord(ctx, record(r, now))
	})
	if err != nil {
		return Request{}, err
	}

	s.logger.Info("deposit requested",
		zap.String("user_id", string(userID)),
		zap.String("recharge_id", r.ID.String()),
		zap.String("amount", amount.String()))
	return Request{Recharge: r, Contact: s.contact}, nil
}

// Approve completes a pending recharge and credits its amount.
func (s *Service) Approve(ctx context.Context, actor string, id uuid.UUID) (ledger.Recharge, ledger.Account, error) {
	if id == uuid.Nil {
		return ledger.Recharge{}, ledger.Account{}, fmt.Errorf("%w: empty recharge id", ledger.ErrInvalidID)
	}
	owner, err := s.Get(ctx, id)
	if err != nil {
		return ledger.Recharge{}, ledger.Account{}, err
	}

	var done ledger.Recharge
	acct, err := s.engine.Update(ctx, owner.UserID, "approve_deposit", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		r, err := tx.GetRecharge(ctx, id)
		if err != nil {
			return acct, err
		}
		if r.Status != ledger.StatusPending {
			return acct, ledger.NotPending("recharge", id, r.Status)
		}
		if acct, err = acct.Fund(r.Amount); err != nil {
			return acct, err
		}
		now := s.engine.Now()
		r.Status = ledger.StatusCompleted
		r.ApprovedBy = actor
		r.CompletedAt = &now
		if err := tx.UpdateRecharge(ctx, r); err != nil {
			return acct, err
		}
		if err := tx.CompleteRecord(ctx, ledger.RecordRecharge, r.ID, ledger.StatusCompleted, now); err != nil {
			return acct, err
		}
		done = r
		return acct, nil
	})
	if err != nil {
		return ledger.Recharge{}, ledger.Account{}, err
	}

	s.logger.Info("deposit approved",
		zap.String("user_id", string(done.UserID)),
		zap.String("recharge_id", done.ID.String()),
		zap.String("amount", done.Amount.String()),
		zap.String("actor", actor))
	s.audit.Record(audit.NewEntry(actor, audit.ActionDepositApproved, done.UserID, s.engine.Now(), map[string]any{
		"recharge_id": done.ID.String(),
		"amount":      done.Amount.String(),
	}))
	s.onFunded(ctx, done.UserID)
	return done, acct, nil
}

// Direct credits userID without a prior request.
func (s *Service) Direct(ctx context.Context, actor string, userID ledger.UserID, amount decimal.Decimal) (ledger.Recharge, ledger.Account, error) {
	if err := ledger.RequirePositive(amount); err != nil {
		return ledger.Recharge{}, ledger.Account{}, err
	}
	now := s.engine.Now()
	r := ledger.Recharge{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Status:      ledger.StatusCompleted,
		ApprovedBy:  actor,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	acct, err := s.engine.Update(ctx, userID, "direct_deposit", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		acct, err := acct.Fund(amount)
		if err != nil {
			return acct, err
		}
		if err := tx.CreateRecharge(ctx, r); err != nil {
			return acct, err
		}
		return acct, tx.AppendRecord(ctx, record(r, now))
	})
	if err != nil {
		return ledger.Recharge{}, ledger.Account{}, err
	}

	s.logger.Info("direct deposit",
		zap.String("user_id", string(userID)),
		zap.String("recharge_id", r.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("actor", actor))
	s.audit.Record(audit.NewEntry(actor, audit.ActionDirectDeposit, userID, now, map[string]any{
		"recharge_id": r.ID.String(),
		"amount":      amount.String(),
	}))
	s.onFunded(ctx, userID)
	return r, acct, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (ledger.Recharge, error) {
	var r ledger.Recharge
	err := s.engine.View(ctx, "get_recharge", func(st ledger.Store) error {
		var err error
		r, err = st.GetRecharge(ctx, id)
		return err
	})
	return r, err
}

// List returns userID's recharges, oldest first.
func (s *Service) List(ctx context.Context, userID ledger.UserID) ([]ledger.Recharge, error) {
	var out []ledger.Recharge
	err := s.engine.View(ctx, "list_recharges", func(st ledger.Store) error {
		if _, err := st.GetAccount(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = st.RechargesByUser(ctx, userID)
		return err
	})
	return out, err
}

func (s *Service) Records(ctx context.Context, id uuid.UUID) ([]ledger.TransactionRecord, error) {
	var out []ledger.TransactionRecord
	err := s.engine.View(ctx, "recharge_records", func(st ledger.Store) error {
		var err error
		out, err = st.Records(ctx, ledger.RecordRecharge, id)
		return err
	})
	return out, err
}

func record(r ledger.Recharge, at time.Time) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		ID:              uuid.New(),
		Kind:            ledger.RecordRecharge,
		ParentID:        r.ID,
		UserID:          r.UserID,
		Status:          r.Status,
		TransactionTime: at,
	}
}

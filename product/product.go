/*
Package product implements product submission and combined-group
reconciliation.

PURPOSE:
  A user submits a batch of product amounts. Each item is either paid
  immediately (balance covers it) or parked as part of the batch's
  combined group until later funding covers the whole group.

SUBMISSION (one atomic unit per batch):
  for each item:
    tier   := tier for the CURRENT balance (earlier items may have moved it)
    if balance < amount -> combined, pending, no deduction
    else                -> submitted, deduct now
    profit := ComputeProfit(amount, combined, tier)

  A tier lookup failure aborts the batch; nothing is written.

PROFIT ACCRUAL:
  AccrueOnSettlement (default): profit is credited when an item is paid,
  so pending items earn nothing until their group is reconciled.
  AccrueOnSubmission (legacy): the whole batch's profit is credited at
  submission, pending items included.

RECONCILIATION:
  ProcessCombined deducts the total of a group's pending items in one
  operation if the balance covers it, and marks them completed. Calling
  it again finds no pending items and does nothing.

SEE ALSO:
  - sweeper.go: Periodic reconciliation of every pending group
  - ledger/engine.go: The atomic unit every method here runs in
*/
package product

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// ACCRUAL POLICY
// =============================================================================

type AccrualPolicy string

const (
	AccrueOnSettlement AccrualPolicy = "settled"
	AccrueOnSubmission AccrualPolicy = "submission"
)

func ParseAccrualPolicy(s string) (AccrualPolicy, error) {
	switch p := AccrualPolicy(s); p {
	case AccrueOnSettlement, AccrueOnSubmission:
		return p, nil
	case "":
		return AccrueOnSettlement, nil
	}
	return "", fmt.Errorf("unknown profit accrual policy %q", s)
}

// =============================================================================
// RESULTS
// =============================================================================

// Result is the outcome of one submitted batch.
type Result struct {
	Submission ledger.Submission
	Products   []ledger.Product
	// TotalProfit is the profit computed over every item, paid or not.
	TotalProfit decimal.Decimal
	// Accrued is the part of TotalProfit credited to the account now.
	Accrued decimal.Decimal
	Account ledger.Account
}

// Reconciliation is the outcome of processing one combined group.
type Reconciliation struct {
	UserID   ledger.UserID
	GroupID  uuid.UUID
	Settled  bool
	Deducted decimal.Decimal
	Accrued  decimal.Decimal
	Products []ledger.Product
	Account  ledger.Account
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	engine *ledger.Engine
	policy AccrualPolicy
	logger *zap.Logger
}

type Option func(*Service)

func WithPolicy(p AccrualPolicy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(engine *ledger.Engine, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		policy: AccrueOnSettlement,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("product")
	return s
}

func (s *Service) Policy() AccrualPolicy { return s.policy }

// Submit processes a batch of product amounts for userID.
func (s *Service) Submit(ctx context.Context, userID ledger.UserID, amounts []decimal.Decimal) (Result, error) {
	if len(amounts) == 0 {
		return Result{}, fmt.Errorf("%w: empty batch", ledger.ErrInvalidAmount)
	}
	for _, a := range amounts {
		if err := ledger.RequirePositive(a); err != nil {
			return Result{}, err
		}
	}

	var res Result
	acct, err := s.engine.Update(ctx, userID, "submit_products", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		if err := acct.RequireActive(); err != nil {
			return acct, err
		}
		tiers, err := tx.LoadTiers(ctx)
		if err != nil {
			return acct, err
		}
		tiers = tiers.Sorted()

		now := s.engine.Now()
		sub := ledger.Submission{ID: uuid.New(), UserID: userID, CreatedAt: now}
		products := make([]ledger.Product, 0, len(amounts))
		total, accrue := decimal.Zero, decimal.Zero
		var group *uuid.UUID

		for _, amount := range amounts {
			tier, err := tiers.Derive(acct.Balance)
			if err != nil {
				return acct, err
			}
			p := ledger.Product{
				ID:           uuid.New(),
				UserID:       userID,
				SubmissionID: sub.ID,
				Amount:       amount,
				CreatedAt:    now,
			}
			if acct.Balance.LessThan(amount) {
				if group == nil {
					g := uuid.New()
					group = &g
				}
				p.IsCombined = true
				p.CombinedGroupID = group
				p.Status = ledger.StatusPending
			} else {
				if acct, err = acct.Deduct(amount); err != nil {
					return acct, err
				}
				p.Status = ledger.StatusSubmitted
			}
			p.Profit = ledger.ComputeProfit(amount, p.IsCombined, tier)
			total = total.Add(p.Profit)
			if p.Status == ledger.StatusSubmitted || s.policy == AccrueOnSubmission {
				p.ProfitAccrued = true
				accrue = accrue.Add(p.Profit)
			}
			products = append(products, p)
		}

		sub.TotalProfit = total
		if err := tx.CreateSubmission(ctx, sub); err != nil {
			return acct, err
		}
		for _, p := range products {
			if err := tx.CreateProduct(ctx, p); err != nil {
				return acct, err
			}
			if err := tx.AppendRecord(ctx, ledger.TransactionRecord{
				ID:              uuid.New(),
				Kind:            ledger.RecordProduct,
				ParentID:        p.ID,
				UserID:          userID,
				Status:          p.Status,
				TransactionTime: now,
			}); err != nil {
				return acct, err
			}
		}
		if acct, err = acct.AddProfit(accrue); err != nil {
			return acct, err
		}

		res = Result{Submission: sub, Products: products, TotalProfit: total, Accrued: accrue}
		return acct, nil
	})
	if err != nil {
		return Result{}, err
	}
	res.Account = acct

	s.logger.Info("products submitted",
		zap.String("user_id", string(userID)),
		zap.String("submission_id", res.Submission.ID.String()),
		zap.Int("items", len(res.Products)),
		zap.String("total_profit", res.TotalProfit.String()),
		zap.String("accrued", res.Accrued.String()))
	return res, nil
}

// ProcessCombined reconciles one combined group. If the balance does not
// cover the group's pending total, nothing changes and Settled is false.
func (s *Service) ProcessCombined(ctx context.Context, userID ledger.UserID, groupID uuid.UUID) (Reconciliation, error) {
	rec := Reconciliation{UserID: userID, GroupID: groupID}
	acct, err := s.engine.Update(ctx, userID, "process_combined", func(tx ledger.Store, acct ledger.Account) (ledger.Account, error) {
		group, err := tx.ProductsByGroup(ctx, userID, groupID)
		if err != nil {
			return acct, err
		}
		if len(group) == 0 {
			return acct, ledger.NotFound("combined group", groupID)
		}

		var pending []ledger.Product
		for _, p := range group {
			if p.Status == ledger.StatusPending {
				pending = append(pending, p)
			}
		}
		rec.Products = group
		if len(pending) == 0 || !acct.CanAffordCombined(pending) {
			return acct, nil
		}

		total, accrue := decimal.Zero, decimal.Zero
		for _, p := range pending {
			total = total.Add(p.Amount)
		}
		if acct, err = acct.Deduct(total); err != nil {
			return acct, err
		}

		now := s.engine.Now()
		settled := make([]ledger.Product, 0, len(group))
		for _, p := range group {
			if p.Status == ledger.StatusPending {
				p.Status = ledger.StatusCompleted
				p.CompletedAt = &now
				if !p.ProfitAccrued {
					p.ProfitAccrued = true
					accrue = accrue.Add(p.Profit)
				}
				if err := tx.UpdateProduct(ctx, p); err != nil {
					return acct, err
				}
				if err := tx.CompleteRecord(ctx, ledger.RecordProduct, p.ID, ledger.StatusCompleted, now); err != nil {
					return acct, err
				}
			}
			settled = append(settled, p)
		}
		if acct, err = acct.AddProfit(accrue); err != nil {
			return acct, err
		}

		rec.Settled = true
		rec.Deducted = total
		rec.Accrued = accrue
		rec.Products = settled
		return acct, nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	rec.Account = acct

	if rec.Settled {
		s.logger.Info("combined group settled",
			zap.String("user_id", string(userID)),
			zap.String("group_id", groupID.String()),
			zap.String("deducted", rec.Deducted.String()),
			zap.String("accrued", rec.Accrued.String()))
	}
	return rec, nil
}

// SettlePending reconciles every pending combined group of userID, or of
// every user when userID is empty. It stops at the first error.
func (s *Service) SettlePending(ctx context.Context, userID ledger.UserID) ([]Reconciliation, error) {
	var groups []ledger.GroupRef
	err := s.engine.View(ctx, "pending_groups", func(st ledger.Store) error {
		var err error
		groups, err = st.PendingGroups(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Reconciliation, 0, len(groups))
	for _, g := range groups {
		rec, err := s.ProcessCombined(ctx, g.UserID, g.GroupID)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// List returns a user's products, oldest first.
func (s *Service) List(ctx context.Context, userID ledger.UserID) ([]ledger.Product, error) {
	var products []ledger.Product
	err := s.engine.View(ctx, "list_products", func(st ledger.Store) error {
		if _, err := st.GetAccount(ctx, userID); err != nil {
			return err
		}
		var err error
		products, err = st.ProductsByUser(ctx, userID)
		return err
	})
	return products, err
}

// Records returns the status log of one product.
func (s *Service) Records(ctx context.Context, productID uuid.UUID) ([]ledger.TransactionRecord, error) {
	var records []ledger.TransactionRecord
	err := s.engine.View(ctx, "product_records", func(st ledger.Store) error {
		var err error
		records, err = st.Records(ctx, ledger.RecordProduct, productID)
		return err
	})
	return records, err
}

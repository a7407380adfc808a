/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the ledger
  types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They encode as JSON strings ("12.50") so no
  client ever parses money into a float. Requests accept either a string or
  a number.

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/product"
)

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	UserID               string          `json:"user_id"`
	Balance              decimal.Decimal `json:"balance"`
	FrozenBalance        decimal.Decimal `json:"frozen_balance"`
	TotalBalance         decimal.Decimal `json:"total_balance"`
	CumulativeWithdrawal decimal.Decimal `json:"cumulative_withdrawal"`
	ProfitEarned         decimal.Decimal `json:"profit_earned"`
	IsPending            bool            `json:"is_pending"`
	NegativeThreshold    decimal.Decimal `json:"negative_threshold"`
	ClickRemaining       int             `json:"click_remaining"`
	IsActive             bool            `json:"is_active"`
	DeletedAt            *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		UserID:               string(a.UserID),
		Balance:              a.Balance,
		FrozenBalance:        a.FrozenBalance,
		TotalBalance:         a.TotalBalance(),
		CumulativeWithdrawal: a.CumulativeWithdrawal,
		ProfitEarned:         a.ProfitEarned,
		IsPending:            a.IsPending,
		NegativeThreshold:    a.NegativeThreshold,
		ClickRemaining:       a.ClickRemaining,
		IsActive:             a.IsActive,
		DeletedAt:            a.DeletedAt,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

// CreateAccountRequest opens an account. Omitted settings fall back to the
// configured defaults.
type CreateAccountRequest struct {
	UserID            string           `json:"user_id"`
	NegativeThreshold *decimal.Decimal `json:"negative_threshold,omitempty"`
	ClickRemaining    *int             `json:"click_remaining,omitempty"`
}

// SettingsRequest changes account settings. Omitted fields are unchanged.
type SettingsRequest struct {
	NegativeThreshold *decimal.Decimal `json:"negative_threshold,omitempty"`
	ClickRemaining    *int             `json:"click_remaining,omitempty"`
}

func (r SettingsRequest) settings() ledger.Settings {
	return ledger.Settings{NegativeThreshold: r.NegativeThreshold, ClickRemaining: r.ClickRemaining}
}

// =============================================================================
// VIP TIERS
// =============================================================================

type TierDTO struct {
	Level                     int              `json:"level"`
	MinAmount                 decimal.Decimal  `json:"min_amount"`
	MaxAmount                 *decimal.Decimal `json:"max_amount"`
	SingleProductPercentage   decimal.Decimal  `json:"single_product_percentage"`
	CombinedProductPercentage decimal.Decimal  `json:"combined_product_percentage"`
	ProductsPerSection        int              `json:"products_per_section"`
	MinProfitRange            decimal.Decimal  `json:"min_profit_range"`
	MaxProfitRange            decimal.Decimal  `json:"max_profit_range"`
}

func toTierDTO(t ledger.Tier) TierDTO {
	return TierDTO{
		Level:                     t.Level,
		MinAmount:                 t.MinAmount,
		MaxAmount:                 t.MaxAmount,
		SingleProductPercentage:   t.SingleProductPercentage,
		CombinedProductPercentage: t.CombinedProductPercentage,
		ProductsPerSection:        t.ProductsPerSection,
		MinProfitRange:            t.MinProfitRange,
		MaxProfitRange:            t.MaxProfitRange,
	}
}

func (t TierDTO) tier() ledger.Tier {
	return ledger.Tier{
		Level:                     t.Level,
		MinAmount:                 t.MinAmount,
		MaxAmount:                 t.MaxAmount,
		SingleProductPercentage:   t.SingleProductPercentage,
		CombinedProductPercentage: t.CombinedProductPercentage,
		ProductsPerSection:        t.ProductsPerSection,
		MinProfitRange:            t.MinProfitRange,
		MaxProfitRange:            t.MaxProfitRange,
	}
}

func toTierDTOs(table ledger.TierTable) []TierDTO {
	out := make([]TierDTO, len(table))
	for i, t := range table {
		out[i] = toTierDTO(t)
	}
	return out
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID              string          `json:"id"`
	SubmissionID    string          `json:"submission_id"`
	Amount          decimal.Decimal `json:"amount"`
	IsCombined      bool            `json:"is_combined"`
	CombinedGroupID *uuid.UUID      `json:"combined_group_id,omitempty"`
	Profit          decimal.Decimal `json:"profit"`
	ProfitAccrued   bool            `json:"profit_accrued"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toProductDTOs(ps []ledger.Product) []ProductDTO {
	out := make([]ProductDTO, len(ps))
	for i, p := range ps {
		out[i] = ProductDTO{
			ID:              p.ID.String(),
			SubmissionID:    p.SubmissionID.String(),
			Amount:          p.Amount,
			IsCombined:      p.IsCombined,
			CombinedGroupID: p.CombinedGroupID,
			Profit:          p.Profit,
			ProfitAccrued:   p.ProfitAccrued,
			Status:          string(p.Status),
			CreatedAt:       p.CreatedAt,
			CompletedAt:     p.CompletedAt,
		}
	}
	return out
}

// SubmitProductsRequest is one product batch.
type SubmitProductsRequest struct {
	Amounts []decimal.Decimal `json:"amounts"`
}

type SubmissionDTO struct {
	SubmissionID string          `json:"submission_id"`
	Products     []ProductDTO    `json:"products"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	Accrued      decimal.Decimal `json:"accrued"`
	Account      AccountDTO      `json:"account"`
}

func toSubmissionDTO(r product.Result) SubmissionDTO {
	return SubmissionDTO{
		SubmissionID: r.Submission.ID.String(),
		Products:     toProductDTOs(r.Products),
		TotalProfit:  r.TotalProfit,
		Accrued:      r.Accrued,
		Account:      toAccountDTO(r.Account),
	}
}

type ReconciliationDTO struct {
	GroupID  string          `json:"group_id"`
	Settled  bool            `json:"settled"`
	Deducted decimal.Decimal `json:"deducted"`
	Accrued  decimal.Decimal `json:"accrued"`
	Products []ProductDTO    `json:"products"`
	Account  AccountDTO      `json:"account"`
}

func toReconciliationDTO(r product.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		GroupID:  r.GroupID.String(),
		Settled:  r.Settled,
		Deducted: r.Deducted,
		Accrued:  r.Accrued,
		Products: toProductDTOs(r.Products),
		Account:  toAccountDTO(r.Account),
	}
}

// =============================================================================
// RECHARGES / WITHDRAWALS
// =============================================================================

// AmountRequest carries a single amount for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// RejectRequest carries the reason shown to the user.
type RejectRequest struct {
	Reason string `json:"reason"`
}

type RechargeDTO struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toRechargeDTO(r ledger.Recharge) RechargeDTO {
	return RechargeDTO{
		ID:          r.ID.String(),
		UserID:      string(r.UserID),
		Amount:      r.Amount,
		Status:      string(r.Status),
		ApprovedBy:  r.ApprovedBy,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// DepositRequestDTO tells the user where to send the money.
type DepositRequestDTO struct {
	Recharge RechargeDTO     `json:"recharge"`
	Contact  deposit.Contact `json:"contact"`
}

type WithdrawalDTO struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	ProcessedBy     string          `json:"processed_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

func toWithdrawalDTO(w ledger.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:              w.ID.String(),
		UserID:          string(w.UserID),
		Amount:          w.Amount,
		Status:          string(w.Status),
		ProcessedBy:     w.ProcessedBy,
		RejectionReason: w.RejectionReason,
		CreatedAt:       w.CreatedAt,
		CompletedAt:     w.CompletedAt,
	}
}

// TransitionDTO is a recharge or withdrawal together with the account it
// moved.
type TransitionDTO struct {
	Recharge   *RechargeDTO   `json:"recharge,omitempty"`
	Withdrawal *WithdrawalDTO `json:"withdrawal,omitempty"`
	Account    AccountDTO     `json:"account"`
}

// =============================================================================
// TRANSACTION RECORDS
// =============================================================================

type RecordDTO struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	ParentID        string    `json:"parent_id"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	TransactionTime time.Time `json:"transaction_time"`
}

func toRecordDTOs(rs []ledger.TransactionRecord) []RecordDTO {
	out := make([]RecordDTO, len(rs))
	for i, r := range rs {
		out[i] = RecordDTO{
			ID:              r.ID.String(),
			Kind:            string(r.Kind),
			ParentID:        r.ParentID.String(),
			UserID:          string(r.UserID),
			Status:          string(r.Status),
			TransactionTime: r.TransactionTime,
		}
	}
	return out
}

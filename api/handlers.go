/*
handlers.go - HTTP API handlers for the VIP ledger

PURPOSE:
  Exposes the ledger workflows via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to the services.

ENDPOINTS:
  Accounts (user-facing, {userID} is resolved by the auth layer upstream):
    GET    /api/accounts/{userID}                  Account snapshot
    GET    /api/accounts/{userID}/tier             Current VIP tier
    GET    /api/accounts/{userID}/products         Products, newest first
    POST   /api/accounts/{userID}/products         Submit a product batch
    POST   /api/accounts/{userID}/products/settle  Reconcile pending groups
    POST   /api/accounts/{userID}/groups/{groupID}/process
    GET    /api/accounts/{userID}/deposits         Recharges
    POST   /api/accounts/{userID}/deposits         Request a recharge
    GET    /api/accounts/{userID}/withdrawals      Withdrawals
    POST   /api/accounts/{userID}/withdrawals      Request a withdrawal

  Lookups:
    GET    /api/tiers
    GET    /api/products/{id}/records
    GET    /api/deposits/{id}, /api/deposits/{id}/records
    GET    /api/withdrawals/{id}, /api/withdrawals/{id}/records

  Admin (X-Actor-ID required):
    GET    /api/admin/accounts
    POST   /api/admin/accounts
    PUT    /api/admin/accounts/{userID}/settings
    POST   /api/admin/accounts/{userID}/block     Toggle block
    POST   /api/admin/accounts/{userID}/freeze
    POST   /api/admin/accounts/{userID}/delete
    POST   /api/admin/accounts/{userID}/restore
    POST   /api/admin/accounts/{userID}/deposits  Direct deposit
    POST   /api/admin/deposits/{id}/approve
    POST   /api/admin/withdrawals/{id}/approve
    POST   /api/admin/withdrawals/{id}/reject
    PUT    /api/admin/tiers
    GET    /api/admin/audit

ERROR HANDLING:
  Errors are returned as {"error": {"kind", "code", "message"}} with the
  status derived from ledger.KindOf:
  - 400: validation
  - 404: not found
  - 409: not pending, account exists
  - 422: other business rules (insufficient funds, inactive account, ...)
  - 500: invariant violation, unclassified
  - 503: infrastructure (retryable)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/deposit"
	"github.com/warp/vip-ledger/ledger"
	"github.com/warp/vip-ledger/moderation"
	"github.com/warp/vip-ledger/product"
	"github.com/warp/vip-ledger/withdrawal"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *ledger.Engine
	Products    *product.Service
	Deposits    *deposit.Service
	Withdrawals *withdrawal.Service
	Moderation  *moderation.Service

	// AuditLog backs GET /api/admin/audit. Nil disables the route.
	AuditLog audit.Store
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Health is called by /healthz when set.
	Health func(ctx context.Context) error

	logger *zap.Logger
}

// NewHandler creates a handler over the ledger services.
func NewHandler(engine *ledger.Engine, products *product.Service, deposits *deposit.Service,
	withdrawals *withdrawal.Service, mod *moderation.Service, logger *zap.Logger) *Handler {
	return &Handler{
		Engine:      engine,
		Products:    products,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Moderation:  mod,
		logger:      logger.Named("api"),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetAccount returns the account snapshot.
// GET /api/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Engine.Account(r.Context(), userIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTier returns the VIP tier matching the current balance.
// GET /api/accounts/{userID}/tier
func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	tier, err := h.Engine.DeriveTier(r.Context(), userIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(tier))
}

// ListAccounts returns every account.
// GET /api/admin/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.Engine.Accounts(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]AccountDTO, len(accts))
	for i, a := range accts {
		out[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateAccount opens an account for a newly registered user.
// POST /api/admin/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	settings := ledger.Settings{NegativeThreshold: req.NegativeThreshold, ClickRemaining: req.ClickRemaining}
	acct, err := h.Moderation.CreateUser(r.Context(), actorFrom(r.Context()), ledger.UserID(req.UserID), settings)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// Configure changes the threshold and/or click allowance.
// PUT /api/admin/accounts/{userID}/settings
func (h *Handler) Configure(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.Moderation.Configure(r.Context(), actorFrom(r.Context()), userIDParam(r), req.settings())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// moderate adapts the single-argument moderation actions.
func (h *Handler) moderate(action func(context.Context, string, ledger.UserID) (ledger.Account, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := action(r.Context(), actorFrom(r.Context()), userIDParam(r))
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAccountDTO(acct))
	}
}

// =============================================================================
// VIP TIER HANDLERS
// =============================================================================

// ListTiers returns the current tier table, lowest level first.
// GET /api/tiers
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	table, err := h.Engine.Tiers(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTOs(table))
}

// ReplaceTiers installs a whole new tier table.
// PUT /api/admin/tiers
func (h *Handler) ReplaceTiers(w http.ResponseWriter, r *http.Request) {
	var req []TierDTO
	if !decode(w, r, &req) {
		return
	}
	table := make(ledger.TierTable, len(req))
	for i, t := range req {
		table[i] = t.tier()
	}
	if err := h.Moderation.ReplaceTiers(r.Context(), actorFrom(r.Context()), table); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTOs(table.Sorted()))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// SubmitProducts submits one product batch.
// POST /api/accounts/{userID}/products
func (h *Handler) SubmitProducts(w http.ResponseWriter, r *http.Request) {
	var req SubmitProductsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Products.Submit(r.Context(), userIDParam(r), req.Amounts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionDTO(res))
}

// ListProducts returns the user's products.
// GET /api/accounts/{userID}/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Products.List(r.Context(), userIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTOs(ps))
}

// ProcessCombined tries to pay one combined group.
// POST /api/accounts/{userID}/groups/{groupID}/process
func (h *Handler) ProcessCombined(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rec, err := h.Products.ProcessCombined(r.Context(), userIDParam(r), groupID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// SettlePending reconciles every pending combined group of the user.
// POST /api/accounts/{userID}/products/settle
func (h *Handler) SettlePending(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	if _, err := h.Engine.Account(r.Context(), userID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	recs, err := h.Products.SettlePending(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]ReconciliationDTO, len(recs))
	for i, rec := range recs {
		out[i] = toReconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

// ProductRecords returns a product's transaction records.
// GET /api/products/{id}/records
func (h *Handler) ProductRecords(w http.ResponseWriter, r *http.Request) {
	h.records(w, r, h.Products.Records)
}

// =============================================================================
// DEPOSIT HANDLERS
// =============================================================================

// RequestDeposit creates a pending recharge and returns the payment contact.
// POST /api/accounts/{userID}/deposits
func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Deposits.Request(r.Context(), userIDParam(r), req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DepositRequestDTO{
		Recharge: toRechargeDTO(res.Recharge),
		Contact:  res.Contact,
	})
}

// ListDeposits returns the user's recharges.
// GET /api/accounts/{userID}/deposits
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Deposits.List(r.Context(), userIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]RechargeDTO, len(rs))
	for i, rc := range rs {
		out[i] = toRechargeDTO(rc)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDeposit returns one recharge.
// GET /api/deposits/{id}
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rc, err := h.Deposits.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRechargeDTO(rc))
}

// DepositRecords returns a recharge's transaction records.
// GET /api/deposits/{id}/records
func (h *Handler) DepositRecords(w http.ResponseWriter, r *http.Request) {
	h.records(w, r, h.Deposits.Records)
}

// ApproveDeposit credits a pending recharge exactly once.
// POST /api/admin/deposits/{id}/approve
func (h *Handler) ApproveDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rc, acct, err := h.Deposits.Approve(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toRechargeDTO(rc)
	writeJSON(w, http.StatusOK, TransitionDTO{Recharge: &dto, Account: toAccountDTO(acct)})
}

// DirectDeposit credits an account without a prior request.
// POST /api/admin/accounts/{userID}/deposits
func (h *Handler) DirectDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rc, acct, err := h.Deposits.Direct(r.Context(), actorFrom(r.Context()), userIDParam(r), req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toRechargeDTO(rc)
	writeJSON(w, http.StatusCreated, TransitionDTO{Recharge: &dto, Account: toAccountDTO(acct)})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// RequestWithdrawal reserves the amount and creates a pending withdrawal.
// POST /api/accounts/{userID}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	wd, acct, err := h.Withdrawals.Request(r.Context(), userIDParam(r), req.Amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toWithdrawalDTO(wd)
	writeJSON(w, http.StatusCreated, TransitionDTO{Withdrawal: &dto, Account: toAccountDTO(acct)})
}

// ListWithdrawals returns the user's withdrawals.
// GET /api/accounts/{userID}/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Withdrawals.List(r.Context(), userIDParam(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]WithdrawalDTO, len(ws))
	for i, wd := range ws {
		out[i] = toWithdrawalDTO(wd)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetWithdrawal returns one withdrawal.
// GET /api/withdrawals/{id}
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	wd, err := h.Withdrawals.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

// WithdrawalRecords returns a withdrawal's transaction records.
// GET /api/withdrawals/{id}/records
func (h *Handler) WithdrawalRecords(w http.ResponseWriter, r *http.Request) {
	h.records(w, r, h.Withdrawals.Records)
}

// ApproveWithdrawal pays out the reserved amount.
// POST /api/admin/withdrawals/{id}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	wd, acct, err := h.Withdrawals.Approve(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toWithdrawalDTO(wd)
	writeJSON(w, http.StatusOK, TransitionDTO{Withdrawal: &dto, Account: toAccountDTO(acct)})
}

// RejectWithdrawal returns the reserved amount to the balance.
// POST /api/admin/withdrawals/{id}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var req RejectRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	wd, acct, err := h.Withdrawals.Reject(r.Context(), actorFrom(r.Context()), id, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dto := toWithdrawalDTO(wd)
	writeJSON(w, http.StatusOK, TransitionDTO{Withdrawal: &dto, Account: toAccountDTO(acct)})
}

// =============================================================================
// AUDIT
// =============================================================================

// ListAudit queries the admin audit log, newest first.
// GET /api/admin/audit?actor=&target_user=&action=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:      q.Get("actor"),
		TargetUser: ledger.UserID(q.Get("target_user")),
		Limit:      100,
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, audit.Action(a))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}
	entries, err := h.AuditLog.QueryAudit(r.Context(), f)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Audit log unavailable", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Healthz pings the store.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) records(w http.ResponseWriter, r *http.Request,
	load func(context.Context, uuid.UUID) ([]ledger.TransactionRecord, error)) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	rs, err := load(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(rs))
}

func userIDParam(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "userID"))
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q", ledger.ErrInvalidID, name, raw)
	}
	return id, nil
}

// decode writes a 400 and returns false if the body is not valid JSON.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a request-level failure that never reached the ledger.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := ErrorBody{Kind: string(ledger.KindValidation), Code: "bad_request", Message: message}
	if status >= http.StatusInternalServerError {
		body.Kind, body.Code = string(ledger.KindInfrastructure), "unavailable"
	}
	if err != nil {
		body.Message = message + ": " + err.Error()
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}

// writeDomainError maps a ledger error to its status code.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(err, kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Kind:    string(kind),
		Code:    ledger.Code(err),
		Message: err.Error(),
	}})
}

func statusFor(err error, kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindBusiness:
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return http.StatusNotFound
		case errors.Is(err, ledger.ErrNotPending), errors.Is(err, ledger.ErrAccountExists):
			return http.StatusConflict
		default:
			return http.StatusUnprocessableEntity
		}
	case ledger.KindInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

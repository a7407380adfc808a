/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Validation - bad input, rejected before any state is read
  2. Business   - rule violated after read, before write
  3. Invariant  - a write would break a ledger invariant (fails closed)
  4. Infrastructure - the store failed; state is unchanged, caller may retry

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }
  switch ledger.KindOf(err) { case ledger.KindValidation: ... }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrNegativeAmount   = errors.New("negative amount")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidSettings  = errors.New("invalid account settings")
	ErrInvalidTierTable = errors.New("invalid vip tier table")
	ErrInvalidID        = errors.New("invalid identifier")

	// Business rules
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoMatchingTier    = errors.New("no vip tier matches balance")
	ErrNotFound          = errors.New("not found")
	ErrNotPending        = errors.New("not pending")
	ErrAccountInactive   = errors.New("account is inactive")
	ErrAccountExists     = errors.New("account already exists")

	// Invariants
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// Infrastructure
	ErrInfrastructure = errors.New("infrastructure failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// InfrastructureError wraps a storage failure with the operation it broke.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: storage failure: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Is(target error) bool {
	return target == ErrInfrastructure
}

// reason attaches a human-readable reason to a sentinel.
func reason(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound for the named entity.
func NotFound(entity string, id any) error {
	return reason(ErrNotFound, "%s %v", entity, id)
}

// NotPending builds an ErrNotPending for the named entity.
func NotPending(entity string, id any, status Status) error {
	return reason(ErrNotPending, "%s %v is %s", entity, id, status)
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindBusiness       ErrorKind = "business"
	KindInvariant      ErrorKind = "invariant"
	KindInfrastructure ErrorKind = "infrastructure"
	KindUnknown        ErrorKind = "unknown"
)

var codes = []struct {
	err  error
	kind ErrorKind
	code string
}{
	{ErrNegativeAmount, KindValidation, "negative_amount"},
	{ErrInvalidAmount, KindValidation, "invalid_amount"},
	{ErrInvalidSettings, KindValidation, "invalid_settings"},
	{ErrInvalidTierTable, KindValidation, "invalid_tier_table"},
	{ErrInvalidID, KindValidation, "invalid_id"},
	{ErrInsufficientFunds, KindBusiness, "insufficient_funds"},
	{ErrNoMatchingTier, KindBusiness, "no_matching_tier"},
	{ErrNotFound, KindBusiness, "not_found"},
	{ErrNotPending, KindBusiness, "not_pending"},
	{ErrAccountInactive, KindBusiness, "account_inactive"},
	{ErrAccountExists, KindBusiness, "account_exists"},
	{ErrInvariantViolation, KindInvariant, "invariant_violation"},
	{ErrInfrastructure, KindInfrastructure, "infrastructure"},
}

// KindOf classifies an error into one of the four ledger categories.
func KindOf(err error) ErrorKind {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindUnknown
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsDomainError reports whether err is one of the ledger's own errors, as
// opposed to a raw store or context failure.
func IsDomainError(err error) bool {
	return KindOf(err) != KindUnknown
}

// IsRetryable returns true if the error might succeed on retry.
// Balance errors are never transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindBusiness
}

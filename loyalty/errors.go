/*
errors.go - Error taxonomy for the loyalty engine

PURPOSE:
  All error types in one place. Every business failure aborts the current
  atomic unit and reaches the caller unchanged; callers classify with
  errors.Is / errors.As.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound
  2. Business rules    - InsufficientFunds, OutOfStock, AlreadyUsed,
                         Expired, BelowThreshold, MisconfiguredItem
  3. Input errors      - Validation, DuplicateRequest, Forbidden
  4. Storage errors    - Transient (retry the whole request)

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientFunds) {
      // balance or points short
  }

  var nf *loyalty.NotFoundError
  if errors.As(err, &nf) {
      fmt.Println(nf.Kind, nf.ID)
  }

SEE ALSO:
  - engine.go: returns these errors
  - store.go: storage backends wrap failures with Transient
  - api/handlers.go: maps them to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a member, tier, item or voucher is absent.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned when balance or points are short.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientBalance narrows ErrInsufficientFunds to prepaid balance.
	ErrInsufficientBalance = fmt.Errorf("%w: balance", ErrInsufficientFunds)

	// ErrInsufficientPoints narrows ErrInsufficientFunds to loyalty points.
	ErrInsufficientPoints = fmt.Errorf("%w: points", ErrInsufficientFunds)

	// ErrOutOfStock is returned when a limited voucher type has no stock left.
	ErrOutOfStock = errors.New("out of stock")

	// ErrAlreadyUsed is returned when redeeming a voucher that was used.
	ErrAlreadyUsed = errors.New("voucher already used")

	// ErrExpired is returned when redeeming a voucher past its expiry date.
	ErrExpired = errors.New("voucher expired")

	// ErrBelowThreshold is returned when the bill does not reach the
	// discount voucher's minimum.
	ErrBelowThreshold = errors.New("bill below voucher threshold")

	// ErrMisconfiguredItem is returned when a catalog item lacks its linked
	// voucher type.
	ErrMisconfiguredItem = errors.New("catalog item misconfigured")

	// ErrValidation is returned for malformed input amounts or types.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateRequest is returned when an idempotency key was already
	// committed.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrTransient wraps storage failures (lock timeouts, I/O). The caller
	// should retry the whole request.
	ErrTransient = errors.New("transient storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "member", "voucher", "recharge_tier", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError. Store implementations use it so that
// every backend reports missing rows the same way.
func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// InsufficientFundsError provides details about a balance or points shortage.
type InsufficientFundsError struct {
	MemberID  MemberID
	Resource  string // "balance" or "points"
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s",
		e.Resource, e.Available.String(), e.Requested.String())
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Resource == "points" {
		return ErrInsufficientPoints
	}
	return ErrInsufficientBalance
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ThresholdError reports the bill and the threshold it missed.
type ThresholdError struct {
	Bill      decimal.Decimal
	Threshold decimal.Decimal
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("bill amount %s does not meet the voucher threshold %s",
		e.Bill.StringFixed(2), e.Threshold.StringFixed(2))
}

func (e *ThresholdError) Unwrap() error { return ErrBelowThreshold }

// Transient wraps a lower-level storage error so that errors.Is(err,
// ErrTransient) holds while the original cause stays inspectable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is a business-rule or input
// rejection that retrying will not fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrAlreadyUsed) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrBelowThreshold) ||
		errors.Is(err, ErrMisconfiguredItem) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateRequest)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Outcome classifies err into a short label for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrBelowThreshold):
		return "below_threshold"
	case errors.Is(err, ErrMisconfiguredItem):
		return "misconfigured_item"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "transient"
	}
}

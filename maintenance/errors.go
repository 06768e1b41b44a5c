/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  All error types in one place. The API layer maps them to HTTP status
  codes with errors.Is / errors.As, so every error the engine returns
  wraps exactly one of the category sentinels below.

CATEGORIES:
  ErrNotFound               rule, bill or unit absent
  ErrConflict               duplicate rule scope, duplicate bill, double payment
  ErrInvalidInput           malformed configuration, rule/unit mismatch
  ErrInvalidState           unit has nobody to bill
  ErrForbidden              payer is not the bill's resident
  ErrInsufficientAmount     payment below total due
  ErrConcurrentModification optimistic version check failed

  Specialised errors (ErrDuplicateBill, ErrRuleMismatch, ...) wrap a
  category so callers can match either level.

SEE ALSO:
  - api/handlers.go: statusFor maps these to HTTP
  - store/sqlite/sqlite.go: translates UNIQUE violations into these
*/
package maintenance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidState           = errors.New("invalid state")
	ErrForbidden              = errors.New("forbidden")
	ErrInsufficientAmount     = errors.New("insufficient amount")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

var (
	ErrRuleNotFound    = fmt.Errorf("rule %w", ErrNotFound)
	ErrBillNotFound    = fmt.Errorf("bill %w", ErrNotFound)
	ErrUnitNotFound    = fmt.Errorf("unit %w", ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("payment %w", ErrNotFound)

	ErrDuplicateRule    = fmt.Errorf("%w: an active rule already exists for this scope", ErrConflict)
	ErrDuplicateBill    = fmt.Errorf("%w: a bill already exists for this unit and period", ErrConflict)
	ErrDuplicatePayment = fmt.Errorf("%w: bill already has a settling payment", ErrConflict)
	ErrBillAlreadyPaid  = fmt.Errorf("%w: bill is already paid", ErrConflict)
	ErrRuleInUse        = fmt.Errorf("%w: rule is referenced by bills", ErrConflict)

	ErrRuleMismatch       = fmt.Errorf("%w: rule does not apply to unit", ErrInvalidInput)
	ErrNoResident         = fmt.Errorf("%w: unit has no resident to bill", ErrInvalidState)
	ErrNotBillPayer       = fmt.Errorf("%w: only the bill's resident can pay it", ErrForbidden)
	ErrDeleteNotConfirmed = fmt.Errorf("%w: bill deletion must be confirmed", ErrInvalidInput)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RuleConflictError names the scope that already has an active rule so an
// admin can go edit that rule instead.
type RuleConflictError struct {
	SocietyID      SocietyID
	Scope          RuleScope
	BuildingID     BuildingID
	ExistingRuleID RuleID
}

func (e *RuleConflictError) Error() string {
	if e.Scope == ScopeBuildingSpecific {
		if e.ExistingRuleID != "" {
			return fmt.Sprintf("an active rule already exists for building %s (rule %s)", e.BuildingID, e.ExistingRuleID)
		}
		return fmt.Sprintf("an active rule already exists for building %s", e.BuildingID)
	}
	if e.ExistingRuleID != "" {
		return fmt.Sprintf("an active general rule already exists for society %s (rule %s)", e.SocietyID, e.ExistingRuleID)
	}
	return fmt.Sprintf("an active general rule already exists for society %s", e.SocietyID)
}

func (e *RuleConflictError) Unwrap() error { return ErrDuplicateRule }

// InsufficientAmountError reports the total due at the moment of the attempt,
// which may have grown since the client last fetched the bill.
type InsufficientAmountError struct {
	BillID   BillID
	TotalDue decimal.Decimal
	Offered  decimal.Decimal
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("insufficient amount: total due is %s, offered %s",
		e.TotalDue.StringFixed(MoneyScale), e.Offered.StringFixed(MoneyScale))
}

func (e *InsufficientAmountError) Unwrap() error { return ErrInsufficientAmount }

// ValidationError points at the offending field of a rule or request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is caused by the request rather
// than by the engine or its store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInsufficientAmount) ||
		errors.Is(err, ErrConflict)
}

/*
Package maintenance provides the society maintenance billing engine.

PURPOSE:
  Decides which billing rule governs a residential unit, computes the
  period charge, accrues late fees as a function of elapsed time and
  drives a bill through pending -> overdue -> paid. Everything else in a
  society application (auth, unit registry, memberships) is an external
  collaborator reached through the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule:    Admin-defined billing policy (amount + penalty) with a scope
  - Bill:    One unit's obligation for one calendar month
  - Payment: Immutable record of the single payment that settled a bill
  - Unit:    Read model of a flat, supplied by the unit registry

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, rounded to minor units
  2. Frozen history: a bill's base amount never changes after generation,
     and a paid bill never changes at all
  3. Lazy state: overdue status and late fees are recomputed on read,
     there is no background sweep
  4. Type safety: distinct ID types so a unit ID can't be passed as a bill ID

SEE ALSO:
  - resolver.go: Which rule applies to a unit
  - amount.go:   What the rule charges
  - penalty.go:  Late fee as of an instant
  - engine.go:   Rule administration
  - lifecycle.go: Bill generation, refresh and payment
*/
package maintenance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places kept for money (paise / cents).
const MoneyScale = 2

// Money rounds a decimal to minor units.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// NewMoney builds a money value from whole major units.
func NewMoney(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// MustParseMoney parses a decimal string, returning zero on malformed input.
func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SocietyID string
type BuildingID string
type UnitID string
type RuleID string
type BillID string
type PaymentID string

// =============================================================================
// UNIT - read model supplied by the unit registry
// =============================================================================

// Unit is a billable flat. ResidentID is empty when the unit has nobody to bill.
type Unit struct {
	ID         UnitID
	SocietyID  SocietyID
	BuildingID BuildingID
	Number     string
	BHKType    string
	ResidentID string
}

// =============================================================================
// RULE - billing policy scoped to one society
// =============================================================================

type RuleScope string

const (
	ScopeGeneral          RuleScope = "general"
	ScopeBuildingSpecific RuleScope = "building_specific"
)

type AmountMode string

const (
	AmountFlat    AmountMode = "flat"
	AmountBHKWise AmountMode = "bhk_wise"
)

type PenaltyMode string

const (
	PenaltyPercentage PenaltyMode = "percentage"
	PenaltyFixed      PenaltyMode = "fixed"
	PenaltyDailyRate  PenaltyMode = "daily_rate"
)

// Rule is a plain value; resolution and calculation live in free functions.
type Rule struct {
	ID        RuleID
	SocietyID SocietyID
	Name      string

	Scope      RuleScope
	BuildingID BuildingID // set iff Scope == ScopeBuildingSpecific

	AmountMode AmountMode
	FlatAmount decimal.Decimal
	BHKAmounts map[string]decimal.Decimal

	BillingDay int // 1..28
	GraceDays  int

	PenaltyEnabled bool
	PenaltyMode    PenaltyMode
	PenaltyValue   decimal.Decimal

	Active bool

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no map with r.
func (r Rule) Clone() Rule {
	if r.BHKAmounts != nil {
		m := make(map[string]decimal.Decimal, len(r.BHKAmounts))
		for k, v := range r.BHKAmounts {
			m[k] = v
		}
		r.BHKAmounts = m
	}
	return r
}

// Validate checks the rule's own configuration. Uniqueness against other
// rules is checked by the engine.
func (r Rule) Validate() error {
	if r.SocietyID == "" {
		return &ValidationError{Field: "society_id", Message: "is required"}
	}

	switch r.Scope {
	case ScopeGeneral:
		if r.BuildingID != "" {
			return &ValidationError{Field: "building_id", Message: "must be empty for a general rule"}
		}
	case ScopeBuildingSpecific:
		if r.BuildingID == "" {
			return &ValidationError{Field: "building_id", Message: "is required for a building-specific rule"}
		}
	default:
		return &ValidationError{Field: "scope", Message: "must be general or building_specific"}
	}

	switch r.AmountMode {
	case AmountFlat:
		if !r.FlatAmount.IsPositive() {
			return &ValidationError{Field: "flat_amount", Message: "must be greater than zero"}
		}
	case AmountBHKWise:
		positive := false
		for k, v := range r.BHKAmounts {
			if v.IsNegative() {
				return &ValidationError{Field: "bhk_amounts", Message: "amount for " + k + " is negative"}
			}
			if v.IsPositive() {
				positive = true
			}
		}
		if !positive {
			return &ValidationError{Field: "bhk_amounts", Message: "needs at least one positive amount"}
		}
	default:
		return &ValidationError{Field: "amount_mode", Message: "must be flat or bhk_wise"}
	}

	if r.BillingDay < 1 || r.BillingDay > 28 {
		return &ValidationError{Field: "billing_day", Message: "must be between 1 and 28"}
	}
	if r.GraceDays < 0 {
		return &ValidationError{Field: "grace_days", Message: "must not be negative"}
	}

	if r.PenaltyValue.IsNegative() {
		return &ValidationError{Field: "penalty_value", Message: "must not be negative"}
	}
	if r.PenaltyEnabled {
		switch r.PenaltyMode {
		case PenaltyPercentage, PenaltyFixed, PenaltyDailyRate:
		default:
			return &ValidationError{Field: "penalty_mode", Message: "must be percentage, fixed or daily_rate"}
		}
		if !r.PenaltyValue.IsPositive() {
			return &ValidationError{Field: "penalty_value", Message: "must be greater than zero when penalty is enabled"}
		}
	}
	return nil
}

// ScopeKey identifies the uniqueness slot an active rule occupies.
func (r Rule) ScopeKey() string {
	if r.Scope == ScopeBuildingSpecific {
		return string(r.SocietyID) + "/building/" + string(r.BuildingID)
	}
	return string(r.SocietyID) + "/general"
}

// =============================================================================
// BILL - one unit, one month
// =============================================================================

type BillStatus string

const (
	BillPending BillStatus = "pending"
	BillOverdue BillStatus = "overdue"
	BillPaid    BillStatus = "paid"
)

type Bill struct {
	ID         BillID
	SocietyID  SocietyID
	UnitID     UnitID
	ResidentID string
	RuleID     RuleID // rule active at generation time, never re-resolved
	Period     Period

	BaseAmount     decimal.Decimal // frozen at generation
	DueDate        time.Time
	Status         BillStatus
	LateFeeApplied decimal.Decimal

	PaidAt     *time.Time
	PaymentRef PaymentID

	// Version is bumped on every persisted change and used for optimistic writes.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalAmount is always derived; it is never stored on its own.
func (b Bill) TotalAmount() decimal.Decimal {
	return b.BaseAmount.Add(b.LateFeeApplied)
}

func (b Bill) IsPaid() bool { return b.Status == BillPaid }

// =============================================================================
// PAYMENT - immutable settlement record
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodUPI          PaymentMethod = "upi"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
	MethodCheque       PaymentMethod = "cheque"
	MethodOnline       PaymentMethod = "online"
)

// ValidPaymentMethod reports whether m is one of the accepted methods.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodCash, MethodUPI, MethodBankTransfer, MethodCard, MethodCheque, MethodOnline:
		return true
	}
	return false
}

type Payment struct {
	ID                    PaymentID
	BillID                BillID
	SocietyID             SocietyID
	PaidBy                string
	Amount                decimal.Decimal
	Method                PaymentMethod
	ExternalTransactionID string
	PaidAt                time.Time
}

/*
store.go - Persistence interfaces for rules, bills, payments and units

PURPOSE:
  Defines the boundary between the billing engine and its database.
  Implementations translate storage-level uniqueness violations into the
  engine's Conflict errors so a race that slips past an application
  pre-check still surfaces as ErrDuplicateRule / ErrDuplicateBill /
  ErrDuplicatePayment, never as a raw driver error.

KEY INTERFACES:
  RuleStore:     Billing rules (unique active rule per scope key)
  BillStore:     Bills (unique per unit+period, optimistic updates)
  PaymentLedger: Append-only payments (unique per bill)
  UnitRegistry:  Read access to the society's units
  TxStore:       All of the above plus atomic multi-write transactions

LOOKUPS:
  Get and Find lookups return (nil, nil) when the record doesn't exist; the engine
  turns that into the matching ErrXxxNotFound.

OPTIMISTIC WRITES:
  UpdateBill takes the version the caller read. If the stored version
  differs, the write is refused with ErrConcurrentModification. On
  success the store bumps the version.

APPEND-ONLY PAYMENTS:
  PaymentLedger has no Update or Delete. A payment settles exactly one
  bill and is never changed afterwards.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:       SQLite, used by the server
  - maintenance/store/memory.go:  In-memory, used by tests

SEE ALSO:
  - lifecycle.go: The only writer of bill state
*/
package maintenance

import (
	"context"
	"time"
)

// RuleFilter narrows ListRules. Zero values mean "any".
type RuleFilter struct {
	SocietyID  SocietyID
	ActiveOnly bool
	Scope      RuleScope
	BuildingID BuildingID
}

type RuleStore interface {
	// CreateRule inserts a new rule. Returns ErrDuplicateRule (as a
	// *RuleConflictError) if another active rule holds the same scope key.
	CreateRule(ctx context.Context, rule Rule) error

	// UpdateRule replaces a rule's policy fields. Same uniqueness contract as CreateRule.
	UpdateRule(ctx context.Context, rule Rule) error

	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)

	// DeleteRule removes a rule. Callers must check CountBillsByRule first.
	DeleteRule(ctx context.Context, id RuleID) error
}

// BillFilter narrows ListBills. Zero values mean "any".
type BillFilter struct {
	SocietyID SocietyID
	UnitID    UnitID
	Period    Period
	Status    BillStatus
}

type BillStore interface {
	// CreateBill inserts a bill. Returns ErrDuplicateBill if one exists for
	// the same unit and period.
	CreateBill(ctx context.Context, bill Bill) error

	// UpdateBill persists derived state (status, late fee, payment fields)
	// if the stored version still equals bill.Version. The base amount is
	// never rewritten.
	UpdateBill(ctx context.Context, bill Bill) error

	GetBill(ctx context.Context, id BillID) (*Bill, error)
	FindBill(ctx context.Context, unitID UnitID, period Period) (*Bill, error)
	ListBills(ctx context.Context, filter BillFilter) ([]Bill, error)
	CountBillsByRule(ctx context.Context, ruleID RuleID) (int, error)
	DeleteBill(ctx context.Context, id BillID) error
}

// PaymentFilter narrows ListPayments. Zero values mean "any".
type PaymentFilter struct {
	SocietyID SocietyID
	BillID    BillID
	PaidBy    string
	From      *time.Time
	To        *time.Time
}

// PaymentLedger is append-only. No Update, no Delete.
type PaymentLedger interface {
	// AppendPayment records a payment. Returns ErrDuplicatePayment if the
	// bill already has one.
	AppendPayment(ctx context.Context, payment Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
}

type UnitRegistry interface {
	GetUnit(ctx context.Context, id UnitID) (*Unit, error)
	ListUnits(ctx context.Context, societyID SocietyID) ([]Unit, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	RuleStore
	BillStore
	PaymentLedger
	UnitRegistry
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

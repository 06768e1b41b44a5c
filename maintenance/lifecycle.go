/*
lifecycle.go - Bill generation, lazy refresh and payment settlement

PURPOSE:
  Owns every transition of a bill. Nothing else writes status, late fee
  or payment fields.

STATE MACHINE:
  ┌─────────┐  now past grace end   ┌─────────┐
  │ pending │ ────────────────────▶ │ overdue │
  └─────────┘                       └─────────┘
       │                                 │
       │ ApplyPayment        ApplyPayment│
       ▼                                 ▼
  ┌──────────────────────────────────────────┐
  │                  paid                    │  terminal, frozen
  └──────────────────────────────────────────┘

LAZY REFRESH:
  There is no background job. The pending -> overdue move and fee
  accrual happen inside whichever request first reads or pays the bill
  after the threshold passed. Every read path in this file goes through
  Refresh before returning a bill.

  Refresh writes only when something changed. If that write fails, the
  computed view is still returned; the next read recomputes it.

PAYMENT SERIALISATION:
  ApplyPayment runs refresh-check-write inside one store transaction.
  A refused payment rolls that transaction back, so the refresh is then
  persisted on its own.
  The payment table is unique on bill_id and the bill update is guarded
  by its version, so two concurrent payments can never both settle a
  bill: the loser sees the bill paid (ErrBillAlreadyPaid) or loses the
  version race (ErrConcurrentModification).

SEE ALSO:
  - penalty.go: Evaluate, ComputeLateFee
  - store.go:   UpdateBill version contract
*/
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GENERATION
// =============================================================================

type GenerateBillInput struct {
	UnitID  UnitID
	RuleID  RuleID
	Period  Period
	ActorID string
}

// GenerateBill materialises the bill for one unit and month under rule. The
// amount is computed now and frozen; later rule edits never touch it.
func (e *Engine) GenerateBill(ctx context.Context, in GenerateBillInput) (Bill, error) {
	if in.Period.IsZero() {
		return Bill{}, &ValidationError{Field: "period", Message: "is required"}
	}

	var (
		bill Bill
		rule Rule
	)
	err := e.Store.WithTx(ctx, func(s Store) error {
		unit, err := loadUnit(ctx, s, in.UnitID)
		if err != nil {
			return err
		}
		rule, err = loadRule(ctx, s, "", in.RuleID)
		if err != nil {
			return err
		}

		existing, err := s.FindBill(ctx, unit.ID, in.Period)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: unit %s, period %s (bill %s)", ErrDuplicateBill, unit.ID, in.Period, existing.ID)
		}

		bill, err = e.newBill(unit, rule, in.Period)
		if err != nil {
			return err
		}
		return s.CreateBill(ctx, bill)
	})
	if err != nil {
		BillGenerationRejected.WithLabelValues(rejectionReason(err)).Inc()
		return Bill{}, err
	}

	BillsGenerated.WithLabelValues(string(rule.Scope)).Inc()
	e.logf("bill %s generated for unit %s period %s amount %s by %s",
		bill.ID, bill.UnitID, bill.Period, bill.BaseAmount.StringFixed(MoneyScale), in.ActorID)
	return bill, nil
}

// newBill checks unit against rule and builds the bill. A bill generated for
// a month already past grace comes out overdue with its fee accrued.
func (e *Engine) newBill(unit Unit, rule Rule, period Period) (Bill, error) {
	if unit.ResidentID == "" {
		return Bill{}, fmt.Errorf("%w: unit %s", ErrNoResident, unit.ID)
	}
	if rule.SocietyID != unit.SocietyID {
		return Bill{}, fmt.Errorf("%w: rule %s belongs to another society", ErrRuleMismatch, rule.ID)
	}
	if !rule.Active {
		return Bill{}, fmt.Errorf("%w: rule %s is inactive", ErrRuleMismatch, rule.ID)
	}
	if !Applies(rule, unit) {
		return Bill{}, fmt.Errorf("%w: rule %s is for building %s, unit %s is in %s",
			ErrRuleMismatch, rule.ID, rule.BuildingID, unit.ID, unit.BuildingID)
	}

	amount := CalculateAmount(rule, unit)
	if !amount.IsPositive() {
		return Bill{}, fmt.Errorf("%w: rule %s has no amount for BHK type %q", ErrRuleMismatch, rule.ID, unit.BHKType)
	}

	now := e.now()
	bill := Bill{
		ID:             BillID(newID("bill")),
		SocietyID:      unit.SocietyID,
		UnitID:         unit.ID,
		ResidentID:     unit.ResidentID,
		RuleID:         rule.ID,
		Period:         period,
		BaseAmount:     amount,
		DueDate:        period.DueDate(rule.BillingDay, e.loc()),
		Status:         BillPending,
		LateFeeApplied: decimal.Zero,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	bill, _ = Evaluate(bill, rule, now, e.loc())
	return bill, nil
}

type GenerationOutcome string

const (
	OutcomeGenerated       GenerationOutcome = "generated"
	OutcomeSkippedExisting GenerationOutcome = "skipped_existing"
	OutcomeNoRule          GenerationOutcome = "no_rule"
	OutcomeNotApplicable   GenerationOutcome = "not_applicable"
	OutcomeNoResident      GenerationOutcome = "no_resident"
	OutcomeFailed          GenerationOutcome = "failed"
)

type GenerationResult struct {
	UnitID  UnitID
	Outcome GenerationOutcome
	BillID  BillID
	Amount  decimal.Decimal
	Error   string
}

type GenerationReport struct {
	SocietyID SocietyID
	Period    Period
	Results   []GenerationResult
	Counts    map[GenerationOutcome]int
}

// GenerateForSociety runs GenerateBill for every unit of a society, each under
// the rule that resolves for it. Units are independent: one failing doesn't
// stop the rest, and running it twice for the same month only skips.
func (e *Engine) GenerateForSociety(ctx context.Context, societyID SocietyID, period Period, actorID string) (GenerationReport, error) {
	report := GenerationReport{SocietyID: societyID, Period: period, Counts: map[GenerationOutcome]int{}}
	if period.IsZero() {
		return report, &ValidationError{Field: "period", Message: "is required"}
	}

	units, err := e.Store.ListUnits(ctx, societyID)
	if err != nil {
		return report, err
	}
	rules, err := e.Store.ListRules(ctx, RuleFilter{SocietyID: societyID, ActiveOnly: true})
	if err != nil {
		return report, err
	}

	for _, unit := range units {
		res := GenerationResult{UnitID: unit.ID}

		preview := Preview(unit, rules)
		switch {
		case preview.Reason == ReasonNoRule:
			res.Outcome = OutcomeNoRule
		case preview.Reason == ReasonZeroAmount:
			res.Outcome = OutcomeNotApplicable
		default:
			bill, err := e.GenerateBill(ctx, GenerateBillInput{
				UnitID: unit.ID, RuleID: preview.Rule.ID, Period: period, ActorID: actorID,
			})
			switch {
			case err == nil:
				res.Outcome = OutcomeGenerated
				res.BillID = bill.ID
				res.Amount = bill.BaseAmount
			case errors.Is(err, ErrDuplicateBill):
				res.Outcome = OutcomeSkippedExisting
			case errors.Is(err, ErrNoResident):
				res.Outcome = OutcomeNoResident
			default:
				res.Outcome = OutcomeFailed
				res.Error = err.Error()
			}
		}

		report.Counts[res.Outcome]++
		report.Results = append(report.Results, res)
	}

	e.logf("bulk generation for %s %s: %d generated, %d skipped, %d failed",
		societyID, period, report.Counts[OutcomeGenerated], report.Counts[OutcomeSkippedExisting], report.Counts[OutcomeFailed])
	return report, nil
}

// =============================================================================
// REFRESH
// =============================================================================

// Refresh brings bill up to date with the clock. Paid bills are returned
// untouched. The refreshed bill is persisted only when it changed, and a
// failed write does not fail the read.
//
// If bill is a stale copy (the stored version moved on, e.g. a payment
// landed after it was read), the stored bill is reloaded and refreshed
// instead, so a settled bill is never served as unpaid.
func (e *Engine) Refresh(ctx context.Context, bill Bill) (Bill, error) {
	return e.refresh(ctx, bill, true)
}

func (e *Engine) refresh(ctx context.Context, bill Bill, reloadOnRace bool) (Bill, error) {
	if bill.IsPaid() {
		return bill, nil
	}

	rule, err := loadRule(ctx, e.Store, "", bill.RuleID)
	if err != nil {
		return bill, err
	}

	next, changed := Evaluate(bill, rule, e.now(), e.loc())
	if !changed {
		return bill, nil
	}

	next.UpdatedAt = e.now().UTC()
	if err := e.Store.UpdateBill(ctx, next); err != nil {
		if reloadOnRace && errors.Is(err, ErrConcurrentModification) {
			BillRefreshWrites.WithLabelValues("stale").Inc()
			stored, lerr := loadBill(ctx, e.Store, bill.ID)
			if lerr != nil {
				return Bill{}, lerr
			}
			return e.refresh(ctx, stored, false)
		}
		BillRefreshWrites.WithLabelValues("failed").Inc()
		e.logf("refresh of bill %s not persisted, serving computed view: %v", bill.ID, err)
		return next, nil
	}
	next.Version++
	BillRefreshWrites.WithLabelValues("persisted").Inc()
	return next, nil
}

// GetBill loads and refreshes a bill.
func (e *Engine) GetBill(ctx context.Context, id BillID) (Bill, error) {
	bill, err := loadBill(ctx, e.Store, id)
	if err != nil {
		return Bill{}, err
	}
	return e.Refresh(ctx, bill)
}

// StoredBill loads a bill as last persisted, without refreshing it. Use it
// to authorize a read before Refresh is allowed to write.
func (e *Engine) StoredBill(ctx context.Context, id BillID) (Bill, error) {
	return loadBill(ctx, e.Store, id)
}

// ListBillsForUnit returns a unit's bills, newest period first, each refreshed.
func (e *Engine) ListBillsForUnit(ctx context.Context, unitID UnitID) ([]Bill, error) {
	if _, err := loadUnit(ctx, e.Store, unitID); err != nil {
		return nil, err
	}
	return e.listRefreshed(ctx, BillFilter{UnitID: unitID})
}

// ListBillsForSociety lists a society's bills. The status filter is applied
// after refresh, so a stored "pending" that is now overdue lists as overdue.
func (e *Engine) ListBillsForSociety(ctx context.Context, filter BillFilter) ([]Bill, error) {
	return e.listRefreshed(ctx, filter)
}

func (e *Engine) listRefreshed(ctx context.Context, filter BillFilter) ([]Bill, error) {
	status := filter.Status
	filter.Status = ""

	stored, err := e.Store.ListBills(ctx, filter)
	if err != nil {
		return nil, err
	}

	bills := make([]Bill, 0, len(stored))
	for _, b := range stored {
		fresh, err := e.Refresh(ctx, b)
		if err != nil {
			return nil, err
		}
		if status != "" && fresh.Status != status {
			continue
		}
		bills = append(bills, fresh)
	}

	sort.SliceStable(bills, func(i, j int) bool {
		if bills[i].Period != bills[j].Period {
			return bills[j].Period.Before(bills[i].Period)
		}
		return bills[i].UnitID < bills[j].UnitID
	})
	return bills, nil
}

// GetUnit reads a unit from the registry. The API uses it for access checks.
func (e *Engine) GetUnit(ctx context.Context, id UnitID) (Unit, error) {
	return loadUnit(ctx, e.Store, id)
}

// PreviewForUnit shows what a unit would be charged this month without
// creating a bill.
func (e *Engine) PreviewForUnit(ctx context.Context, unitID UnitID) (ApplicableMaintenance, error) {
	unit, err := loadUnit(ctx, e.Store, unitID)
	if err != nil {
		return ApplicableMaintenance{}, err
	}
	rules, err := e.Store.ListRules(ctx, RuleFilter{SocietyID: unit.SocietyID, ActiveOnly: true})
	if err != nil {
		return ApplicableMaintenance{}, err
	}
	return Preview(unit, rules), nil
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentRequest struct {
	BillID                BillID
	PayerID               string
	Amount                decimal.Decimal
	Method                PaymentMethod
	ExternalTransactionID string
}

func (r PaymentRequest) validate() error {
	if r.BillID == "" {
		return &ValidationError{Field: "bill_id", Message: "is required"}
	}
	if r.PayerID == "" {
		return &ValidationError{Field: "payer", Message: "is required"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !ValidPaymentMethod(r.Method) {
		return &ValidationError{Field: "method", Message: fmt.Sprintf("unknown payment method %q", r.Method)}
	}
	return nil
}

// ApplyPayment settles a bill in full. The bill is refreshed first, so the
// amount checked is the total due right now, penalties included.
func (e *Engine) ApplyPayment(ctx context.Context, req PaymentRequest) (Bill, Payment, error) {
	if err := req.validate(); err != nil {
		PaymentsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return Bill{}, Payment{}, err
	}

	var (
		settled Bill
		payment Payment
	)
	err := e.Store.WithTx(ctx, func(s Store) error {
		bill, err := loadBill(ctx, s, req.BillID)
		if err != nil {
			return err
		}
		if bill.IsPaid() {
			return fmt.Errorf("%w: %s settled by payment %s", ErrBillAlreadyPaid, bill.ID, bill.PaymentRef)
		}

		rule, err := loadRule(ctx, s, "", bill.RuleID)
		if err != nil {
			return err
		}
		now := e.now()
		current, _ := Evaluate(bill, rule, now, e.loc())

		if req.PayerID != current.ResidentID {
			return ErrNotBillPayer
		}
		due := current.TotalAmount()
		if req.Amount.LessThan(due) {
			return &InsufficientAmountError{BillID: current.ID, TotalDue: due, Offered: req.Amount}
		}

		paidAt := now.UTC()
		payment = Payment{
			ID:                    PaymentID(newID("pay")),
			BillID:                current.ID,
			SocietyID:             current.SocietyID,
			PaidBy:                req.PayerID,
			Amount:                Money(req.Amount),
			Method:                req.Method,
			ExternalTransactionID: req.ExternalTransactionID,
			PaidAt:                paidAt,
		}
		if err := s.AppendPayment(ctx, payment); err != nil {
			return err
		}

		current.Status = BillPaid
		current.PaidAt = &paidAt
		current.PaymentRef = payment.ID
		current.UpdatedAt = paidAt
		if err := s.UpdateBill(ctx, current); err != nil {
			return err
		}
		current.Version++
		settled = current
		return nil
	})
	if err != nil {
		PaymentsRejected.WithLabelValues(rejectionReason(err)).Inc()
		e.logf("payment for bill %s by %s refused: %v", req.BillID, req.PayerID, err)
		if errors.Is(err, ErrInsufficientAmount) {
			// The transaction rolled back the refresh it computed; persist it
			// outside so the overdue move is not recomputed on every attempt.
			// The payer check ran first, so only the resident gets here.
			if _, rerr := e.GetBill(ctx, req.BillID); rerr != nil {
				e.logf("refresh of bill %s after refused payment failed: %v", req.BillID, rerr)
			}
		}
		return Bill{}, Payment{}, err
	}

	PaymentsSettled.Inc()
	e.logf("bill %s paid by %s: %s via %s (payment %s)",
		settled.ID, payment.PaidBy, payment.Amount.StringFixed(MoneyScale), payment.Method, payment.ID)
	return settled, payment, nil
}

// =============================================================================
// DELETION - admin override
// =============================================================================

type DeleteBillInput struct {
	SocietyID SocietyID
	BillID    BillID
	ActorID   string
	Confirm   bool
}

// DeleteBill removes an unpaid bill. It loses history, so it must be
// confirmed explicitly and is written to the audit log.
func (e *Engine) DeleteBill(ctx context.Context, in DeleteBillInput) error {
	if !in.Confirm {
		return ErrDeleteNotConfirmed
	}

	var deleted Bill
	err := e.Store.WithTx(ctx, func(s Store) error {
		bill, err := loadBill(ctx, s, in.BillID)
		if err != nil {
			return err
		}
		if in.SocietyID != "" && bill.SocietyID != in.SocietyID {
			return fmt.Errorf("%w: %s", ErrBillNotFound, in.BillID)
		}
		if bill.IsPaid() {
			return fmt.Errorf("%w: bill %s is paid and keeps its payment history", ErrConflict, bill.ID)
		}
		deleted = bill
		return s.DeleteBill(ctx, bill.ID)
	})
	if err != nil {
		return err
	}

	e.logf("AUDIT bill %s (unit %s, period %s, base %s) deleted by %s at %s",
		deleted.ID, deleted.UnitID, deleted.Period, deleted.BaseAmount.StringFixed(MoneyScale),
		in.ActorID, e.now().UTC().Format(time.RFC3339))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func loadBill(ctx context.Context, s Store, id BillID) (Bill, error) {
	b, err := s.GetBill(ctx, id)
	if err != nil {
		return Bill{}, err
	}
	if b == nil {
		return Bill{}, fmt.Errorf("%w: %s", ErrBillNotFound, id)
	}
	return *b, nil
}

func loadUnit(ctx context.Context, s Store, id UnitID) (Unit, error) {
	u, err := s.GetUnit(ctx, id)
	if err != nil {
		return Unit{}, err
	}
	if u == nil {
		return Unit{}, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	return *u, nil
}

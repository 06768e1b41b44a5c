/*
penalty.go - Late fee as a pure function of time

PURPOSE:
  Computes the late fee a bill should carry at a reference instant,
  without touching the bill. Refresh and ApplyPayment call this and own
  the mutation.

TIMELINE OF A BILL:
  ──────────┬──────────────────────────┬───────────────────────────▶
         DueDate              end of day (DueDate + GraceDays)
            │◀──── grace window ──────▶│◀──── accrual ────────────
            │    fee = 0                │    fee by penalty mode

  Elapsed days are whole calendar days from the grace-end day to the
  reference day, both truncated to midnight in the society's zone:
    due 2025-01-01, grace 0, now 2025-01-04 00:00 -> 3 days
    due D, grace 5, now D+6 00:00:00.000        -> 1 day
    due D, grace 5, now D+5 23:59:59.999        -> still in grace, fee 0

PENALTY MODES:
  fixed       value                   (flat, does not scale)
  percentage  baseAmount * value/100  (flat, does not scale)
  daily_rate  elapsedDays * value     (linear, unbounded)

A paid bill returns its frozen LateFeeApplied: once settled, the fee is
history, not a live quantity.
*/
package maintenance

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// GraceWindowEnd is the last instant at which no late fee accrues.
func GraceWindowEnd(dueDate time.Time, graceDays int, loc *time.Location) time.Time {
	if graceDays < 0 {
		graceDays = 0
	}
	return EndOfDay(dueDate.In(orUTC(loc)).AddDate(0, 0, graceDays))
}

// ElapsedLateDays counts whole days of accrual at now; zero inside the grace window.
func ElapsedLateDays(dueDate time.Time, graceDays int, now time.Time, loc *time.Location) int {
	end := GraceWindowEnd(dueDate, graceDays, loc)
	if !now.After(end) {
		return 0
	}
	return CalendarDaysBetween(end, now, loc)
}

// IsPastGrace reports whether now is strictly after the grace window.
func IsPastGrace(dueDate time.Time, graceDays int, now time.Time, loc *time.Location) bool {
	return now.After(GraceWindowEnd(dueDate, graceDays, loc))
}

// ComputeLateFee returns the fee bill should carry at now under rule.
// Never negative.
func ComputeLateFee(bill Bill, rule Rule, now time.Time, loc *time.Location) decimal.Decimal {
	if bill.IsPaid() {
		return bill.LateFeeApplied
	}
	if !rule.PenaltyEnabled {
		return decimal.Zero
	}

	days := ElapsedLateDays(bill.DueDate, rule.GraceDays, now, loc)
	if days <= 0 {
		return decimal.Zero
	}

	var fee decimal.Decimal
	switch rule.PenaltyMode {
	case PenaltyFixed:
		fee = rule.PenaltyValue
	case PenaltyPercentage:
		fee = bill.BaseAmount.Mul(rule.PenaltyValue).Div(hundred)
	case PenaltyDailyRate:
		fee = rule.PenaltyValue.Mul(decimal.NewFromInt(int64(days)))
	default:
		return decimal.Zero
	}

	fee = Money(fee)
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee
}

// Evaluate returns bill as it should look at now: late fee recomputed and
// pending promoted to overdue once past grace. Paid bills come back as-is.
// The second result reports whether anything differs from the input.
func Evaluate(bill Bill, rule Rule, now time.Time, loc *time.Location) (Bill, bool) {
	if bill.IsPaid() {
		return bill, false
	}

	next := bill
	next.LateFeeApplied = ComputeLateFee(bill, rule, now, loc)
	if next.Status == BillPending && IsPastGrace(bill.DueDate, rule.GraceDays, now, loc) {
		next.Status = BillOverdue
	}

	changed := next.Status != bill.Status || !next.LateFeeApplied.Equal(bill.LateFeeApplied)
	return next, changed
}

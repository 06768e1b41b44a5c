package maintenance

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT LEDGER - reporting over settled bills
// =============================================================================

// ListPayments returns recorded payments, oldest first. Read-only.
func (e *Engine) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	return e.Store.ListPayments(ctx, filter)
}

// CollectionReport summarises one society's month. Bills are refreshed
// before being counted, so outstanding amounts include penalties accrued up
// to now.
type CollectionReport struct {
	SocietyID SocietyID
	Period    Period

	Bills   int
	Pending int
	Overdue int
	Paid    int

	Billed            decimal.Decimal // sum of base amounts
	Collected         decimal.Decimal // sum of settling payments
	Outstanding       decimal.Decimal // total due on unpaid bills
	LateFeesAccrued   decimal.Decimal // late fees on unpaid bills
	LateFeesCollected decimal.Decimal // frozen late fees on paid bills
}

func (e *Engine) CollectionReport(ctx context.Context, societyID SocietyID, period Period) (CollectionReport, error) {
	report := CollectionReport{
		SocietyID:         societyID,
		Period:            period,
		Billed:            decimal.Zero,
		Collected:         decimal.Zero,
		Outstanding:       decimal.Zero,
		LateFeesAccrued:   decimal.Zero,
		LateFeesCollected: decimal.Zero,
	}

	bills, err := e.ListBillsForSociety(ctx, BillFilter{SocietyID: societyID, Period: period})
	if err != nil {
		return report, err
	}

	var paid map[BillID]bool
	for _, b := range bills {
		report.Bills++
		report.Billed = report.Billed.Add(b.BaseAmount)

		switch b.Status {
		case BillPending:
			report.Pending++
			report.Outstanding = report.Outstanding.Add(b.TotalAmount())
		case BillOverdue:
			report.Overdue++
			report.Outstanding = report.Outstanding.Add(b.TotalAmount())
			report.LateFeesAccrued = report.LateFeesAccrued.Add(b.LateFeeApplied)
		case BillPaid:
			report.Paid++
			report.LateFeesCollected = report.LateFeesCollected.Add(b.LateFeeApplied)
			if paid == nil {
				paid = make(map[BillID]bool)
			}
			paid[b.ID] = true
		}
	}

	if len(paid) == 0 {
		return report, nil
	}
	payments, err := e.Store.ListPayments(ctx, PaymentFilter{SocietyID: societyID})
	if err != nil {
		return report, err
	}
	for _, p := range payments {
		if paid[p.BillID] {
			report.Collected = report.Collected.Add(p.Amount)
		}
	}
	return report, nil
}

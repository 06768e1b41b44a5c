package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/maintenance-engine/maintenance"
	"github.com/warp/maintenance-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRule(id maintenance.RuleID, scope maintenance.RuleScope, building maintenance.BuildingID) maintenance.Rule {
	now := time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)
	return maintenance.Rule{
		ID:             id,
		SocietyID:      "soc-1",
		Name:           "Maintenance",
		Scope:          scope,
		BuildingID:     building,
		AmountMode:     maintenance.AmountFlat,
		FlatAmount:     d("1000"),
		BillingDay:     5,
		GraceDays:      3,
		PenaltyEnabled: true,
		PenaltyMode:    maintenance.PenaltyPercentage,
		PenaltyValue:   d("2.5"),
		Active:         true,
		CreatedBy:      "admin-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testBill(id maintenance.BillID, unit maintenance.UnitID, rule maintenance.RuleID, period string) maintenance.Bill {
	p := maintenance.MustParsePeriod(period)
	now := time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC)
	return maintenance.Bill{
		ID:             id,
		SocietyID:      "soc-1",
		UnitID:         unit,
		ResidentID:     "res-1",
		RuleID:         rule,
		Period:         p,
		BaseAmount:     d("1234.50"),
		DueDate:        p.DueDate(5, time.UTC),
		Status:         maintenance.BillPending,
		LateFeeApplied: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := testRule("rule-1", maintenance.ScopeGeneral, "")
	r.AmountMode = maintenance.AmountBHKWise
	r.BHKAmounts = map[string]decimal.Decimal{"1BHK": d("1500"), "2BHK": d("2000.75")}
	require.NoError(t, store.CreateRule(ctx, r))

	got, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, maintenance.AmountBHKWise, got.AmountMode)
	assert.True(t, d("2000.75").Equal(got.BHKAmounts["2BHK"]))
	assert.True(t, d("2.5").Equal(got.PenaltyValue))
	assert.Equal(t, 3, got.GraceDays)
	assert.True(t, got.Active)
	assert.True(t, r.CreatedAt.Equal(got.CreatedAt))

	missing, err := store.GetRule(ctx, "rule-missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRules_PartialUniqueIndex(t *testing.T) {
	// GIVEN: An active general rule and an active building B rule
	// WHEN: Inserting a second active rule for either scope
	// THEN: RuleConflictError; inactive duplicates and other buildings are fine

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-g1", maintenance.ScopeGeneral, "")))
	require.NoError(t, store.CreateRule(ctx, testRule("rule-b1", maintenance.ScopeBuildingSpecific, "B")))

	err := store.CreateRule(ctx, testRule("rule-g2", maintenance.ScopeGeneral, ""))
	var conflict *maintenance.RuleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, maintenance.ErrDuplicateRule)

	err = store.CreateRule(ctx, testRule("rule-b2", maintenance.ScopeBuildingSpecific, "B"))
	assert.ErrorIs(t, err, maintenance.ErrDuplicateRule)

	assert.NoError(t, store.CreateRule(ctx, testRule("rule-c1", maintenance.ScopeBuildingSpecific, "C")))

	inactive := testRule("rule-g3", maintenance.ScopeGeneral, "")
	inactive.Active = false
	assert.NoError(t, store.CreateRule(ctx, inactive))

	inactive.Active = true
	err = store.UpdateRule(ctx, inactive)
	assert.ErrorIs(t, err, maintenance.ErrDuplicateRule)

	active, err := store.ListRules(ctx, maintenance.RuleFilter{SocietyID: "soc-1", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestRules_DeleteReferencedRuleFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-1", maintenance.ScopeGeneral, "")))
	require.NoError(t, store.CreateBill(ctx, testBill("bill-1", "unit-1", "rule-1", "2025-01")))

	n, err := store.CountBillsByRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = store.DeleteRule(ctx, "rule-1")
	assert.ErrorIs(t, err, maintenance.ErrRuleInUse)
}

// =============================================================================
// BILLS
// =============================================================================

func TestBills_RoundTripAndUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-1", maintenance.ScopeGeneral, "")))

	b := testBill("bill-1", "unit-1", "rule-1", "2025-01")
	require.NoError(t, store.CreateBill(ctx, b))

	got, err := store.FindBill(ctx, "unit-1", maintenance.MustParsePeriod("2025-01"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "2025-01", got.Period.String())
	assert.True(t, d("1234.50").Equal(got.BaseAmount))
	assert.True(t, b.DueDate.Equal(got.DueDate))
	assert.Nil(t, got.PaidAt)

	err = store.CreateBill(ctx, testBill("bill-2", "unit-1", "rule-1", "2025-01"))
	assert.ErrorIs(t, err, maintenance.ErrDuplicateBill)

	require.NoError(t, store.CreateBill(ctx, testBill("bill-3", "unit-1", "rule-1", "2025-02")))
	bills, err := store.ListBills(ctx, maintenance.BillFilter{UnitID: "unit-1"})
	require.NoError(t, err)
	require.Len(t, bills, 2)
	assert.Equal(t, "2025-02", bills[0].Period.String(), "newest period first")
}

func TestBills_OptimisticUpdate(t *testing.T) {
	// GIVEN: Two readers holding version 0 of the same bill
	// WHEN: Both write
	// THEN: The first wins, the second gets ErrConcurrentModification

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-1", maintenance.ScopeGeneral, "")))
	require.NoError(t, store.CreateBill(ctx, testBill("bill-1", "unit-1", "rule-1", "2025-01")))

	a, err := store.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	b := *a

	a.Status = maintenance.BillOverdue
	a.LateFeeApplied = d("30.86")
	require.NoError(t, store.UpdateBill(ctx, *a))

	b.Status = maintenance.BillOverdue
	err = store.UpdateBill(ctx, b)
	assert.ErrorIs(t, err, maintenance.ErrConcurrentModification)

	stored, err := store.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, d("30.86").Equal(stored.LateFeeApplied))

	missing := testBill("bill-missing", "unit-9", "rule-1", "2025-01")
	assert.ErrorIs(t, store.UpdateBill(ctx, missing), maintenance.ErrBillNotFound)
}

// =============================================================================
// PAYMENTS AND TRANSACTIONS
// =============================================================================

func TestPayments_OnePerBill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-1", maintenance.ScopeGeneral, "")))
	require.NoError(t, store.CreateBill(ctx, testBill("bill-1", "unit-1", "rule-1", "2025-01")))

	p := maintenance.Payment{
		ID: "pay-1", BillID: "bill-1", SocietyID: "soc-1", PaidBy: "res-1",
		Amount: d("1234.50"), Method: maintenance.MethodUPI, ExternalTransactionID: "upi-77",
		PaidAt: time.Date(2025, time.January, 3, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.AppendPayment(ctx, p))

	p.ID = "pay-2"
	assert.ErrorIs(t, store.AppendPayment(ctx, p), maintenance.ErrDuplicatePayment)

	got, err := store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "upi-77", got.ExternalTransactionID)
	assert.True(t, d("1234.50").Equal(got.Amount))

	from := time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	listed, err := store.ListPayments(ctx, maintenance.PaymentFilter{SocietyID: "soc-1", From: &from})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestWithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRule(ctx, testRule("rule-1", maintenance.ScopeGeneral, "")))

	err := store.WithTx(ctx, func(s maintenance.Store) error {
		if err := s.CreateBill(ctx, testBill("bill-1", "unit-1", "rule-1", "2025-01")); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		got, err := s.GetBill(ctx, "bill-1")
		if err != nil || got == nil {
			return errors.New("bill not visible inside transaction")
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	got, err := store.GetBill(ctx, "bill-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEngine_ConcurrentPaymentsOverSQLite(t *testing.T) {
	// GIVEN: The engine over SQLite with one bill
	// WHEN: Five payments race
	// THEN: One payment row, the bill is paid once

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveUnit(ctx, maintenance.Unit{
		ID: "unit-1", SocietyID: "soc-1", BuildingID: "B", BHKType: "2BHK", ResidentID: "res-1",
	}))

	engine := maintenance.NewEngine(store, time.UTC)
	engine.Logger = nil
	engine.Clock = func() time.Time { return time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC) }

	rule, err := engine.CreateRule(ctx, testRule("", maintenance.ScopeGeneral, ""))
	require.NoError(t, err)
	bill, err := engine.GenerateBill(ctx, maintenance.GenerateBillInput{
		UnitID: "unit-1", RuleID: rule.ID, Period: maintenance.MustParsePeriod("2025-01"),
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := engine.ApplyPayment(ctx, maintenance.PaymentRequest{
				BillID: bill.ID, PayerID: "res-1", Amount: d("1000"), Method: maintenance.MethodCash,
			})
			if err == nil {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	payments, err := store.ListPayments(ctx, maintenance.PaymentFilter{BillID: bill.ID})
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	got, err := engine.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, maintenance.BillPaid, got.Status)
}

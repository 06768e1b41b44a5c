/*
handlers_test.go - Tests for API handlers

Tests for:
- Auth middleware and access checks
- Rule administration over HTTP
- Bill generation, refresh on read and payment
- Error mapping (400, 402, 403, 404, 409, 422)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/maintenance-engine/factory"
	"github.com/warp/maintenance-engine/maintenance"
	"github.com/warp/maintenance-engine/maintenance/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-secret"

var (
	admin    = Identity{UserID: "admin-1", AdminOf: []maintenance.SocietyID{DemoSocietyID}}
	ravi     = Identity{UserID: "res-ravi", Units: []maintenance.UnitID{"a-101"}}
	stranger = Identity{UserID: "res-someone", Units: []maintenance.UnitID{"z-999"}}
)

type apiFixture struct {
	store   *store.Memory
	engine  *maintenance.Engine
	handler *Handler
	router  http.Handler
	auth    *Authenticator
	now     time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: store.NewMemory(),
		auth:  NewAuthenticator(testSecret),
		now:   time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	f.engine = maintenance.NewEngine(f.store, time.UTC)
	f.engine.Clock = func() time.Time { return f.now }
	f.engine.Logger = nil

	f.handler = NewHandler(f.engine, f.store)
	f.router = NewRouter(f.handler, RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173"},
		Auth:           f.auth,
		MetricsPath:    "/metrics",
		Scenarios:      true,
	})
	return f
}

// seed loads the green-meadows units with a 1000/month general rule.
func (f *apiFixture) seed(t *testing.T) maintenance.Rule {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.handler.saveUnits(ctx, greenMeadowsUnits()))

	rule, err := f.handler.Rules.ParseRule(factory.FlatRuleJSON(string(DemoSocietyID), "Standard", "1000", 5))
	require.NoError(t, err)
	created, err := f.engine.CreateRule(ctx, rule)
	require.NoError(t, err)
	return created
}

// do sends a request as id (nil means no Authorization header). A string
// body is sent as is; anything else is JSON-encoded.
func (f *apiFixture) do(t *testing.T, method, path string, body any, id *Identity) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		token, err := f.auth.Issue(*id, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func societyPath(suffix string) string {
	return fmt.Sprintf("/api/societies/%s%s", DemoSocietyID, suffix)
}

// =============================================================================
// INFRASTRUCTURE
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance_payments_settled_total")
}

func TestAuth_RejectsMissingForeignAndExpiredTokens(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)
	path := "/api/units/a-101/bills"

	// GIVEN: no token
	rec := f.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// GIVEN: a token signed with another secret
	other, err := NewAuthenticator("other-secret").Issue(ravi, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+other)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// GIVEN: an expired token
	expired, err := f.auth.Issue(ravi, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// GIVEN: a valid token
	rec = f.do(t, http.MethodGet, path, nil, &ravi)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticator_VerifyRoundTrip(t *testing.T) {
	a := NewAuthenticator(testSecret)
	token, err := a.Issue(Identity{
		UserID:  "admin-1",
		AdminOf: []maintenance.SocietyID{"soc-1", "soc-2"},
		Units:   []maintenance.UnitID{"u-1"},
	}, time.Hour)
	require.NoError(t, err)

	id, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", id.UserID)
	assert.True(t, id.IsAdmin("soc-2"))
	assert.False(t, id.IsAdmin("soc-3"))
	assert.True(t, id.LivesIn("u-1"))
}

// =============================================================================
// RULES
// =============================================================================

func TestCreateRule_ConflictAndAccess(t *testing.T) {
	f := newAPIFixture(t)
	body := factory.FlatRuleJSON("ignored", "Standard", "1000", 5)

	// WHEN: the admin creates a general rule
	rec := f.do(t, http.MethodPost, societyPath("/rules"), body, &admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: it belongs to the society in the URL and is active
	rule := decodeBody[RuleDTO](t, rec)
	assert.Equal(t, string(DemoSocietyID), rule.SocietyID)
	assert.Equal(t, "1000.00", rule.Amount.Flat)
	assert.Equal(t, "admin-1", rule.CreatedBy)
	require.NotNil(t, rule.Active)
	assert.True(t, *rule.Active)

	// WHEN: a second active general rule is created
	rec = f.do(t, http.MethodPost, societyPath("/rules"), body, &admin)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: a resident tries to create one
	rec = f.do(t, http.MethodPost, societyPath("/rules"), body, &ravi)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateRule_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"name":`},
		{"billing day out of range", factory.FlatRuleJSON("x", "Bad day", "1000", 30)},
		{"unknown scope", `{"name":"x","scope":"tower","amount":{"mode":"flat","flat":"10"},"billing_day":1}`},
		{"building rule without building", `{"name":"x","scope":"building_specific","amount":{"mode":"flat","flat":"10"},"billing_day":1}`},
		{"zero amount", factory.FlatRuleJSON("x", "Free", "0", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, societyPath("/rules"), tt.body, &admin)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestRuleLifecycle_UpdateToggleDelete(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seed(t)
	rulePath := societyPath("/rules/" + string(rule.ID))

	// Update the amount
	rec := f.do(t, http.MethodPut, rulePath, factory.FlatRuleJSON("", "Standard", "1250", 5), &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1250.00", decodeBody[RuleDTO](t, rec).Amount.Flat)

	// Deactivate, then list active only
	rec = f.do(t, http.MethodPost, rulePath+"/active", map[string]bool{"active": false}, &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, societyPath("/rules?active=true"), nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]RuleDTO](t, rec))

	// Missing "active" is a validation error
	rec = f.do(t, http.MethodPost, rulePath+"/active", `{}`, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Editing the amount of a deactivated rule leaves it inactive
	rec = f.do(t, http.MethodPut, rulePath, factory.FlatRuleJSON("", "Standard", "1300", 5), &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decodeBody[RuleDTO](t, rec)
	assert.Equal(t, "1300.00", edited.Amount.Flat)
	require.NotNil(t, edited.Active)
	assert.False(t, *edited.Active)

	// Unused rule can be deleted
	rec = f.do(t, http.MethodDelete, rulePath, nil, &admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, rulePath, nil, &admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BILLS AND PAYMENT
// =============================================================================

func TestGenerateAndPay(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seed(t)

	// GIVEN: April's bill for A-101 (not yet due on March 10)
	rec := f.do(t, http.MethodPost, societyPath("/bills"), GenerateBillRequest{
		UnitID: "a-101", RuleID: string(rule.ID), Period: "2025-04",
	}, &admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bill := decodeBody[BillDTO](t, rec)
	assert.Equal(t, "pending", bill.Status)
	assert.Equal(t, "1000.00", bill.TotalAmount)
	assert.Equal(t, "res-ravi", bill.ResidentID)

	billPath := "/api/bills/" + bill.ID

	// The resident and the admin can read it; to anyone else it does not exist
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, billPath, nil, &ravi).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, billPath, nil, &admin).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, billPath, nil, &stranger).Code)

	// WHEN: paying less than due
	rec = f.do(t, http.MethodPost, billPath+"/pay", PayBillRequest{Amount: "900", Method: "upi"}, &ravi)

	// THEN: 402 with the amount to pay
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "1000.00", decodeBody[ErrorResponse](t, rec).TotalDue)

	// WHEN: the admin tries to pay on the resident's behalf
	rec = f.do(t, http.MethodPost, billPath+"/pay", PayBillRequest{Amount: "1000", Method: "cash"}, &admin)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: the resident pays in full
	rec = f.do(t, http.MethodPost, billPath+"/pay", PayBillRequest{
		Amount: "1000", Method: "upi", ExternalTransactionID: "upi-123",
	}, &ravi)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[PayBillResponse](t, rec)
	assert.Equal(t, "paid", paid.Bill.Status)
	assert.Equal(t, paid.Payment.ID, paid.Bill.PaymentRef)
	assert.Equal(t, "upi-123", paid.Payment.ExternalTransactionID)
	require.NotNil(t, paid.Bill.PaidAt)

	// THEN: a second payment conflicts
	rec = f.do(t, http.MethodPost, billPath+"/pay", PayBillRequest{Amount: "1000", Method: "upi"}, &ravi)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: the payment shows in the society ledger
	rec = f.do(t, http.MethodGet, societyPath("/payments"), nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	payments := decodeBody[[]PaymentDTO](t, rec)
	require.Len(t, payments, 1)
	assert.Equal(t, "1000.00", payments[0].Amount)
}

func TestPayBill_RejectsBadBodies(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seed(t)
	bill, err := f.engine.GenerateBill(context.Background(), maintenance.GenerateBillInput{
		UnitID: "a-101", RuleID: rule.ID, Period: maintenance.MustParsePeriod("2025-04"),
	})
	require.NoError(t, err)
	path := "/api/bills/" + string(bill.ID) + "/pay"

	for name, body := range map[string]string{
		"not a number":   `{"amount":"ten","method":"upi"}`,
		"unknown method": `{"amount":"1000","method":"barter"}`,
		"missing amount": `{"method":"upi"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, body, &ravi)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGenerateBill_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)
	ctx := context.Background()

	tower, err := f.handler.Rules.ParseRule(factory.BuildingBHKRuleJSON(string(DemoSocietyID), "tower-a", "Tower A",
		map[string]string{"2BHK": "2200"}, 5, 0, "10"))
	require.NoError(t, err)
	tower, err = f.engine.CreateRule(ctx, tower)
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    GenerateBillRequest
		status int
	}{
		{"rule for another building", GenerateBillRequest{UnitID: "b-101", RuleID: string(tower.ID), Period: "2025-04"}, http.StatusUnprocessableEntity},
		{"unknown unit", GenerateBillRequest{UnitID: "nope", RuleID: string(tower.ID), Period: "2025-04"}, http.StatusNotFound},
		{"unknown rule", GenerateBillRequest{UnitID: "a-101", RuleID: "nope", Period: "2025-04"}, http.StatusNotFound},
		{"vacant unit", GenerateBillRequest{UnitID: "b-201", RuleID: string(tower.ID), Period: "2025-04"}, http.StatusBadRequest},
		{"bad period", GenerateBillRequest{UnitID: "a-101", RuleID: string(tower.ID), Period: "April"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, societyPath("/bills"), tt.req, &admin)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// Same unit and month twice
	req := GenerateBillRequest{UnitID: "a-101", RuleID: string(tower.ID), Period: "2025-04"}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, societyPath("/bills"), req, &admin).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, societyPath("/bills"), req, &admin).Code)
}

func TestGetBill_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/bills/bill-missing", nil, &ravi)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBill_HiddenFromOtherResidents(t *testing.T) {
	// GIVEN: April's bill for A-101, read after its due date passed
	f := newAPIFixture(t)
	rule := f.seed(t)
	bill, err := f.engine.GenerateBill(context.Background(), maintenance.GenerateBillInput{
		UnitID: "a-101", RuleID: rule.ID, Period: maintenance.MustParsePeriod("2025-04"), ActorID: "admin-1",
	})
	require.NoError(t, err)
	f.now = time.Date(2025, time.April, 10, 12, 0, 0, 0, time.UTC)

	// WHEN: another resident asks for it
	rec := f.do(t, http.MethodGet, "/api/bills/"+string(bill.ID), nil, &stranger)

	// THEN: same answer as a missing bill, and nothing is written
	assert.Equal(t, http.StatusNotFound, rec.Code)
	stored, err := f.store.GetBill(context.Background(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, maintenance.BillPending, stored.Status)
	assert.Equal(t, bill.Version, stored.Version)

	// The resident's own read performs the overdue move
	rec = f.do(t, http.MethodGet, "/api/bills/"+string(bill.ID), nil, &ravi)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "overdue", decodeBody[BillDTO](t, rec).Status)
}

func TestGenerateForSociety_AndListing(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)

	// WHEN: March is generated on March 10, past the 5th
	rec := f.do(t, http.MethodPost, societyPath("/bills/generate"), GenerateSocietyRequest{Period: "2025-03"}, &admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: five occupied flats billed, the vacant one reported
	report := decodeBody[GenerationReportDTO](t, rec)
	assert.Equal(t, 5, report.Counts["generated"])
	assert.Equal(t, 1, report.Counts["no_resident"])

	// AND: every bill is already overdue
	rec = f.do(t, http.MethodGet, societyPath("/bills?period=2025-03&status=overdue"), nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BillDTO](t, rec), 5)

	rec = f.do(t, http.MethodGet, societyPath("/bills?status=pending"), nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]BillDTO](t, rec))

	rec = f.do(t, http.MethodGet, societyPath("/bills?status=late"), nil, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Running it again only skips
	rec = f.do(t, http.MethodPost, societyPath("/bills/generate"), GenerateSocietyRequest{Period: "2025-03"}, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeBody[GenerationReportDTO](t, rec).Counts["skipped_existing"])

	// Collection report
	rec = f.do(t, http.MethodGet, societyPath("/reports/collection?period=2025-03"), nil, &admin)
	require.Equal(t, http.StatusOK, rec.Code)
	col := decodeBody[CollectionReportDTO](t, rec)
	assert.Equal(t, 5, col.Overdue)
	assert.Equal(t, "5000.00", col.Billed)
	assert.Equal(t, "0.00", col.Collected)
	assert.Equal(t, "5000.00", col.Outstanding)
}

func TestDeleteBill_RequiresConfirmation(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seed(t)
	bill, err := f.engine.GenerateBill(context.Background(), maintenance.GenerateBillInput{
		UnitID: "a-101", RuleID: rule.ID, Period: maintenance.MustParsePeriod("2025-04"),
	})
	require.NoError(t, err)
	path := societyPath("/bills/" + string(bill.ID))

	rec := f.do(t, http.MethodDelete, path, nil, &admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, path+"?confirm=true", nil, &admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/bills/"+string(bill.ID), nil, &admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// UNITS
// =============================================================================

func TestPreviewUnitMaintenance(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/api/units/a-101/maintenance", nil, &ravi)
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decodeBody[ApplicableMaintenanceDTO](t, rec)
	assert.True(t, preview.Applicable)
	assert.Equal(t, "1000.00", preview.Amount)
	require.NotNil(t, preview.Rule)
	assert.Equal(t, "general", preview.Rule.Scope)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/units/a-101/maintenance", nil, &stranger).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/units/b-102/maintenance", nil, &admin).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/units/z-999/maintenance", nil, &stranger).Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{maintenance.ErrBillNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", maintenance.ErrUnitNotFound), http.StatusNotFound},
		{&maintenance.RuleConflictError{Scope: maintenance.ScopeGeneral}, http.StatusConflict},
		{maintenance.ErrBillAlreadyPaid, http.StatusConflict},
		{maintenance.ErrConcurrentModification, http.StatusConflict},
		{maintenance.ErrRuleMismatch, http.StatusUnprocessableEntity},
		{&maintenance.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{maintenance.ErrNoResident, http.StatusBadRequest},
		{maintenance.ErrNotBillPayer, http.StatusForbidden},
		{&maintenance.InsufficientAmountError{}, http.StatusPaymentRequired},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.err.Error(), " ", "_"), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

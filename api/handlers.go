/*
handlers.go - HTTP API handlers for the maintenance billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and access checks, and delegates to maintenance.Engine.

ENDPOINTS:
  Rules (society admin):
    POST   /api/societies/{societyID}/rules                 Create rule
    GET    /api/societies/{societyID}/rules?active=true     List rules
    GET    /api/societies/{societyID}/rules/{ruleID}        Get rule
    PUT    /api/societies/{societyID}/rules/{ruleID}        Replace rule
    POST   /api/societies/{societyID}/rules/{ruleID}/active Toggle active
    DELETE /api/societies/{societyID}/rules/{ruleID}        Delete unused rule

  Bills (society admin):
    POST   /api/societies/{societyID}/bills                 Generate one bill
    POST   /api/societies/{societyID}/bills/generate        Generate for all units
    GET    /api/societies/{societyID}/bills?period=&status= List bills
    DELETE /api/societies/{societyID}/bills/{billID}?confirm=true

  Ledger (society admin):
    GET    /api/societies/{societyID}/payments?from=&to=&paid_by=
    GET    /api/societies/{societyID}/reports/collection?period=

  Residents:
    GET    /api/units/{unitID}/bills        Bills, each refreshed
    GET    /api/units/{unitID}/maintenance  What this unit would be charged
    GET    /api/bills/{billID}              One bill, refreshed
    POST   /api/bills/{billID}/pay          Settle a bill

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

REQUEST FLOW:
  1. Resolve the caller (auth.go middleware) and check access
  2. Decode and validate the body (validator tags in dto.go)
  3. Call the engine
  4. Serialize response
  5. Map engine errors to HTTP status

ERROR HANDLING:
  statusFor maps the engine's error categories:
  - 400: InvalidInput, InvalidState
  - 402: InsufficientAmount (body carries total_due)
  - 403: Forbidden
  - 404: NotFound
  - 409: Conflict, ConcurrentModification
  - 422: rule does not apply to unit
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Identity and access rules
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/maintenance-engine/factory"
	"github.com/warp/maintenance-engine/maintenance"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *maintenance.Engine
	Rules  *factory.RuleFactory

	// Seeder backs the demo scenarios. Nil disables them.
	Seeder Seeder

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over engine.
func NewHandler(engine *maintenance.Engine, seeder Seeder) *Handler {
	return &Handler{
		Engine:   engine,
		Rules:    factory.NewRuleFactory(),
		Seeder:   seeder,
		validate: validator.New(),
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// CreateRule creates a billing rule for the society in the URL.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	caller, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req factory.RuleJSON
	if !h.decode(w, r, &req) {
		return
	}
	req.SocietyID = string(societyID)
	req.CreatedBy = caller.UserID

	rule, err := h.Rules.FromJSON(req)
	if err != nil {
		writeEngineError(w, "Invalid rule", err)
		return
	}

	created, err := h.Engine.CreateRule(r.Context(), rule)
	if err != nil {
		writeEngineError(w, "Failed to create rule", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toRuleDTO(created))
}

// ListRules returns the society's rules; ?active=true limits to active ones.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter (use true or false)", err)
			return
		}
		activeOnly = b
	}

	rules, err := h.Engine.ListRules(r.Context(), societyID, activeOnly)
	if err != nil {
		writeEngineError(w, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = h.toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns a single rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	rule, err := h.Engine.GetRule(r.Context(), societyID, maintenance.RuleID(chi.URLParam(r, "ruleID")))
	if err != nil {
		writeEngineError(w, "Rule not found", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRuleDTO(rule))
}

// UpdateRule replaces a rule's policy. Generated bills keep their amounts.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req factory.RuleJSON
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "ruleID")
	req.SocietyID = string(societyID)

	// An edit that leaves out "active" keeps the rule's current state.
	if req.Active == nil {
		existing, err := h.Engine.GetRule(r.Context(), societyID, maintenance.RuleID(req.ID))
		if err != nil {
			writeEngineError(w, "Rule not found", err)
			return
		}
		req.Active = &existing.Active
	}

	rule, err := h.Rules.FromJSON(req)
	if err != nil {
		writeEngineError(w, "Invalid rule", err)
		return
	}

	updated, err := h.Engine.UpdateRule(r.Context(), rule)
	if err != nil {
		writeEngineError(w, "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRuleDTO(updated))
}

// SetRuleActive activates or deactivates a rule.
func (h *Handler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req SetRuleActiveRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule, err := h.Engine.SetRuleActive(r.Context(), societyID, maintenance.RuleID(chi.URLParam(r, "ruleID")), *req.Active)
	if err != nil {
		writeEngineError(w, "Failed to change rule state", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRuleDTO(rule))
}

// DeleteRule removes a rule that never priced a bill.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	ruleID := maintenance.RuleID(chi.URLParam(r, "ruleID"))
	if err := h.Engine.DeleteRule(r.Context(), societyID, ruleID); err != nil {
		writeEngineError(w, "Failed to delete rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "rule_id": string(ruleID)})
}

// =============================================================================
// BILL HANDLERS (admin)
// =============================================================================

// GenerateBill creates the bill for one unit and month under the given rule.
func (h *Handler) GenerateBill(w http.ResponseWriter, r *http.Request) {
	caller, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req GenerateBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := maintenance.ParsePeriod(req.Period)
	if err != nil {
		writeEngineError(w, "Invalid period (use YYYY-MM)", err)
		return
	}

	// The unit must belong to the society the caller administers.
	unit, err := h.Engine.GetUnit(r.Context(), maintenance.UnitID(req.UnitID))
	if err != nil {
		writeEngineError(w, "Unit not found", err)
		return
	}
	if unit.SocietyID != societyID {
		writeError(w, http.StatusNotFound, "Unit not found", maintenance.ErrUnitNotFound)
		return
	}

	bill, err := h.Engine.GenerateBill(r.Context(), maintenance.GenerateBillInput{
		UnitID:  unit.ID,
		RuleID:  maintenance.RuleID(req.RuleID),
		Period:  period,
		ActorID: caller.UserID,
	})
	if err != nil {
		writeEngineError(w, "Failed to generate bill", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBillDTO(bill))
}

// GenerateForSociety bills every unit in the society for one month.
func (h *Handler) GenerateForSociety(w http.ResponseWriter, r *http.Request) {
	caller, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	var req GenerateSocietyRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := maintenance.ParsePeriod(req.Period)
	if err != nil {
		writeEngineError(w, "Invalid period (use YYYY-MM)", err)
		return
	}

	report, err := h.Engine.GenerateForSociety(r.Context(), societyID, period, caller.UserID)
	if err != nil {
		writeEngineError(w, "Failed to generate bills", err)
		return
	}

	dto := GenerationReportDTO{
		SocietyID: string(report.SocietyID),
		Period:    report.Period.String(),
		Counts:    make(map[string]int, len(report.Counts)),
		Results:   make([]GenerationResultDTO, len(report.Results)),
	}
	for outcome, n := range report.Counts {
		dto.Counts[string(outcome)] = n
	}
	for i, res := range report.Results {
		dto.Results[i] = GenerationResultDTO{
			UnitID:  string(res.UnitID),
			Outcome: string(res.Outcome),
			BillID:  string(res.BillID),
			Error:   res.Error,
		}
		if res.Outcome == maintenance.OutcomeGenerated {
			dto.Results[i].Amount = money(res.Amount)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListSocietyBills lists the society's bills, optionally by period and status.
func (h *Handler) ListSocietyBills(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	filter := maintenance.BillFilter{SocietyID: societyID}
	q := r.URL.Query()
	if v := q.Get("period"); v != "" {
		period, err := maintenance.ParsePeriod(v)
		if err != nil {
			writeEngineError(w, "Invalid period (use YYYY-MM)", err)
			return
		}
		filter.Period = period
	}
	if v := q.Get("status"); v != "" {
		status := maintenance.BillStatus(v)
		switch status {
		case maintenance.BillPending, maintenance.BillOverdue, maintenance.BillPaid:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, "Invalid status (use pending, overdue or paid)", nil)
			return
		}
	}

	bills, err := h.Engine.ListBillsForSociety(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to list bills", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTOs(bills))
}

// DeleteBill removes an unpaid bill. Requires ?confirm=true.
func (h *Handler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	caller, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	billID := maintenance.BillID(chi.URLParam(r, "billID"))

	err := h.Engine.DeleteBill(r.Context(), maintenance.DeleteBillInput{
		SocietyID: societyID,
		BillID:    billID,
		ActorID:   caller.UserID,
		Confirm:   confirm,
	})
	if err != nil {
		writeEngineError(w, "Failed to delete bill", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "bill_id": string(billID)})
}

// =============================================================================
// LEDGER HANDLERS (admin)
// =============================================================================

// ListPayments returns the society's payments, oldest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	filter := maintenance.PaymentFilter{SocietyID: societyID}
	q := r.URL.Query()
	filter.PaidBy = q.Get("paid_by")
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s (use RFC3339)", p.name), err)
			return
		}
		*p.dst = &t
	}

	payments, err := h.Engine.ListPayments(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CollectionReport summarises one month of a society.
func (h *Handler) CollectionReport(w http.ResponseWriter, r *http.Request) {
	_, societyID, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}

	period, err := maintenance.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeEngineError(w, "Invalid period (use YYYY-MM)", err)
		return
	}

	report, err := h.Engine.CollectionReport(r.Context(), societyID, period)
	if err != nil {
		writeEngineError(w, "Failed to build report", err)
		return
	}

	writeJSON(w, http.StatusOK, CollectionReportDTO{
		SocietyID:         string(report.SocietyID),
		Period:            report.Period.String(),
		Bills:             report.Bills,
		Pending:           report.Pending,
		Overdue:           report.Overdue,
		Paid:              report.Paid,
		Billed:            money(report.Billed),
		Collected:         money(report.Collected),
		Outstanding:       money(report.Outstanding),
		LateFeesAccrued:   money(report.LateFeesAccrued),
		LateFeesCollected: money(report.LateFeesCollected),
	})
}

// =============================================================================
// RESIDENT HANDLERS
// =============================================================================

// ListUnitBills returns a unit's bills, newest first, each refreshed.
func (h *Handler) ListUnitBills(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.authorizeUnit(w, r)
	if !ok {
		return
	}

	bills, err := h.Engine.ListBillsForUnit(r.Context(), unit.ID)
	if err != nil {
		writeEngineError(w, "Failed to list bills", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTOs(bills))
}

// PreviewUnitMaintenance shows which rule applies to the unit and what it charges.
func (h *Handler) PreviewUnitMaintenance(w http.ResponseWriter, r *http.Request) {
	unit, ok := h.authorizeUnit(w, r)
	if !ok {
		return
	}

	preview, err := h.Engine.PreviewForUnit(r.Context(), unit.ID)
	if err != nil {
		writeEngineError(w, "Failed to preview maintenance", err)
		return
	}

	dto := ApplicableMaintenanceDTO{
		UnitID:     string(unit.ID),
		Applicable: preview.Applicable,
		Reason:     string(preview.Reason),
		Amount:     money(preview.Amount),
		MatchedBHK: preview.MatchedBHK,
	}
	if preview.Rule != nil {
		rule := h.toRuleDTO(*preview.Rule)
		dto.Rule = &rule
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetBill returns one bill as of now.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}

	// Authorize against the stored bill; refreshing may write. Bills the
	// caller may not see are reported as missing.
	stored, err := h.Engine.StoredBill(r.Context(), maintenance.BillID(chi.URLParam(r, "billID")))
	if err == nil && stored.ResidentID != caller.UserID && !caller.IsAdmin(stored.SocietyID) {
		err = fmt.Errorf("%w: %s", maintenance.ErrBillNotFound, stored.ID)
	}
	if err != nil {
		writeEngineError(w, "Bill not found", err)
		return
	}

	bill, err := h.Engine.Refresh(r.Context(), stored)
	if err != nil {
		writeEngineError(w, "Failed to load bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(bill))
}

// PayBill settles a bill in full. The caller is the payer.
func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req PayBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	bill, payment, err := h.Engine.ApplyPayment(r.Context(), maintenance.PaymentRequest{
		BillID:                maintenance.BillID(chi.URLParam(r, "billID")),
		PayerID:               caller.UserID,
		Amount:                amount,
		Method:                maintenance.PaymentMethod(req.Method),
		ExternalTransactionID: req.ExternalTransactionID,
	})
	if err != nil {
		writeEngineError(w, "Payment refused", err)
		return
	}

	writeJSON(w, http.StatusOK, PayBillResponse{
		Bill:    toBillDTO(bill),
		Payment: toPaymentDTO(payment),
	})
}

// =============================================================================
// ACCESS
// =============================================================================

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
		return Identity{}, false
	}
	return id, true
}

// requireAdmin checks the caller administers the society in the URL.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (Identity, maintenance.SocietyID, bool) {
	caller, ok := h.identity(w, r)
	if !ok {
		return Identity{}, "", false
	}
	societyID := maintenance.SocietyID(chi.URLParam(r, "societyID"))
	if !caller.IsAdmin(societyID) {
		writeError(w, http.StatusForbidden, "Society admin access required", nil)
		return Identity{}, "", false
	}
	return caller, societyID, true
}

// authorizeUnit loads the unit in the URL and checks the caller lives there
// or administers its society.
func (h *Handler) authorizeUnit(w http.ResponseWriter, r *http.Request) (maintenance.Unit, bool) {
	caller, ok := h.identity(w, r)
	if !ok {
		return maintenance.Unit{}, false
	}

	unit, err := h.Engine.GetUnit(r.Context(), maintenance.UnitID(chi.URLParam(r, "unitID")))
	if err != nil {
		writeEngineError(w, "Unit not found", err)
		return maintenance.Unit{}, false
	}
	if !caller.LivesIn(unit.ID) && !caller.IsAdmin(unit.SocietyID) {
		writeError(w, http.StatusForbidden, "Not a resident of this unit", nil)
		return maintenance.Unit{}, false
	}
	return unit, true
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError writes err with the status its category maps to.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var short *maintenance.InsufficientAmountError
	if errors.As(err, &short) {
		resp.TotalDue = money(short.TotalDue)
	}
	if status == http.StatusInternalServerError {
		log.Printf("[server] %s: %v", message, err)
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to an HTTP status. Order matters: the
// specialised errors are checked before the categories they wrap.
func statusFor(err error) int {
	switch {
	case errors.Is(err, maintenance.ErrInsufficientAmount):
		return http.StatusPaymentRequired
	case errors.Is(err, maintenance.ErrRuleMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, maintenance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, maintenance.ErrConflict), errors.Is(err, maintenance.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, maintenance.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, maintenance.ErrInvalidInput), errors.Is(err, maintenance.ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

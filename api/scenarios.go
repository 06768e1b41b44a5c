/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built societies that populate the database with realistic
	data for demos and the SPA. Each scenario creates units, rules and
	bills that demonstrate specific features.

AVAILABLE SCENARIOS:

	green-meadows: general flat rule + Tower A priced per BHK, one vacant flat
	late-payers:   percentage penalty, last month overdue, one bill paid
	flat-society:  single flat rule without penalty, nothing billed yet

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save units through the Seeder (the unit registry is external in production)
 3. Create rules via factory presets and the engine
 4. Optionally generate and pay bills through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "late-payers"}

	Then issue a token for one of the demo users:
	maintenance token --sub admin-1 --admin soc-green-meadows

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to loadScenario

NOTE:

	Scenarios reset the database. Only mounted when server.seed is true.

SEE ALSO:
  - handlers.go: Engine operations used by the loaders
  - factory/rule.go: Rule JSON presets
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/maintenance-engine/factory"
	"github.com/warp/maintenance-engine/maintenance"
)

// Seeder is the write side of the unit registry plus a reset, which the
// engine itself never needs.
type Seeder interface {
	Reset(ctx context.Context) error
	SaveUnit(ctx context.Context, u maintenance.Unit) error
}

// DemoSocietyID is the society every scenario populates.
const DemoSocietyID maintenance.SocietyID = "soc-green-meadows"

// DemoAdminID administers DemoSocietyID in every scenario.
const DemoAdminID = "admin-1"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "green-meadows",
		Name:        "Green Meadows",
		Description: "Society-wide flat rule, Tower A priced per BHK with a daily late fee, one vacant flat",
	},
	{
		ID:          "late-payers",
		Name:        "Late Payers",
		Description: "2% late fee after 5 days grace; last month is overdue and one resident has paid",
	},
	{
		ID:          "flat-society",
		Name:        "Flat Society",
		Description: "One flat rule without penalty, no bills generated yet",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "loaded",
		"scenario":   req.ScenarioID,
		"society_id": string(DemoSocietyID),
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Seeder.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errUnknownScenario = errors.New("unknown scenario")

// loadScenario resets the store and runs one loader. Also used by the CLI.
func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "green-meadows":
		load = h.loadGreenMeadowsScenario
	case "late-payers":
		load = h.loadLatePayersScenario
	case "flat-society":
		load = h.loadFlatSocietyScenario
	default:
		return fmt.Errorf("%w: %q", errUnknownScenario, id)
	}

	if err := h.Seeder.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := load(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	return nil
}

// LoadScenarioByID is loadScenario for callers outside the package.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	return h.loadScenario(ctx, id)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadGreenMeadowsScenario(ctx context.Context) error {
	if err := h.saveUnits(ctx, greenMeadowsUnits()); err != nil {
		return err
	}

	// Everyone pays 1800 unless their building has its own rule
	if err := h.createRuleFromJSON(ctx,
		factory.FlatRuleJSON(string(DemoSocietyID), "Society maintenance", "1800", 5)); err != nil {
		return err
	}

	// Tower A is priced per flat size, 20/day after 7 days grace
	return h.createRuleFromJSON(ctx, factory.BuildingBHKRuleJSON(string(DemoSocietyID), "tower-a", "Tower A maintenance",
		map[string]string{"1BHK": "1500", "2BHK": "2200", "3BHK": "2900"}, 5, 7, "20"))
}

func (h *Handler) loadLatePayersScenario(ctx context.Context) error {
	if err := h.saveUnits(ctx, greenMeadowsUnits()); err != nil {
		return err
	}

	if err := h.createRuleFromJSON(ctx, factory.PenaltyRuleJSON(string(DemoSocietyID),
		"Maintenance with late fee", "2000", 1, 5, "percentage", "2")); err != nil {
		return err
	}

	// Last month is past its grace window, so those bills come out overdue
	lastMonth := maintenance.PeriodOf(h.now().AddDate(0, -1, 0), h.Engine.Location)
	report, err := h.Engine.GenerateForSociety(ctx, DemoSocietyID, lastMonth, DemoAdminID)
	if err != nil {
		return err
	}
	if report.Counts[maintenance.OutcomeFailed] > 0 {
		return fmt.Errorf("generation failed for %d units", report.Counts[maintenance.OutcomeFailed])
	}

	// Ravi pays what he owes, late fee included
	for _, res := range report.Results {
		if res.UnitID != "a-101" || res.BillID == "" {
			continue
		}
		bill, err := h.Engine.GetBill(ctx, res.BillID)
		if err != nil {
			return err
		}
		_, _, err = h.Engine.ApplyPayment(ctx, maintenance.PaymentRequest{
			BillID:                bill.ID,
			PayerID:               bill.ResidentID,
			Amount:                bill.TotalAmount(),
			Method:                maintenance.MethodUPI,
			ExternalTransactionID: "upi-demo-0001",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadFlatSocietyScenario(ctx context.Context) error {
	if err := h.saveUnits(ctx, greenMeadowsUnits()); err != nil {
		return err
	}
	return h.createRuleFromJSON(ctx,
		factory.FlatRuleJSON(string(DemoSocietyID), "Standard maintenance", "1000", 10))
}

// =============================================================================
// HELPERS
// =============================================================================

func greenMeadowsUnits() []maintenance.Unit {
	unit := func(id, building, number, bhk, resident string) maintenance.Unit {
		return maintenance.Unit{
			ID:         maintenance.UnitID(id),
			SocietyID:  DemoSocietyID,
			BuildingID: maintenance.BuildingID(building),
			Number:     number,
			BHKType:    bhk,
			ResidentID: resident,
		}
	}
	return []maintenance.Unit{
		unit("a-101", "tower-a", "A-101", "2BHK", "res-ravi"),
		unit("a-102", "tower-a", "A-102", "3BHK", "res-meera"),
		unit("a-201", "tower-a", "A-201", "1bhk", "res-john"),
		unit("b-101", "tower-b", "B-101", "2BHK", "res-anita"),
		unit("b-102", "tower-b", "B-102", "2BHK", "res-farhan"),
		unit("b-201", "tower-b", "B-201", "3BHK", ""),
	}
}

func (h *Handler) saveUnits(ctx context.Context, units []maintenance.Unit) error {
	for _, u := range units {
		if err := h.Seeder.SaveUnit(ctx, u); err != nil {
			return fmt.Errorf("save unit %s: %w", u.ID, err)
		}
	}
	return nil
}

// createRuleFromJSON parses a preset and creates it as the demo admin.
func (h *Handler) createRuleFromJSON(ctx context.Context, jsonStr string) error {
	rule, err := h.Rules.ParseRule(jsonStr)
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}
	rule.CreatedBy = DemoAdminID
	_, err = h.Engine.CreateRule(ctx, rule)
	return err
}

func (h *Handler) now() time.Time {
	if h.Engine.Clock != nil {
		return h.Engine.Clock()
	}
	return time.Now()
}

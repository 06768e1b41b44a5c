/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  engine's types from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  Money:   decimal string with two places, "1050.00"
  Period:  "YYYY-MM"
  Instant: RFC3339

VALIDATION:
  Request types carry go-playground/validator tags, checked by decode()
  in handlers.go before anything reaches the engine. Rule bodies reuse
  factory.RuleJSON and its tags.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/maintenance-engine/factory"
	"github.com/warp/maintenance-engine/maintenance"
)

// =============================================================================
// REQUESTS
// =============================================================================

// GenerateBillRequest creates one bill.
type GenerateBillRequest struct {
	UnitID string `json:"unit_id" validate:"required"`
	RuleID string `json:"rule_id" validate:"required"`
	Period string `json:"period" validate:"required,datetime=2006-01"`
}

// GenerateSocietyRequest bills every unit of a society for one month.
type GenerateSocietyRequest struct {
	Period string `json:"period" validate:"required,datetime=2006-01"`
}

// SetRuleActiveRequest toggles a rule.
type SetRuleActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// PayBillRequest settles a bill. The payer is the caller.
type PayBillRequest struct {
	Amount                string `json:"amount" validate:"required,numeric"`
	Method                string `json:"method" validate:"required,oneof=cash upi bank_transfer card cheque online"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty" validate:"max=128"`
}

// LoadScenarioRequest loads a demo society.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// RuleDTO is a rule plus its bookkeeping timestamps.
type RuleDTO struct {
	factory.RuleJSON
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// BillDTO is a bill as of the moment it was read.
type BillDTO struct {
	ID             string  `json:"id"`
	SocietyID      string  `json:"society_id"`
	UnitID         string  `json:"unit_id"`
	ResidentID     string  `json:"resident_id"`
	RuleID         string  `json:"rule_id"`
	Period         string  `json:"period"`
	BaseAmount     string  `json:"base_amount"`
	LateFeeApplied string  `json:"late_fee_applied"`
	TotalAmount    string  `json:"total_amount"`
	DueDate        string  `json:"due_date"`
	Status         string  `json:"status"`
	PaidAt         *string `json:"paid_at,omitempty"`
	PaymentRef     string  `json:"payment_ref,omitempty"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at"`
}

// PaymentDTO is a recorded payment.
type PaymentDTO struct {
	ID                    string `json:"id"`
	BillID                string `json:"bill_id"`
	SocietyID             string `json:"society_id"`
	PaidBy                string `json:"paid_by"`
	Amount                string `json:"amount"`
	Method                string `json:"method"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
	PaidAt                string `json:"paid_at"`
}

// PayBillResponse returns the settled bill and its payment.
type PayBillResponse struct {
	Bill    BillDTO    `json:"bill"`
	Payment PaymentDTO `json:"payment"`
}

// ApplicableMaintenanceDTO previews a unit's charge.
type ApplicableMaintenanceDTO struct {
	UnitID     string   `json:"unit_id"`
	Applicable bool     `json:"applicable"`
	Reason     string   `json:"reason,omitempty"`
	Amount     string   `json:"amount"`
	MatchedBHK string   `json:"matched_bhk,omitempty"`
	Rule       *RuleDTO `json:"rule,omitempty"`
}

// GenerationResultDTO is one unit's outcome in a bulk run.
type GenerationResultDTO struct {
	UnitID  string `json:"unit_id"`
	Outcome string `json:"outcome"`
	BillID  string `json:"bill_id,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GenerationReportDTO summarises a bulk run.
type GenerationReportDTO struct {
	SocietyID string                `json:"society_id"`
	Period    string                `json:"period"`
	Counts    map[string]int        `json:"counts"`
	Results   []GenerationResultDTO `json:"results"`
}

// CollectionReportDTO is a society's month at a glance.
type CollectionReportDTO struct {
	SocietyID         string `json:"society_id"`
	Period            string `json:"period"`
	Bills             int    `json:"bills"`
	Pending           int    `json:"pending"`
	Overdue           int    `json:"overdue"`
	Paid              int    `json:"paid"`
	Billed            string `json:"billed"`
	Collected         string `json:"collected"`
	Outstanding       string `json:"outstanding"`
	LateFeesAccrued   string `json:"late_fees_accrued"`
	LateFeesCollected string `json:"late_fees_collected"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// TotalDue is set on 402 so the client can retry with the right amount.
	TotalDue string `json:"total_due,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(maintenance.MoneyScale)
}

func toBillDTO(b maintenance.Bill) BillDTO {
	dto := BillDTO{
		ID:             string(b.ID),
		SocietyID:      string(b.SocietyID),
		UnitID:         string(b.UnitID),
		ResidentID:     b.ResidentID,
		RuleID:         string(b.RuleID),
		Period:         b.Period.String(),
		BaseAmount:     money(b.BaseAmount),
		LateFeeApplied: money(b.LateFeeApplied),
		TotalAmount:    money(b.TotalAmount()),
		DueDate:        b.DueDate.Format(time.RFC3339),
		Status:         string(b.Status),
		PaymentRef:     string(b.PaymentRef),
		Version:        b.Version,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
	if b.PaidAt != nil {
		s := b.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

func toBillDTOs(bills []maintenance.Bill) []BillDTO {
	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	return dtos
}

func toPaymentDTO(p maintenance.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                    string(p.ID),
		BillID:                string(p.BillID),
		SocietyID:             string(p.SocietyID),
		PaidBy:                p.PaidBy,
		Amount:                money(p.Amount),
		Method:                string(p.Method),
		ExternalTransactionID: p.ExternalTransactionID,
		PaidAt:                p.PaidAt.Format(time.RFC3339),
	}
}

func (h *Handler) toRuleDTO(r maintenance.Rule) RuleDTO {
	return RuleDTO{
		RuleJSON:  h.Rules.ToJSON(r),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
}

/*
Package factory provides JSON to Go billing rule conversion.

PURPOSE:
  Converts JSON rule definitions into maintenance.Rule values. The admin UI
  posts this shape, the demo scenarios are written in it, and the API
  returns it, so one schema covers input, storage seeds and output.

JSON SCHEMA:
  {
    "id": "rule-tower-a",
    "society_id": "soc-green-meadows",
    "name": "Tower A maintenance",
    "scope": "building_specific",
    "building_id": "tower-a",
    "amount": {
      "mode": "bhk_wise",
      "bhk_amounts": {"1BHK": "1500", "2BHK": "2000", "3BHK": "2600"}
    },
    "billing_day": 5,
    "grace_days": 10,
    "penalty": {"mode": "daily_rate", "value": "25"},
    "active": true
  }

  Money is always a decimal string. "penalty" may be omitted or null to
  disable late fees. "active" defaults to true.

USAGE:
  f := factory.NewRuleFactory()

  rule, err := f.ParseRule(jsonString)

  // From a preset
  rule, err := f.ParseRule(factory.FlatRuleJSON("soc-1", "Standard", "1000", 5))

SEE ALSO:
  - maintenance/types.go: Rule and its Validate
  - api/scenarios.go: Demo rules written as presets
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/maintenance-engine/maintenance"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a billing rule.
type RuleJSON struct {
	ID         string       `json:"id,omitempty"`
	SocietyID  string       `json:"society_id,omitempty"`
	Name       string       `json:"name" validate:"required,max=120"`
	Scope      string       `json:"scope" validate:"required,oneof=general building_specific"`
	BuildingID string       `json:"building_id,omitempty" validate:"required_if=Scope building_specific,excluded_if=Scope general"`
	Amount     AmountJSON   `json:"amount"`
	BillingDay int          `json:"billing_day" validate:"min=1,max=28"`
	GraceDays  int          `json:"grace_days" validate:"min=0,max=365"`
	Penalty    *PenaltyJSON `json:"penalty,omitempty"`
	Active     *bool        `json:"active,omitempty"`
	CreatedBy  string       `json:"created_by,omitempty"`
}

// AmountJSON represents the charge configuration.
type AmountJSON struct {
	Mode       string            `json:"mode" validate:"required,oneof=flat bhk_wise"`
	Flat       string            `json:"flat,omitempty" validate:"required_if=Mode flat"`
	BHKAmounts map[string]string `json:"bhk_amounts,omitempty" validate:"required_if=Mode bhk_wise"`
}

// PenaltyJSON represents late-fee configuration. Its presence enables the penalty.
type PenaltyJSON struct {
	Mode  string `json:"mode" validate:"required,oneof=percentage fixed daily_rate"`
	Value string `json:"value" validate:"required,numeric"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to maintenance.Rule.
type RuleFactory struct{}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into a rule.
func (f *RuleFactory) ParseRule(jsonStr string) (maintenance.Rule, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return maintenance.Rule{}, fmt.Errorf("%w: invalid rule JSON: %v", maintenance.ErrInvalidInput, err)
	}
	return f.FromJSON(rj)
}

// FromJSON converts a RuleJSON to a rule and validates it.
func (f *RuleFactory) FromJSON(rj RuleJSON) (maintenance.Rule, error) {
	rule := maintenance.Rule{
		ID:         maintenance.RuleID(rj.ID),
		SocietyID:  maintenance.SocietyID(rj.SocietyID),
		Name:       rj.Name,
		Scope:      maintenance.RuleScope(rj.Scope),
		BuildingID: maintenance.BuildingID(rj.BuildingID),
		AmountMode: maintenance.AmountMode(rj.Amount.Mode),
		BillingDay: rj.BillingDay,
		GraceDays:  rj.GraceDays,
		Active:     true,
		CreatedBy:  rj.CreatedBy,
	}
	if rj.Active != nil {
		rule.Active = *rj.Active
	}

	var err error
	switch rule.AmountMode {
	case maintenance.AmountFlat:
		if rule.FlatAmount, err = parseMoney("amount.flat", rj.Amount.Flat); err != nil {
			return maintenance.Rule{}, err
		}
	case maintenance.AmountBHKWise:
		rule.BHKAmounts = make(map[string]decimal.Decimal, len(rj.Amount.BHKAmounts))
		for k, v := range rj.Amount.BHKAmounts {
			if rule.BHKAmounts[k], err = parseMoney("amount.bhk_amounts."+k, v); err != nil {
				return maintenance.Rule{}, err
			}
		}
	}

	if rj.Penalty != nil {
		rule.PenaltyEnabled = true
		rule.PenaltyMode = maintenance.PenaltyMode(rj.Penalty.Mode)
		if rule.PenaltyValue, err = parseMoney("penalty.value", rj.Penalty.Value); err != nil {
			return maintenance.Rule{}, err
		}
	}

	// society_id is filled from the URL by the API, so only validate when set.
	if rule.SocietyID != "" {
		if err := rule.Validate(); err != nil {
			return maintenance.Rule{}, err
		}
	}
	return rule, nil
}

// ToJSON converts a rule to its JSON representation.
func (f *RuleFactory) ToJSON(rule maintenance.Rule) RuleJSON {
	active := rule.Active
	rj := RuleJSON{
		ID:         string(rule.ID),
		SocietyID:  string(rule.SocietyID),
		Name:       rule.Name,
		Scope:      string(rule.Scope),
		BuildingID: string(rule.BuildingID),
		Amount:     AmountJSON{Mode: string(rule.AmountMode)},
		BillingDay: rule.BillingDay,
		GraceDays:  rule.GraceDays,
		Active:     &active,
		CreatedBy:  rule.CreatedBy,
	}

	switch rule.AmountMode {
	case maintenance.AmountFlat:
		rj.Amount.Flat = rule.FlatAmount.StringFixed(maintenance.MoneyScale)
	case maintenance.AmountBHKWise:
		rj.Amount.BHKAmounts = make(map[string]string, len(rule.BHKAmounts))
		for k, v := range rule.BHKAmounts {
			rj.Amount.BHKAmounts[k] = v.StringFixed(maintenance.MoneyScale)
		}
	}

	if rule.PenaltyEnabled {
		rj.Penalty = &PenaltyJSON{
			Mode:  string(rule.PenaltyMode),
			Value: rule.PenaltyValue.String(),
		}
	}
	return rj
}

func parseMoney(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &maintenance.ValidationError{Field: field, Message: fmt.Sprintf("%q is not a decimal amount", s)}
	}
	return d, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// FlatRuleJSON returns a society-wide flat rule without penalty.
func FlatRuleJSON(societyID, name, amount string, billingDay int) string {
	return fmt.Sprintf(`{
		"society_id": %q,
		"name": %q,
		"scope": "general",
		"amount": {"mode": "flat", "flat": %q},
		"billing_day": %d,
		"grace_days": 0
	}`, societyID, name, amount, billingDay)
}

// BuildingBHKRuleJSON returns a building rule priced per BHK type with a
// daily late fee.
func BuildingBHKRuleJSON(societyID, buildingID, name string, bhkAmounts map[string]string, billingDay, graceDays int, dailyFee string) string {
	amounts, _ := json.Marshal(bhkAmounts)
	return fmt.Sprintf(`{
		"society_id": %q,
		"name": %q,
		"scope": "building_specific",
		"building_id": %q,
		"amount": {"mode": "bhk_wise", "bhk_amounts": %s},
		"billing_day": %d,
		"grace_days": %d,
		"penalty": {"mode": "daily_rate", "value": %q}
	}`, societyID, name, buildingID, amounts, billingDay, graceDays, dailyFee)
}

// PenaltyRuleJSON returns a general flat rule with the given penalty.
func PenaltyRuleJSON(societyID, name, amount string, billingDay, graceDays int, penaltyMode, penaltyValue string) string {
	return fmt.Sprintf(`{
		"society_id": %q,
		"name": %q,
		"scope": "general",
		"amount": {"mode": "flat", "flat": %q},
		"billing_day": %d,
		"grace_days": %d,
		"penalty": {"mode": %q, "value": %q}
	}`, societyID, name, amount, billingDay, graceDays, penaltyMode, penaltyValue)
}

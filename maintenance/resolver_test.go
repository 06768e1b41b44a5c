package maintenance_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/maintenance-engine/maintenance"
)

func generalFlat(id maintenance.RuleID, amount string) maintenance.Rule {
	return maintenance.Rule{
		ID:         id,
		SocietyID:  "soc-1",
		Scope:      maintenance.ScopeGeneral,
		AmountMode: maintenance.AmountFlat,
		FlatAmount: money(amount),
		BillingDay: 5,
		Active:     true,
		CreatedAt:  day(2025, time.January, 1),
	}
}

func buildingFlat(id maintenance.RuleID, building maintenance.BuildingID, amount string) maintenance.Rule {
	r := generalFlat(id, amount)
	r.Scope = maintenance.ScopeBuildingSpecific
	r.BuildingID = building
	return r
}

func unitIn(building maintenance.BuildingID, bhk string) maintenance.Unit {
	return maintenance.Unit{
		ID:         "unit-1",
		SocietyID:  "soc-1",
		BuildingID: building,
		Number:     "101",
		BHKType:    bhk,
		ResidentID: "res-1",
	}
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolve_BuildingRuleOverridesGeneral(t *testing.T) {
	// GIVEN: General rule 1000 and building B rule 1500
	// WHEN: Resolving for units in B and in C
	// THEN: B gets 1500, C gets 1000

	rules := []maintenance.Rule{
		generalFlat("rule-general", "1000"),
		buildingFlat("rule-b", "B", "1500"),
	}

	inB := maintenance.Preview(unitIn("B", "2BHK"), rules)
	require.True(t, inB.Applicable)
	assert.Equal(t, maintenance.RuleID("rule-b"), inB.Rule.ID)
	assert.True(t, money("1500").Equal(inB.Amount))

	inC := maintenance.Preview(unitIn("C", "2BHK"), rules)
	require.True(t, inC.Applicable)
	assert.Equal(t, maintenance.RuleID("rule-general"), inC.Rule.ID)
	assert.True(t, money("1000").Equal(inC.Amount))
}

func TestResolve_IgnoresInactiveAndForeignRules(t *testing.T) {
	inactive := buildingFlat("rule-b", "B", "1500")
	inactive.Active = false
	foreign := generalFlat("rule-other", "700")
	foreign.SocietyID = "soc-2"

	rule := maintenance.Resolve(unitIn("B", "1BHK"), []maintenance.Rule{inactive, foreign, generalFlat("rule-general", "1000")})
	require.NotNil(t, rule)
	assert.Equal(t, maintenance.RuleID("rule-general"), rule.ID)
}

func TestResolve_NoRule(t *testing.T) {
	preview := maintenance.Preview(unitIn("B", "1BHK"), []maintenance.Rule{buildingFlat("rule-a", "A", "900")})
	assert.False(t, preview.Applicable)
	assert.Equal(t, maintenance.ReasonNoRule, preview.Reason)
	assert.True(t, preview.Amount.IsZero())
}

func TestResolve_OldestRuleWinsTies(t *testing.T) {
	older := generalFlat("rule-z", "800")
	newer := generalFlat("rule-a", "900")
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	rule := maintenance.Resolve(unitIn("B", "1BHK"), []maintenance.Rule{newer, older})
	require.NotNil(t, rule)
	assert.Equal(t, maintenance.RuleID("rule-z"), rule.ID)
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r := generalFlat("rule-bhk", "1")
	r.AmountMode = maintenance.AmountBHKWise
	r.BHKAmounts = map[string]decimal.Decimal{"1BHK": money("1000")}
	rules := []maintenance.Rule{r}

	resolved := maintenance.Resolve(unitIn("B", "1BHK"), rules)
	require.NotNil(t, resolved)
	resolved.BHKAmounts["1BHK"] = money("1")

	assert.True(t, money("1000").Equal(rules[0].BHKAmounts["1BHK"]))
}

// =============================================================================
// AMOUNTS
// =============================================================================

func bhkRule(prices map[string]string) maintenance.Rule {
	r := generalFlat("rule-bhk", "0")
	r.AmountMode = maintenance.AmountBHKWise
	r.FlatAmount = decimal.Zero
	r.BHKAmounts = map[string]decimal.Decimal{}
	for k, v := range prices {
		r.BHKAmounts[k] = money(v)
	}
	return r
}

func TestCalculateAmount_BHKCaseInsensitive(t *testing.T) {
	// GIVEN: A BHK rule priced under "2bhk"
	// WHEN: The unit is labelled "2BHK"
	// THEN: It matches and is charged 2000

	rule := bhkRule(map[string]string{"1bhk": "1500", "2bhk": "2000"})
	amount := maintenance.CalculateAmount(rule, unitIn("B", "2BHK"))
	assert.True(t, money("2000").Equal(amount))

	key, ok := maintenance.MatchBHK(rule, " 2Bhk ")
	assert.True(t, ok)
	assert.Equal(t, "2bhk", key)
}

func TestCalculateAmount_BHKMissIsNotApplicable(t *testing.T) {
	// GIVEN: A BHK rule without a 4BHK price
	// WHEN: Previewing a 4BHK unit
	// THEN: The rule resolves but is not applicable (zero amount)

	rule := bhkRule(map[string]string{"1BHK": "1500", "2BHK": "2000"})
	preview := maintenance.Preview(unitIn("B", "4BHK"), []maintenance.Rule{rule})

	assert.False(t, preview.Applicable)
	assert.Equal(t, maintenance.ReasonZeroAmount, preview.Reason)
	require.NotNil(t, preview.Rule)
	assert.Equal(t, rule.ID, preview.Rule.ID)
}

func TestCalculateAmount_FlatIgnoresBHK(t *testing.T) {
	amount := maintenance.CalculateAmount(generalFlat("rule-flat", "1234.567"), unitIn("B", "whatever"))
	assert.Equal(t, "1234.57", amount.StringFixed(2))
}

// =============================================================================
// RULE VALIDATION
// =============================================================================

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*maintenance.Rule)
		field  string
	}{
		{"valid", func(*maintenance.Rule) {}, ""},
		{"building rule without building", func(r *maintenance.Rule) { r.Scope = maintenance.ScopeBuildingSpecific }, "building_id"},
		{"general rule with building", func(r *maintenance.Rule) { r.BuildingID = "B" }, "building_id"},
		{"zero flat amount", func(r *maintenance.Rule) { r.FlatAmount = decimal.Zero }, "flat_amount"},
		{"billing day 29", func(r *maintenance.Rule) { r.BillingDay = 29 }, "billing_day"},
		{"billing day 0", func(r *maintenance.Rule) { r.BillingDay = 0 }, "billing_day"},
		{"negative grace", func(r *maintenance.Rule) { r.GraceDays = -1 }, "grace_days"},
		{"penalty without mode", func(r *maintenance.Rule) {
			r.PenaltyEnabled = true
			r.PenaltyValue = money("5")
		}, "penalty_mode"},
		{"penalty without value", func(r *maintenance.Rule) {
			r.PenaltyEnabled = true
			r.PenaltyMode = maintenance.PenaltyFixed
		}, "penalty_value"},
		{"bhk rule without prices", func(r *maintenance.Rule) { r.AmountMode = maintenance.AmountBHKWise }, "bhk_amounts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := generalFlat("rule-1", "1000")
			tt.mutate(&r)

			err := r.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *maintenance.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, maintenance.ErrInvalidInput)
		})
	}
}

func TestPeriod_ParseAndDueDate(t *testing.T) {
	p, err := maintenance.ParsePeriod("2025-04")
	require.NoError(t, err)
	assert.Equal(t, "2025-04", p.String())
	assert.Equal(t, "2025-05", p.Next().String())
	assert.True(t, p.Before(p.Next()))

	due := p.DueDate(10, time.UTC)
	assert.Equal(t, time.Date(2025, time.April, 10, 23, 59, 59, 999999999, time.UTC), due)

	_, err = maintenance.ParsePeriod("2025-13")
	assert.ErrorIs(t, err, maintenance.ErrInvalidInput)
}

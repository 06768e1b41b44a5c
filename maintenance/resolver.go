package maintenance

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE RESOLUTION - which rule governs a unit
// =============================================================================

// Precedence is a static rank: a building-specific rule always beats the
// society-wide one, regardless of which was created last.
func Precedence(scope RuleScope) int {
	switch scope {
	case ScopeBuildingSpecific:
		return 2
	case ScopeGeneral:
		return 1
	default:
		return 0
	}
}

// Applies reports whether rule can govern unit. Only the rule's scope is
// considered here; activity is filtered by Resolve.
func Applies(rule Rule, unit Unit) bool {
	if rule.SocietyID != unit.SocietyID {
		return false
	}
	switch rule.Scope {
	case ScopeGeneral:
		return true
	case ScopeBuildingSpecific:
		return rule.BuildingID != "" && rule.BuildingID == unit.BuildingID
	default:
		return false
	}
}

// Resolve picks the single rule governing unit out of rules, or nil when no
// rule applies. Nil means "no obligation", not an error.
func Resolve(unit Unit, rules []Rule) *Rule {
	var candidates []Rule
	for _, r := range rules {
		if r.Active && Applies(r, unit) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Two rules of the same rank only happen with corrupted data; keep the
	// pick deterministic anyway.
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := Precedence(candidates[i].Scope), Precedence(candidates[j].Scope)
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0].Clone()
	return &chosen
}

// =============================================================================
// PREVIEW - "my applicable maintenance"
// =============================================================================

type NotApplicableReason string

const (
	ReasonNoRule     NotApplicableReason = "no_rule"
	ReasonZeroAmount NotApplicableReason = "zero_amount"
)

// ApplicableMaintenance is a read-only preview; no bill is created.
type ApplicableMaintenance struct {
	Applicable bool
	Reason     NotApplicableReason
	Amount     decimal.Decimal
	Rule       *Rule
	MatchedBHK string
}

// Preview chains Resolve and CalculateAmount. It never fails: a unit with no
// rule, or whose BHK type the rule doesn't price, is "not applicable".
func Preview(unit Unit, activeRules []Rule) ApplicableMaintenance {
	rule := Resolve(unit, activeRules)
	if rule == nil {
		return ApplicableMaintenance{Reason: ReasonNoRule, Amount: decimal.Zero}
	}

	amount := CalculateAmount(*rule, unit)
	if !amount.IsPositive() {
		return ApplicableMaintenance{Reason: ReasonZeroAmount, Amount: decimal.Zero, Rule: rule}
	}

	matched, _ := MatchBHK(*rule, unit.BHKType)
	return ApplicableMaintenance{
		Applicable: true,
		Amount:     amount,
		Rule:       rule,
		MatchedBHK: matched,
	}
}

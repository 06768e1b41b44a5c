package maintenance

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CalculateAmount returns the nominal, pre-penalty charge rule levies on unit.
// A BHK-wise rule that has no price for the unit's BHK type yields zero: the
// rule does not financially apply to that unit type.
func CalculateAmount(rule Rule, unit Unit) decimal.Decimal {
	var amount decimal.Decimal
	switch rule.AmountMode {
	case AmountFlat:
		amount = rule.FlatAmount
	case AmountBHKWise:
		key, ok := MatchBHK(rule, unit.BHKType)
		if !ok {
			return decimal.Zero
		}
		amount = rule.BHKAmounts[key]
	default:
		return decimal.Zero
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	return Money(amount)
}

// MatchBHK finds the rule key pricing bhkType. An exact key wins; otherwise
// keys are compared case-insensitively, since unit labels ("2BHK") and rule
// keys ("2bhk") are typed by different people.
func MatchBHK(rule Rule, bhkType string) (string, bool) {
	if rule.AmountMode != AmountBHKWise || len(rule.BHKAmounts) == 0 {
		return "", false
	}
	if _, ok := rule.BHKAmounts[bhkType]; ok {
		return bhkType, true
	}

	want := normalizeBHK(bhkType)
	if want == "" {
		return "", false
	}
	// Smallest matching key, so "2BHK" and "2bhk" both present resolve the same way every time.
	var match string
	for k := range rule.BHKAmounts {
		if normalizeBHK(k) == want && (match == "" || k < match) {
			match = k
		}
	}
	return match, match != ""
}

func normalizeBHK(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

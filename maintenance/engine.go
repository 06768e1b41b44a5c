/*
engine.go - Billing engine and rule administration

PURPOSE:
  Engine is the only component that writes rules and bills. It wraps a
  TxStore, a clock and the society time zone, and exposes the operations
  the API and CLI call. Pure calculation lives in resolver.go, amount.go
  and penalty.go; this file and lifecycle.go orchestrate them against the
  store.

RULE UNIQUENESS:
  At most one active general rule per society, and at most one active
  building-specific rule per (society, building). Checked here inside a
  transaction so the admin gets an error naming the occupied scope, and
  enforced again by the store's unique index for races.

RULE DELETION:
  Bills keep a reference to the rule that priced them. A rule with bills
  can only be deactivated, never deleted.

SEE ALSO:
  - lifecycle.go: Bill generation, refresh, payment
  - ledger.go:    Payment listing and collection report
*/
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store TxStore

	// Location is the society time zone; due dates and late days are counted in it.
	Location *time.Location

	// Clock returns the current instant. Tests pin it.
	Clock func() time.Time

	Logger *log.Logger
}

// NewEngine creates an engine over store. A nil loc means UTC.
func NewEngine(store TxStore, loc *time.Location) *Engine {
	return &Engine{
		Store:    store,
		Location: orUTC(loc),
		Clock:    time.Now,
		Logger:   log.Default(),
	}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

func (e *Engine) loc() *time.Location { return orUTC(e.Location) }

func (e *Engine) logf(format string, args ...any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Printf("[billing] "+format, args...)
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// RULE ADMINISTRATION
// =============================================================================

// CreateRule validates and stores a new rule for its society.
func (e *Engine) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = RuleID(newID("rule"))
	}
	now := e.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}

	err := e.Store.WithTx(ctx, func(s Store) error {
		if err := checkScopeFree(ctx, s, rule); err != nil {
			return err
		}
		return s.CreateRule(ctx, rule)
	})
	if err != nil {
		e.noteRuleConflict(err)
		return Rule{}, err
	}

	e.logf("rule %s created for %s by %s", rule.ID, rule.ScopeKey(), rule.CreatedBy)
	return rule, nil
}

// UpdateRule replaces the policy fields of an existing rule. Bills already
// generated keep their frozen base amount; unpaid ones pick up penalty
// changes on their next refresh.
func (e *Engine) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	var updated Rule
	err := e.Store.WithTx(ctx, func(s Store) error {
		existing, err := loadRule(ctx, s, rule.SocietyID, rule.ID)
		if err != nil {
			return err
		}

		updated = rule.Clone()
		updated.CreatedAt = existing.CreatedAt
		updated.CreatedBy = existing.CreatedBy
		updated.UpdatedAt = e.now().UTC()

		if err := updated.Validate(); err != nil {
			return err
		}
		if err := checkScopeFree(ctx, s, updated); err != nil {
			return err
		}
		return s.UpdateRule(ctx, updated)
	})
	if err != nil {
		e.noteRuleConflict(err)
		return Rule{}, err
	}
	return updated, nil
}

// SetRuleActive toggles a rule. Activating is refused if another active rule
// already holds the same scope.
func (e *Engine) SetRuleActive(ctx context.Context, societyID SocietyID, id RuleID, active bool) (Rule, error) {
	var updated Rule
	err := e.Store.WithTx(ctx, func(s Store) error {
		existing, err := loadRule(ctx, s, societyID, id)
		if err != nil {
			return err
		}
		updated = existing.Clone()
		if updated.Active == active {
			return nil
		}
		updated.Active = active
		updated.UpdatedAt = e.now().UTC()

		if err := checkScopeFree(ctx, s, updated); err != nil {
			return err
		}
		return s.UpdateRule(ctx, updated)
	})
	if err != nil {
		e.noteRuleConflict(err)
		return Rule{}, err
	}
	return updated, nil
}

// DeleteRule removes a rule that no bill references.
func (e *Engine) DeleteRule(ctx context.Context, societyID SocietyID, id RuleID) error {
	return e.Store.WithTx(ctx, func(s Store) error {
		if _, err := loadRule(ctx, s, societyID, id); err != nil {
			return err
		}
		n, err := s.CountBillsByRule(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w (%d bills); deactivate it instead", ErrRuleInUse, n)
		}
		return s.DeleteRule(ctx, id)
	})
}

// GetRule returns a rule of societyID.
func (e *Engine) GetRule(ctx context.Context, societyID SocietyID, id RuleID) (Rule, error) {
	return loadRule(ctx, e.Store, societyID, id)
}

// ListRules returns a society's rules.
func (e *Engine) ListRules(ctx context.Context, societyID SocietyID, activeOnly bool) ([]Rule, error) {
	return e.Store.ListRules(ctx, RuleFilter{SocietyID: societyID, ActiveOnly: activeOnly})
}

func (e *Engine) noteRuleConflict(err error) {
	var conflict *RuleConflictError
	if errors.As(err, &conflict) {
		RuleConflicts.Inc()
		e.logf("rule refused: %v", conflict)
	}
}

// checkScopeFree refuses an active rule whose scope key is held by another
// active rule of the same society.
func checkScopeFree(ctx context.Context, s Store, rule Rule) error {
	if !rule.Active {
		return nil
	}
	filter := RuleFilter{SocietyID: rule.SocietyID, ActiveOnly: true, Scope: rule.Scope}
	if rule.Scope == ScopeBuildingSpecific {
		filter.BuildingID = rule.BuildingID
	}
	existing, err := s.ListRules(ctx, filter)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.ID == rule.ID || r.ScopeKey() != rule.ScopeKey() {
			continue
		}
		return &RuleConflictError{
			SocietyID:      rule.SocietyID,
			Scope:          rule.Scope,
			BuildingID:     rule.BuildingID,
			ExistingRuleID: r.ID,
		}
	}
	return nil
}

// loadRule fetches a rule and hides rules of other societies behind NotFound.
func loadRule(ctx context.Context, s Store, societyID SocietyID, id RuleID) (Rule, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	if r == nil || (societyID != "" && r.SocietyID != societyID) {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return *r, nil
}

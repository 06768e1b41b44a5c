// Package store provides an in-memory maintenance.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/maintenance-engine/maintenance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a state with a mutex. WithTx holds the write lock for the
// whole callback and restores a snapshot if the callback fails.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ maintenance.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(_ context.Context, fn func(maintenance.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// SaveUnit inserts or replaces a unit in the registry.
func (m *Memory) SaveUnit(_ context.Context, u maintenance.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.units[u.ID] = u
	return nil
}

// Reset drops everything, units included.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) read() (*state, func()) {
	m.mu.RLock()
	return m.st, m.mu.RUnlock
}

func (m *Memory) CreateRule(ctx context.Context, r maintenance.Rule) error {
	return m.write(func(s *state) error { return s.CreateRule(ctx, r) })
}

func (m *Memory) UpdateRule(ctx context.Context, r maintenance.Rule) error {
	return m.write(func(s *state) error { return s.UpdateRule(ctx, r) })
}

func (m *Memory) GetRule(ctx context.Context, id maintenance.RuleID) (*maintenance.Rule, error) {
	s, done := m.read()
	defer done()
	return s.GetRule(ctx, id)
}

func (m *Memory) ListRules(ctx context.Context, f maintenance.RuleFilter) ([]maintenance.Rule, error) {
	s, done := m.read()
	defer done()
	return s.ListRules(ctx, f)
}

func (m *Memory) DeleteRule(ctx context.Context, id maintenance.RuleID) error {
	return m.write(func(s *state) error { return s.DeleteRule(ctx, id) })
}

func (m *Memory) CreateBill(ctx context.Context, b maintenance.Bill) error {
	return m.write(func(s *state) error { return s.CreateBill(ctx, b) })
}

func (m *Memory) UpdateBill(ctx context.Context, b maintenance.Bill) error {
	return m.write(func(s *state) error { return s.UpdateBill(ctx, b) })
}

func (m *Memory) GetBill(ctx context.Context, id maintenance.BillID) (*maintenance.Bill, error) {
	s, done := m.read()
	defer done()
	return s.GetBill(ctx, id)
}

func (m *Memory) FindBill(ctx context.Context, unitID maintenance.UnitID, p maintenance.Period) (*maintenance.Bill, error) {
	s, done := m.read()
	defer done()
	return s.FindBill(ctx, unitID, p)
}

func (m *Memory) ListBills(ctx context.Context, f maintenance.BillFilter) ([]maintenance.Bill, error) {
	s, done := m.read()
	defer done()
	return s.ListBills(ctx, f)
}

func (m *Memory) CountBillsByRule(ctx context.Context, id maintenance.RuleID) (int, error) {
	s, done := m.read()
	defer done()
	return s.CountBillsByRule(ctx, id)
}

func (m *Memory) DeleteBill(ctx context.Context, id maintenance.BillID) error {
	return m.write(func(s *state) error { return s.DeleteBill(ctx, id) })
}

func (m *Memory) AppendPayment(ctx context.Context, p maintenance.Payment) error {
	return m.write(func(s *state) error { return s.AppendPayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id maintenance.PaymentID) (*maintenance.Payment, error) {
	s, done := m.read()
	defer done()
	return s.GetPayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, f maintenance.PaymentFilter) ([]maintenance.Payment, error) {
	s, done := m.read()
	defer done()
	return s.ListPayments(ctx, f)
}

func (m *Memory) GetUnit(ctx context.Context, id maintenance.UnitID) (*maintenance.Unit, error) {
	s, done := m.read()
	defer done()
	return s.GetUnit(ctx, id)
}

func (m *Memory) ListUnits(ctx context.Context, societyID maintenance.SocietyID) ([]maintenance.Unit, error) {
	s, done := m.read()
	defer done()
	return s.ListUnits(ctx, societyID)
}

// =============================================================================
// STATE - unlocked maps; also serves as the transactional view
// =============================================================================

type billKey struct {
	UnitID maintenance.UnitID
	Period maintenance.Period
}

type state struct {
	rules         map[maintenance.RuleID]maintenance.Rule
	bills         map[maintenance.BillID]maintenance.Bill
	billKeys      map[billKey]maintenance.BillID
	payments      map[maintenance.PaymentID]maintenance.Payment
	paymentByBill map[maintenance.BillID]maintenance.PaymentID
	units         map[maintenance.UnitID]maintenance.Unit
}

func newState() *state {
	return &state{
		rules:         make(map[maintenance.RuleID]maintenance.Rule),
		bills:         make(map[maintenance.BillID]maintenance.Bill),
		billKeys:      make(map[billKey]maintenance.BillID),
		payments:      make(map[maintenance.PaymentID]maintenance.Payment),
		paymentByBill: make(map[maintenance.BillID]maintenance.PaymentID),
		units:         make(map[maintenance.UnitID]maintenance.Unit),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.rules {
		c.rules[k] = v.Clone()
	}
	for k, v := range s.bills {
		c.bills[k] = v
	}
	for k, v := range s.billKeys {
		c.billKeys[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paymentByBill {
		c.paymentByBill[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	return c
}

// scopeHolder mirrors the SQL partial unique index on active rules.
func (s *state) scopeHolder(r maintenance.Rule) (maintenance.RuleID, bool) {
	if !r.Active {
		return "", false
	}
	for id, other := range s.rules {
		if id != r.ID && other.Active && other.ScopeKey() == r.ScopeKey() {
			return id, true
		}
	}
	return "", false
}

func (s *state) CreateRule(_ context.Context, r maintenance.Rule) error {
	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("%w: rule id %s", maintenance.ErrConflict, r.ID)
	}
	if holder, taken := s.scopeHolder(r); taken {
		return conflictFor(r, holder)
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *state) UpdateRule(_ context.Context, r maintenance.Rule) error {
	if _, exists := s.rules[r.ID]; !exists {
		return fmt.Errorf("%w: %s", maintenance.ErrRuleNotFound, r.ID)
	}
	if holder, taken := s.scopeHolder(r); taken {
		return conflictFor(r, holder)
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

func conflictFor(r maintenance.Rule, holder maintenance.RuleID) error {
	return &maintenance.RuleConflictError{
		SocietyID:      r.SocietyID,
		Scope:          r.Scope,
		BuildingID:     r.BuildingID,
		ExistingRuleID: holder,
	}
}

func (s *state) GetRule(_ context.Context, id maintenance.RuleID) (*maintenance.Rule, error) {
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	c := r.Clone()
	return &c, nil
}

func (s *state) ListRules(_ context.Context, f maintenance.RuleFilter) ([]maintenance.Rule, error) {
	var out []maintenance.Rule
	for _, r := range s.rules {
		if f.SocietyID != "" && r.SocietyID != f.SocietyID {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		if f.Scope != "" && r.Scope != f.Scope {
			continue
		}
		if f.BuildingID != "" && r.BuildingID != f.BuildingID {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) DeleteRule(_ context.Context, id maintenance.RuleID) error {
	delete(s.rules, id)
	return nil
}

func (s *state) CreateBill(_ context.Context, b maintenance.Bill) error {
	k := billKey{UnitID: b.UnitID, Period: b.Period}
	if _, exists := s.billKeys[k]; exists {
		return maintenance.ErrDuplicateBill
	}
	if _, exists := s.bills[b.ID]; exists {
		return fmt.Errorf("%w: bill id %s", maintenance.ErrConflict, b.ID)
	}
	s.bills[b.ID] = b
	s.billKeys[k] = b.ID
	return nil
}

func (s *state) UpdateBill(_ context.Context, b maintenance.Bill) error {
	stored, ok := s.bills[b.ID]
	if !ok {
		return fmt.Errorf("%w: %s", maintenance.ErrBillNotFound, b.ID)
	}
	if stored.Version != b.Version {
		return fmt.Errorf("%w: bill %s at version %d, write based on %d",
			maintenance.ErrConcurrentModification, b.ID, stored.Version, b.Version)
	}

	stored.Status = b.Status
	stored.LateFeeApplied = b.LateFeeApplied
	stored.PaidAt = copyTime(b.PaidAt)
	stored.PaymentRef = b.PaymentRef
	stored.UpdatedAt = b.UpdatedAt
	stored.Version++
	s.bills[b.ID] = stored
	return nil
}

func (s *state) GetBill(_ context.Context, id maintenance.BillID) (*maintenance.Bill, error) {
	b, ok := s.bills[id]
	if !ok {
		return nil, nil
	}
	b.PaidAt = copyTime(b.PaidAt)
	return &b, nil
}

func (s *state) FindBill(ctx context.Context, unitID maintenance.UnitID, p maintenance.Period) (*maintenance.Bill, error) {
	id, ok := s.billKeys[billKey{UnitID: unitID, Period: p}]
	if !ok {
		return nil, nil
	}
	return s.GetBill(ctx, id)
}

func (s *state) ListBills(_ context.Context, f maintenance.BillFilter) ([]maintenance.Bill, error) {
	var out []maintenance.Bill
	for _, b := range s.bills {
		if f.SocietyID != "" && b.SocietyID != f.SocietyID {
			continue
		}
		if f.UnitID != "" && b.UnitID != f.UnitID {
			continue
		}
		if !f.Period.IsZero() && b.Period != f.Period {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		b.PaidAt = copyTime(b.PaidAt)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[j].Period.Before(out[i].Period)
		}
		return out[i].UnitID < out[j].UnitID
	})
	return out, nil
}

func (s *state) CountBillsByRule(_ context.Context, id maintenance.RuleID) (int, error) {
	n := 0
	for _, b := range s.bills {
		if b.RuleID == id {
			n++
		}
	}
	return n, nil
}

func (s *state) DeleteBill(_ context.Context, id maintenance.BillID) error {
	b, ok := s.bills[id]
	if !ok {
		return nil
	}
	delete(s.billKeys, billKey{UnitID: b.UnitID, Period: b.Period})
	delete(s.bills, id)
	return nil
}

func (s *state) AppendPayment(_ context.Context, p maintenance.Payment) error {
	if _, exists := s.paymentByBill[p.BillID]; exists {
		return maintenance.ErrDuplicatePayment
	}
	if _, exists := s.payments[p.ID]; exists {
		return fmt.Errorf("%w: payment id %s", maintenance.ErrConflict, p.ID)
	}
	s.payments[p.ID] = p
	s.paymentByBill[p.BillID] = p.ID
	return nil
}

func (s *state) GetPayment(_ context.Context, id maintenance.PaymentID) (*maintenance.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) ListPayments(_ context.Context, f maintenance.PaymentFilter) ([]maintenance.Payment, error) {
	var out []maintenance.Payment
	for _, p := range s.payments {
		if f.SocietyID != "" && p.SocietyID != f.SocietyID {
			continue
		}
		if f.BillID != "" && p.BillID != f.BillID {
			continue
		}
		if f.PaidBy != "" && p.PaidBy != f.PaidBy {
			continue
		}
		if f.From != nil && p.PaidAt.Before(*f.From) {
			continue
		}
		if f.To != nil && p.PaidAt.After(*f.To) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.Before(out[j].PaidAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) GetUnit(_ context.Context, id maintenance.UnitID) (*maintenance.Unit, error) {
	u, ok := s.units[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *state) ListUnits(_ context.Context, societyID maintenance.SocietyID) ([]maintenance.Unit, error) {
	var out []maintenance.Unit
	for _, u := range s.units {
		if societyID == "" || u.SocietyID == societyID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

/*
Package sqlite provides a SQLite-backed implementation of maintenance.TxStore.

PURPOSE:
  Persists rules, bills, payments and the unit registry. In production
  the same schema runs on PostgreSQL with minor dialect changes.

KEY TABLES:
  units:    Registry read model (building, BHK type, resident)
  rules:    Billing rules, BHK prices as JSON
  bills:    One row per (unit, period); no total column, the total is
            always base_amount + late_fee_applied
  payments: Append-only, one row per bill

CONSTRAINTS:
  idx_rules_active_general:  one active general rule per society
  idx_rules_active_building: one active building rule per (society, building)
  idx_bills_unit_period:     one bill per unit and month
  payments.bill_id UNIQUE:   one settling payment per bill
  bills.rule_id FK:          a rule with bills can't be deleted

  UNIQUE violations are translated into the engine's Conflict errors so
  races that pass the application pre-checks still surface correctly.

CONCURRENCY:
  The pool is limited to one connection. SQLite only has one writer
  anyway, and it serialises WithTx callbacks: a second payment for the
  same bill waits for the first transaction to commit and then sees the
  bill paid. It also keeps ":memory:" databases shared across calls.

MONEY:
  Stored as decimal strings, never REAL.

USAGE:
  store, err := sqlite.New("./data/maintenance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := maintenance.NewEngine(store, loc)

SEE ALSO:
  - maintenance/store.go: Interface definitions
  - maintenance/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/maintenance-engine/maintenance"
)

// Store implements maintenance.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ maintenance.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		society_id TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		number TEXT NOT NULL DEFAULT '',
		bhk_type TEXT NOT NULL DEFAULT '',
		resident_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_units_society
		ON units(society_id);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		society_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL,
		building_id TEXT NOT NULL DEFAULT '',
		amount_mode TEXT NOT NULL,
		flat_amount TEXT NOT NULL DEFAULT '0',
		bhk_amounts_json TEXT,
		billing_day INTEGER NOT NULL,
		grace_days INTEGER NOT NULL DEFAULT 0,
		penalty_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		penalty_mode TEXT NOT NULL DEFAULT '',
		penalty_value TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_society
		ON rules(society_id, active);

	-- At most one active rule per scope key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_active_general
		ON rules(society_id)
		WHERE active = 1 AND scope = 'general';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_active_building
		ON rules(society_id, building_id)
		WHERE active = 1 AND scope = 'building_specific';

	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		society_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		resident_id TEXT NOT NULL,
		rule_id TEXT NOT NULL REFERENCES rules(id),
		period TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		late_fee_applied TEXT NOT NULL DEFAULT '0',
		paid_at TEXT,
		payment_ref TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Exactly one bill per unit and month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_unit_period
		ON bills(unit_id, period);
	CREATE INDEX IF NOT EXISTS idx_bills_society_period
		ON bills(society_id, period);
	CREATE INDEX IF NOT EXISTS idx_bills_rule
		ON bills(rule_id);

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		bill_id TEXT NOT NULL UNIQUE REFERENCES bills(id),
		society_id TEXT NOT NULL,
		paid_by TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		external_transaction_id TEXT,
		paid_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_society
		ON payments(society_id, paid_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (maintenance.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(maintenance.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset clears all data.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM payments;
		DELETE FROM bills;
		DELETE FROM rules;
		DELETE FROM units;
	`)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs it on the pool and WithTx on a transaction.
type queries struct {
	q querier
}

// =============================================================================
// UNIT REGISTRY
// =============================================================================

// SaveUnit inserts or replaces a unit.
func (qs queries) SaveUnit(ctx context.Context, u maintenance.Unit) error {
	query := `
		INSERT INTO units (id, society_id, building_id, number, bhk_type, resident_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			society_id = excluded.society_id,
			building_id = excluded.building_id,
			number = excluded.number,
			bhk_type = excluded.bhk_type,
			resident_id = excluded.resident_id
	`
	_, err := qs.q.ExecContext(ctx, query,
		u.ID, u.SocietyID, u.BuildingID, u.Number, u.BHKType, u.ResidentID,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

const unitColumns = `id, society_id, building_id, number, bhk_type, resident_id`

func (qs queries) GetUnit(ctx context.Context, id maintenance.UnitID) (*maintenance.Unit, error) {
	var u maintenance.Unit
	err := qs.q.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE id = ?", id,
	).Scan(&u.ID, &u.SocietyID, &u.BuildingID, &u.Number, &u.BHKType, &u.ResidentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return &u, nil
}

func (qs queries) ListUnits(ctx context.Context, societyID maintenance.SocietyID) ([]maintenance.Unit, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM units WHERE society_id = ? ORDER BY id", societyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []maintenance.Unit
	for rows.Next() {
		var u maintenance.Unit
		if err := rows.Scan(&u.ID, &u.SocietyID, &u.BuildingID, &u.Number, &u.BHKType, &u.ResidentID); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// =============================================================================
// RULE STORE
// =============================================================================

const ruleColumns = `id, society_id, name, scope, building_id, amount_mode, flat_amount, bhk_amounts_json,
	billing_day, grace_days, penalty_enabled, penalty_mode, penalty_value, active, created_by, created_at, updated_at`

func (qs queries) CreateRule(ctx context.Context, r maintenance.Rule) error {
	bhkJSON, err := json.Marshal(r.BHKAmounts)
	if err != nil {
		return fmt.Errorf("failed to encode bhk amounts: %w", err)
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = qs.q.ExecContext(ctx, query,
		r.ID, r.SocietyID, r.Name, r.Scope, r.BuildingID, r.AmountMode,
		r.FlatAmount.String(), string(bhkJSON),
		r.BillingDay, r.GraceDays, r.PenaltyEnabled, r.PenaltyMode, r.PenaltyValue.String(),
		r.Active, nullString(r.CreatedBy), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && mentionsTable(err, "rules.society_id") {
			return ruleConflict(r)
		}
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: rule id %s", maintenance.ErrConflict, r.ID)
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (qs queries) UpdateRule(ctx context.Context, r maintenance.Rule) error {
	bhkJSON, err := json.Marshal(r.BHKAmounts)
	if err != nil {
		return fmt.Errorf("failed to encode bhk amounts: %w", err)
	}

	query := `
		UPDATE rules SET
			name = ?, scope = ?, building_id = ?, amount_mode = ?, flat_amount = ?, bhk_amounts_json = ?,
			billing_day = ?, grace_days = ?, penalty_enabled = ?, penalty_mode = ?, penalty_value = ?,
			active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := qs.q.ExecContext(ctx, query,
		r.Name, r.Scope, r.BuildingID, r.AmountMode, r.FlatAmount.String(), string(bhkJSON),
		r.BillingDay, r.GraceDays, r.PenaltyEnabled, r.PenaltyMode, r.PenaltyValue.String(),
		r.Active, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ruleConflict(r)
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", maintenance.ErrRuleNotFound, r.ID)
	}
	return nil
}

func (qs queries) GetRule(ctx context.Context, id maintenance.RuleID) (*maintenance.Rule, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+ruleColumns+" FROM rules WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRule(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (qs queries) ListRules(ctx context.Context, f maintenance.RuleFilter) ([]maintenance.Rule, error) {
	var (
		where []string
		args  []any
	)
	if f.SocietyID != "" {
		where = append(where, "society_id = ?")
		args = append(args, f.SocietyID)
	}
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	if f.BuildingID != "" {
		where = append(where, "building_id = ?")
		args = append(args, f.BuildingID)
	}

	query := "SELECT " + ruleColumns + " FROM rules" + whereClause(where) + " ORDER BY created_at ASC, id ASC"
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []maintenance.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (qs queries) DeleteRule(ctx context.Context, id maintenance.RuleID) error {
	_, err := qs.q.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", maintenance.ErrRuleInUse, id)
		}
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return nil
}

func scanRule(rows *sql.Rows) (maintenance.Rule, error) {
	var (
		r                        maintenance.Rule
		flatAmount, penaltyValue string
		bhkJSON, createdBy       sql.NullString
		createdAt, updatedAt     string
	)
	err := rows.Scan(
		&r.ID, &r.SocietyID, &r.Name, &r.Scope, &r.BuildingID, &r.AmountMode, &flatAmount, &bhkJSON,
		&r.BillingDay, &r.GraceDays, &r.PenaltyEnabled, &r.PenaltyMode, &penaltyValue,
		&r.Active, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan rule: %w", err)
	}

	r.FlatAmount = maintenance.MustParseMoney(flatAmount)
	r.PenaltyValue = maintenance.MustParseMoney(penaltyValue)
	if bhkJSON.Valid && bhkJSON.String != "" && bhkJSON.String != "null" {
		if err := json.Unmarshal([]byte(bhkJSON.String), &r.BHKAmounts); err != nil {
			return r, fmt.Errorf("failed to decode bhk amounts of rule %s: %w", r.ID, err)
		}
	}
	r.CreatedBy = createdBy.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func ruleConflict(r maintenance.Rule) error {
	return &maintenance.RuleConflictError{
		SocietyID:  r.SocietyID,
		Scope:      r.Scope,
		BuildingID: r.BuildingID,
	}
}

// =============================================================================
// BILL STORE
// =============================================================================

const billColumns = `id, society_id, unit_id, resident_id, rule_id, period, base_amount, due_date,
	status, late_fee_applied, paid_at, payment_ref, version, created_at, updated_at`

func (qs queries) CreateBill(ctx context.Context, b maintenance.Bill) error {
	query := `
		INSERT INTO bills (` + billColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		b.ID, b.SocietyID, b.UnitID, b.ResidentID, b.RuleID, b.Period.String(),
		b.BaseAmount.String(), formatTime(b.DueDate),
		b.Status, b.LateFeeApplied.String(), nullTime(b.PaidAt), nullString(string(b.PaymentRef)),
		b.Version, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && mentionsTable(err, "bills.unit_id") {
			return maintenance.ErrDuplicateBill
		}
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: bill id %s", maintenance.ErrConflict, b.ID)
		}
		return fmt.Errorf("failed to create bill: %w", err)
	}
	return nil
}

// UpdateBill writes derived fields only; base_amount is never rewritten.
func (qs queries) UpdateBill(ctx context.Context, b maintenance.Bill) error {
	query := `
		UPDATE bills SET
			status = ?, late_fee_applied = ?, paid_at = ?, payment_ref = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := qs.q.ExecContext(ctx, query,
		b.Status, b.LateFeeApplied.String(), nullTime(b.PaidAt), nullString(string(b.PaymentRef)),
		formatTime(b.UpdatedAt), b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	if n == 0 {
		var exists int
		if err := qs.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM bills WHERE id = ?", b.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update bill: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", maintenance.ErrBillNotFound, b.ID)
		}
		return fmt.Errorf("%w: bill %s changed since version %d", maintenance.ErrConcurrentModification, b.ID, b.Version)
	}
	return nil
}

func (qs queries) GetBill(ctx context.Context, id maintenance.BillID) (*maintenance.Bill, error) {
	return qs.getBill(ctx, "SELECT "+billColumns+" FROM bills WHERE id = ?", id)
}

func (qs queries) FindBill(ctx context.Context, unitID maintenance.UnitID, p maintenance.Period) (*maintenance.Bill, error) {
	return qs.getBill(ctx, "SELECT "+billColumns+" FROM bills WHERE unit_id = ? AND period = ?", unitID, p.String())
}

func (qs queries) getBill(ctx context.Context, query string, args ...any) (*maintenance.Bill, error) {
	bills, err := qs.queryBills(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(bills) == 0 {
		return nil, nil
	}
	return &bills[0], nil
}

func (qs queries) ListBills(ctx context.Context, f maintenance.BillFilter) ([]maintenance.Bill, error) {
	var (
		where []string
		args  []any
	)
	if f.SocietyID != "" {
		where = append(where, "society_id = ?")
		args = append(args, f.SocietyID)
	}
	if f.UnitID != "" {
		where = append(where, "unit_id = ?")
		args = append(args, f.UnitID)
	}
	if !f.Period.IsZero() {
		where = append(where, "period = ?")
		args = append(args, f.Period.String())
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + billColumns + " FROM bills" + whereClause(where) + " ORDER BY period DESC, unit_id ASC"
	return qs.queryBills(ctx, query, args...)
}

func (qs queries) CountBillsByRule(ctx context.Context, id maintenance.RuleID) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM bills WHERE rule_id = ?", id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bills: %w", err)
	}
	return n, nil
}

func (qs queries) DeleteBill(ctx context.Context, id maintenance.BillID) error {
	_, err := qs.q.ExecContext(ctx, "DELETE FROM bills WHERE id = ?", id)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: bill %s has a payment", maintenance.ErrConflict, id)
		}
		return fmt.Errorf("failed to delete bill: %w", err)
	}
	return nil
}

func (qs queries) queryBills(ctx context.Context, query string, args ...any) ([]maintenance.Bill, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []maintenance.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(rows *sql.Rows) (maintenance.Bill, error) {
	var (
		b                    maintenance.Bill
		period, dueDate      string
		baseAmount, lateFee  string
		paidAt, paymentRef   sql.NullString
		createdAt, updatedAt string
	)
	err := rows.Scan(
		&b.ID, &b.SocietyID, &b.UnitID, &b.ResidentID, &b.RuleID, &period, &baseAmount, &dueDate,
		&b.Status, &lateFee, &paidAt, &paymentRef, &b.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	p, err := maintenance.ParsePeriod(period)
	if err != nil {
		return b, fmt.Errorf("bill %s: %w", b.ID, err)
	}
	b.Period = p
	b.BaseAmount = maintenance.MustParseMoney(baseAmount)
	b.LateFeeApplied = maintenance.MustParseMoney(lateFee)
	b.DueDate = parseTime(dueDate)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		b.PaidAt = &t
	}
	b.PaymentRef = maintenance.PaymentID(paymentRef.String)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// PAYMENT LEDGER (append-only)
// =============================================================================

const paymentColumns = `id, bill_id, society_id, paid_by, amount, method, external_transaction_id, paid_at`

func (qs queries) AppendPayment(ctx context.Context, p maintenance.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, query,
		p.ID, p.BillID, p.SocietyID, p.PaidBy, p.Amount.String(), p.Method,
		nullString(p.ExternalTransactionID), formatTime(p.PaidAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && mentionsTable(err, "payments.bill_id") {
			return maintenance.ErrDuplicatePayment
		}
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: payment id %s", maintenance.ErrConflict, p.ID)
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (qs queries) GetPayment(ctx context.Context, id maintenance.PaymentID) (*maintenance.Payment, error) {
	payments, err := qs.queryPayments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

func (qs queries) ListPayments(ctx context.Context, f maintenance.PaymentFilter) ([]maintenance.Payment, error) {
	var (
		where []string
		args  []any
	)
	if f.SocietyID != "" {
		where = append(where, "society_id = ?")
		args = append(args, f.SocietyID)
	}
	if f.BillID != "" {
		where = append(where, "bill_id = ?")
		args = append(args, f.BillID)
	}
	if f.PaidBy != "" {
		where = append(where, "paid_by = ?")
		args = append(args, f.PaidBy)
	}
	if f.From != nil {
		where = append(where, "paid_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "paid_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	query := "SELECT " + paymentColumns + " FROM payments" + whereClause(where) + " ORDER BY paid_at ASC, id ASC"
	return qs.queryPayments(ctx, query, args...)
}

func (qs queries) queryPayments(ctx context.Context, query string, args ...any) ([]maintenance.Payment, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []maintenance.Payment
	for rows.Next() {
		var (
			p              maintenance.Payment
			amount, paidAt string
			externalID     sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.BillID, &p.SocietyID, &p.PaidBy, &amount, &p.Method, &externalID, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = maintenance.MustParseMoney(amount)
		p.ExternalTransactionID = externalID.String
		p.PaidAt = parseTime(paidAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// Fixed-width nanosecond UTC timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// mentionsTable reports whether a constraint error names column (e.g. "bills.unit_id").
func mentionsTable(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), column)
}


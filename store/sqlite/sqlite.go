/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements accrual.TxStore using SQLite. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  obligors:       Billing terms plus the persisted balance snapshot
  payments:       Recorded payments (cascade on obligor removal)
  audit_records:  Append-only reconciliation change log

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement exists for audit_records, here or anywhere
  else in the package.

UNIT OF WORK:
  WithTx binds a session to one *sql.Tx, so every read inside the closure
  (including SumPayments) sees writes made earlier in the same closure -
  the read-your-writes guarantee reconciliation depends on.

AMOUNTS:
  Stored as decimal strings and summed in Go with shopspring/decimal, never
  as floats, so totals are exact.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery. A process-level mutex
  serializes units of work, mirroring the per-connection writer limit.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - accrual/store.go: Interface definitions
  - accrual/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/clearbook/accrual-engine/accrual"
)

// Store implements accrual.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes units of work (SQLite single-writer)
	session
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, session: session{q: db}}
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

func (s *Store) migrate() error {
	schema := `
	-- Obligors: billing terms + persisted balance snapshot
	CREATE TABLE IF NOT EXISTS obligors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		cadence TEXT NOT NULL,
		rate TEXT NOT NULL,
		category TEXT NOT NULL,
		expected_amount TEXT NOT NULL DEFAULT '0',
		paid_amount TEXT NOT NULL DEFAULT '0',
		remaining_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		archived_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obligors_tenant
		ON obligors(tenant_id);

	-- Payments: cascade with their obligor
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		obligor_id TEXT NOT NULL REFERENCES obligors(id) ON DELETE CASCADE,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		category TEXT NOT NULL,
		method TEXT,
		created_at TEXT NOT NULL
	);

	-- Paid-total aggregation (hot path: every reconciliation)
	CREATE INDEX IF NOT EXISTS idx_payments_obligor_category
		ON payments(obligor_id, category);
	CREATE INDEX IF NOT EXISTS idx_payments_tenant
		ON payments(tenant_id);

	-- Audit records: append-only, no UPDATE/DELETE in this package
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		obligor_id TEXT NOT NULL,
		actor_id TEXT,
		changes_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant_obligor
		ON audit_records(tenant_id, obligor_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction. Reads inside fn see
// writes made earlier in the same fn.
func (s *Store) WithTx(ctx context.Context, fn func(accrual.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&session{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// SESSION - accrual.Store bound to either the DB or one transaction
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	q querier
}

const obligorColumns = `id, tenant_id, name, start_date, cadence, rate, category,
	expected_amount, paid_amount, remaining_amount, status, archived_at, created_at, updated_at`

func (s *session) GetObligor(ctx context.Context, id accrual.ObligorID) (*accrual.Obligor, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+obligorColumns+` FROM obligors WHERE id = ?`, id)
	o, err := scanObligor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *session) InsertObligor(ctx context.Context, o *accrual.Obligor) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO obligors
		(id, tenant_id, name, start_date, cadence, rate, category,
		 expected_amount, paid_amount, remaining_amount, status, archived_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TenantID, o.Name,
		o.StartDate.String(), o.Cadence, o.Rate.String(), o.Category,
		o.Snapshot.Expected.String(), o.Snapshot.Paid.String(),
		o.Snapshot.Remaining.String(), o.Snapshot.Status,
		nullTime(o.ArchivedAt),
		o.CreatedAt.Format(time.RFC3339), o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert obligor: %w", err)
	}
	return nil
}

func (s *session) UpdateTerms(ctx context.Context, id accrual.ObligorID, terms accrual.BillingTerms) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE obligors SET start_date = ?, cadence = ?, rate = ?, updated_at = ?
		WHERE id = ?`,
		terms.StartDate.String(), terms.Cadence, terms.Rate.String(),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func (s *session) UpdateSnapshot(ctx context.Context, id accrual.ObligorID, snap accrual.BalanceSnapshot) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE obligors
		SET expected_amount = ?, paid_amount = ?, remaining_amount = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		snap.Expected.String(), snap.Paid.String(), snap.Remaining.String(), snap.Status,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func (s *session) ArchiveObligor(ctx context.Context, id accrual.ObligorID) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.q.ExecContext(ctx,
		`UPDATE obligors SET archived_at = ?, updated_at = ? WHERE id = ? AND archived_at IS NULL`,
		now, now, id,
	)
	return err
}

func (s *session) ListObligors(ctx context.Context, tenantID accrual.TenantID) ([]*accrual.Obligor, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+obligorColumns+` FROM obligors WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obligors []*accrual.Obligor
	for rows.Next() {
		o, err := scanObligor(rows)
		if err != nil {
			return nil, err
		}
		obligors = append(obligors, o)
	}
	return obligors, rows.Err()
}

const paymentColumns = `id, obligor_id, tenant_id, amount, effective_date, category, method, created_at`

func (s *session) GetTransaction(ctx context.Context, id accrual.TransactionID) (*accrual.PaymentTransaction, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	tx, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

func (s *session) InsertTransaction(ctx context.Context, tx *accrual.PaymentTransaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (id, obligor_id, tenant_id, amount, effective_date, category, method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ObligorID, tx.TenantID, tx.Amount.String(),
		tx.EffectiveDate.String(), tx.Category, nullString(tx.Method),
		tx.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *session) UpdateTransaction(ctx context.Context, tx *accrual.PaymentTransaction) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments SET amount = ?, effective_date = ?, category = ?, method = ?
		WHERE id = ?`,
		tx.Amount.String(), tx.EffectiveDate.String(), tx.Category, nullString(tx.Method), tx.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accrual.ErrTransactionNotFound
	}
	return nil
}

func (s *session) DeleteTransaction(ctx context.Context, id accrual.TransactionID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accrual.ErrTransactionNotFound
	}
	return nil
}

func (s *session) ListTransactions(ctx context.Context, obligorID accrual.ObligorID) ([]*accrual.PaymentTransaction, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE obligor_id = ?
		 ORDER BY effective_date ASC, created_at ASC`, obligorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*accrual.PaymentTransaction
	for rows.Next() {
		tx, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, tx)
	}
	return payments, rows.Err()
}

// SumPayments loads the matching amounts and totals them in Go with
// decimal arithmetic; SQLite's SUM would coerce the TEXT column to float.
func (s *session) SumPayments(ctx context.Context, obligorID accrual.ObligorID, category accrual.Category) (decimal.Decimal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT amount FROM payments WHERE obligor_id = ? AND category = ?`,
		obligorID, category)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := parseMoney("amount", amount)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (s *session) AppendAudit(ctx context.Context, rec *accrual.AuditRecord) error {
	changesJSON, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode audit changes: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_records (id, tenant_id, obligor_id, actor_id, changes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.ObligorID, nullStringPtr(rec.ActorID),
		string(changesJSON), rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *session) ListAudit(ctx context.Context, tenantID accrual.TenantID, obligorID accrual.ObligorID) ([]*accrual.AuditRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, tenant_id, obligor_id, actor_id, changes_json, created_at
		FROM audit_records
		WHERE tenant_id = ? AND obligor_id = ?
		ORDER BY created_at DESC, id DESC`,
		tenantID, obligorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*accrual.AuditRecord
	for rows.Next() {
		var (
			rec         accrual.AuditRecord
			actorID     sql.NullString
			changesJSON string
			createdAt   string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ObligorID, &actorID, &changesJSON, &createdAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			rec.ActorID = &actorID.String
		}
		if err := json.Unmarshal([]byte(changesJSON), &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to decode audit changes: %w", err)
		}
		ts, err := parseTimestamp("created_at", createdAt)
		if err != nil {
			return nil, err
		}
		rec.CreatedAt = ts
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligor(row rowScanner) (*accrual.Obligor, error) {
	var (
		o          accrual.Obligor
		startDate  string
		rate       string
		expected   string
		paid       string
		remaining  string
		archivedAt sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(
		&o.ID, &o.TenantID, &o.Name, &startDate, &o.Cadence, &rate, &o.Category,
		&expected, &paid, &remaining, &o.Snapshot.Status,
		&archivedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if o.StartDate, err = accrual.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("corrupt start_date %q: %w", startDate, err)
	}
	if o.Rate, err = parseMoney("rate", rate); err != nil {
		return nil, err
	}
	if o.Snapshot.Expected, err = parseMoney("expected_amount", expected); err != nil {
		return nil, err
	}
	if o.Snapshot.Paid, err = parseMoney("paid_amount", paid); err != nil {
		return nil, err
	}
	if o.Snapshot.Remaining, err = parseMoney("remaining_amount", remaining); err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		t, err := parseTimestamp("archived_at", archivedAt.String)
		if err != nil {
			return nil, err
		}
		o.ArchivedAt = &t
	}
	if o.CreatedAt, err = parseTimestamp("created_at", createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTimestamp("updated_at", updatedAt); err != nil {
		return nil, err
	}

	return &o, nil
}

func scanPayment(row rowScanner) (*accrual.PaymentTransaction, error) {
	var (
		tx            accrual.PaymentTransaction
		amount        string
		effectiveDate string
		method        sql.NullString
		createdAt     string
	)

	err := row.Scan(&tx.ID, &tx.ObligorID, &tx.TenantID, &amount, &effectiveDate, &tx.Category, &method, &createdAt)
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = parseMoney("amount", amount); err != nil {
		return nil, err
	}
	if tx.EffectiveDate, err = accrual.ParseDate(effectiveDate); err != nil {
		return nil, fmt.Errorf("corrupt effective_date %q: %w", effectiveDate, err)
	}
	tx.Method = method.String
	if tx.CreatedAt, err = parseTimestamp("created_at", createdAt); err != nil {
		return nil, err
	}

	return &tx, nil
}

// Stored amounts and timestamps that no longer parse surface as errors;
// a silently zeroed balance would be far worse than a failed read.

func parseMoney(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt %s %q: %w", column, raw, err)
	}
	return d, nil
}

func parseTimestamp(column, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt %s %q: %w", column, raw, err)
	}
	return t, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists guardian balances, per-student balances, classes, invoices, the
  audit log and payment idempotency keys. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  guardians:        Balance fields stored alongside the guardian record
  student_balances: Per-student hoursRemaining (students mode)
  classes:          Billing view of scheduled classes
  invoices:         Scalar columns plus JSON columns for sub-documents
                    (financial snapshot, coverage, items, payment logs,
                    activity log, adjustments)
  audit_log:        Append-only audit entries
  idempotency_keys: Claimed payment keys

DECIMALS:
  Hours and money are stored as TEXT and parsed with shopspring/decimal.
  SQLite REAL would lose precision.

ATOMIC BALANCE WRITES:
  Every balance change reads and writes the row inside one SQL transaction
  while the store's write lock is held, so Before/After in the returned
  BalanceChange belong to the same write.

CONCURRENCY:
  One open connection (required for ":memory:" databases, where every
  connection is a separate database) and a sync.RWMutex. Queries take the
  querier explicitly so methods called inside WithTx never re-acquire the
  lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
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
	-- Guardian balance (lives with the guardian record, never hard-deleted)
	CREATE TABLE IF NOT EXISTS guardians (
		id TEXT PRIMARY KEY,
		total_hours TEXT NOT NULL DEFAULT '0',
		auto_total_hours INTEGER NOT NULL DEFAULT 1,
		mode TEXT NOT NULL DEFAULT 'billing',
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS student_balances (
		guardian_id TEXT NOT NULL,
		student_key TEXT NOT NULL,
		name TEXT,
		hours_remaining TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (guardian_id, student_key)
	);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		guardian_id TEXT NOT NULL,
		student_id TEXT,
		student_name TEXT,
		teacher_id TEXT,
		scheduled_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		status TEXT NOT NULL,
		missed_billable INTEGER NOT NULL DEFAULT 0,
		billed_in_invoice_id TEXT,
		not_billable INTEGER NOT NULL DEFAULT 0,
		report_submitted_at TEXT,
		report_notes TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_classes_guardian
		ON classes(guardian_id, scheduled_at);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		guardian_id TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		due_date TEXT NOT NULL,
		financial_json TEXT NOT NULL,
		coverage_json TEXT NOT NULL,
		items_json TEXT NOT NULL,
		removed_items_json TEXT NOT NULL,
		payment_logs_json TEXT NOT NULL,
		activity_log_json TEXT NOT NULL,
		adjustments_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		discount TEXT NOT NULL,
		tax_percent TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		late_fee TEXT NOT NULL,
		total TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		refunded_amount TEXT NOT NULL,
		payment_basis_hours TEXT NOT NULL DEFAULT '0',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		published_at TEXT,
		paid_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_guardian
		ON invoices(guardian_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_invoices_status
		ON invoices(status);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		guardian_id TEXT,
		actor TEXT,
		actor_role TEXT,
		before_json TEXT,
		after_json TEXT,
		reason TEXT,
		success INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		metadata_json TEXT,
		original_log_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);

	CREATE INDEX IF NOT EXISTS idx_audit_original
		ON audit_log(original_log_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		claimed_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error {
		return fn(&txStore{q: q, parent: s})
	})
}

// inTx runs fn inside a SQL transaction. Caller holds s.mu.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) read(fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.db)
}

func (s *Store) write(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, fn)
}

// =============================================================================
// GUARDIANS
// =============================================================================

const guardianColumns = `id, total_hours, auto_total_hours, mode, deleted, updated_at`

func scanGuardian(row interface{ Scan(...any) error }) (billing.GuardianBalance, error) {
	var (
		g             billing.GuardianBalance
		hours, mode   string
		auto, deleted int
		updatedAt     string
	)
	if err := row.Scan(&g.GuardianID, &hours, &auto, &mode, &deleted, &updatedAt); err != nil {
		return g, err
	}
	g.TotalHours = parseDecimal(hours)
	g.AutoTotalHours = auto == 1
	g.Mode = billing.BalanceMode(mode)
	g.Deleted = deleted == 1
	g.UpdatedAt = parseTime(updatedAt)
	return g, nil
}

func getGuardian(ctx context.Context, q querier, id billing.GuardianID) (billing.GuardianBalance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+guardianColumns+` FROM guardians WHERE id = ?`, id)
	g, err := scanGuardian(row)
	if errors.Is(err, sql.ErrNoRows) {
		return g, billing.NewNotFound("guardian", string(id))
	}
	if err != nil {
		return g, fmt.Errorf("failed to get guardian: %w", err)
	}
	return g, nil
}

func listGuardians(ctx context.Context, q querier) ([]billing.GuardianBalance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+guardianColumns+` FROM guardians ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardians: %w", err)
	}
	defer rows.Close()

	var out []billing.GuardianBalance
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func createGuardian(ctx context.Context, q querier, id billing.GuardianID, at time.Time) (billing.GuardianBalance, bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO guardians (id, total_hours, auto_total_hours, mode, deleted, updated_at)
		 VALUES (?, '0', 1, ?, 0, ?)`,
		id, billing.ModeBilling, formatTime(at))
	if err != nil {
		return billing.GuardianBalance{}, false, fmt.Errorf("failed to create guardian: %w", err)
	}
	n, _ := res.RowsAffected()
	g, err := getGuardian(ctx, q, id)
	return g, n > 0, err
}

func adjustGuardian(ctx context.Context, q querier, id billing.GuardianID, delta decimal.Decimal, at time.Time) (billing.BalanceChange, error) {
	g, err := getGuardian(ctx, q, id)
	if err != nil {
		return billing.BalanceChange{}, err
	}
	after := g.TotalHours.Add(delta)
	if _, err := q.ExecContext(ctx,
		`UPDATE guardians SET total_hours = ?, updated_at = ? WHERE id = ?`,
		after.String(), formatTime(at), id); err != nil {
		return billing.BalanceChange{}, fmt.Errorf("failed to adjust guardian: %w", err)
	}
	return billing.BalanceChange{GuardianID: id, Before: g.TotalHours, After: after, Delta: delta}, nil
}

func setGuardian(ctx context.Context, q querier, id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (billing.BalanceChange, error) {
	g, err := getGuardian(ctx, q, id)
	if err != nil {
		return billing.BalanceChange{}, err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE guardians SET total_hours = ?, auto_total_hours = ?, mode = ?, updated_at = ? WHERE id = ?`,
		hours.String(), boolInt(auto), mode, formatTime(at), id); err != nil {
		return billing.BalanceChange{}, fmt.Errorf("failed to set guardian hours: %w", err)
	}
	return billing.BalanceChange{GuardianID: id, Before: g.TotalHours, After: hours, Delta: hours.Sub(g.TotalHours)}, nil
}

func markGuardianDeleted(ctx context.Context, q querier, id billing.GuardianID, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE guardians SET deleted = 1, updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to delete guardian: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NewNotFound("guardian", string(id))
	}
	return nil
}

// =============================================================================
// STUDENT BALANCES
// =============================================================================

func listStudents(ctx context.Context, q querier, id billing.GuardianID) ([]billing.StudentBalance, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT guardian_id, student_key, name, hours_remaining FROM student_balances
		 WHERE guardian_id = ? ORDER BY student_key`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var out []billing.StudentBalance
	for rows.Next() {
		var (
			sb    billing.StudentBalance
			name  sql.NullString
			hours string
		)
		if err := rows.Scan(&sb.GuardianID, &sb.StudentKey, &name, &hours); err != nil {
			return nil, err
		}
		sb.Name = name.String
		sb.HoursRemaining = parseDecimal(hours)
		out = append(out, sb)
	}
	return out, rows.Err()
}

func getStudent(ctx context.Context, q querier, g billing.GuardianID, key string) (billing.StudentBalance, bool, error) {
	sb := billing.StudentBalance{GuardianID: g, StudentKey: key}
	var (
		name  sql.NullString
		hours string
	)
	err := q.QueryRowContext(ctx,
		`SELECT name, hours_remaining FROM student_balances WHERE guardian_id = ? AND student_key = ?`,
		g, key).Scan(&name, &hours)
	if errors.Is(err, sql.ErrNoRows) {
		sb.HoursRemaining = decimal.Zero
		return sb, false, nil
	}
	if err != nil {
		return sb, false, fmt.Errorf("failed to get student balance: %w", err)
	}
	sb.Name = name.String
	sb.HoursRemaining = parseDecimal(hours)
	return sb, true, nil
}

func putStudent(ctx context.Context, q querier, sb billing.StudentBalance) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO student_balances (guardian_id, student_key, name, hours_remaining)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(guardian_id, student_key) DO UPDATE SET
		   name = excluded.name, hours_remaining = excluded.hours_remaining`,
		sb.GuardianID, sb.StudentKey, nullString(sb.Name), sb.HoursRemaining.String())
	if err != nil {
		return fmt.Errorf("failed to save student balance: %w", err)
	}
	return nil
}

func adjustStudent(ctx context.Context, q querier, g billing.GuardianID, key, name string, delta decimal.Decimal) (billing.StudentBalance, error) {
	sb, _, err := getStudent(ctx, q, g, key)
	if err != nil {
		return sb, err
	}
	if sb.Name == "" {
		sb.Name = name
	}
	sb.HoursRemaining = sb.HoursRemaining.Add(delta)
	return sb, putStudent(ctx, q, sb)
}

func setStudent(ctx context.Context, q querier, g billing.GuardianID, key, name string, hours decimal.Decimal) error {
	sb, _, err := getStudent(ctx, q, g, key)
	if err != nil {
		return err
	}
	if sb.Name == "" {
		sb.Name = name
	}
	sb.HoursRemaining = hours
	return putStudent(ctx, q, sb)
}

// =============================================================================
// CLASSES
// =============================================================================

const classColumns = `id, guardian_id, student_id, student_name, teacher_id, scheduled_at,
	duration_minutes, status, missed_billable, billed_in_invoice_id, not_billable,
	report_submitted_at, report_notes, deleted, updated_at`

func scanClass(row interface{ Scan(...any) error }) (billing.Class, error) {
	var (
		c                                   billing.Class
		studentID, studentName, teacherID   sql.NullString
		scheduledAt, status, updatedAt      string
		missed, notBillable, deleted        int
		invoiceID, submittedAt, reportNotes sql.NullString
	)
	err := row.Scan(&c.ID, &c.GuardianID, &studentID, &studentName, &teacherID, &scheduledAt,
		&c.DurationMinutes, &status, &missed, &invoiceID, &notBillable,
		&submittedAt, &reportNotes, &deleted, &updatedAt)
	if err != nil {
		return c, err
	}
	c.StudentID = billing.StudentID(studentID.String)
	c.StudentName = studentName.String
	c.TeacherID = billing.TeacherID(teacherID.String)
	c.ScheduledAt = parseTime(scheduledAt)
	c.Status = billing.ClassStatus(status)
	c.MissedBillable = missed == 1
	if invoiceID.Valid {
		id := billing.InvoiceID(invoiceID.String)
		c.BilledInInvoiceID = &id
	}
	c.NotBillable = notBillable == 1
	if submittedAt.Valid {
		t := parseTime(submittedAt.String)
		c.Report.SubmittedAt = &t
	}
	c.Report.Notes = reportNotes.String
	c.Deleted = deleted == 1
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func getClass(ctx context.Context, q querier, id billing.ClassID) (billing.Class, error) {
	c, err := scanClass(q.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, billing.NewNotFound("class", string(id))
	}
	if err != nil {
		return c, fmt.Errorf("failed to get class: %w", err)
	}
	return c, nil
}

func listClasses(ctx context.Context, q querier, id billing.GuardianID) ([]billing.Class, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+classColumns+` FROM classes WHERE guardian_id = ? ORDER BY scheduled_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	defer rows.Close()

	var out []billing.Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func saveClass(ctx context.Context, q querier, c billing.Class) error {
	var invoiceID, submittedAt sql.NullString
	if c.IsLinked() {
		invoiceID = nullString(string(*c.BilledInInvoiceID))
	}
	if c.Report.SubmittedAt != nil {
		submittedAt = nullString(formatTime(*c.Report.SubmittedAt))
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO classes (`+classColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			guardian_id = excluded.guardian_id,
			student_id = excluded.student_id,
			student_name = excluded.student_name,
			teacher_id = excluded.teacher_id,
			scheduled_at = excluded.scheduled_at,
			duration_minutes = excluded.duration_minutes,
			status = excluded.status,
			missed_billable = excluded.missed_billable,
			billed_in_invoice_id = excluded.billed_in_invoice_id,
			not_billable = excluded.not_billable,
			report_submitted_at = excluded.report_submitted_at,
			report_notes = excluded.report_notes,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		c.ID, c.GuardianID, nullString(string(c.StudentID)), nullString(c.StudentName),
		nullString(string(c.TeacherID)), formatTime(c.ScheduledAt), c.DurationMinutes, c.Status,
		boolInt(c.MissedBillable), invoiceID, boolInt(c.NotBillable),
		submittedAt, nullString(c.Report.Notes), boolInt(c.Deleted), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save class: %w", err)
	}
	return nil
}

func deleteClass(ctx context.Context, q querier, id billing.ClassID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NewNotFound("class", string(id))
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, guardian_id, status, period_start, period_end, due_date,
	financial_json, coverage_json, items_json, removed_items_json, payment_logs_json,
	activity_log_json, adjustments_json, subtotal, discount, tax_percent, tax_amount,
	late_fee, total, paid_amount, refunded_amount, payment_basis_hours, deleted, created_at,
	published_at, paid_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (*billing.Invoice, error) {
	var (
		inv                                         billing.Invoice
		status, periodStart, periodEnd, dueDate     string
		financial, coverage, items, removed         string
		payments, activity, adjustments             string
		subtotal, discount, taxPct, taxAmt, lateFee string
		total, paid, refunded, basis               string
		createdAt, updatedAt                        string
		deleted                                     int
		publishedAt, paidAt                         sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.GuardianID, &status, &periodStart, &periodEnd, &dueDate,
		&financial, &coverage, &items, &removed, &payments,
		&activity, &adjustments, &subtotal, &discount, &taxPct, &taxAmt,
		&lateFee, &total, &paid, &refunded, &basis, &deleted, &createdAt,
		&publishedAt, &paidAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inv.Status = billing.InvoiceStatus(status)
	inv.Period = billing.Period{Start: parseTime(periodStart), End: parseTime(periodEnd)}
	inv.DueDate = parseTime(dueDate)

	docs := []struct {
		raw string
		dst any
	}{
		{financial, &inv.GuardianFinancial},
		{coverage, &inv.Coverage},
		{items, &inv.Items},
		{removed, &inv.RemovedItems},
		{payments, &inv.PaymentLogs},
		{activity, &inv.ActivityLog},
		{adjustments, &inv.Adjustments},
	}
	for _, d := range docs {
		if err := json.Unmarshal([]byte(d.raw), d.dst); err != nil {
			return nil, fmt.Errorf("failed to decode invoice %s: %w", inv.ID, err)
		}
	}

	inv.Subtotal = parseDecimal(subtotal)
	inv.Discount = parseDecimal(discount)
	inv.TaxPercent = parseDecimal(taxPct)
	inv.TaxAmount = parseDecimal(taxAmt)
	inv.LateFee = parseDecimal(lateFee)
	inv.Total = parseDecimal(total)
	inv.PaidAmount = parseDecimal(paid)
	inv.RefundedAmount = parseDecimal(refunded)
	inv.PaymentBasisHours = parseDecimal(basis)
	inv.Deleted = deleted == 1
	inv.CreatedAt = parseTime(createdAt)
	inv.PublishedAt = parseNullTime(publishedAt)
	inv.PaidAt = parseNullTime(paidAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return &inv, nil
}

func invoiceArgs(inv *billing.Invoice) ([]any, error) {
	docs := []any{inv.GuardianFinancial, inv.Coverage, nonNil(inv.Items), nonNil(inv.RemovedItems),
		nonNil(inv.PaymentLogs), nonNil(inv.ActivityLog), nonNil(inv.Adjustments)}
	encoded := make([]any, len(docs))
	for i, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to encode invoice %s: %w", inv.ID, err)
		}
		encoded[i] = string(b)
	}

	args := []any{inv.ID, inv.GuardianID, inv.Status,
		formatTime(inv.Period.Start), formatTime(inv.Period.End), formatTime(inv.DueDate)}
	args = append(args, encoded...)
	args = append(args,
		inv.Subtotal.String(), inv.Discount.String(), inv.TaxPercent.String(), inv.TaxAmount.String(),
		inv.LateFee.String(), inv.Total.String(), inv.PaidAmount.String(), inv.RefundedAmount.String(),
		inv.PaymentBasisHours.String(), boolInt(inv.Deleted), formatTime(inv.CreatedAt), nullTime(inv.PublishedAt),
		nullTime(inv.PaidAt), formatTime(inv.UpdatedAt),
	)
	return args, nil
}

func getInvoice(ctx context.Context, q querier, id billing.InvoiceID) (*billing.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("invoice", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

func queryInvoices(ctx context.Context, q querier, where string, args ...any) ([]*billing.Invoice, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func listInvoicesByStatus(ctx context.Context, q querier, statuses []billing.InvoiceStatus) ([]*billing.Invoice, error) {
	if len(statuses) == 0 {
		return queryInvoices(ctx, q, "1 = 1")
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	return queryInvoices(ctx, q, "status IN ("+strings.Join(placeholders, ", ")+")", args...)
}

func createInvoice(ctx context.Context, q querier, inv *billing.Invoice) error {
	args, err := invoiceArgs(inv)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &billing.StateConflictError{Entity: "invoice", ID: string(inv.ID), Status: string(inv.Status), Operation: "create"}
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func updateInvoice(ctx context.Context, q querier, inv *billing.Invoice) error {
	args, err := invoiceArgs(inv)
	if err != nil {
		return err
	}
	// id moves from first to last for the WHERE clause
	args = append(args[1:], args[0])
	res, err := q.ExecContext(ctx, `UPDATE invoices SET
		guardian_id = ?, status = ?, period_start = ?, period_end = ?, due_date = ?,
		financial_json = ?, coverage_json = ?, items_json = ?, removed_items_json = ?, payment_logs_json = ?,
		activity_log_json = ?, adjustments_json = ?, subtotal = ?, discount = ?, tax_percent = ?, tax_amount = ?,
		late_fee = ?, total = ?, paid_amount = ?, refunded_amount = ?, payment_basis_hours = ?, deleted = ?,
		created_at = ?, published_at = ?, paid_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NewNotFound("invoice", string(inv.ID))
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

const auditColumns = `id, action, kind, entity_type, entity_id, guardian_id, actor, actor_role,
	before_json, after_json, reason, success, timestamp, metadata_json, original_log_id`

func scanAudit(row interface{ Scan(...any) error }) (billing.AuditEntry, error) {
	var (
		e                                      billing.AuditEntry
		action, kind, ts                       string
		guardianID, actor, role, before, after sql.NullString
		reason, metadata, original             sql.NullString
		success                                int
	)
	err := row.Scan(&e.ID, &action, &kind, &e.EntityType, &e.EntityID, &guardianID, &actor, &role,
		&before, &after, &reason, &success, &ts, &metadata, &original)
	if err != nil {
		return e, err
	}
	e.Action = billing.AuditAction(action)
	e.Kind = billing.AuditKind(kind)
	e.GuardianID = billing.GuardianID(guardianID.String)
	e.Actor = actor.String
	e.ActorRole = role.String
	if before.Valid {
		e.Before = json.RawMessage(before.String)
	}
	if after.Valid {
		e.After = json.RawMessage(after.String)
	}
	e.Reason = reason.String
	e.Success = success == 1
	e.Timestamp = parseTime(ts)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	e.OriginalLogID = original.String
	return e, nil
}

func appendAudit(ctx context.Context, q querier, e billing.AuditEntry) error {
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = nullString(string(b))
	}
	_, err := q.ExecContext(ctx, `INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.Kind, e.EntityType, e.EntityID, nullString(string(e.GuardianID)),
		nullString(e.Actor), nullString(e.ActorRole), nullString(string(e.Before)), nullString(string(e.After)),
		nullString(e.Reason), boolInt(e.Success), formatTime(e.Timestamp), metadata, nullString(e.OriginalLogID),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func getAudit(ctx context.Context, q querier, id string) (billing.AuditEntry, error) {
	e, err := scanAudit(q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, billing.NewNotFound("audit entry", id)
	}
	if err != nil {
		return e, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}

func queryAudit(ctx context.Context, q querier, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.GuardianID != "" {
		add("guardian_id = ?", f.GuardianID)
	}
	if f.Actor != "" {
		add("actor = ?", f.Actor)
	}
	if f.OriginalLogID != "" {
		add("original_log_id = ?", f.OriginalLogID)
	}
	if f.From != nil {
		add("timestamp >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("timestamp <= ?", formatTime(*f.To))
	}
	if len(f.Actions) > 0 {
		ph := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			ph[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp, seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []billing.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func claimKey(ctx context.Context, q querier, key string, at time.Time) error {
	_, err := q.ExecContext(ctx, `INSERT INTO idempotency_keys (key, claimed_at) VALUES (?, ?)`, key, formatTime(at))
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	return s.write(ctx, func(q querier) error {
		for _, table := range []string{"guardians", "student_balances", "classes", "invoices", "audit_log", "idempotency_keys"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
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
	return nullString(formatTime(*t))
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nonNil makes empty slices encode as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// =============================================================================
// STORE - billing.Reader / billing.Writer
// =============================================================================

func (s *Store) GetGuardian(ctx context.Context, id billing.GuardianID) (g billing.GuardianBalance, err error) {
	err = s.read(func(q querier) error {
		g, err = getGuardian(ctx, q, id)
		return err
	})
	return g, err
}

func (s *Store) ListGuardians(ctx context.Context) (out []billing.GuardianBalance, err error) {
	err = s.read(func(q querier) error {
		out, err = listGuardians(ctx, q)
		return err
	})
	return out, err
}

func (s *Store) GetClass(ctx context.Context, id billing.ClassID) (c billing.Class, err error) {
	err = s.read(func(q querier) error {
		c, err = getClass(ctx, q, id)
		return err
	})
	return c, err
}

func (s *Store) ListClassesByGuardian(ctx context.Context, id billing.GuardianID) (out []billing.Class, err error) {
	err = s.read(func(q querier) error {
		out, err = listClasses(ctx, q, id)
		return err
	})
	return out, err
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (inv *billing.Invoice, err error) {
	err = s.read(func(q querier) error {
		inv, err = getInvoice(ctx, q, id)
		return err
	})
	return inv, err
}

func (s *Store) ListInvoicesByGuardian(ctx context.Context, id billing.GuardianID) (out []*billing.Invoice, err error) {
	err = s.read(func(q querier) error {
		out, err = queryInvoices(ctx, q, "guardian_id = ?", id)
		return err
	})
	return out, err
}

func (s *Store) ListInvoicesByStatus(ctx context.Context, statuses ...billing.InvoiceStatus) (out []*billing.Invoice, err error) {
	err = s.read(func(q querier) error {
		out, err = listInvoicesByStatus(ctx, q, statuses)
		return err
	})
	return out, err
}

func (s *Store) ListStudents(ctx context.Context, id billing.GuardianID) (out []billing.StudentBalance, err error) {
	err = s.read(func(q querier) error {
		out, err = listStudents(ctx, q, id)
		return err
	})
	return out, err
}

func (s *Store) GetAudit(ctx context.Context, id string) (e billing.AuditEntry, err error) {
	err = s.read(func(q querier) error {
		e, err = getAudit(ctx, q, id)
		return err
	})
	return e, err
}

func (s *Store) QueryAudit(ctx context.Context, f billing.AuditFilter) (out []billing.AuditEntry, err error) {
	err = s.read(func(q querier) error {
		out, err = queryAudit(ctx, q, f)
		return err
	})
	return out, err
}

func (s *Store) CreateGuardian(ctx context.Context, id billing.GuardianID, at time.Time) (g billing.GuardianBalance, created bool, err error) {
	err = s.write(ctx, func(q querier) error {
		g, created, err = createGuardian(ctx, q, id, at)
		return err
	})
	return g, created, err
}

func (s *Store) AdjustGuardianHours(ctx context.Context, id billing.GuardianID, delta decimal.Decimal, at time.Time) (ch billing.BalanceChange, err error) {
	err = s.write(ctx, func(q querier) error {
		ch, err = adjustGuardian(ctx, q, id, delta, at)
		return err
	})
	return ch, err
}

func (s *Store) SetGuardianHours(ctx context.Context, id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (ch billing.BalanceChange, err error) {
	err = s.write(ctx, func(q querier) error {
		ch, err = setGuardian(ctx, q, id, hours, auto, mode, at)
		return err
	})
	return ch, err
}

func (s *Store) MarkGuardianDeleted(ctx context.Context, id billing.GuardianID, at time.Time) error {
	return s.write(ctx, func(q querier) error {
		return markGuardianDeleted(ctx, q, id, at)
	})
}

func (s *Store) SaveClass(ctx context.Context, c billing.Class) error {
	return s.write(ctx, func(q querier) error {
		return saveClass(ctx, q, c)
	})
}

func (s *Store) DeleteClass(ctx context.Context, id billing.ClassID) error {
	return s.write(ctx, func(q querier) error {
		return deleteClass(ctx, q, id)
	})
}

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return s.write(ctx, func(q querier) error {
		return createInvoice(ctx, q, inv)
	})
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return s.write(ctx, func(q querier) error {
		return updateInvoice(ctx, q, inv)
	})
}

func (s *Store) AdjustStudentHours(ctx context.Context, g billing.GuardianID, key, name string, delta decimal.Decimal) (sb billing.StudentBalance, err error) {
	err = s.write(ctx, func(q querier) error {
		sb, err = adjustStudent(ctx, q, g, key, name, delta)
		return err
	})
	return sb, err
}

func (s *Store) SetStudentHours(ctx context.Context, g billing.GuardianID, key, name string, hours decimal.Decimal) error {
	return s.write(ctx, func(q querier) error {
		return setStudent(ctx, q, g, key, name, hours)
	})
}

func (s *Store) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	return s.write(ctx, func(q querier) error {
		return appendAudit(ctx, q, e)
	})
}

func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, at time.Time) error {
	return s.write(ctx, func(q querier) error {
		return claimKey(ctx, q, key, at)
	})
}

// =============================================================================
// TX STORE - Same operations bound to an open *sql.Tx
// =============================================================================

type txStore struct {
	q      querier
	parent *Store
}

func (ts *txStore) GetGuardian(ctx context.Context, id billing.GuardianID) (billing.GuardianBalance, error) {
	return getGuardian(ctx, ts.q, id)
}

func (ts *txStore) ListGuardians(ctx context.Context) ([]billing.GuardianBalance, error) {
	return listGuardians(ctx, ts.q)
}

func (ts *txStore) GetClass(ctx context.Context, id billing.ClassID) (billing.Class, error) {
	return getClass(ctx, ts.q, id)
}

func (ts *txStore) ListClassesByGuardian(ctx context.Context, id billing.GuardianID) ([]billing.Class, error) {
	return listClasses(ctx, ts.q, id)
}

func (ts *txStore) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return getInvoice(ctx, ts.q, id)
}

func (ts *txStore) ListInvoicesByGuardian(ctx context.Context, id billing.GuardianID) ([]*billing.Invoice, error) {
	return queryInvoices(ctx, ts.q, "guardian_id = ?", id)
}

func (ts *txStore) ListInvoicesByStatus(ctx context.Context, statuses ...billing.InvoiceStatus) ([]*billing.Invoice, error) {
	return listInvoicesByStatus(ctx, ts.q, statuses)
}

func (ts *txStore) ListStudents(ctx context.Context, id billing.GuardianID) ([]billing.StudentBalance, error) {
	return listStudents(ctx, ts.q, id)
}

func (ts *txStore) GetAudit(ctx context.Context, id string) (billing.AuditEntry, error) {
	return getAudit(ctx, ts.q, id)
}

func (ts *txStore) QueryAudit(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	return queryAudit(ctx, ts.q, f)
}

func (ts *txStore) CreateGuardian(ctx context.Context, id billing.GuardianID, at time.Time) (billing.GuardianBalance, bool, error) {
	return createGuardian(ctx, ts.q, id, at)
}

func (ts *txStore) AdjustGuardianHours(ctx context.Context, id billing.GuardianID, delta decimal.Decimal, at time.Time) (billing.BalanceChange, error) {
	return adjustGuardian(ctx, ts.q, id, delta, at)
}

func (ts *txStore) SetGuardianHours(ctx context.Context, id billing.GuardianID, hours decimal.Decimal, auto bool, mode billing.BalanceMode, at time.Time) (billing.BalanceChange, error) {
	return setGuardian(ctx, ts.q, id, hours, auto, mode, at)
}

func (ts *txStore) MarkGuardianDeleted(ctx context.Context, id billing.GuardianID, at time.Time) error {
	return markGuardianDeleted(ctx, ts.q, id, at)
}

func (ts *txStore) SaveClass(ctx context.Context, c billing.Class) error {
	return saveClass(ctx, ts.q, c)
}

func (ts *txStore) DeleteClass(ctx context.Context, id billing.ClassID) error {
	return deleteClass(ctx, ts.q, id)
}

func (ts *txStore) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return createInvoice(ctx, ts.q, inv)
}

func (ts *txStore) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return updateInvoice(ctx, ts.q, inv)
}

func (ts *txStore) AdjustStudentHours(ctx context.Context, g billing.GuardianID, key, name string, delta decimal.Decimal) (billing.StudentBalance, error) {
	return adjustStudent(ctx, ts.q, g, key, name, delta)
}

func (ts *txStore) SetStudentHours(ctx context.Context, g billing.GuardianID, key, name string, hours decimal.Decimal) error {
	return setStudent(ctx, ts.q, g, key, name, hours)
}

func (ts *txStore) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	return appendAudit(ctx, ts.q, e)
}

func (ts *txStore) ClaimIdempotencyKey(ctx context.Context, key string, at time.Time) error {
	return claimKey(ctx, ts.q, key, at)
}

var (
	_ billing.Store = (*Store)(nil)
	_ billing.Tx    = (*txStore)(nil)
)

/*
store.go - Persistence interfaces for balances, classes, invoices and audit

PURPOSE:
  Defines the boundary between the engine and the database. Guardian
  balances live alongside the guardian record; classes, invoices and audit
  entries are independent collections keyed by guardian.

KEY INTERFACES:
  Reader: point lookups and per-guardian listings
  Writer: the mutations the engine performs
  Tx:     Reader + Writer, the view handed to a transaction body
  Store:  Tx + WithTx for atomic multi-record writes

ATOMIC BALANCE WRITES:
  AdjustGuardianHours and SetGuardianHours return a BalanceChange whose
  Before and After are produced by the same operation as the write. Callers
  never read the balance, compute, and write it back.

APPEND-ONLY AUDIT:
  AppendAudit is the only audit write. There is no update or delete.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - engine/engine.go: every mutation runs inside Store.WithTx
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Interfaces
// =============================================================================

type Reader interface {
	GetGuardian(ctx context.Context, id GuardianID) (GuardianBalance, error)
	ListGuardians(ctx context.Context) ([]GuardianBalance, error)

	GetClass(ctx context.Context, id ClassID) (Class, error)
	ListClassesByGuardian(ctx context.Context, id GuardianID) ([]Class, error)

	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoicesByGuardian(ctx context.Context, id GuardianID) ([]*Invoice, error)
	ListInvoicesByStatus(ctx context.Context, statuses ...InvoiceStatus) ([]*Invoice, error)

	ListStudents(ctx context.Context, id GuardianID) ([]StudentBalance, error)

	GetAudit(ctx context.Context, id string) (AuditEntry, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type Writer interface {
	// CreateGuardian inserts a zero balance in billing mode if the guardian
	// does not exist. Returns the current record and whether it was created.
	CreateGuardian(ctx context.Context, id GuardianID, at time.Time) (GuardianBalance, bool, error)

	// AdjustGuardianHours atomically adds delta to totalHours.
	AdjustGuardianHours(ctx context.Context, id GuardianID, delta decimal.Decimal, at time.Time) (BalanceChange, error)

	// SetGuardianHours atomically replaces totalHours, autoTotalHours and mode.
	SetGuardianHours(ctx context.Context, id GuardianID, hours decimal.Decimal, auto bool, mode BalanceMode, at time.Time) (BalanceChange, error)

	// MarkGuardianDeleted flags the guardian as deleted. The row is kept.
	MarkGuardianDeleted(ctx context.Context, id GuardianID, at time.Time) error

	SaveClass(ctx context.Context, c Class) error
	DeleteClass(ctx context.Context, id ClassID) error

	CreateInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice) error

	// AdjustStudentHours atomically adds delta to a student's hoursRemaining,
	// creating the row at zero first if needed.
	AdjustStudentHours(ctx context.Context, guardianID GuardianID, studentKey, name string, delta decimal.Decimal) (StudentBalance, error)
	SetStudentHours(ctx context.Context, guardianID GuardianID, studentKey, name string, hours decimal.Decimal) error

	AppendAudit(ctx context.Context, e AuditEntry) error

	// ClaimIdempotencyKey records key; ErrDuplicateIdempotencyKey if it exists.
	ClaimIdempotencyKey(ctx context.Context, key string, at time.Time) error
}

// Tx is the view passed to a WithTx body.
type Tx interface {
	Reader
	Writer
}

// Store is the full persistence interface.
type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through tx is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

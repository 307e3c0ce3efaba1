/*
Package billing provides the core types and pure algorithms of the hour-balance
ledger and invoice billing engine.

PURPOSE:
  A guardian prepays tutoring hours through invoices and consumes them through
  completed classes. This package holds everything that can be expressed
  without I/O: the data model, the closed status enums, the ledger primitives
  (consumed and credited hours), the class transition guard and the invoice
  totals calculation. Orchestration with locks, stores and notifications lives
  in the engine package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Hours and money are decimal.Decimal values, never float64
  - Money is rounded to two decimals; hours keep four
  - Type-safe identifiers for guardians, students, classes and invoices

DESIGN PRINCIPLES:
  1. Precision: decimal arithmetic everywhere
  2. Purity: primitives are deterministic and order-independent
  3. Immutability: history is appended, never rewritten
  4. Auditability: every balance change carries a before/after snapshot

SEE ALSO:
  - ledger.go: ComputeConsumedHours, ComputeCreditedHours
  - transition.go: EvaluateTransition (idempotency guard)
  - store.go: persistence interfaces
*/
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GuardianID string
type StudentID string
type TeacherID string
type ClassID string
type InvoiceID string
type ItemID string

// NewID returns a prefixed random identifier, e.g. "inv_2b9c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// =============================================================================
// HOURS AND MONEY
// =============================================================================

var (
	minutesPerHour = decimal.NewFromInt(60)
	hundred        = decimal.NewFromInt(100)

	// Epsilon is the tolerated difference between an incrementally maintained
	// balance and its recomputed value.
	Epsilon = decimal.New(1, -2)
)

// HoursFromMinutes converts a class duration to hours.
func HoursFromMinutes(minutes int) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(minutes)).Div(minutesPerHour).Round(4)
}

// RoundMoney rounds half away from zero to two decimals.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// RoundHours rounds to four decimals.
func RoundHours(d decimal.Decimal) decimal.Decimal { return d.Round(4) }

// ApproxEqual reports whether a and b differ by less than Epsilon.
func ApproxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}

// Percent returns base * pct / 100.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// MustDecimal parses s or panics. Intended for constants and tests.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Period is a closed billing window [Start, End].
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains returns true if t is within the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Valid reports whether End is not before Start.
func (p Period) Valid() bool {
	return !p.End.Before(p.Start)
}

// MonthPeriod returns the calendar month containing t, in UTC.
func MonthPeriod(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return Period{Start: start, End: end}
}

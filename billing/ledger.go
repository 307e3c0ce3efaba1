/*
ledger.go - Ledger primitives: consumed and credited hours

PURPOSE:
  The two aggregations every balance is derived from. A guardian in billing
  mode must satisfy:

    totalHours == credited(invoices) - consumed(classes)

  The incremental paths (class hook, payments, adjustments) move the stored
  balance by the same amounts these functions would compute, and the
  reconciliation engine calls them directly to rebuild the balance.

PROPERTIES:
  - Pure: no I/O, no hidden state
  - Deterministic and order-independent (decimal addition is exact)
  - Safe to call repeatedly

CREDITED HOURS:
  For each non-deleted invoice:
    + every payment with amount > 0 and a method that credits hours
      (not refund, not tip_distribution): paidHours if recorded,
      otherwise amount / effectiveRate
    + every adjustment's hoursDelta (negative for claw-backs)
  effectiveRate is the invoice's frozen rate, or fallbackRate when the
  invoice has none. A rate <= 0 never divides; it is reported as a problem.

SEE ALSO:
  - engine/reconcile.go: RecomputeGuardianHours
*/
package billing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSUMED HOURS
// =============================================================================

// StudentHours is one row of a per-student breakdown.
type StudentHours struct {
	StudentKey string          `json:"studentKey"`
	StudentID  StudentID       `json:"studentId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Hours      decimal.Decimal `json:"hours"`
}

type ConsumedHours struct {
	Total      decimal.Decimal
	PerStudent map[string]StudentHours
}

// Students returns the per-student rows sorted by key.
func (c ConsumedHours) Students() []StudentHours {
	out := make([]StudentHours, 0, len(c.PerStudent))
	for _, s := range c.PerStudent {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentKey < out[j].StudentKey })
	return out
}

// ComputeConsumedHours sums the hours of countable classes.
func ComputeConsumedHours(classes []Class) ConsumedHours {
	res := ConsumedHours{Total: decimal.Zero, PerStudent: make(map[string]StudentHours)}
	for _, c := range classes {
		h := c.Contribution()
		if h.IsZero() {
			continue
		}
		res.Total = res.Total.Add(h)

		key := c.StudentKey()
		row := res.PerStudent[key]
		row.StudentKey = key
		if row.StudentID == "" {
			row.StudentID = c.StudentID
		}
		if row.Name == "" {
			row.Name = c.StudentName
		}
		row.Hours = row.Hours.Add(h)
		res.PerStudent[key] = row
	}
	return res
}

// =============================================================================
// CREDITED HOURS
// =============================================================================

type CreditedHours struct {
	Total      decimal.Decimal
	PerInvoice map[InvoiceID]decimal.Decimal

	// Problems lists records that could not be converted to hours.
	Problems []string
}

// EffectiveRate returns the invoice's frozen rate, or fallback when unset.
func EffectiveRate(inv *Invoice, fallback decimal.Decimal) decimal.Decimal {
	if !inv.GuardianFinancial.HourlyRate.IsZero() {
		return inv.GuardianFinancial.HourlyRate
	}
	return fallback
}

// PaymentHours converts one payment log entry to credited hours. ok is false
// when the entry has no recorded hours and rate is not positive.
func PaymentHours(p PaymentLog, rate decimal.Decimal) (decimal.Decimal, bool) {
	if !p.Amount.IsPositive() || !p.Method.CreditsHours() {
		return decimal.Zero, true
	}
	if p.PaidHours != nil {
		return *p.PaidHours, true
	}
	if !rate.IsPositive() {
		return decimal.Zero, false
	}
	return RoundHours(p.Amount.Div(rate)), true
}

// ComputeCreditedHours sums the hours bought by payments and moved by
// post-payment adjustments.
func ComputeCreditedHours(invoices []*Invoice, fallbackRate decimal.Decimal) CreditedHours {
	res := CreditedHours{Total: decimal.Zero, PerInvoice: make(map[InvoiceID]decimal.Decimal)}
	for _, inv := range invoices {
		if inv == nil || inv.Deleted {
			continue
		}
		rate := EffectiveRate(inv, fallbackRate)
		if inv.GuardianFinancial.HourlyRate.IsNegative() {
			res.Problems = append(res.Problems, fmt.Sprintf("invoice %s: negative hourly rate %s", inv.ID, inv.GuardianFinancial.HourlyRate))
		}

		sum := decimal.Zero
		for _, p := range inv.PaymentLogs {
			h, ok := PaymentHours(p, rate)
			if !ok {
				res.Problems = append(res.Problems, fmt.Sprintf("invoice %s payment %s: no positive rate to convert %s", inv.ID, p.ID, p.Amount))
				continue
			}
			sum = sum.Add(h)
		}
		for _, a := range inv.Adjustments {
			sum = sum.Add(a.HoursDelta)
		}
		if !sum.IsZero() {
			res.PerInvoice[inv.ID] = sum
		}
		res.Total = res.Total.Add(sum)
	}
	return res
}

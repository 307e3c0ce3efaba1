package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COVERAGE SELECTION
// =============================================================================

// Billable reports whether a class may be put on a new invoice.
func Billable(c Class, cov Coverage) bool {
	if c.Deleted || c.NotBillable || c.IsLinked() {
		return false
	}
	if c.Countable() {
		return true
	}
	return cov.IncludeScheduled && c.Status.IsUpcoming()
}

// SelectCoverage sorts candidates chronologically and applies the coverage
// policy. With cap_hours, classes are taken in order until the next one
// would exceed MaxHours; the rest stay unbilled.
func SelectCoverage(candidates []Class, cov Coverage) []Class {
	sorted := append([]Class(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ScheduledAt.Equal(sorted[j].ScheduledAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].ScheduledAt.Before(sorted[j].ScheduledAt)
	})
	if cov.Strategy != CoverCapHours {
		return sorted
	}

	var out []Class
	used := decimal.Zero
	for _, c := range sorted {
		next := used.Add(c.Hours())
		if next.GreaterThan(cov.MaxHours) {
			break
		}
		used = next
		out = append(out, c)
	}
	return out
}

// CoverageAllows reports whether adding hours to an invoice that already
// bills billed hours stays within the cap.
func CoverageAllows(cov Coverage, billed, hours decimal.Decimal) bool {
	if cov.Strategy != CoverCapHours {
		return true
	}
	return !billed.Add(hours).GreaterThan(cov.MaxHours)
}

// NewItem prices one class at rate.
func NewItem(c Class, rate decimal.Decimal) Item {
	hours := c.Hours()
	return Item{
		ID:              ItemID(NewID("itm")),
		ClassID:         c.ID,
		StudentID:       c.StudentID,
		StudentName:     c.StudentName,
		Date:            c.ScheduledAt,
		DurationMinutes: c.DurationMinutes,
		Hours:           hours,
		Amount:          RoundMoney(hours.Mul(rate)),
		ClassStatus:     c.Status,
	}
}

// =============================================================================
// TOTALS
// =============================================================================

// ComputeTransferFee returns fee with Amount filled in for subtotal.
func ComputeTransferFee(fee TransferFee, subtotal decimal.Decimal, waive bool) TransferFee {
	if waive {
		fee.Waived = true
	}
	if fee.Waived {
		fee.Amount = decimal.Zero
		return fee
	}
	switch fee.Mode {
	case FeeFixed:
		fee.Amount = RoundMoney(fee.Value)
	case FeePercent:
		fee.Amount = RoundMoney(Percent(subtotal, fee.Value))
	default:
		fee.Amount = decimal.Zero
	}
	return fee
}

// RepriceItems re-rates every item at the snapshot rate. No-op once frozen.
func (inv *Invoice) RepriceItems() {
	if inv.GuardianFinancial.Frozen {
		return
	}
	rate := inv.GuardianFinancial.HourlyRate
	for i := range inv.Items {
		inv.Items[i].Amount = RoundMoney(inv.Items[i].Hours.Mul(rate))
	}
}

// RecalculateTotals recomputes subtotal, tax, fee and total from the items.
// Totals are fixed once payment has started; it then returns false.
func (inv *Invoice) RecalculateTotals() bool {
	if inv.PaymentStarted() {
		return false
	}
	inv.applyTotals()
	return true
}

// ForceRecalculateTotals recomputes totals even after payment. Only the
// adjustment engine uses it; the frozen fee amount is kept.
func (inv *Invoice) ForceRecalculateTotals() {
	inv.applyTotals()
}

func (inv *Invoice) applyTotals() {
	subtotal := decimal.Zero
	for _, it := range inv.Items {
		subtotal = subtotal.Add(it.Amount)
	}
	subtotal = RoundMoney(subtotal)

	discount := inv.Discount
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	taxable := subtotal.Sub(discount)
	tax := RoundMoney(Percent(taxable, inv.TaxPercent))

	if !inv.GuardianFinancial.Frozen {
		inv.GuardianFinancial.TransferFee = ComputeTransferFee(inv.GuardianFinancial.TransferFee, subtotal, inv.Coverage.WaiveTransferFee)
	}

	reductions := decimal.Zero
	for _, a := range inv.Adjustments {
		if a.Type == AdjustReduction {
			reductions = reductions.Add(a.Amount)
		}
	}

	total := taxable.Add(tax).Add(inv.LateFee).Add(inv.GuardianFinancial.TransferFee.Amount).Sub(reductions)
	if total.IsNegative() {
		total = decimal.Zero
	}

	inv.Subtotal = subtotal
	inv.TaxAmount = tax
	inv.Total = RoundMoney(total)
}

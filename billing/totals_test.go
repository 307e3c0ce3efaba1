package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

func at(day int) time.Time { return time.Date(2025, time.March, day, 10, 0, 0, 0, time.UTC) }

func TestSelectCoverage_CapStopsAtFirstOverflow(t *testing.T) {
	// GIVEN: three classes of 60, 90 and 30 minutes, out of order, and a 2h cap
	// WHEN: selecting coverage
	// THEN: items are chronological and selection stops at the first class that would exceed the cap

	c1 := class("c1", "s-1", 60, billing.ClassAttended)
	c1.ScheduledAt = at(3)
	c2 := class("c2", "s-1", 90, billing.ClassAttended)
	c2.ScheduledAt = at(5)
	c3 := class("c3", "s-1", 30, billing.ClassAttended)
	c3.ScheduledAt = at(1)

	got := billing.SelectCoverage([]billing.Class{c1, c2, c3}, billing.Coverage{Strategy: billing.CoverCapHours, MaxHours: hours("2")})

	require.Len(t, got, 2)
	assert.Equal(t, billing.ClassID("c3"), got[0].ID)
	assert.Equal(t, billing.ClassID("c1"), got[1].ID)
}

func TestSelectCoverage_AllKeepsEverything(t *testing.T) {
	got := billing.SelectCoverage([]billing.Class{
		class("c1", "s-1", 60, billing.ClassAttended),
		class("c2", "s-1", 60, billing.ClassAttended),
	}, billing.Coverage{Strategy: billing.CoverAll})
	assert.Len(t, got, 2)
}

func TestBillable(t *testing.T) {
	attended := class("c1", "s-1", 60, billing.ClassAttended)
	scheduled := class("c2", "s-1", 60, billing.ClassScheduled)
	linked := class("c3", "s-1", 60, billing.ClassAttended)
	inv := billing.InvoiceID("i1")
	linked.BilledInInvoiceID = &inv
	removed := class("c4", "s-1", 60, billing.ClassAttended)
	removed.NotBillable = true

	assert.True(t, billing.Billable(attended, billing.Coverage{}))
	assert.False(t, billing.Billable(scheduled, billing.Coverage{}))
	assert.True(t, billing.Billable(scheduled, billing.Coverage{IncludeScheduled: true}))
	assert.False(t, billing.Billable(linked, billing.Coverage{}))
	assert.False(t, billing.Billable(removed, billing.Coverage{}))
}

func TestComputeTransferFee(t *testing.T) {
	fixed := billing.ComputeTransferFee(billing.TransferFee{Mode: billing.FeeFixed, Value: hours("5")}, hours("20"), false)
	assertDecimal(t, "5", fixed.Amount)

	pct := billing.ComputeTransferFee(billing.TransferFee{Mode: billing.FeePercent, Value: hours("2.5")}, hours("200"), false)
	assertDecimal(t, "5", pct.Amount)

	waived := billing.ComputeTransferFee(billing.TransferFee{Mode: billing.FeeFixed, Value: hours("5")}, hours("20"), true)
	assert.True(t, waived.Waived)
	assertDecimal(t, "0", waived.Amount)
}

func draftInvoice(rate string, fee billing.TransferFee, classes ...billing.Class) *billing.Invoice {
	inv := &billing.Invoice{
		ID:                "i1",
		GuardianID:        "g-1",
		Status:            billing.InvoiceDraft,
		GuardianFinancial: billing.GuardianFinancial{HourlyRate: hours(rate), TransferFee: fee},
	}
	for _, c := range classes {
		inv.Items = append(inv.Items, billing.NewItem(c, hours(rate)))
	}
	return inv
}

func TestRecalculateTotals_ScenarioInvoice(t *testing.T) {
	// GIVEN: 2 hours at $10/h and a $5 fixed transfer fee
	// WHEN: recalculating totals
	// THEN: subtotal 20, total 25

	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeFixed, Value: hours("5")},
		class("c1", "s-1", 60, billing.ClassAttended),
		class("c2", "s-1", 60, billing.ClassAttended),
	)

	require.True(t, inv.RecalculateTotals())

	assertDecimal(t, "20", inv.Subtotal)
	assertDecimal(t, "5", inv.GuardianFinancial.TransferFee.Amount)
	assertDecimal(t, "25", inv.Total)
	assertDecimal(t, "2", inv.BilledHours())
}

func TestRecalculateTotals_DiscountTaxLateFee(t *testing.T) {
	inv := draftInvoice("20", billing.TransferFee{Mode: billing.FeeNone},
		class("c1", "s-1", 120, billing.ClassAttended),
	)
	inv.Discount = hours("10")
	inv.TaxPercent = hours("10")
	inv.LateFee = hours("2.5")

	inv.RecalculateTotals()

	// (40 - 10) + 3 + 2.5
	assertDecimal(t, "40", inv.Subtotal)
	assertDecimal(t, "3", inv.TaxAmount)
	assertDecimal(t, "35.5", inv.Total)
}

func TestRecalculateTotals_DiscountCappedAtSubtotal(t *testing.T) {
	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeNone}, class("c1", "s-1", 60, billing.ClassAttended))
	inv.Discount = hours("50")

	inv.RecalculateTotals()

	assertDecimal(t, "0", inv.Total)
}

func TestRecalculateTotals_FrozenOncePaymentStarted(t *testing.T) {
	// GIVEN: an invoice that already received money
	// WHEN: items change and totals are recalculated
	// THEN: totals stay as they were

	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeNone}, class("c1", "s-1", 60, billing.ClassAttended))
	inv.RecalculateTotals()
	inv.PaidAmount = hours("5")
	inv.Items = append(inv.Items, billing.NewItem(class("c2", "s-1", 60, billing.ClassAttended), hours("10")))

	assert.False(t, inv.RecalculateTotals())
	assertDecimal(t, "10", inv.Total)
}

func TestRecalculateTotals_FrozenFeeNotRecomputed(t *testing.T) {
	// GIVEN: a published invoice with a frozen 10% fee on $100
	// WHEN: an item is removed and totals are forced
	// THEN: the fee amount stays at the frozen 10

	c1 := class("c1", "s-1", 300, billing.ClassAttended)
	c2 := class("c2", "s-1", 300, billing.ClassAttended)
	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeePercent, Value: hours("10")}, c1, c2)
	inv.RecalculateTotals()
	assertDecimal(t, "10", inv.GuardianFinancial.TransferFee.Amount)

	inv.GuardianFinancial.Frozen = true
	inv.Items = inv.Items[:1]
	inv.ForceRecalculateTotals()

	assertDecimal(t, "10", inv.GuardianFinancial.TransferFee.Amount)
	assertDecimal(t, "60", inv.Total)
}

func TestRecalculateTotals_ReductionLowersTotal(t *testing.T) {
	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeFixed, Value: hours("5")},
		class("c1", "s-1", 120, billing.ClassAttended),
	)
	inv.Adjustments = []billing.Adjustment{{Type: billing.AdjustReduction, Amount: hours("10")}}

	inv.ForceRecalculateTotals()

	assertDecimal(t, "15", inv.Total)
}

func TestRepriceItems_NoopWhenFrozen(t *testing.T) {
	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeNone}, class("c1", "s-1", 60, billing.ClassAttended))
	inv.GuardianFinancial.HourlyRate = hours("50")

	inv.GuardianFinancial.Frozen = true
	inv.RepriceItems()
	assertDecimal(t, "10", inv.Items[0].Amount)

	inv.GuardianFinancial.Frozen = false
	inv.RepriceItems()
	assertDecimal(t, "50", inv.Items[0].Amount)
}

func TestInvoiceClone_DoesNotShareSlices(t *testing.T) {
	inv := draftInvoice("10", billing.TransferFee{Mode: billing.FeeNone}, class("c1", "s-1", 60, billing.ClassAttended))
	inv.PaymentLogs = []billing.PaymentLog{payment("10", billing.MethodCash, ptr(hours("1")))}

	cp := inv.Clone()
	cp.Items[0].Amount = hours("99")
	*cp.PaymentLogs[0].PaidHours = hours("7")

	assertDecimal(t, "10", inv.Items[0].Amount)
	assertDecimal(t, "1", *inv.PaymentLogs[0].PaidHours)
}

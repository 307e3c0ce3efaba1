package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/engine"
)

func lastAudit(t *testing.T, f *fixture, action billing.AuditAction) billing.AuditEntry {
	t.Helper()
	entries := f.audit(t, billing.AuditFilter{Actions: []billing.AuditAction{action}})
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func TestUndo_ClassStatusRestoresBalance(t *testing.T) {
	// GIVEN: a class manually marked attended
	// WHEN: the change is undone
	// THEN: the class is scheduled again and the hour is back
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, newClass("c-1", "s-1", 60, billing.ClassScheduled))
	_, err := f.engine.SetClassStatus(ctx, "c-1", billing.ClassAttended, nil, operator, "")
	require.NoError(t, err)
	assertDecimal(t, "-1", f.balance(t))

	original := lastAudit(t, f, billing.ActionClassStatusChanged)
	undo, err := f.engine.Undo(ctx, original.ID, operator, "wrong class")
	require.NoError(t, err)
	assert.Equal(t, billing.AuditUndo, undo.Kind)
	assert.Equal(t, original.ID, undo.OriginalLogID)
	assert.JSONEq(t, string(original.After), string(undo.Before))
	assert.JSONEq(t, string(original.Before), string(undo.After))

	c, err := f.store.GetClass(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ClassScheduled, c.Status)
	assertDecimal(t, "0", f.balance(t))
	f.assertLedgerIdentity(t)

	// The original entry is untouched.
	again, err := f.store.GetAudit(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original, again)
}

func TestUndo_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, newClass("c-1", "s-1", 60, billing.ClassScheduled))
	_, err := f.engine.SetClassStatus(ctx, "c-1", billing.ClassAttended, nil, operator, "")
	require.NoError(t, err)
	original := lastAudit(t, f, billing.ActionClassStatusChanged)

	undo, err := f.engine.Undo(ctx, original.ID, operator, "")
	require.NoError(t, err)

	_, err = f.engine.Undo(ctx, original.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict)

	_, err = f.engine.Undo(ctx, undo.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict, "an undo cannot be undone")
	assertDecimal(t, "0", f.balance(t))
}

func TestUndo_WindowExpires(t *testing.T) {
	f := newFixture(t, func(o *engine.Options) { o.UndoWindow = time.Hour })
	ctx := context.Background()
	f.save(t, newClass("c-1", "s-1", 60, billing.ClassScheduled))
	_, err := f.engine.SetClassStatus(ctx, "c-1", billing.ClassAttended, nil, operator, "")
	require.NoError(t, err)
	original := lastAudit(t, f, billing.ActionClassStatusChanged)

	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.Undo(ctx, original.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict)
	assertDecimal(t, "-1", f.balance(t))
}

func TestUndo_RefusesAutomatedEntries(t *testing.T) {
	f := newFixture(t)
	f.paidInvoice(t)
	payment := lastAudit(t, f, billing.ActionPaymentApplied)

	_, err := f.engine.Undo(context.Background(), payment.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict)

	_, err = f.engine.Undo(context.Background(), "aud_missing", operator, "")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestUndo_RefusesWhenStateMovedOn(t *testing.T) {
	// GIVEN: a manual attended mark followed by a later cancellation
	// WHEN: undoing the attended mark
	// THEN: the undo is refused instead of overwriting the cancellation
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, newClass("c-1", "s-1", 60, billing.ClassScheduled))
	_, err := f.engine.SetClassStatus(ctx, "c-1", billing.ClassAttended, nil, operator, "")
	require.NoError(t, err)
	original := lastAudit(t, f, billing.ActionClassStatusChanged)
	f.mark(t, "c-1", billing.ClassCancelledByStudent)

	_, err = f.engine.Undo(ctx, original.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict)
	assertDecimal(t, "0", f.balance(t))
}

func TestUndo_InvoiceCancelRelinksClasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.publishedInvoice(t)
	_, err := f.engine.SetInvoiceStatus(ctx, inv.ID, billing.InvoiceCancelled, operator, "sent twice")
	require.NoError(t, err)

	c, err := f.store.GetClass(ctx, "c-1")
	require.NoError(t, err)
	require.False(t, c.IsLinked())

	original := lastAudit(t, f, billing.ActionInvoiceStatusChanged)
	_, err = f.engine.Undo(ctx, original.ID, operator, "not a duplicate")
	require.NoError(t, err)

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSent, stored.Status)
	for _, id := range []billing.ClassID{"c-1", "c-2"} {
		c, err := f.store.GetClass(ctx, id)
		require.NoError(t, err)
		require.True(t, c.IsLinked())
		assert.Equal(t, inv.ID, *c.BilledInInvoiceID)
	}
}

func TestUndo_InvoiceCancelBlockedByRebilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.publishedInvoice(t)
	_, err := f.engine.SetInvoiceStatus(ctx, inv.ID, billing.InvoiceCancelled, operator, "")
	require.NoError(t, err)
	original := lastAudit(t, f, billing.ActionInvoiceStatusChanged)

	_, err = f.engine.GenerateInvoice(ctx, engine.GenerateInput{
		GuardianID: "g-1",
		Coverage:   billing.Coverage{IncludeScheduled: true},
	}, operator)
	require.NoError(t, err)

	_, err = f.engine.Undo(ctx, original.ID, operator, "")
	assert.ErrorIs(t, err, billing.ErrStateConflict)

	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceCancelled, stored.Status)
}

func TestUndo_GuardianHoursSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, newClass("c-1", "s-1", 60, billing.ClassAttended))
	_, err := f.engine.SetGuardianHours(ctx, engine.SetHoursInput{GuardianID: "g-1", Hours: d("10")}, operator)
	require.NoError(t, err)
	original := lastAudit(t, f, billing.ActionGuardianHoursSet)

	_, err = f.engine.Undo(ctx, original.ID, operator, "typo")
	require.NoError(t, err)

	g, err := f.engine.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assertDecimal(t, "-1", g.TotalHours)
	assert.True(t, g.AutoTotalHours)
}

func TestQueryAudit_Filters(t *testing.T) {
	f := newFixture(t)
	f.paidInvoice(t)

	byGuardian := f.audit(t, billing.AuditFilter{GuardianID: "g-1"})
	assert.NotEmpty(t, byGuardian)
	for _, e := range byGuardian {
		assert.Equal(t, billing.GuardianID("g-1"), e.GuardianID)
	}

	limited := f.audit(t, billing.AuditFilter{GuardianID: "g-1", Limit: 1})
	assert.Len(t, limited, 1)

	byActor := f.audit(t, billing.AuditFilter{Actor: "nobody"})
	assert.Empty(t, byActor)
}

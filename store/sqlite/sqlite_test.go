package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// GUARDIANS
// =============================================================================

func TestStore_GuardianBalanceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	g, created, err := store.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, g.TotalHours.IsZero())
	assert.True(t, g.AutoTotalHours)

	_, created, err = store.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)
	assert.False(t, created)

	ch, err := store.AdjustGuardianHours(ctx, "g-1", dec("2.5"), now)
	require.NoError(t, err)
	assert.True(t, ch.Before.IsZero())
	assert.True(t, ch.After.Equal(dec("2.5")))

	ch, err = store.SetGuardianHours(ctx, "g-1", dec("-1.25"), false, billing.ModeStudents, now)
	require.NoError(t, err)
	assert.True(t, ch.Before.Equal(dec("2.5")))
	assert.True(t, ch.Delta.Equal(dec("-3.75")))

	g, err = store.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.TotalHours.Equal(dec("-1.25")))
	assert.False(t, g.AutoTotalHours)
	assert.Equal(t, billing.ModeStudents, g.Mode)

	require.NoError(t, store.MarkGuardianDeleted(ctx, "g-1", now))
	g, err = store.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.Deleted, "guardian row is kept")
}

func TestStore_GuardianNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetGuardian(context.Background(), "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)

	_, err = store.AdjustGuardianHours(context.Background(), "missing", dec("1"), now)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestStore_ConcurrentAdjustmentsNeverLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AdjustGuardianHours(ctx, "g-1", dec("0.5"), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	g, err := store.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.TotalHours.Equal(dec("10")), "got %s", g.TotalHours)
}

// =============================================================================
// CLASSES
// =============================================================================

func TestStore_ClassRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	submitted := now.Add(time.Hour)
	inv := billing.InvoiceID("inv-1")
	c := billing.Class{
		ID:                "c-1",
		GuardianID:        "g-1",
		StudentID:         "s-1",
		StudentName:       "Amina",
		TeacherID:         "t-1",
		ScheduledAt:       now,
		DurationMinutes:   45,
		Status:            billing.ClassAttended,
		BilledInInvoiceID: &inv,
		Report:            billing.ClassReport{SubmittedAt: &submitted, Notes: "good"},
		UpdatedAt:         now,
	}
	require.NoError(t, store.SaveClass(ctx, c))

	got, err := store.GetClass(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, c.StudentName, got.StudentName)
	assert.Equal(t, 45, got.DurationMinutes)
	assert.Equal(t, billing.ClassAttended, got.Status)
	require.NotNil(t, got.BilledInInvoiceID)
	assert.Equal(t, inv, *got.BilledInInvoiceID)
	require.NotNil(t, got.Report.SubmittedAt)
	assert.True(t, got.Report.SubmittedAt.Equal(submitted))
	assert.True(t, got.ScheduledAt.Equal(now))

	// Upsert clears the link
	got.BilledInInvoiceID = nil
	got.Status = billing.ClassCancelledByTeacher
	require.NoError(t, store.SaveClass(ctx, got))

	again, err := store.GetClass(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, again.BilledInInvoiceID)
	assert.Equal(t, billing.ClassCancelledByTeacher, again.Status)

	list, err := store.ListClassesByGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteClass(ctx, "c-1"))
	_, err = store.GetClass(ctx, "c-1")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.ErrorIs(t, store.DeleteClass(ctx, "c-1"), billing.ErrNotFound)
}

// =============================================================================
// INVOICES
// =============================================================================

func sampleInvoice() *billing.Invoice {
	paidHours := dec("2")
	return &billing.Invoice{
		ID:         "inv-1",
		GuardianID: "g-1",
		Status:     billing.InvoiceSent,
		Period:     billing.MonthPeriod(now),
		DueDate:    now.AddDate(0, 0, 7),
		Items: []billing.Item{
			{ID: "it-1", ClassID: "c-1", StudentID: "s-1", Date: now, DurationMinutes: 60, Hours: dec("1"), Amount: dec("10"), ClassStatus: billing.ClassAttended},
			{ID: "it-2", ClassID: "c-2", StudentID: "s-1", Date: now, DurationMinutes: 60, Hours: dec("1"), Amount: dec("10"), ClassStatus: billing.ClassAttended},
		},
		GuardianFinancial: billing.GuardianFinancial{
			HourlyRate:   dec("10"),
			TransferFee:  billing.TransferFee{Mode: billing.FeeFixed, Value: dec("5"), Amount: dec("5")},
			Currency:     "USD",
			ExchangeRate: dec("1"),
			Frozen:       true,
			FrozenAt:     &now,
		},
		Coverage:          billing.Coverage{Strategy: billing.CoverAll},
		Subtotal:          dec("20"),
		Total:             dec("25"),
		PaidAmount:        dec("25"),
		PaymentBasisHours: dec("2"),
		PaymentLogs:       []billing.PaymentLog{{ID: "p-1", Amount: dec("25"), Method: billing.MethodCash, PaidHours: &paidHours, ProcessedAt: now, ProcessedBy: "admin"}},
		CreatedAt:         now,
		PublishedAt:       &now,
		UpdatedAt:         now,
	}
}

func TestStore_InvoiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	inv := sampleInvoice()
	require.NoError(t, store.CreateInvoice(ctx, inv))

	got, err := store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSent, got.Status)
	require.Len(t, got.Items, 2)
	assert.True(t, got.Items[0].Amount.Equal(dec("10")))
	assert.True(t, got.GuardianFinancial.HourlyRate.Equal(dec("10")))
	assert.True(t, got.GuardianFinancial.Frozen)
	assert.True(t, got.Total.Equal(dec("25")))
	assert.True(t, got.PaymentBasisHours.Equal(dec("2")))
	require.Len(t, got.PaymentLogs, 1)
	require.NotNil(t, got.PaymentLogs[0].PaidHours)
	assert.True(t, got.PaymentLogs[0].PaidHours.Equal(dec("2")))
	require.NotNil(t, got.PublishedAt)
	assert.Nil(t, got.PaidAt)
	assert.NotNil(t, got.RemovedItems, "empty sub-documents decode as empty slices")

	got.Status = billing.InvoicePaid
	got.PaidAt = &now
	got.AddActivity("paid", "paid in full", "admin", now, map[string]any{"amount": "25"})
	require.NoError(t, store.UpdateInvoice(ctx, got))

	again, err := store.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, again.Status)
	require.NotNil(t, again.PaidAt)
	require.Len(t, again.ActivityLog, 1)
	assert.Equal(t, "25", again.ActivityLog[0].Metadata["amount"])
}

func TestStore_InvoiceListings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := sampleInvoice()
	b := sampleInvoice()
	b.ID = "inv-2"
	b.Status = billing.InvoiceDraft
	b.CreatedAt = now.Add(time.Minute)
	c := sampleInvoice()
	c.ID = "inv-3"
	c.GuardianID = "g-2"
	for _, inv := range []*billing.Invoice{a, b, c} {
		require.NoError(t, store.CreateInvoice(ctx, inv))
	}

	byGuardian, err := store.ListInvoicesByGuardian(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, byGuardian, 2)
	assert.Equal(t, billing.InvoiceID("inv-1"), byGuardian[0].ID)

	sent, err := store.ListInvoicesByStatus(ctx, billing.InvoiceSent, billing.InvoiceOverdue)
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	assert.ErrorIs(t, store.CreateInvoice(ctx, a), billing.ErrStateConflict)
	assert.ErrorIs(t, store.UpdateInvoice(ctx, &billing.Invoice{ID: "missing"}), billing.ErrNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTxRollsBack(t *testing.T) {
	// GIVEN: a transaction that adjusts the balance, writes an audit entry and an invoice
	// WHEN: the body fails
	// THEN: nothing is persisted

	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx billing.Tx) error {
		if _, err := tx.AdjustGuardianHours(ctx, "g-1", dec("3"), now); err != nil {
			return err
		}
		// reads inside the transaction see its own writes
		g, err := tx.GetGuardian(ctx, "g-1")
		if err != nil {
			return err
		}
		assert.True(t, g.TotalHours.Equal(dec("3")))

		entry := billing.AuditEntry{ID: "a-1", Action: billing.ActionPaymentApplied, Kind: billing.AuditAutomated, EntityType: "invoice", EntityID: "inv-1", Success: true, Timestamp: now}
		if err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
		if err := tx.CreateInvoice(ctx, sampleInvoice()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	g, err := store.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.TotalHours.IsZero())

	entries, err := store.QueryAudit(ctx, billing.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = store.GetInvoice(ctx, "inv-1")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestStore_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, _, err := store.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx billing.Tx) error {
		if _, err := tx.AdjustGuardianHours(ctx, "g-1", dec("1"), now); err != nil {
			return err
		}
		_, err := tx.AdjustStudentHours(ctx, "g-1", "s-1", "Amina", dec("-1"))
		return err
	})
	require.NoError(t, err)

	g, _ := store.GetGuardian(ctx, "g-1")
	assert.True(t, g.TotalHours.Equal(dec("1")))
	students, err := store.ListStudents(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.True(t, students[0].HoursRemaining.Equal(dec("-1")))
	assert.Equal(t, "Amina", students[0].Name)
}

// =============================================================================
// AUDIT AND IDEMPOTENCY
// =============================================================================

func TestStore_AuditQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	before, _ := json.Marshal(billing.StatusChange{Status: "attended"})
	after, _ := json.Marshal(billing.StatusChange{Status: "cancelled_by_teacher"})
	entries := []billing.AuditEntry{
		{ID: "a-1", Action: billing.ActionClassStatusChanged, Kind: billing.AuditManual, EntityType: "class", EntityID: "c-1", GuardianID: "g-1", Actor: "admin", Before: before, After: after, Success: true, Timestamp: now},
		{ID: "a-2", Action: billing.ActionPaymentApplied, Kind: billing.AuditAutomated, EntityType: "invoice", EntityID: "inv-1", GuardianID: "g-1", Actor: "admin", Success: true, Timestamp: now.Add(time.Minute), Metadata: map[string]any{"amount": "25"}},
		{ID: "a-3", Action: billing.ActionUndo, Kind: billing.AuditUndo, EntityType: "class", EntityID: "c-1", GuardianID: "g-1", Actor: "ops", Success: true, Timestamp: now.Add(2 * time.Minute), OriginalLogID: "a-1"},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAudit(ctx, e))
	}

	byEntity, err := store.QueryAudit(ctx, billing.AuditFilter{EntityType: "class", EntityID: "c-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	assert.Equal(t, "a-1", byEntity[0].ID)

	byAction, err := store.QueryAudit(ctx, billing.AuditFilter{Actions: []billing.AuditAction{billing.ActionPaymentApplied}})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "25", byAction[0].Metadata["amount"])

	from := now.Add(30 * time.Second)
	recent, err := store.QueryAudit(ctx, billing.AuditFilter{From: &from, Actor: "ops"})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	undos, err := store.QueryAudit(ctx, billing.AuditFilter{OriginalLogID: "a-1"})
	require.NoError(t, err)
	require.Len(t, undos, 1)

	got, err := store.GetAudit(ctx, "a-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(got.Before))
	assert.Equal(t, billing.AuditManual, got.Kind)

	limited, err := store.QueryAudit(ctx, billing.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a-3", limited[0].ID, "limit keeps the most recent entries")
}

func TestStore_IdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.ClaimIdempotencyKey(ctx, "pay-1", now))
	assert.ErrorIs(t, store.ClaimIdempotencyKey(ctx, "pay-1", now), billing.ErrDuplicateIdempotencyKey)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, _, _ = store.CreateGuardian(ctx, "g-1", now)

	require.NoError(t, store.Reset(ctx))

	list, err := store.ListGuardians(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

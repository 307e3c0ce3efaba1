package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing/store"
)

var now = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_CreateGuardianIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	g, created, err := m.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, g.TotalHours.IsZero())
	assert.True(t, g.AutoTotalHours)
	assert.Equal(t, billing.ModeBilling, g.Mode)

	_, err = m.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(3), now)
	require.NoError(t, err)

	g, created, err = m.CreateGuardian(ctx, "g-1", now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, g.TotalHours.Equal(decimal.NewFromInt(3)), "existing balance must survive")
}

func TestMemory_AdjustReturnsBeforeAfter(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, _, _ = m.CreateGuardian(ctx, "g-1", now)

	ch, err := m.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(2), now)
	require.NoError(t, err)
	assert.True(t, ch.Before.IsZero())
	assert.True(t, ch.After.Equal(decimal.NewFromInt(2)))

	ch, err = m.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(-5), now)
	require.NoError(t, err)
	assert.True(t, ch.Before.Equal(decimal.NewFromInt(2)))
	assert.True(t, ch.After.Equal(decimal.NewFromInt(-3)), "negative balances are allowed")
	assert.True(t, ch.WentNegative())
}

func TestMemory_AdjustUnknownGuardian(t *testing.T) {
	_, err := store.NewMemory().AdjustGuardianHours(context.Background(), "missing", decimal.NewFromInt(1), now)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestMemory_ConcurrentAdjustmentsNeverLoseUpdates(t *testing.T) {
	// GIVEN: 50 goroutines each adding one hour
	// WHEN: they run concurrently
	// THEN: the balance is exactly 50

	ctx := context.Background()
	m := store.NewMemory()
	_, _, _ = m.CreateGuardian(ctx, "g-1", now)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(1), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	g, err := m.GetGuardian(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, g.TotalHours.Equal(decimal.NewFromInt(50)))
}

func TestMemory_WithTxRollsBackEveryWrite(t *testing.T) {
	// GIVEN: a transaction that adjusts the balance, writes audit and an invoice
	// WHEN: the body returns an error
	// THEN: none of the writes are visible

	ctx := context.Background()
	m := store.NewMemory()
	_, _, _ = m.CreateGuardian(ctx, "g-1", now)

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx billing.Tx) error {
		if _, err := tx.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(4), now); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, billing.AuditEntry{ID: "a1", Action: billing.ActionPaymentApplied, Timestamp: now}); err != nil {
			return err
		}
		if err := tx.CreateInvoice(ctx, &billing.Invoice{ID: "i1", GuardianID: "g-1", Status: billing.InvoiceDraft}); err != nil {
			return err
		}
		if err := tx.ClaimIdempotencyKey(ctx, "k1", now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	g, _ := m.GetGuardian(ctx, "g-1")
	assert.True(t, g.TotalHours.IsZero())
	entries, _ := m.QueryAudit(ctx, billing.AuditFilter{})
	assert.Empty(t, entries)
	_, err = m.GetInvoice(ctx, "i1")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	assert.NoError(t, m.ClaimIdempotencyKey(ctx, "k1", now), "rolled back key can be claimed again")
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, _, _ = m.CreateGuardian(ctx, "g-1", now)

	err := m.WithTx(ctx, func(tx billing.Tx) error {
		_, err := tx.AdjustGuardianHours(ctx, "g-1", decimal.NewFromInt(4), now)
		return err
	})
	require.NoError(t, err)

	g, _ := m.GetGuardian(ctx, "g-1")
	assert.True(t, g.TotalHours.Equal(decimal.NewFromInt(4)))
}

func TestMemory_InvoicesAreCloned(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	inv := &billing.Invoice{ID: "i1", GuardianID: "g-1", Status: billing.InvoiceDraft, Items: []billing.Item{{ID: "it1", Amount: decimal.NewFromInt(10)}}}
	require.NoError(t, m.CreateInvoice(ctx, inv))

	inv.Items[0].Amount = decimal.NewFromInt(99)
	got, err := m.GetInvoice(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, got.Items[0].Amount.Equal(decimal.NewFromInt(10)))

	got.Status = billing.InvoiceSent
	again, _ := m.GetInvoice(ctx, "i1")
	assert.Equal(t, billing.InvoiceDraft, again.Status)
}

func TestMemory_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	require.NoError(t, m.ClaimIdempotencyKey(ctx, "pay-1", now))
	assert.ErrorIs(t, m.ClaimIdempotencyKey(ctx, "pay-1", now), billing.ErrDuplicateIdempotencyKey)
}

func TestMemory_StudentsAndAuditQuery(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.AdjustStudentHours(ctx, "g-1", "s-1", "Amina", decimal.NewFromInt(-1))
	require.NoError(t, err)
	row, err := m.AdjustStudentHours(ctx, "g-1", "s-1", "", decimal.NewFromInt(-2))
	require.NoError(t, err)
	assert.True(t, row.HoursRemaining.Equal(decimal.NewFromInt(-3)))
	assert.Equal(t, "Amina", row.Name)

	require.NoError(t, m.SetStudentHours(ctx, "g-1", "s-2", "Omar", decimal.NewFromInt(5)))
	rows, _ := m.ListStudents(ctx, "g-1")
	require.Len(t, rows, 2)

	require.NoError(t, m.AppendAudit(ctx, billing.AuditEntry{ID: "a1", Action: billing.ActionPaymentApplied, EntityID: "i1", Timestamp: now}))
	require.NoError(t, m.AppendAudit(ctx, billing.AuditEntry{ID: "a2", Action: billing.ActionUndo, EntityID: "i1", OriginalLogID: "a1", Timestamp: now.Add(time.Minute)}))

	undos, _ := m.QueryAudit(ctx, billing.AuditFilter{OriginalLogID: "a1"})
	require.Len(t, undos, 1)
	assert.Equal(t, "a2", undos[0].ID)

	e, err := m.GetAudit(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, billing.ActionPaymentApplied, e.Action)
}

package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing/store"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/engine"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/settings"
)

// slowStore blocks class listings while block is set.
type slowStore struct {
	*store.Memory
	block atomic.Bool
	gate  chan struct{}
}

func (s *slowStore) ListClassesByGuardian(ctx context.Context, id billing.GuardianID) ([]billing.Class, error) {
	if s.block.Load() {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Memory.ListClassesByGuardian(ctx, id)
}

func TestGuardianSummary_Fresh(t *testing.T) {
	f := newFixture(t)
	f.paidInvoice(t)
	f.mark(t, "c-1", billing.ClassAttended)

	s, err := f.engine.GuardianSummary(context.Background(), "g-1")
	require.NoError(t, err)
	assert.False(t, s.Stale)
	assertDecimal(t, "2", s.Credited)
	assertDecimal(t, "1", s.Consumed)
	assertDecimal(t, "1", s.Computed)
	assertDecimal(t, "1", s.TotalHours)
	assertDecimal(t, "0", s.Drift)
	assert.Equal(t, 0, s.OpenInvoices)
}

func TestGuardianSummary_OutstandingInvoices(t *testing.T) {
	f := newFixture(t)
	f.publishedInvoice(t)

	s, err := f.engine.GuardianSummary(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenInvoices)
	assertDecimal(t, "25", s.Outstanding)
}

func TestGuardianSummary_TimeoutServesCachedResult(t *testing.T) {
	// GIVEN: a summary computed once, then a store that stalls
	// WHEN: the summary is requested again after the balance changed
	// THEN: the cached aggregation is returned as stale with the live balance
	mem := &slowStore{Memory: store.NewMemory(), gate: make(chan struct{})}
	t.Cleanup(func() { close(mem.gate) })

	gs := settings.DefaultSettings()
	e := engine.New(mem, settings.NewStatic(gs), engine.Options{AggregationTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	_, err := e.OnClassStateChanged(ctx, newClass("c-1", "s-1", 60, billing.ClassAttended), operator)
	require.NoError(t, err)

	first, err := e.GuardianSummary(ctx, "g-1")
	require.NoError(t, err)
	require.False(t, first.Stale)
	assertDecimal(t, "1", first.Consumed)

	_, err = e.AdjustGuardianHours(ctx, "g-1", d("5"), operator, "")
	require.NoError(t, err)
	mem.block.Store(true)

	start := time.Now()
	s, err := e.GuardianSummary(ctx, "g-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, s.Stale)
	assertDecimal(t, "4", s.TotalHours)
	assertDecimal(t, "1", s.Consumed)
	assertDecimal(t, "5", s.Drift)
}

func TestGuardianSummary_TimeoutWithoutCache(t *testing.T) {
	mem := &slowStore{Memory: store.NewMemory(), gate: make(chan struct{})}
	t.Cleanup(func() { close(mem.gate) })
	e := engine.New(mem, settings.NewStatic(settings.DefaultSettings()), engine.Options{AggregationTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	_, err := e.EnsureGuardian(ctx, "g-1")
	require.NoError(t, err)
	mem.block.Store(true)

	s, err := e.GuardianSummary(ctx, "g-1")
	require.NoError(t, err)
	assert.True(t, s.Stale)
	assert.True(t, s.TotalHours.IsZero())
	assert.True(t, s.ComputedAt.IsZero())
}

func TestGuardianSummary_UnknownGuardian(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GuardianSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

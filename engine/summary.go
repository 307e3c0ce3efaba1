package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SUMMARY - Balance view with aggregation timeout
// =============================================================================

// Summary combines the stored balance with a fresh billing-mode aggregation.
// Stale is set when the aggregation did not finish in time and the figures
// come from an earlier run (or from the stored balance alone).
type Summary struct {
	GuardianID     billing.GuardianID  `json:"guardianId"`
	TotalHours     decimal.Decimal     `json:"totalHours"`
	Mode           billing.BalanceMode `json:"mode"`
	AutoTotalHours bool                `json:"autoTotalHours"`
	Credited       decimal.Decimal     `json:"credited"`
	Consumed       decimal.Decimal     `json:"consumed"`
	Computed       decimal.Decimal     `json:"computed"`
	Drift          decimal.Decimal     `json:"drift"`
	Outstanding    decimal.Decimal     `json:"outstanding"`
	OpenInvoices   int                 `json:"openInvoices"`
	Stale          bool                `json:"stale"`
	ComputedAt     time.Time           `json:"computedAt"`
}

// GuardianSummary never blocks longer than the aggregation timeout. A late
// aggregation still refreshes the cache for the next call.
func (e *Engine) GuardianSummary(ctx context.Context, id billing.GuardianID) (Summary, error) {
	g, err := e.store.GetGuardian(ctx, id)
	if err != nil {
		return Summary{}, err
	}

	done := make(chan Summary, 1)
	failed := make(chan error, 1)
	go func() {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*e.opts.AggregationTimeout)
		defer cancel()
		s, err := e.aggregate(actx, g)
		if err != nil {
			failed <- err
			return
		}
		e.summaryMu.Lock()
		e.summaries[id] = s
		e.summaryMu.Unlock()
		done <- s
	}()

	timer := time.NewTimer(e.opts.AggregationTimeout)
	defer timer.Stop()
	select {
	case s := <-done:
		return s, nil
	case err := <-failed:
		return Summary{}, err
	case <-ctx.Done():
		return e.staleSummary(g), nil
	case <-timer.C:
		e.logger.WithField("guardian_id", id).Warn("summary aggregation timed out, serving cached result")
		return e.staleSummary(g), nil
	}
}

func (e *Engine) staleSummary(g billing.GuardianBalance) Summary {
	e.summaryMu.Lock()
	cached, ok := e.summaries[g.GuardianID]
	e.summaryMu.Unlock()
	if !ok {
		cached = Summary{GuardianID: g.GuardianID}
	}
	cached.TotalHours = g.TotalHours
	cached.Mode = g.Mode
	cached.AutoTotalHours = g.AutoTotalHours
	if ok {
		cached.Drift = g.TotalHours.Sub(cached.Computed)
	}
	cached.Stale = true
	return cached
}

// aggregate loads classes and invoices concurrently and folds them.
func (e *Engine) aggregate(ctx context.Context, g billing.GuardianBalance) (Summary, error) {
	var (
		classes  []billing.Class
		invoices []*billing.Invoice
		fallback decimal.Decimal
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		classes, err = e.store.ListClassesByGuardian(ectx, g.GuardianID)
		return err
	})
	eg.Go(func() error {
		var err error
		invoices, err = e.store.ListInvoicesByGuardian(ectx, g.GuardianID)
		return err
	})
	eg.Go(func() error {
		var err error
		fallback, err = e.fallbackRate(ectx, g.GuardianID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Summary{}, err
	}

	consumed := billing.ComputeConsumedHours(classes)
	credited := billing.ComputeCreditedHours(invoices, fallback)
	s := Summary{
		GuardianID:     g.GuardianID,
		TotalHours:     g.TotalHours,
		Mode:           g.Mode,
		AutoTotalHours: g.AutoTotalHours,
		Credited:       credited.Total,
		Consumed:       consumed.Total,
		Computed:       credited.Total.Sub(consumed.Total),
		Outstanding:    decimal.Zero,
		ComputedAt:     e.now(),
	}
	s.Drift = g.TotalHours.Sub(s.Computed)
	for _, inv := range invoices {
		if inv.Deleted || !inv.Status.AcceptsPayment() {
			continue
		}
		s.OpenInvoices++
		s.Outstanding = s.Outstanding.Add(inv.Outstanding())
	}
	return s, nil
}

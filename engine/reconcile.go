/*
reconcile.go - Reconciliation Engine

PURPOSE:
  Rebuilds a guardian's balance from source records, ignoring whatever the
  incremental paths stored. Any difference between the two is a bug in the
  incremental path; apply mode overwrites it.

MODES:
  billing:  totalHours = credited(all invoices) - consumed(all classes)
  students: hoursRemaining(s) = -consumed(s) for each student
            totalHours        = sum of hoursRemaining

IDEMPOTENCE:
  The result depends only on classes and invoices, never on the stored
  balance, so applying twice in a row yields the same totalHours.

CONSISTENCY:
  Problems found by ComputeCreditedHours (e.g. a negative frozen rate)
  are returned as a ConsistencyError together with the computed result.
  Apply mode refuses to write in that case.

CONCURRENCY:
  Apply recomputes inside the transaction while holding the guardian lock
  that every incremental writer uses.
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// StudentResult is one row of the per-student breakdown.
type StudentResult struct {
	StudentKey     string          `json:"studentKey"`
	StudentID      string          `json:"studentId,omitempty"`
	Name           string          `json:"name,omitempty"`
	Consumed       decimal.Decimal `json:"consumed"`
	HoursRemaining decimal.Decimal `json:"hoursRemaining"`
}

type ReconcileResult struct {
	GuardianID    billing.GuardianID  `json:"guardianId"`
	Mode          billing.BalanceMode `json:"mode"`
	DryRun        bool                `json:"dryRun"`
	TotalConsumed decimal.Decimal     `json:"totalConsumed"`
	TotalCredited decimal.Decimal     `json:"totalCredited"`
	TotalHours    decimal.Decimal     `json:"totalHours"`
	Previous      decimal.Decimal     `json:"previous"`
	PerStudent    []StudentResult     `json:"perStudent"`
	Problems      []string            `json:"problems,omitempty"`
	Applied       bool                `json:"applied"`
}

// RecomputeGuardianHours computes the guardian's balance from source
// records. With dryRun false the result is written and autoTotalHours is set.
func (e *Engine) RecomputeGuardianHours(ctx context.Context, id billing.GuardianID, mode billing.BalanceMode, dryRun bool, actor Actor) (ReconcileResult, error) {
	if mode == "" {
		mode = billing.ModeBilling
	}
	if _, err := billing.ParseBalanceMode(string(mode)); err != nil {
		return ReconcileResult{}, err
	}
	fallback, err := e.fallbackRate(ctx, id)
	if err != nil {
		return ReconcileResult{}, err
	}

	if dryRun {
		g, err := e.store.GetGuardian(ctx, id)
		if err != nil {
			return ReconcileResult{}, err
		}
		res, err := e.compute(ctx, e.store, id, mode, fallback)
		res.DryRun = true
		res.Previous = g.TotalHours
		return res, err
	}

	var res ReconcileResult
	err = e.locked(ctx, guardianKeys(id), func(tx billing.Tx) error {
		now := e.now()
		g, err := tx.GetGuardian(ctx, id)
		if err != nil {
			return err
		}
		res, err = e.compute(ctx, tx, id, mode, fallback)
		res.Previous = g.TotalHours
		if err != nil {
			return err
		}

		change, err := tx.SetGuardianHours(ctx, id, res.TotalHours, true, mode, now)
		if err != nil {
			return err
		}
		if mode == billing.ModeStudents {
			if err := e.writeStudents(ctx, tx, id, res.PerStudent); err != nil {
				return err
			}
		}
		res.Applied = true

		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionReconciled,
			kind:       billing.AuditAutomated,
			entityType: "guardian",
			entityID:   string(id),
			guardianID: id,
			actor:      actor,
			before:     billing.HoursSnapshot{TotalHours: change.Before.String(), AutoTotalHours: g.AutoTotalHours},
			after:      billing.HoursSnapshot{TotalHours: change.After.String(), AutoTotalHours: true},
			metadata: map[string]any{
				"mode":     string(mode),
				"consumed": res.TotalConsumed.String(),
				"credited": res.TotalCredited.String(),
				"drift":    change.Delta.String(),
			},
		})
		return err
	})
	return res, err
}

// compute is the pure part of reconciliation over any Reader.
func (e *Engine) compute(ctx context.Context, r billing.Reader, id billing.GuardianID, mode billing.BalanceMode, fallback decimal.Decimal) (ReconcileResult, error) {
	res := ReconcileResult{GuardianID: id, Mode: mode}

	classes, err := r.ListClassesByGuardian(ctx, id)
	if err != nil {
		return res, err
	}
	invoices, err := r.ListInvoicesByGuardian(ctx, id)
	if err != nil {
		return res, err
	}

	consumed := billing.ComputeConsumedHours(classes)
	credited := billing.ComputeCreditedHours(invoices, fallback)
	res.TotalConsumed = consumed.Total
	res.TotalCredited = credited.Total
	res.Problems = credited.Problems

	students := consumed.Students()
	res.PerStudent = make([]StudentResult, 0, len(students))
	sum := decimal.Zero
	for _, s := range students {
		remaining := s.Hours.Neg()
		sum = sum.Add(remaining)
		res.PerStudent = append(res.PerStudent, StudentResult{
			StudentKey:     s.StudentKey,
			StudentID:      string(s.StudentID),
			Name:           s.Name,
			Consumed:       s.Hours,
			HoursRemaining: remaining,
		})
	}

	switch mode {
	case billing.ModeStudents:
		res.TotalHours = sum
	default:
		res.TotalHours = credited.Total.Sub(consumed.Total)
	}

	if len(res.Problems) > 0 {
		return res, &billing.ConsistencyError{GuardianID: id, Reasons: res.Problems}
	}
	return res, nil
}

// writeStudents replaces every student row of the guardian. Students without
// consumption are reset to zero.
func (e *Engine) writeStudents(ctx context.Context, tx billing.Tx, id billing.GuardianID, rows []StudentResult) error {
	existing, err := tx.ListStudents(ctx, id)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.StudentKey] = true
		if err := tx.SetStudentHours(ctx, id, r.StudentKey, r.Name, r.HoursRemaining); err != nil {
			return err
		}
	}
	for _, s := range existing {
		if seen[s.StudentKey] {
			continue
		}
		if err := tx.SetStudentHours(ctx, id, s.StudentKey, s.Name, decimal.Zero); err != nil {
			return err
		}
	}
	return nil
}

// fallbackRate is the live hourly rate, used for invoices without a frozen
// rate.
func (e *Engine) fallbackRate(ctx context.Context, id billing.GuardianID) (decimal.Decimal, error) {
	gs, err := e.settings.GuardianSettings(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return gs.HourlyRate, nil
}

// =============================================================================
// DRIFT
// =============================================================================

type DriftReport struct {
	GuardianID billing.GuardianID  `json:"guardianId"`
	Mode       billing.BalanceMode `json:"mode"`
	Stored     decimal.Decimal     `json:"stored"`
	Computed   decimal.Decimal     `json:"computed"`
	Drift      decimal.Decimal     `json:"drift"`
	HasDrift   bool                `json:"hasDrift"`
	Pinned     bool                `json:"pinned"`
	Problems   []string            `json:"problems,omitempty"`
}

// CheckDrift compares the stored balance with a recomputation in the
// guardian's mode. In students mode the stored per-student rows are
// compared, since guardian-level credits are not tracked per student.
func (e *Engine) CheckDrift(ctx context.Context, id billing.GuardianID) (DriftReport, error) {
	g, err := e.store.GetGuardian(ctx, id)
	if err != nil {
		return DriftReport{}, err
	}
	mode := g.Mode
	if mode == "" {
		mode = billing.ModeBilling
	}
	fallback, err := e.fallbackRate(ctx, id)
	if err != nil {
		return DriftReport{}, err
	}

	res, cerr := e.compute(ctx, e.store, id, mode, fallback)
	if cerr != nil && len(res.Problems) == 0 {
		return DriftReport{}, cerr
	}
	report := DriftReport{
		GuardianID: id,
		Mode:       mode,
		Stored:     g.TotalHours,
		Computed:   res.TotalHours,
		Pinned:     !g.AutoTotalHours,
		Problems:   res.Problems,
	}
	if mode == billing.ModeStudents {
		rows, err := e.store.ListStudents(ctx, id)
		if err != nil {
			return DriftReport{}, err
		}
		stored := decimal.Zero
		for _, r := range rows {
			stored = stored.Add(r.HoursRemaining)
		}
		report.Stored = stored
	}
	report.Drift = report.Stored.Sub(report.Computed)
	report.HasDrift = !billing.ApproxEqual(report.Stored, report.Computed)
	return report, cerr
}

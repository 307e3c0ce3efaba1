package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// =============================================================================
// GUARDIAN ACCOUNTS
// =============================================================================

// EnsureGuardian creates a zero balance in billing mode if none exists.
func (e *Engine) EnsureGuardian(ctx context.Context, id billing.GuardianID) (billing.GuardianBalance, error) {
	if id == "" {
		return billing.GuardianBalance{}, &billing.ValidationError{Field: "guardianId", Message: "required"}
	}
	var g billing.GuardianBalance
	err := e.locked(ctx, guardianKeys(id), func(tx billing.Tx) error {
		var err error
		g, _, err = tx.CreateGuardian(ctx, id, e.now())
		return err
	})
	return g, err
}

func (e *Engine) GetGuardian(ctx context.Context, id billing.GuardianID) (billing.GuardianBalance, error) {
	return e.store.GetGuardian(ctx, id)
}

func (e *Engine) ListGuardians(ctx context.Context) ([]billing.GuardianBalance, error) {
	return e.store.ListGuardians(ctx)
}

func (e *Engine) ListStudents(ctx context.Context, id billing.GuardianID) ([]billing.StudentBalance, error) {
	if _, err := e.store.GetGuardian(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListStudents(ctx, id)
}

// SetHoursInput is a manual overwrite of a guardian's balance.
type SetHoursInput struct {
	GuardianID    billing.GuardianID `json:"guardianId" validate:"required"`
	Hours         decimal.Decimal    `json:"hours"`
	AllowNegative bool               `json:"allowNegative"`
	Reason        string             `json:"reason" validate:"max=500"`
}

// SetGuardianHours overwrites totalHours and pins the balance
// (autoTotalHours=false), so drift repair leaves it alone until the next
// reconcile. The change is audited and undoable.
func (e *Engine) SetGuardianHours(ctx context.Context, in SetHoursInput, actor Actor) (billing.BalanceChange, error) {
	if err := validate.Struct(in); err != nil {
		return billing.BalanceChange{}, validationError(err)
	}
	if in.Hours.IsNegative() && !in.AllowNegative {
		return billing.BalanceChange{}, &billing.ValidationError{Field: "hours", Message: "negative hours require allowNegative"}
	}
	hours := billing.RoundHours(in.Hours)

	var change billing.BalanceChange
	err := e.locked(ctx, guardianKeys(in.GuardianID), func(tx billing.Tx) error {
		g, err := tx.GetGuardian(ctx, in.GuardianID)
		if err != nil {
			return err
		}
		change, err = tx.SetGuardianHours(ctx, in.GuardianID, hours, false, g.Mode, e.now())
		if err != nil {
			return err
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionGuardianHoursSet,
			kind:       billing.AuditManual,
			entityType: "guardian",
			entityID:   string(in.GuardianID),
			guardianID: in.GuardianID,
			actor:      actor,
			before:     billing.HoursSnapshot{TotalHours: change.Before.String(), AutoTotalHours: g.AutoTotalHours},
			after:      billing.HoursSnapshot{TotalHours: change.After.String(), AutoTotalHours: false},
			reason:     in.Reason,
			metadata:   map[string]any{"delta": change.Delta.String()},
		})
		return err
	})
	if err != nil {
		return billing.BalanceChange{}, err
	}
	e.warnNegative(change, billing.ActionGuardianHoursSet)
	return change, nil
}

// AdjustGuardianHours adds delta to the balance and pins it. Unlike
// SetGuardianHours it composes with concurrent writers.
func (e *Engine) AdjustGuardianHours(ctx context.Context, id billing.GuardianID, delta decimal.Decimal, actor Actor, reason string) (billing.BalanceChange, error) {
	if delta.IsZero() {
		return billing.BalanceChange{}, &billing.ValidationError{Field: "delta", Message: "must not be zero"}
	}
	delta = billing.RoundHours(delta)

	var change billing.BalanceChange
	err := e.locked(ctx, guardianKeys(id), func(tx billing.Tx) error {
		g, err := tx.GetGuardian(ctx, id)
		if err != nil {
			return err
		}
		change, err = tx.AdjustGuardianHours(ctx, id, delta, e.now())
		if err != nil {
			return err
		}
		if _, err := tx.SetGuardianHours(ctx, id, change.After, false, g.Mode, e.now()); err != nil {
			return err
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionGuardianHoursAdjust,
			kind:       billing.AuditAutomated,
			entityType: "guardian",
			entityID:   string(id),
			guardianID: id,
			actor:      actor,
			before:     billing.HoursSnapshot{TotalHours: change.Before.String(), AutoTotalHours: g.AutoTotalHours},
			after:      billing.HoursSnapshot{TotalHours: change.After.String(), AutoTotalHours: false},
			reason:     reason,
			metadata:   map[string]any{"delta": delta.String()},
		})
		return err
	})
	if err != nil {
		return billing.BalanceChange{}, err
	}
	e.warnNegative(change, billing.ActionGuardianHoursAdjust)
	return change, nil
}

// ZeroGuardian is the deletion path: the balance and every student row go to
// zero and the guardian is flagged deleted. Classes and invoices are kept.
func (e *Engine) ZeroGuardian(ctx context.Context, id billing.GuardianID, actor Actor, reason string) (billing.BalanceChange, error) {
	var change billing.BalanceChange
	err := e.locked(ctx, guardianKeys(id), func(tx billing.Tx) error {
		now := e.now()
		g, err := tx.GetGuardian(ctx, id)
		if err != nil {
			return err
		}
		change, err = tx.SetGuardianHours(ctx, id, decimal.Zero, false, g.Mode, now)
		if err != nil {
			return err
		}
		students, err := tx.ListStudents(ctx, id)
		if err != nil {
			return err
		}
		for _, s := range students {
			if err := tx.SetStudentHours(ctx, id, s.StudentKey, s.Name, decimal.Zero); err != nil {
				return err
			}
		}
		if err := tx.MarkGuardianDeleted(ctx, id, now); err != nil {
			return err
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionGuardianZeroed,
			kind:       billing.AuditManual,
			entityType: "guardian",
			entityID:   string(id),
			guardianID: id,
			actor:      actor,
			before:     billing.HoursSnapshot{TotalHours: change.Before.String(), AutoTotalHours: g.AutoTotalHours},
			after:      billing.HoursSnapshot{TotalHours: "0", AutoTotalHours: false},
			reason:     reason,
			metadata:   map[string]any{"students": len(students)},
		})
		return err
	})
	return change, err
}

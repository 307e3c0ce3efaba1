/*
classes.go - Class-Linkage Hook and guarded class deletion

PURPOSE:
  Every class save from the scheduling side goes through OnClassStateChanged.
  The previous row is loaded from the store inside the transaction, under
  the guardian lock, and compared with the new one by the pure
  billing.EvaluateTransition. A concurrent save therefore always sees a
  fully committed previous state.

BALANCE EFFECT:
  delta = oldContribution - newContribution  (zero when blocked)

  The guardian total and the student's hoursRemaining move by delta in the
  same transaction, and a class_balance_adjusted audit entry records both
  statuses and the before/after balance.

LINKED INVOICES:
  A class billed on an invoice keeps its item in step:
    draft:      item repriced at the draft rate; removed if the class is
                no longer billable
    published:  item hours/amount/status updated at the frozen rate, totals
                recalculated until payment starts
    cancelled:  ignored
  Invoice links and the not-billable flag are owned by the engine; values
  sent by the caller are ignored.

DELETION:
  DeleteClass recalculates the linked invoice first (the item moves to
  removedItems), refunds the class's contribution to the balance, then
  deletes the row.
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// ClassChange is the outcome of a class save.
type ClassChange struct {
	Class      billing.Class          `json:"class"`
	Transition billing.Transition     `json:"transition"`
	Balance    *billing.BalanceChange `json:"balance,omitempty"`
}

// OnClassStateChanged persists c and applies its ledger effect exactly once
// per logical transition. Resubmitting a report with the same countable
// status changes nothing.
func (e *Engine) OnClassStateChanged(ctx context.Context, c billing.Class, actor Actor) (ClassChange, error) {
	if err := c.Validate(); err != nil {
		return ClassChange{}, err
	}
	var out ClassChange
	err := e.lockClass(ctx, c.ID, c.GuardianID, func(tx billing.Tx) error {
		var err error
		out, err = e.applyClass(ctx, tx, c, actor)
		return err
	})
	if err != nil {
		return ClassChange{}, err
	}
	if out.Balance != nil {
		e.warnNegative(*out.Balance, billing.ActionClassBalanceAdjusted)
	}
	return out, nil
}

// SetClassStatus is the manual, undoable status change of a class. It runs
// through the same hook as a report submission.
func (e *Engine) SetClassStatus(ctx context.Context, id billing.ClassID, status billing.ClassStatus, missedBillable *bool, actor Actor, reason string) (ClassChange, error) {
	if !status.Valid() {
		return ClassChange{}, &billing.ValidationError{Field: "status", Message: "unknown class status " + string(status)}
	}
	current, err := e.store.GetClass(ctx, id)
	if err != nil {
		return ClassChange{}, err
	}

	var out ClassChange
	err = e.lockClass(ctx, id, current.GuardianID, func(tx billing.Tx) error {
		prev, err := tx.GetClass(ctx, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		next.Status = status
		if missedBillable != nil {
			next.MissedBillable = *missedBillable
		}
		out, err = e.applyClass(ctx, tx, next, actor)
		if err != nil {
			return err
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionClassStatusChanged,
			kind:       billing.AuditManual,
			entityType: "class",
			entityID:   string(id),
			guardianID: prev.GuardianID,
			actor:      actor,
			before:     billing.StatusChange{Status: string(prev.Status)},
			after:      billing.StatusChange{Status: string(next.Status)},
			reason:     reason,
			metadata: map[string]any{
				"missedBillable":         next.MissedBillable,
				"previousMissedBillable": prev.MissedBillable,
				"balanceDelta":           out.Transition.BalanceDelta().String(),
			},
		})
		return err
	})
	if err != nil {
		return ClassChange{}, err
	}
	if out.Balance != nil {
		e.warnNegative(*out.Balance, billing.ActionClassStatusChanged)
	}
	return out, nil
}

// GetClass returns a class by id.
func (e *Engine) GetClass(ctx context.Context, id billing.ClassID) (billing.Class, error) {
	return e.store.GetClass(ctx, id)
}

// lockClass takes the linked invoice lock (if any) and the guardian lock.
func (e *Engine) lockClass(ctx context.Context, id billing.ClassID, guardian billing.GuardianID, fn func(tx billing.Tx) error) error {
	keys := guardianKeys(guardian)
	if persisted, err := e.store.GetClass(ctx, id); err == nil && persisted.IsLinked() {
		keys = invoiceKeys(*persisted.BilledInInvoiceID, guardian)
	}
	return e.locked(ctx, keys, fn)
}

// applyClass is the hook body. It must run inside a transaction holding the
// guardian lock.
func (e *Engine) applyClass(ctx context.Context, tx billing.Tx, next billing.Class, actor Actor) (ClassChange, error) {
	now := e.now()
	var prev *billing.Class
	if p, err := tx.GetClass(ctx, next.ID); err == nil {
		prev = &p
	} else if !billing.IsNotFound(err) {
		return ClassChange{}, err
	}

	var prevState *billing.ClassState
	if prev != nil {
		if prev.GuardianID != next.GuardianID {
			return ClassChange{}, &billing.ValidationError{Field: "guardianId", Message: "a class cannot move to another guardian"}
		}
		st := prev.State()
		prevState = &st
		// Linkage and deletion are engine owned; DeleteClass is the only
		// way to remove a class.
		next.BilledInInvoiceID = prev.BilledInInvoiceID
		next.NotBillable = prev.NotBillable
		next.Deleted = prev.Deleted
	} else {
		next.BilledInInvoiceID = nil
		next.NotBillable = false
		next.Deleted = false
	}

	t := billing.EvaluateTransition(prevState, next.State())
	out := ClassChange{Transition: t}

	if _, _, err := tx.CreateGuardian(ctx, next.GuardianID, now); err != nil {
		return out, err
	}

	if next.IsLinked() && (t.StatusChanged || t.DurationChanged) && !t.Blocked {
		if err := e.syncInvoiceItem(ctx, tx, &next, actor, now); err != nil {
			return out, err
		}
	}

	next.UpdatedAt = now
	if err := tx.SaveClass(ctx, next); err != nil {
		return out, err
	}
	out.Class = next

	delta := t.BalanceDelta()
	if delta.IsZero() {
		if prev != nil && prev.StudentKey() != next.StudentKey() {
			return out, moveStudentHours(ctx, tx, prev, next, t)
		}
		return out, nil
	}
	change, err := tx.AdjustGuardianHours(ctx, next.GuardianID, delta, now)
	if err != nil {
		return out, err
	}
	out.Balance = &change
	if err := moveStudentHours(ctx, tx, prev, next, t); err != nil {
		return out, err
	}

	before := map[string]any{"status": "", "duration": 0, "guardianBalance": change.Before.String()}
	if prev != nil {
		before["status"] = string(prev.Status)
		before["duration"] = prev.DurationMinutes
	}
	_, err = e.writeAudit(ctx, tx, auditRecord{
		action:     billing.ActionClassBalanceAdjusted,
		kind:       billing.AuditAutomated,
		entityType: "class",
		entityID:   string(next.ID),
		guardianID: next.GuardianID,
		actor:      actor,
		before:     before,
		after:      map[string]any{"status": string(next.Status), "duration": next.DurationMinutes, "guardianBalance": change.After.String()},
		metadata:   map[string]any{"delta": delta.String(), "studentKey": next.StudentKey()},
	})
	return out, err
}

// moveStudentHours mirrors the guardian delta on per-student rows. When the
// class changed student, the old student gets its contribution back.
func moveStudentHours(ctx context.Context, tx billing.Tx, prev *billing.Class, next billing.Class, t billing.Transition) error {
	if prev == nil || prev.StudentKey() == next.StudentKey() {
		_, err := tx.AdjustStudentHours(ctx, next.GuardianID, next.StudentKey(), next.StudentName, t.BalanceDelta())
		return err
	}
	if !t.OldContribution.IsZero() {
		if _, err := tx.AdjustStudentHours(ctx, prev.GuardianID, prev.StudentKey(), prev.StudentName, t.OldContribution); err != nil {
			return err
		}
	}
	if !t.NewContribution.IsZero() {
		if _, err := tx.AdjustStudentHours(ctx, next.GuardianID, next.StudentKey(), next.StudentName, t.NewContribution.Neg()); err != nil {
			return err
		}
	}
	return nil
}

// syncInvoiceItem recalculates the item billed for c. It may clear c's link
// when a draft no longer bills the class.
func (e *Engine) syncInvoiceItem(ctx context.Context, tx billing.Tx, c *billing.Class, actor Actor, now time.Time) error {
	inv, err := tx.GetInvoice(ctx, *c.BilledInInvoiceID)
	if billing.IsNotFound(err) {
		c.BilledInInvoiceID = nil
		return nil
	}
	if err != nil {
		return err
	}
	if inv.Status == billing.InvoiceCancelled || inv.Deleted {
		return nil
	}
	i, ok := inv.ItemForClass(c.ID)
	if !ok {
		return nil
	}

	before := invoiceTotals(inv)
	billable := billing.Billable(unlinked(*c), inv.Coverage)
	msg := ""
	if inv.Status == billing.InvoiceDraft && !billable {
		inv.Items = append(inv.Items[:i], inv.Items[i+1:]...)
		c.BilledInInvoiceID = nil
		msg = fmt.Sprintf("class %s is %s, removed from draft", c.ID, c.Status)
	} else {
		// Published items stay for history; a class that no longer bills
		// is carried at zero.
		item := inv.Items[i]
		item.DurationMinutes = c.DurationMinutes
		item.Hours = c.Hours()
		if !billable {
			item.Hours = decimal.Zero
		}
		item.Amount = billing.RoundMoney(item.Hours.Mul(inv.GuardianFinancial.HourlyRate))
		item.ClassStatus = c.Status
		inv.Items[i] = item
		msg = fmt.Sprintf("class %s is %s, item recalculated", c.ID, c.Status)
	}
	inv.RecalculateTotals()
	inv.AddActivity("class_changed", msg, actor.orSystem().ID, now, map[string]any{"classId": string(c.ID)})
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	_, err = e.writeAudit(ctx, tx, auditRecord{
		action:     billing.ActionInvoiceItemsChanged,
		kind:       billing.AuditAutomated,
		entityType: "invoice",
		entityID:   string(inv.ID),
		guardianID: inv.GuardianID,
		actor:      actor,
		before:     before,
		after:      invoiceTotals(inv),
		metadata:   map[string]any{"classId": string(c.ID), "classStatus": string(c.Status)},
	})
	return err
}

func unlinked(c billing.Class) billing.Class {
	c.BilledInInvoiceID = nil
	return c
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteClass removes a class after its invoice and balance effects have
// been reversed.
func (e *Engine) DeleteClass(ctx context.Context, id billing.ClassID, actor Actor, reason string) (*billing.BalanceChange, error) {
	current, err := e.store.GetClass(ctx, id)
	if err != nil {
		return nil, err
	}

	var change *billing.BalanceChange
	err = e.lockClass(ctx, id, current.GuardianID, func(tx billing.Tx) error {
		now := e.now()
		c, err := tx.GetClass(ctx, id)
		if err != nil {
			return err
		}
		if c.IsLinked() {
			if err := e.detachDeleted(ctx, tx, c, actor, reason, now); err != nil {
				return err
			}
		}

		contribution := c.Contribution()
		if !contribution.IsZero() {
			if _, _, err := tx.CreateGuardian(ctx, c.GuardianID, now); err != nil {
				return err
			}
			ch, err := tx.AdjustGuardianHours(ctx, c.GuardianID, contribution, now)
			if err != nil {
				return err
			}
			change = &ch
			if _, err := tx.AdjustStudentHours(ctx, c.GuardianID, c.StudentKey(), c.StudentName, contribution); err != nil {
				return err
			}
		}
		if err := tx.DeleteClass(ctx, id); err != nil {
			return err
		}

		md := map[string]any{"contribution": contribution.String()}
		if change != nil {
			md["guardianBalanceBefore"] = change.Before.String()
			md["guardianBalanceAfter"] = change.After.String()
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionClassDeleted,
			kind:       billing.AuditManual,
			entityType: "class",
			entityID:   string(id),
			guardianID: c.GuardianID,
			actor:      actor,
			before:     c,
			reason:     reason,
			metadata:   md,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// detachDeleted takes a class that is about to be deleted off its invoice.
func (e *Engine) detachDeleted(ctx context.Context, tx billing.Tx, c billing.Class, actor Actor, reason string, now time.Time) error {
	inv, err := tx.GetInvoice(ctx, *c.BilledInInvoiceID)
	if billing.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	i, ok := inv.ItemForClass(c.ID)
	if !ok || inv.Status == billing.InvoiceCancelled {
		return nil
	}

	before := invoiceTotals(inv)
	item := inv.Items[i]
	inv.Items = append(inv.Items[:i], inv.Items[i+1:]...)
	if inv.Status != billing.InvoiceDraft {
		inv.RemovedItems = append(inv.RemovedItems, item)
	}
	if inv.Status.IsSettled() {
		inv.ForceRecalculateTotals()
	} else {
		inv.RecalculateTotals()
	}
	inv.AddActivity("class_deleted", fmt.Sprintf("class %s deleted: %s", c.ID, reason), actor.orSystem().ID, now,
		map[string]any{"classId": string(c.ID), "amount": item.Amount.String(), "hours": item.Hours.String()})
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	_, err = e.writeAudit(ctx, tx, auditRecord{
		action:     billing.ActionInvoiceItemsChanged,
		kind:       billing.AuditAutomated,
		entityType: "invoice",
		entityID:   string(inv.ID),
		guardianID: inv.GuardianID,
		actor:      actor,
		before:     before,
		after:      invoiceTotals(inv),
		metadata:   map[string]any{"classId": string(c.ID), "change": "class_deleted"},
	})
	return err
}

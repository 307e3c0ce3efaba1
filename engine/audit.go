/*
audit.go - Audit queries and undo

PURPOSE:
  The audit log is append-only. Undo reverts the entity named by a manual
  entry to its "before" snapshot and appends an undo entry that references
  the original through originalLogId. The original is never changed.

UNDOABLE ACTIONS:
  class_status_changed    class status back through the linkage hook
  invoice_status_changed  invoice status back (a cancel relinks classes)
  guardian_hours_set      totalHours and autoTotalHours back

RULES:
  - only within the undo window
  - at most one undo per entry; an undo cannot be undone
  - the entity must still be in the entry's "after" state, otherwise a
    later change would be silently overwritten
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/lock"
)

// QueryAudit lists entries oldest first.
func (e *Engine) QueryAudit(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	return e.store.QueryAudit(ctx, f)
}

func undoConflict(entry billing.AuditEntry, why string) error {
	return &billing.StateConflictError{Entity: "audit entry", ID: entry.ID, Status: why, Operation: "undo"}
}

// Undo reverts a manual change recorded by the audit entry with the given id.
func (e *Engine) Undo(ctx context.Context, auditID string, actor Actor, reason string) (billing.AuditEntry, error) {
	entry, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return billing.AuditEntry{}, err
	}
	if entry.Kind == billing.AuditUndo || entry.Action == billing.ActionUndo {
		return billing.AuditEntry{}, undoConflict(entry, "undo entries cannot be undone")
	}
	if !entry.Action.Undoable() || !entry.Success {
		return billing.AuditEntry{}, undoConflict(entry, "action "+string(entry.Action)+" is not undoable")
	}
	if e.now().Sub(entry.Timestamp) > e.opts.UndoWindow {
		return billing.AuditEntry{}, undoConflict(entry, "undo window expired")
	}

	keys, err := e.undoKeys(ctx, entry)
	if err != nil {
		return billing.AuditEntry{}, err
	}

	var undo billing.AuditEntry
	err = e.locked(ctx, keys, func(tx billing.Tx) error {
		done, err := tx.QueryAudit(ctx, billing.AuditFilter{OriginalLogID: entry.ID, Actions: []billing.AuditAction{billing.ActionUndo}, Limit: 1})
		if err != nil {
			return err
		}
		if len(done) > 0 {
			return undoConflict(entry, "already undone by "+done[0].ID)
		}

		switch entry.Action {
		case billing.ActionClassStatusChanged:
			err = e.undoClassStatus(ctx, tx, entry, actor)
		case billing.ActionInvoiceStatusChanged:
			err = e.undoInvoiceStatus(ctx, tx, entry, actor, reason)
		case billing.ActionGuardianHoursSet:
			err = e.undoGuardianHours(ctx, tx, entry)
		}
		if err != nil {
			return err
		}

		undo, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionUndo,
			kind:       billing.AuditUndo,
			entityType: entry.EntityType,
			entityID:   entry.EntityID,
			guardianID: entry.GuardianID,
			actor:      actor,
			before:     entry.After,
			after:      entry.Before,
			reason:     reason,
			metadata:   map[string]any{"undoneAction": string(entry.Action)},
			original:   entry.ID,
		})
		return err
	})
	if err != nil {
		return billing.AuditEntry{}, err
	}
	return undo, nil
}

func (e *Engine) undoKeys(ctx context.Context, entry billing.AuditEntry) ([]string, error) {
	switch entry.EntityType {
	case "class":
		c, err := e.store.GetClass(ctx, billing.ClassID(entry.EntityID))
		if err != nil {
			return nil, err
		}
		if c.IsLinked() {
			return invoiceKeys(*c.BilledInInvoiceID, c.GuardianID), nil
		}
		return guardianKeys(c.GuardianID), nil
	case "invoice":
		return invoiceKeys(billing.InvoiceID(entry.EntityID), entry.GuardianID), nil
	case "guardian":
		return []string{lock.GuardianKey(billing.GuardianID(entry.EntityID))}, nil
	}
	return nil, undoConflict(entry, "unknown entity type "+entry.EntityType)
}

func decodeStatus(raw json.RawMessage) (string, error) {
	var sc billing.StatusChange
	if err := json.Unmarshal(raw, &sc); err != nil {
		return "", fmt.Errorf("decode audit status: %w", err)
	}
	return sc.Status, nil
}

func (e *Engine) undoClassStatus(ctx context.Context, tx billing.Tx, entry billing.AuditEntry, actor Actor) error {
	before, err := decodeStatus(entry.Before)
	if err != nil {
		return err
	}
	after, err := decodeStatus(entry.After)
	if err != nil {
		return err
	}
	c, err := tx.GetClass(ctx, billing.ClassID(entry.EntityID))
	if err != nil {
		return err
	}
	if string(c.Status) != after {
		return undoConflict(entry, fmt.Sprintf("class is now %s, not %s", c.Status, after))
	}
	next := c.Clone()
	next.Status = billing.ClassStatus(before)
	if mb, ok := entry.Metadata["previousMissedBillable"].(bool); ok {
		next.MissedBillable = mb
	}
	_, err = e.applyClass(ctx, tx, next, actor)
	return err
}

func (e *Engine) undoInvoiceStatus(ctx context.Context, tx billing.Tx, entry billing.AuditEntry, actor Actor, reason string) error {
	before, err := decodeStatus(entry.Before)
	if err != nil {
		return err
	}
	after, err := decodeStatus(entry.After)
	if err != nil {
		return err
	}
	inv, err := tx.GetInvoice(ctx, billing.InvoiceID(entry.EntityID))
	if err != nil {
		return err
	}
	if string(inv.Status) != after {
		return undoConflict(entry, fmt.Sprintf("invoice is now %s, not %s", inv.Status, after))
	}

	now := e.now()
	if inv.Status == billing.InvoiceCancelled {
		if err := relinkClasses(ctx, tx, inv, now); err != nil {
			return err
		}
	}
	inv.Status = billing.InvoiceStatus(before)
	inv.AddActivity("undo", fmt.Sprintf("status restored from %s to %s: %s", after, before, reason), actor.orSystem().ID, now,
		map[string]any{"auditId": entry.ID})
	inv.UpdatedAt = now
	return tx.UpdateInvoice(ctx, inv)
}

// relinkClasses restores the invoice links released by a cancel. A class
// billed elsewhere in the meantime blocks the undo.
func relinkClasses(ctx context.Context, tx billing.Tx, inv *billing.Invoice, now time.Time) error {
	for _, it := range inv.Items {
		c, err := tx.GetClass(ctx, it.ClassID)
		if billing.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if c.IsLinked() && *c.BilledInInvoiceID != inv.ID {
			return &billing.StateConflictError{Entity: "class", ID: string(c.ID), Status: "billed on " + string(*c.BilledInInvoiceID), Operation: "relink"}
		}
		id := inv.ID
		c.BilledInInvoiceID = &id
		c.UpdatedAt = now
		if err := tx.SaveClass(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) undoGuardianHours(ctx context.Context, tx billing.Tx, entry billing.AuditEntry) error {
	var before, after billing.HoursSnapshot
	if err := json.Unmarshal(entry.Before, &before); err != nil {
		return fmt.Errorf("decode audit hours: %w", err)
	}
	if err := json.Unmarshal(entry.After, &after); err != nil {
		return fmt.Errorf("decode audit hours: %w", err)
	}
	target, err := decimal.NewFromString(before.TotalHours)
	if err != nil {
		return fmt.Errorf("decode audit hours: %w", err)
	}
	expected, err := decimal.NewFromString(after.TotalHours)
	if err != nil {
		return fmt.Errorf("decode audit hours: %w", err)
	}

	g, err := tx.GetGuardian(ctx, billing.GuardianID(entry.EntityID))
	if err != nil {
		return err
	}
	if !g.TotalHours.Equal(expected) || g.AutoTotalHours != after.AutoTotalHours {
		return undoConflict(entry, fmt.Sprintf("balance is now %s, not %s", g.TotalHours, expected))
	}
	_, err = tx.SetGuardianHours(ctx, g.GuardianID, target, before.AutoTotalHours, g.Mode, e.now())
	return err
}

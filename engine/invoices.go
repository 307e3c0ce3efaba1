/*
invoices.go - Invoice Lifecycle Manager

PURPOSE:
  Owns invoice state transitions, the publish-time snapshot freeze and
  payment application.

LIFECYCLE:
  draft -> sent -> partially_paid -> paid -> {adjusted, refunded}
  sent / partially_paid -> overdue (MarkOverdue)
  draft / sent / overdue -> cancelled (unpaid only)

SNAPSHOT:
  While draft, GuardianFinancial is refreshed from live settings
  (RefreshDraft) and the transfer fee is recomputed with the totals. Publish
  sets Frozen; nothing reads live settings for that invoice again.

PAYMENTS:
  Paid hours are recorded on every payment log so that reconciliation
  credits exactly what the incremental path credited:
    explicit paidHours, else  applied / total * billedHours
  The guardian balance moves in the same transaction and the log keeps the
  before/after values returned by that write.

OVERPAYMENT:
  reject (default): InvalidPaymentError
  credit: accepted; the excess is converted at the frozen rate and added
          to the same log's paidHours
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// =============================================================================
// GENERATE
// =============================================================================

type GenerateInput struct {
	GuardianID billing.GuardianID `json:"guardianId" validate:"required"`
	Period     billing.Period     `json:"period"`
	Coverage   billing.Coverage   `json:"coverage"`
	Discount   decimal.Decimal    `json:"discount"`
	LateFee    decimal.Decimal    `json:"lateFee"`
}

func (in GenerateInput) windowed() bool {
	return !in.Period.Start.IsZero() || !in.Period.End.IsZero()
}

func (in GenerateInput) validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	if in.windowed() && !in.Period.Valid() {
		return &billing.ValidationError{Field: "period", Message: "end is before start"}
	}
	if in.Discount.IsNegative() {
		return &billing.ValidationError{Field: "discount", Message: "must not be negative"}
	}
	if in.LateFee.IsNegative() {
		return &billing.ValidationError{Field: "lateFee", Message: "must not be negative"}
	}
	return in.Coverage.Validate()
}

// GenerateInvoice creates a draft from the guardian's unbilled classes in
// the period. Selected classes are linked to the new invoice.
func (e *Engine) GenerateInvoice(ctx context.Context, in GenerateInput, actor Actor) (*billing.Invoice, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Coverage.Strategy == "" {
		in.Coverage.Strategy = billing.CoverAll
	}
	gs, err := e.financialSettings(ctx, in.GuardianID)
	if err != nil {
		return nil, err
	}

	var out *billing.Invoice
	err = e.locked(ctx, guardianKeys(in.GuardianID), func(tx billing.Tx) error {
		now := e.now()
		if _, _, err := tx.CreateGuardian(ctx, in.GuardianID, now); err != nil {
			return err
		}
		classes, err := tx.ListClassesByGuardian(ctx, in.GuardianID)
		if err != nil {
			return err
		}
		var candidates []billing.Class
		for _, c := range classes {
			if !billing.Billable(c, in.Coverage) {
				continue
			}
			if in.windowed() && !in.Period.Contains(c.ScheduledAt) {
				continue
			}
			candidates = append(candidates, c)
		}
		selected := billing.SelectCoverage(candidates, in.Coverage)

		inv := &billing.Invoice{
			ID:                billing.InvoiceID(billing.NewID("inv")),
			GuardianID:        in.GuardianID,
			Status:            billing.InvoiceDraft,
			Period:            in.Period,
			DueDate:           now.AddDate(0, 0, gs.DueInDays),
			GuardianFinancial: gs.Financial(),
			Coverage:          in.Coverage,
			Discount:          billing.RoundMoney(in.Discount),
			TaxPercent:        gs.TaxPercent,
			LateFee:           billing.RoundMoney(in.LateFee),
			PaidAmount:        decimal.Zero,
			RefundedAmount:    decimal.Zero,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		for _, c := range selected {
			inv.Items = append(inv.Items, billing.NewItem(c, inv.GuardianFinancial.HourlyRate))
			id := inv.ID
			c.BilledInInvoiceID = &id
			c.UpdatedAt = now
			if err := tx.SaveClass(ctx, c); err != nil {
				return err
			}
		}
		inv.RecalculateTotals()
		inv.AddActivity("generated", fmt.Sprintf("draft generated with %d item(s)", len(inv.Items)), actor.orSystem().ID, now, nil)

		if err := tx.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionInvoiceGenerated,
			kind:       billing.AuditManual,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			after:      invoiceTotals(inv),
			metadata:   map[string]any{"items": len(inv.Items), "candidates": len(candidates)},
		})
		out = inv
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// PUBLISH
// =============================================================================

// PublishInvoice freezes the financial snapshot and moves a draft to sent.
func (e *Engine) PublishInvoice(ctx context.Context, id billing.InvoiceID, actor Actor) (*billing.Invoice, error) {
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		if inv.Status != billing.InvoiceDraft {
			return inv.Conflict("publish")
		}
		if len(inv.Items) == 0 {
			return &billing.EmptyInvoiceError{InvoiceID: inv.ID}
		}
		inv.RecalculateTotals()
		inv.GuardianFinancial.Frozen = true
		inv.GuardianFinancial.FrozenAt = &now
		inv.Status = billing.InvoiceSent
		inv.PublishedAt = &now
		inv.AddActivity("published", "invoice published, financial snapshot frozen", actor.orSystem().ID, now, nil)

		_, err := e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionInvoicePublished,
			kind:       billing.AuditManual,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			before:     billing.StatusChange{Status: string(billing.InvoiceDraft)},
			after:      invoiceTotals(inv),
		})
		return err
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentInput struct {
	Amount         decimal.Decimal       `json:"amount"`
	Method         billing.PaymentMethod `json:"method" validate:"required"`
	PaidHours      *decimal.Decimal      `json:"paidHours,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty" validate:"max=128"`
	Note           string                `json:"note,omitempty" validate:"max=500"`
	Overpayment    OverpaymentPolicy     `json:"overpayment,omitempty" validate:"omitempty,oneof=reject credit"`
}

func (in PaymentInput) validate(id billing.InvoiceID) error {
	if !in.Amount.IsPositive() {
		return &billing.InvalidPaymentError{InvoiceID: id, Reason: "amount must be positive"}
	}
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	if !in.Method.Valid() {
		return &billing.ValidationError{Field: "method", Message: "unknown payment method " + string(in.Method)}
	}
	if !in.Method.CreditsHours() {
		return &billing.InvalidPaymentError{InvoiceID: id, Reason: string(in.Method) + " is not a payment method; use an adjustment"}
	}
	if in.PaidHours != nil && in.PaidHours.IsNegative() {
		return &billing.ValidationError{Field: "paidHours", Message: "must not be negative"}
	}
	return nil
}

// ApplyPayment records a payment, credits the guardian and moves the invoice
// to partially_paid or paid.
func (e *Engine) ApplyPayment(ctx context.Context, id billing.InvoiceID, in PaymentInput, actor Actor) (*billing.Invoice, error) {
	policy := in.Overpayment
	if policy == "" {
		policy = e.opts.Overpayment
	}

	var change billing.BalanceChange
	inv, err := e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		if err := in.validate(inv.ID); err != nil {
			return err
		}
		if !inv.Status.AcceptsPayment() {
			return inv.Conflict("apply payment")
		}
		if inv.HasIdempotencyKey(in.IdempotencyKey) {
			return fmt.Errorf("%w: %s", billing.ErrDuplicateIdempotencyKey, in.IdempotencyKey)
		}

		if !inv.PaymentStarted() {
			inv.PaymentBasisHours = inv.BilledHours()
		}

		outstanding := inv.Outstanding()
		applied, excess := in.Amount, decimal.Zero
		if in.Amount.GreaterThan(outstanding) {
			if policy != OverpaymentCredit {
				return &billing.InvalidPaymentError{
					InvoiceID: inv.ID,
					Reason:    fmt.Sprintf("amount %s exceeds outstanding %s", in.Amount, outstanding),
				}
			}
			applied, excess = outstanding, in.Amount.Sub(outstanding)
		}

		hours, err := paymentHours(inv, in, applied, excess)
		if err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, in.IdempotencyKey, now); err != nil {
				return err
			}
		}
		if _, _, err := tx.CreateGuardian(ctx, inv.GuardianID, now); err != nil {
			return err
		}
		change, err = tx.AdjustGuardianHours(ctx, inv.GuardianID, hours, now)
		if err != nil {
			return err
		}

		actorID := actor.orSystem().ID
		inv.PaymentLogs = append(inv.PaymentLogs, billing.PaymentLog{
			ID:             billing.NewID("pay"),
			Amount:         in.Amount,
			Method:         in.Method,
			PaidHours:      &hours,
			ProcessedAt:    now,
			ProcessedBy:    actorID,
			IdempotencyKey: in.IdempotencyKey,
			Snapshot:       change.Snapshot(),
			Note:           in.Note,
		})
		inv.PaidAmount = billing.RoundMoney(inv.PaidAmount.Add(in.Amount))
		if inv.PaidAmount.GreaterThanOrEqual(inv.Total) {
			inv.Status = billing.InvoicePaid
			inv.PaidAt = &now
		} else {
			inv.Status = billing.InvoicePartiallyPaid
		}
		md := map[string]any{"amount": in.Amount.String(), "hours": hours.String(), "method": string(in.Method)}
		if excess.IsPositive() {
			md["credited_excess"] = excess.String()
		}
		inv.AddActivity("payment", fmt.Sprintf("payment of %s received (%s hours)", in.Amount, hours), actorID, now, md)

		_, err = e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionPaymentApplied,
			kind:       billing.AuditAutomated,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			before:     map[string]string{"guardianBalance": change.Before.String()},
			after:      map[string]string{"guardianBalance": change.After.String(), "status": string(inv.Status)},
			metadata:   md,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, billing.ErrNotFound) && !errors.Is(err, billing.ErrLockNotObtained) {
			e.auditFailure(ctx, auditRecord{
				action:     billing.ActionPaymentFailed,
				kind:       billing.AuditAutomated,
				entityType: "invoice",
				entityID:   string(id),
				actor:      actor,
				metadata:   map[string]any{"amount": in.Amount.String(), "method": string(in.Method)},
			}, err)
		}
		return nil, err
	}
	e.warnNegative(change, billing.ActionPaymentApplied)
	return inv, nil
}

// paymentHours returns the hours a payment credits. The invoice share is
// the difference of the cumulative shares before and after the payment, so
// the payments that settle an invoice credit exactly its basis hours.
func paymentHours(inv *billing.Invoice, in PaymentInput, applied, excess decimal.Decimal) (decimal.Decimal, error) {
	if in.PaidHours != nil {
		return billing.RoundHours(*in.PaidHours), nil
	}
	hours := decimal.Zero
	if inv.Total.IsPositive() {
		before := decimal.Min(inv.PaidAmount, inv.Total)
		after := decimal.Min(inv.PaidAmount.Add(applied), inv.Total)
		hours = basisShare(inv, after).Sub(basisShare(inv, before))
	}
	if excess.IsPositive() {
		rate := inv.GuardianFinancial.HourlyRate
		if !rate.IsPositive() {
			return decimal.Zero, &billing.InvalidPaymentError{InvoiceID: inv.ID, Reason: "no positive rate to convert the overpayment"}
		}
		hours = hours.Add(billing.RoundHours(excess.Div(rate)))
	}
	return hours, nil
}

// basisShare is the part of the frozen basis hours bought by paid.
func basisShare(inv *billing.Invoice, paid decimal.Decimal) decimal.Decimal {
	if paid.GreaterThanOrEqual(inv.Total) {
		return inv.PaymentBasisHours
	}
	return billing.RoundHours(paid.Div(inv.Total).Mul(inv.PaymentBasisHours))
}

// =============================================================================
// CANCEL, STATUS, OVERDUE
// =============================================================================

// CancelInvoice cancels an unpaid invoice and releases its classes for
// billing.
func (e *Engine) CancelInvoice(ctx context.Context, id billing.InvoiceID, actor Actor, reason string) (*billing.Invoice, error) {
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		before := inv.Status
		if err := e.cancel(ctx, tx, inv, actor, reason, now); err != nil {
			return err
		}
		_, err := e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionInvoiceCancelled,
			kind:       billing.AuditManual,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			before:     billing.StatusChange{Status: string(before)},
			after:      billing.StatusChange{Status: string(inv.Status)},
			reason:     reason,
		})
		return err
	})
}

func (e *Engine) cancel(ctx context.Context, tx billing.Tx, inv *billing.Invoice, actor Actor, reason string, now time.Time) error {
	if !inv.Status.CanTransitionTo(billing.InvoiceCancelled) || inv.PaymentStarted() {
		return inv.Conflict("cancel")
	}
	for _, it := range inv.Items {
		if err := unlinkClass(ctx, tx, it.ClassID, inv.ID, false, now); err != nil {
			return err
		}
	}
	inv.Status = billing.InvoiceCancelled
	inv.AddActivity("cancelled", "invoice cancelled: "+reason, actor.orSystem().ID, now, nil)
	return nil
}

// SetInvoiceStatus is the manual, undoable status change. Allowed targets
// are overdue and cancelled, subject to the transition table.
func (e *Engine) SetInvoiceStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus, actor Actor, reason string) (*billing.Invoice, error) {
	if status != billing.InvoiceOverdue && status != billing.InvoiceCancelled {
		return nil, &billing.ValidationError{Field: "status", Message: "manual status must be overdue or cancelled"}
	}
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		before := inv.Status
		switch status {
		case billing.InvoiceCancelled:
			if err := e.cancel(ctx, tx, inv, actor, reason, now); err != nil {
				return err
			}
		default:
			if !inv.Status.CanTransitionTo(status) {
				return inv.Conflict("mark " + string(status))
			}
			inv.Status = status
			inv.AddActivity("status", fmt.Sprintf("status changed from %s to %s", before, status), actor.orSystem().ID, now, nil)
		}
		_, err := e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionInvoiceStatusChanged,
			kind:       billing.AuditManual,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			before:     billing.StatusChange{Status: string(before)},
			after:      billing.StatusChange{Status: string(status)},
			reason:     reason,
		})
		return err
	})
}

// MarkOverdue moves every sent or partially paid invoice whose due date is
// before now to overdue. Returns the ids that changed.
func (e *Engine) MarkOverdue(ctx context.Context, now time.Time) ([]billing.InvoiceID, error) {
	candidates, err := e.store.ListInvoicesByStatus(ctx, billing.InvoiceSent, billing.InvoicePartiallyPaid)
	if err != nil {
		return nil, err
	}
	var changed []billing.InvoiceID
	for _, c := range candidates {
		if c.DueDate.IsZero() || !c.DueDate.Before(now) {
			continue
		}
		moved := false
		_, err := e.mutateInvoice(ctx, c.ID, func(tx billing.Tx, inv *billing.Invoice, at time.Time) error {
			if !inv.DueDate.Before(now) || !inv.Status.CanTransitionTo(billing.InvoiceOverdue) {
				return nil
			}
			before := inv.Status
			inv.Status = billing.InvoiceOverdue
			inv.AddActivity("overdue", "due date passed", System.ID, at, nil)
			moved = true
			_, err := e.writeAudit(ctx, tx, auditRecord{
				action:     billing.ActionInvoiceOverdue,
				kind:       billing.AuditAutomated,
				entityType: "invoice",
				entityID:   string(inv.ID),
				guardianID: inv.GuardianID,
				actor:      System,
				before:     billing.StatusChange{Status: string(before)},
				after:      billing.StatusChange{Status: string(inv.Status)},
			})
			return err
		})
		if err != nil {
			return changed, err
		}
		if moved {
			changed = append(changed, c.ID)
		}
	}
	return changed, nil
}

// =============================================================================
// DRAFT EDITING
// =============================================================================

// AddClassToDraft bills one more class on a draft invoice.
func (e *Engine) AddClassToDraft(ctx context.Context, id billing.InvoiceID, classID billing.ClassID, actor Actor) (*billing.Invoice, error) {
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		if inv.Status != billing.InvoiceDraft {
			return inv.Conflict("add items to")
		}
		c, err := tx.GetClass(ctx, classID)
		if err != nil {
			return err
		}
		if c.GuardianID != inv.GuardianID {
			return &billing.ValidationError{Field: "classId", Message: "class belongs to another guardian"}
		}
		if !billing.Billable(c, inv.Coverage) {
			return &billing.StateConflictError{Entity: "class", ID: string(c.ID), Status: string(c.Status), Operation: "bill"}
		}
		if !billing.CoverageAllows(inv.Coverage, inv.BilledHours(), c.Hours()) {
			return &billing.ValidationError{Field: "coverage", Message: "class would exceed the coverage cap"}
		}

		inv.Items = append(inv.Items, billing.NewItem(c, inv.GuardianFinancial.HourlyRate))
		linked := inv.ID
		c.BilledInInvoiceID = &linked
		c.UpdatedAt = now
		if err := tx.SaveClass(ctx, c); err != nil {
			return err
		}
		inv.RecalculateTotals()
		return e.itemsChanged(ctx, tx, inv, actor, "added", c.ID, now)
	})
}

// RemoveItemFromDraft drops an item from a draft and releases its class.
func (e *Engine) RemoveItemFromDraft(ctx context.Context, id billing.InvoiceID, itemID billing.ItemID, actor Actor) (*billing.Invoice, error) {
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		if inv.Status != billing.InvoiceDraft {
			return inv.Conflict("remove items from")
		}
		i, ok := inv.FindItem(itemID)
		if !ok {
			return billing.NewNotFound("item", string(itemID))
		}
		item := inv.Items[i]
		inv.Items = append(inv.Items[:i], inv.Items[i+1:]...)
		if err := unlinkClass(ctx, tx, item.ClassID, inv.ID, false, now); err != nil {
			return err
		}
		inv.RecalculateTotals()
		return e.itemsChanged(ctx, tx, inv, actor, "removed", item.ClassID, now)
	})
}

// RefreshDraft re-reads live settings into an unpublished invoice.
func (e *Engine) RefreshDraft(ctx context.Context, id billing.InvoiceID, actor Actor) (*billing.Invoice, error) {
	current, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	gs, err := e.financialSettings(ctx, current.GuardianID)
	if err != nil {
		return nil, err
	}
	return e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
		if inv.Status != billing.InvoiceDraft || inv.GuardianFinancial.Frozen {
			return inv.Conflict("refresh")
		}
		before := invoiceTotals(inv)
		inv.GuardianFinancial = gs.Financial()
		inv.TaxPercent = gs.TaxPercent
		inv.RepriceItems()
		inv.RecalculateTotals()
		inv.AddActivity("refreshed", "draft repriced from current settings", actor.orSystem().ID, now, nil)
		_, err := e.writeAudit(ctx, tx, auditRecord{
			action:     billing.ActionInvoiceItemsChanged,
			kind:       billing.AuditManual,
			entityType: "invoice",
			entityID:   string(inv.ID),
			guardianID: inv.GuardianID,
			actor:      actor,
			before:     before,
			after:      invoiceTotals(inv),
			metadata:   map[string]any{"change": "refresh"},
		})
		return err
	})
}

func (e *Engine) itemsChanged(ctx context.Context, tx billing.Tx, inv *billing.Invoice, actor Actor, verb string, classID billing.ClassID, now time.Time) error {
	inv.AddActivity("items", fmt.Sprintf("class %s %s", classID, verb), actor.orSystem().ID, now, map[string]any{"classId": string(classID)})
	_, err := e.writeAudit(ctx, tx, auditRecord{
		action:     billing.ActionInvoiceItemsChanged,
		kind:       billing.AuditManual,
		entityType: "invoice",
		entityID:   string(inv.ID),
		guardianID: inv.GuardianID,
		actor:      actor,
		after:      invoiceTotals(inv),
		metadata:   map[string]any{"change": verb, "classId": string(classID)},
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// GetInvoice returns an invoice by id.
func (e *Engine) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

func (e *Engine) ListInvoices(ctx context.Context, guardianID billing.GuardianID) ([]*billing.Invoice, error) {
	return e.store.ListInvoicesByGuardian(ctx, guardianID)
}

// mutateInvoice locks the invoice and its guardian, reloads the invoice in a
// transaction, runs fn and persists the result.
func (e *Engine) mutateInvoice(ctx context.Context, id billing.InvoiceID, fn func(tx billing.Tx, inv *billing.Invoice, now time.Time) error) (*billing.Invoice, error) {
	current, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *billing.Invoice
	err = e.locked(ctx, invoiceKeys(id, current.GuardianID), func(tx billing.Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Deleted {
			return billing.NewNotFound("invoice", string(id))
		}
		now := e.now()
		if err := fn(tx, inv, now); err != nil {
			return err
		}
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// unlinkClass clears a class's invoice link if it points at inv. A missing
// class is ignored; it may have been deleted after billing.
func unlinkClass(ctx context.Context, tx billing.Tx, classID billing.ClassID, inv billing.InvoiceID, notBillable bool, now time.Time) error {
	c, err := tx.GetClass(ctx, classID)
	if billing.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.BilledInInvoiceID == nil || *c.BilledInInvoiceID != inv {
		return nil
	}
	c.BilledInInvoiceID = nil
	c.NotBillable = c.NotBillable || notBillable
	c.UpdatedAt = now
	return tx.SaveClass(ctx, c)
}

// invoiceTotals is the audit payload for invoice amount changes.
func invoiceTotals(inv *billing.Invoice) map[string]string {
	return map[string]string{
		"status":      string(inv.Status),
		"subtotal":    inv.Subtotal.String(),
		"transferFee": inv.GuardianFinancial.TransferFee.Amount.String(),
		"total":       inv.Total.String(),
		"paidAmount":  inv.PaidAmount.String(),
		"hourlyRate":  inv.GuardianFinancial.HourlyRate.String(),
		"billedHours": inv.BilledHours().String(),
	}
}

/*
adjustments.go - Adjustment Engine (post-payment corrections)

PURPOSE:
  Corrects paid invoices without rewriting them. The frozen financial
  snapshot is never touched; every correction appends an Adjustment, an
  activity entry, an audit entry and, for refunds, a payment log with
  method "refund".

TYPES:
  reduction:
    The amount owed drops by Amount and the money is refunded. Hours are
    clawed back when RefundHours is given (or ClawBack converts Amount at
    the frozen rate). The adjustment's HoursDelta is -hours.
  removeLessons:
    Items move to removedItems and their classes are released as not
    billable. Mode decides the effect:
      refund      money back, hours unaffected
      compensate  hours restored (HoursDelta = +item hours), no money
      both        both of the above

LEDGER:
  ComputeCreditedHours adds every HoursDelta, so reconciliation reproduces
  the balance the adjustment produced. Refund logs never credit hours.

NEGATIVE BALANCES:
  Allowed. A claw-back that takes the guardian below zero is still applied;
  operators are notified.

STATUS:
  reduction              -> adjusted
  removeLessons          -> adjusted, or refunded when no items remain and
                            money was returned
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/notify"
)

type AdjustmentInput struct {
	Type        billing.AdjustmentType `json:"type" validate:"required,oneof=reduction removeLessons"`
	Amount      decimal.Decimal        `json:"amount"`
	RefundHours *decimal.Decimal       `json:"refundHours,omitempty"`
	ClawBack    bool                   `json:"clawBack,omitempty"`
	ItemIDs     []billing.ItemID       `json:"itemIds,omitempty"`
	Mode        billing.RemovalMode    `json:"mode,omitempty" validate:"omitempty,oneof=refund compensate both"`
	Reason      string                 `json:"reason" validate:"max=500"`
}

func (in AdjustmentInput) validate() error {
	if err := validate.Struct(in); err != nil {
		return validationError(err)
	}
	switch in.Type {
	case billing.AdjustReduction:
		if !in.Amount.IsPositive() {
			return &billing.ValidationError{Field: "amount", Message: "reduction amount must be positive"}
		}
		if in.RefundHours != nil && in.RefundHours.IsNegative() {
			return &billing.ValidationError{Field: "refundHours", Message: "must not be negative"}
		}
	case billing.AdjustRemoveLessons:
		if len(in.ItemIDs) == 0 {
			return &billing.ValidationError{Field: "itemIds", Message: "at least one item is required"}
		}
		if in.Mode == "" {
			return &billing.ValidationError{Field: "mode", Message: "required for removeLessons"}
		}
	}
	return nil
}

// AdjustmentResult is the invoice after the correction plus the balance
// change it caused.
type AdjustmentResult struct {
	Invoice    *billing.Invoice      `json:"invoice"`
	Adjustment billing.Adjustment    `json:"adjustment"`
	Balance    billing.BalanceChange `json:"balance"`
}

// ApplyPostPaymentAdjustment applies a reduction or a lesson removal to a
// paid invoice.
func (e *Engine) ApplyPostPaymentAdjustment(ctx context.Context, id billing.InvoiceID, in AdjustmentInput, actor Actor) (AdjustmentResult, error) {
	var res AdjustmentResult
	err := in.validate()
	if err == nil {
		res.Invoice, err = e.mutateInvoice(ctx, id, func(tx billing.Tx, inv *billing.Invoice, now time.Time) error {
			if !inv.Status.Adjustable() {
				return inv.Conflict("adjust")
			}
			var err error
			switch in.Type {
			case billing.AdjustReduction:
				res.Adjustment, res.Balance, err = e.reduce(ctx, tx, inv, in, actor, now)
			default:
				res.Adjustment, res.Balance, err = e.removeLessons(ctx, tx, inv, in, actor, now)
			}
			if err != nil {
				return err
			}

			entry, err := e.writeAudit(ctx, tx, auditRecord{
				action:     billing.ActionAdjustmentApplied,
				kind:       billing.AuditAutomated,
				entityType: "invoice",
				entityID:   string(inv.ID),
				guardianID: inv.GuardianID,
				actor:      actor,
				before:     map[string]string{"guardianBalance": res.Balance.Before.String()},
				after:      map[string]string{"guardianBalance": res.Balance.After.String(), "status": string(inv.Status), "total": inv.Total.String()},
				reason:     in.Reason,
				metadata: map[string]any{
					"adjustmentId": res.Adjustment.ID,
					"type":         string(in.Type),
					"amount":       res.Adjustment.Amount.String(),
					"hoursDelta":   res.Adjustment.HoursDelta.String(),
				},
			})
			if err != nil {
				return err
			}
			inv.AddActivity("adjustment", describeAdjustment(res.Adjustment), actor.orSystem().ID, now,
				map[string]any{"adjustmentId": res.Adjustment.ID, "auditId": entry.ID})
			return nil
		})
	}
	if err != nil {
		if !errors.Is(err, billing.ErrLockNotObtained) && !invoiceNotFound(err) {
			e.auditFailure(ctx, auditRecord{
				action:     billing.ActionAdjustmentFailed,
				kind:       billing.AuditAutomated,
				entityType: "invoice",
				entityID:   string(id),
				actor:      actor,
				reason:     in.Reason,
				metadata:   map[string]any{"type": string(in.Type)},
			}, err)
		}
		return AdjustmentResult{}, err
	}

	e.warnNegative(res.Balance, billing.ActionAdjustmentApplied)
	e.send(ctx, e.adjustmentNotifications(res))
	return res, nil
}

func (e *Engine) reduce(ctx context.Context, tx billing.Tx, inv *billing.Invoice, in AdjustmentInput, actor Actor, now time.Time) (billing.Adjustment, billing.BalanceChange, error) {
	refundable := inv.PaidAmount.Sub(inv.RefundedAmount)
	if in.Amount.GreaterThan(refundable) {
		return billing.Adjustment{}, billing.BalanceChange{}, &billing.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("reduction %s exceeds refundable %s", in.Amount, refundable),
		}
	}

	hours := decimal.Zero
	switch {
	case in.RefundHours != nil:
		hours = billing.RoundHours(*in.RefundHours)
	case in.ClawBack:
		rate := inv.GuardianFinancial.HourlyRate
		if !rate.IsPositive() {
			return billing.Adjustment{}, billing.BalanceChange{}, &billing.ValidationError{Field: "clawBack", Message: "invoice has no positive rate"}
		}
		hours = billing.RoundHours(in.Amount.Div(rate))
	}

	change, err := tx.AdjustGuardianHours(ctx, inv.GuardianID, hours.Neg(), now)
	if err != nil {
		return billing.Adjustment{}, change, err
	}

	amount := billing.RoundMoney(in.Amount)
	adj := billing.Adjustment{
		ID:         billing.NewID("adj"),
		Type:       billing.AdjustReduction,
		Amount:     amount,
		HoursDelta: hours.Neg(),
		Reason:     in.Reason,
		Actor:      actor.orSystem().ID,
		At:         now,
	}
	inv.Adjustments = append(inv.Adjustments, adj)
	e.appendRefund(inv, amount, change, adj, actor, now)
	inv.ForceRecalculateTotals()
	inv.Status = billing.InvoiceAdjusted
	return adj, change, nil
}

// invoiceNotFound is true when the invoice itself is missing. An unknown
// item on an existing invoice is still a failed adjustment.
func invoiceNotFound(err error) bool {
	var nf *billing.NotFoundError
	return errors.As(err, &nf) && nf.Entity == "invoice"
}

func (e *Engine) removeLessons(ctx context.Context, tx billing.Tx, inv *billing.Invoice, in AdjustmentInput, actor Actor, now time.Time) (billing.Adjustment, billing.BalanceChange, error) {
	remove := make(map[billing.ItemID]bool, len(in.ItemIDs))
	for _, id := range in.ItemIDs {
		if _, ok := inv.FindItem(id); !ok {
			return billing.Adjustment{}, billing.BalanceChange{}, billing.NewNotFound("item", string(id))
		}
		remove[id] = true
	}

	var kept, removed []billing.Item
	amount, hours := decimal.Zero, decimal.Zero
	for _, it := range inv.Items {
		if !remove[it.ID] {
			kept = append(kept, it)
			continue
		}
		removed = append(removed, it)
		amount = amount.Add(it.Amount)
		hours = hours.Add(it.Hours)
	}

	var classIDs []billing.ClassID
	for _, it := range removed {
		classIDs = append(classIDs, it.ClassID)
		if err := unlinkClass(ctx, tx, it.ClassID, inv.ID, true, now); err != nil {
			return billing.Adjustment{}, billing.BalanceChange{}, err
		}
	}

	refund := decimal.Zero
	if in.Mode.Refunds() {
		refund = billing.RoundMoney(decimal.Min(amount, inv.PaidAmount.Sub(inv.RefundedAmount)))
	}
	restored := decimal.Zero
	if in.Mode.Compensates() {
		restored = billing.RoundHours(hours)
	}

	change, err := tx.AdjustGuardianHours(ctx, inv.GuardianID, restored, now)
	if err != nil {
		return billing.Adjustment{}, change, err
	}

	adj := billing.Adjustment{
		ID:         billing.NewID("adj"),
		Type:       billing.AdjustRemoveLessons,
		Amount:     refund,
		HoursDelta: restored,
		ClassIDs:   classIDs,
		Mode:       in.Mode,
		Reason:     in.Reason,
		Actor:      actor.orSystem().ID,
		At:         now,
	}
	inv.Items = kept
	inv.RemovedItems = append(inv.RemovedItems, removed...)
	inv.Adjustments = append(inv.Adjustments, adj)
	if refund.IsPositive() {
		e.appendRefund(inv, refund, change, adj, actor, now)
	}
	inv.ForceRecalculateTotals()

	if len(inv.Items) == 0 && inv.RefundedAmount.IsPositive() {
		inv.Status = billing.InvoiceRefunded
	} else {
		inv.Status = billing.InvoiceAdjusted
	}
	return adj, change, nil
}

// appendRefund records money returned to the guardian. The log carries the
// balance snapshot of the adjustment's own balance write.
func (e *Engine) appendRefund(inv *billing.Invoice, amount decimal.Decimal, change billing.BalanceChange, adj billing.Adjustment, actor Actor, now time.Time) {
	inv.PaymentLogs = append(inv.PaymentLogs, billing.PaymentLog{
		ID:          billing.NewID("pay"),
		Amount:      amount,
		Method:      billing.MethodRefund,
		ProcessedAt: now,
		ProcessedBy: actor.orSystem().ID,
		Snapshot:    change.Snapshot(),
		Note:        "adjustment " + adj.ID,
	})
	inv.RefundedAmount = billing.RoundMoney(inv.RefundedAmount.Add(amount))
}

func describeAdjustment(a billing.Adjustment) string {
	switch a.Type {
	case billing.AdjustReduction:
		return fmt.Sprintf("reduction of %s, %s hours clawed back", a.Amount, a.HoursDelta.Neg())
	default:
		return fmt.Sprintf("%d lesson(s) removed (%s): %s refunded, %s hours restored", len(a.ClassIDs), a.Mode, a.Amount, a.HoursDelta)
	}
}

func (e *Engine) adjustmentNotifications(res AdjustmentResult) []notify.Notification {
	if res.Adjustment.HoursDelta.IsZero() {
		return nil
	}
	md := map[string]any{
		"invoiceId":    string(res.Invoice.ID),
		"adjustmentId": res.Adjustment.ID,
		"hoursDelta":   res.Adjustment.HoursDelta.String(),
		"balance":      res.Balance.After.String(),
	}
	out := []notify.Notification{{
		Recipient: string(res.Invoice.GuardianID),
		Title:     "Hour balance adjusted",
		Message:   fmt.Sprintf("%s. Your balance is now %s hours.", describeAdjustment(res.Adjustment), res.Balance.After),
		Metadata:  md,
	}}
	if res.Balance.WentNegative() {
		out = append(out, notify.Notification{
			Recipient: e.opts.OperatorRecipient,
			Title:     "Guardian balance negative",
			Message:   fmt.Sprintf("guardian %s is at %s hours after adjustment %s", res.Invoice.GuardianID, res.Balance.After, res.Adjustment.ID),
			Metadata:  md,
		})
	}
	return out
}

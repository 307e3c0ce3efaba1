package billing

import (
	"encoding/json"
	"time"
)

// =============================================================================
// AUDIT LOG - Append-only, tracks who did what when
// =============================================================================

type AuditKind string

const (
	AuditAutomated AuditKind = "automated" // balance adjustments made by the engine
	AuditManual    AuditKind = "manual"    // status changes made by an operator
	AuditUndo      AuditKind = "undo"
)

type AuditAction string

const (
	ActionClassBalanceAdjusted AuditAction = "class_balance_adjusted"
	ActionClassStatusChanged   AuditAction = "class_status_changed"
	ActionClassDeleted         AuditAction = "class_deleted"
	ActionInvoiceGenerated     AuditAction = "invoice_generated"
	ActionInvoicePublished     AuditAction = "invoice_published"
	ActionInvoiceStatusChanged AuditAction = "invoice_status_changed"
	ActionInvoiceCancelled     AuditAction = "invoice_cancelled"
	ActionInvoiceOverdue       AuditAction = "invoice_overdue"
	ActionInvoiceItemsChanged  AuditAction = "invoice_items_changed"
	ActionPaymentApplied       AuditAction = "payment_applied"
	ActionPaymentFailed        AuditAction = "payment_failed"
	ActionAdjustmentApplied    AuditAction = "adjustment_applied"
	ActionAdjustmentFailed     AuditAction = "adjustment_failed"
	ActionReconciled           AuditAction = "guardian_reconciled"
	ActionGuardianHoursSet     AuditAction = "guardian_hours_set"
	ActionGuardianHoursAdjust  AuditAction = "guardian_hours_adjusted"
	ActionGuardianZeroed       AuditAction = "guardian_zeroed"
	ActionUndo                 AuditAction = "undo"
)

// Undoable reports whether entries with this action can be reverted through
// the audit log. Automated balance adjustments are corrected through the
// adjustment engine instead.
func (a AuditAction) Undoable() bool {
	switch a {
	case ActionClassStatusChanged, ActionInvoiceStatusChanged, ActionGuardianHoursSet:
		return true
	}
	return false
}

// AuditEntry is immutable once written. Corrections are new entries that
// reference the original through OriginalLogID.
type AuditEntry struct {
	ID            string          `json:"id"`
	Action        AuditAction     `json:"action"`
	Kind          AuditKind       `json:"kind"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	GuardianID    GuardianID      `json:"guardianId,omitempty"`
	Actor         string          `json:"actor"`
	ActorRole     string          `json:"actorRole,omitempty"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Success       bool            `json:"success"`
	Timestamp     time.Time       `json:"timestamp"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	OriginalLogID string          `json:"originalLogId,omitempty"`
}

// NewAuditEntry fills id and timestamp and marshals before/after.
func NewAuditEntry(action AuditAction, kind AuditKind, entityType, entityID string, before, after any, at time.Time) (AuditEntry, error) {
	b, err := marshalRaw(before)
	if err != nil {
		return AuditEntry{}, err
	}
	a, err := marshalRaw(after)
	if err != nil {
		return AuditEntry{}, err
	}
	return AuditEntry{
		ID:         NewID("aud"),
		Action:     action,
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     b,
		After:      a,
		Success:    true,
		Timestamp:  at,
	}, nil
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// AuditFilter selects entries. Zero fields match everything.
type AuditFilter struct {
	EntityType    string
	EntityID      string
	GuardianID    GuardianID
	Actor         string
	Actions       []AuditAction
	OriginalLogID string
	From          *time.Time
	To            *time.Time
	Limit         int
}

// Matches applies the filter to a single entry.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.GuardianID != "" && e.GuardianID != f.GuardianID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.OriginalLogID != "" && e.OriginalLogID != f.OriginalLogID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// StatusChange is the before/after payload of a manual status change.
type StatusChange struct {
	Status string `json:"status"`
}

// HoursSnapshot is the before/after payload of a manual hours set.
type HoursSnapshot struct {
	TotalHours     string `json:"totalHours"`
	AutoTotalHours bool   `json:"autoTotalHours"`
}

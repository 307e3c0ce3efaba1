/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures exchanged with the back-office frontend.
  Engine input types (GenerateInput, PaymentInput, AdjustmentInput) are
  decoded directly; the types here cover the rest.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator tags and are checked by decode() in
  handlers.go before reaching the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/: input and result types
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// =============================================================================
// GUARDIANS
// =============================================================================

// GuardianDTO is a guardian balance with its per-student rows.
type GuardianDTO struct {
	billing.GuardianBalance
	Students []billing.StudentBalance `json:"students"`
}

// HoursOp selects between pinning a balance and moving it by a delta.
type HoursOp string

const (
	HoursSet    HoursOp = "set"
	HoursAdjust HoursOp = "adjust"
)

// HoursRequest is the body of POST /api/guardians/{id}/hours.
type HoursRequest struct {
	Op            HoursOp         `json:"op" validate:"required,oneof=set adjust"`
	Hours         decimal.Decimal `json:"hours"`
	AllowNegative bool            `json:"allowNegative,omitempty"`
	Reason        string          `json:"reason" validate:"max=500"`
}

// ReconcileRequest is the body of POST /api/guardians/{id}/reconcile.
// An empty body is a billing-mode dry run.
type ReconcileRequest struct {
	Mode   billing.BalanceMode `json:"mode" validate:"omitempty,oneof=billing students"`
	DryRun *bool               `json:"dryRun,omitempty"`
}

func (r ReconcileRequest) dryRun() bool {
	return r.DryRun == nil || *r.DryRun
}

// =============================================================================
// CLASSES
// =============================================================================

// ClassStatusRequest is the body of POST /api/classes/{id}/status.
type ClassStatusRequest struct {
	Status         billing.ClassStatus `json:"status" validate:"required"`
	MissedBillable *bool               `json:"missedBillable,omitempty"`
	Reason         string              `json:"reason" validate:"max=500"`
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceStatusRequest is the body of POST /api/invoices/{id}/status.
type InvoiceStatusRequest struct {
	Status billing.InvoiceStatus `json:"status" validate:"required"`
	Reason string                `json:"reason" validate:"max=500"`
}

// ReasonRequest carries an optional free-text reason (cancel, undo).
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// AddItemRequest is the body of POST /api/invoices/{id}/items.
type AddItemRequest struct {
	ClassID billing.ClassID `json:"classId" validate:"required"`
}

// OverdueDTO lists invoices moved to overdue by one sweep.
type OverdueDTO struct {
	Count    int                 `json:"count"`
	Invoices []billing.InvoiceID `json:"invoices"`
}

// DeletedClassDTO is returned by DELETE /api/classes/{id}. Balance is nil
// when the class had no ledger effect.
type DeletedClassDTO struct {
	ClassID billing.ClassID        `json:"classId"`
	Balance *billing.BalanceChange `json:"balance"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

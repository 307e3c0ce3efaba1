/*
invoice.go - Invoice document and its embedded sub-records

PURPOSE:
  An invoice bills a guardian for a set of classes. It carries everything
  needed to explain its numbers later: the frozen financial snapshot, the
  payment log, the activity narrative and the post-payment adjustments.

KEY CONCEPTS:
  GuardianFinancial: rate, transfer fee and exchange values copied from
    settings. Recomputed while draft, frozen at publish, never touched again.
  PaymentLog: one entry per payment or refund, each with the guardian
    balance before and after, captured in the same write.
  Adjustment: a post-payment correction. Its HoursDelta is part of the
    credited-hours ledger, so reconciliation reproduces it.

HISTORY:
  PaymentLogs, ActivityLog and Adjustments are append-only. Removed items
  move to RemovedItems instead of disappearing.

SEE ALSO:
  - totals.go: subtotal / tax / fee / total calculation
  - ledger.go: how payments become credited hours
  - engine/invoices.go: lifecycle operations
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FINANCIAL SNAPSHOT
// =============================================================================

type FeeMode string

const (
	FeeNone    FeeMode = "none"
	FeeFixed   FeeMode = "fixed"
	FeePercent FeeMode = "percent"
)

func (m FeeMode) Valid() bool {
	return m == FeeNone || m == FeeFixed || m == FeePercent
}

// TransferFee is the fee policy plus the computed amount.
type TransferFee struct {
	Mode   FeeMode         `json:"mode"`
	Value  decimal.Decimal `json:"value"`
	Amount decimal.Decimal `json:"amount"`
	Waived bool            `json:"waived"`
}

// GuardianFinancial is the per-invoice copy of the guardian's financial
// settings.
type GuardianFinancial struct {
	HourlyRate   decimal.Decimal `json:"hourlyRate"`
	TransferFee  TransferFee     `json:"transferFee"`
	Currency     string          `json:"currency"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
	Frozen       bool            `json:"frozen"`
	FrozenAt     *time.Time      `json:"frozenAt,omitempty"`
}

// =============================================================================
// COVERAGE
// =============================================================================

type CoverageStrategy string

const (
	CoverAll      CoverageStrategy = "all"
	CoverCapHours CoverageStrategy = "cap_hours"
)

// Coverage decides which candidate classes end up on the invoice.
type Coverage struct {
	Strategy         CoverageStrategy `json:"strategy"`
	MaxHours         decimal.Decimal  `json:"maxHours"`
	WaiveTransferFee bool             `json:"waiveTransferFee"`

	// IncludeScheduled bills classes that have not happened yet (prepaid).
	IncludeScheduled bool `json:"includeScheduled"`
}

func (c Coverage) Validate() error {
	switch c.Strategy {
	case "", CoverAll:
		return nil
	case CoverCapHours:
		if !c.MaxHours.IsPositive() {
			return &ValidationError{Field: "coverage.maxHours", Message: "must be positive for cap_hours"}
		}
		return nil
	}
	return &ValidationError{Field: "coverage.strategy", Message: "unknown strategy " + string(c.Strategy)}
}

// =============================================================================
// ITEMS, PAYMENTS, ACTIVITY, ADJUSTMENTS
// =============================================================================

// Item is one billed class.
type Item struct {
	ID              ItemID          `json:"id"`
	ClassID         ClassID         `json:"classId"`
	StudentID       StudentID       `json:"studentId,omitempty"`
	StudentName     string          `json:"studentName,omitempty"`
	Date            time.Time       `json:"date"`
	DurationMinutes int             `json:"duration"`
	Hours           decimal.Decimal `json:"hours"`
	Amount          decimal.Decimal `json:"amount"`
	ClassStatus     ClassStatus     `json:"classStatus"`
}

type PaymentMethod string

const (
	MethodCash            PaymentMethod = "cash"
	MethodBankTransfer    PaymentMethod = "bank_transfer"
	MethodCard            PaymentMethod = "card"
	MethodPaypal          PaymentMethod = "paypal"
	MethodWallet          PaymentMethod = "wallet"
	MethodManual          PaymentMethod = "manual"
	MethodRefund          PaymentMethod = "refund"
	MethodTipDistribution PaymentMethod = "tip_distribution"
)

var paymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodBankTransfer: true, MethodCard: true, MethodPaypal: true,
	MethodWallet: true, MethodManual: true, MethodRefund: true, MethodTipDistribution: true,
}

func (m PaymentMethod) Valid() bool { return paymentMethods[m] }

// CreditsHours reports whether payments with this method enter the ledger.
func (m PaymentMethod) CreditsHours() bool {
	return m != MethodRefund && m != MethodTipDistribution
}

// BalanceSnapshot is the guardian balance around a write.
type BalanceSnapshot struct {
	GuardianBalanceBefore decimal.Decimal `json:"guardianBalanceBefore"`
	GuardianBalanceAfter  decimal.Decimal `json:"guardianBalanceAfter"`
}

type PaymentLog struct {
	ID             string           `json:"id"`
	Amount         decimal.Decimal  `json:"amount"`
	Method         PaymentMethod    `json:"method"`
	PaidHours      *decimal.Decimal `json:"paidHours,omitempty"`
	ProcessedAt    time.Time        `json:"processedAt"`
	ProcessedBy    string           `json:"processedBy"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	Snapshot       BalanceSnapshot  `json:"snapshot"`
	Note           string           `json:"note,omitempty"`
}

// ActivityEntry is a line of the invoice's human-readable history.
type ActivityEntry struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Message  string         `json:"message"`
	Actor    string         `json:"actor"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type AdjustmentType string

const (
	AdjustReduction     AdjustmentType = "reduction"
	AdjustRemoveLessons AdjustmentType = "removeLessons"
)

// RemovalMode selects the effect of removing lessons from a paid invoice.
type RemovalMode string

const (
	RemoveRefund     RemovalMode = "refund"     // money back, hours unaffected
	RemoveCompensate RemovalMode = "compensate" // hours restored, no money
	RemoveBoth       RemovalMode = "both"
)

func (m RemovalMode) Refunds() bool    { return m == RemoveRefund || m == RemoveBoth }
func (m RemovalMode) Compensates() bool { return m == RemoveCompensate || m == RemoveBoth }

// Adjustment records one post-payment correction. Amount is money returned
// to the guardian; HoursDelta is the change in credited hours.
type Adjustment struct {
	ID         string          `json:"id"`
	Type       AdjustmentType  `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	HoursDelta decimal.Decimal `json:"hoursDelta"`
	ClassIDs   []ClassID       `json:"classIds,omitempty"`
	Mode       RemovalMode     `json:"mode,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Actor      string          `json:"actor"`
	At         time.Time       `json:"at"`
}

// =============================================================================
// INVOICE
// =============================================================================

type Invoice struct {
	ID         InvoiceID     `json:"id"`
	GuardianID GuardianID    `json:"guardianId"`
	Status     InvoiceStatus `json:"status"`
	Period     Period        `json:"period"`
	DueDate    time.Time     `json:"dueDate"`

	Items             []Item            `json:"items"`
	RemovedItems      []Item            `json:"removedItems,omitempty"`
	GuardianFinancial GuardianFinancial `json:"guardianFinancial"`
	Coverage          Coverage          `json:"coverage"`

	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	TaxPercent     decimal.Decimal `json:"taxPercent"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	LateFee        decimal.Decimal `json:"lateFee"`
	Total          decimal.Decimal `json:"total"`
	PaidAmount     decimal.Decimal `json:"paidAmount"`
	RefundedAmount decimal.Decimal `json:"refundedAmount"`

	// PaymentBasisHours is the billed hours when the first payment arrived.
	// Payments convert money to hours against it, never against live items.
	PaymentBasisHours decimal.Decimal `json:"paymentBasisHours"`

	PaymentLogs []PaymentLog    `json:"paymentLogs"`
	ActivityLog []ActivityEntry `json:"activityLog"`
	Adjustments []Adjustment    `json:"adjustments"`

	Deleted     bool       `json:"deleted,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// slices with persisted state.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Items = append([]Item(nil), inv.Items...)
	out.RemovedItems = append([]Item(nil), inv.RemovedItems...)
	out.PaymentLogs = make([]PaymentLog, len(inv.PaymentLogs))
	for i, p := range inv.PaymentLogs {
		if p.PaidHours != nil {
			h := *p.PaidHours
			p.PaidHours = &h
		}
		out.PaymentLogs[i] = p
	}
	out.ActivityLog = make([]ActivityEntry, len(inv.ActivityLog))
	for i, a := range inv.ActivityLog {
		if a.Metadata != nil {
			md := make(map[string]any, len(a.Metadata))
			for k, v := range a.Metadata {
				md[k] = v
			}
			a.Metadata = md
		}
		out.ActivityLog[i] = a
	}
	out.Adjustments = make([]Adjustment, len(inv.Adjustments))
	for i, a := range inv.Adjustments {
		a.ClassIDs = append([]ClassID(nil), a.ClassIDs...)
		out.Adjustments[i] = a
	}
	if inv.GuardianFinancial.FrozenAt != nil {
		t := *inv.GuardianFinancial.FrozenAt
		out.GuardianFinancial.FrozenAt = &t
	}
	if inv.PublishedAt != nil {
		t := *inv.PublishedAt
		out.PublishedAt = &t
	}
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		out.PaidAt = &t
	}
	return &out
}

// Outstanding is what the guardian still owes. Never negative.
func (inv *Invoice) Outstanding() decimal.Decimal {
	out := inv.Total.Sub(inv.PaidAmount)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// BilledHours sums the hours of the current items.
func (inv *Invoice) BilledHours() decimal.Decimal {
	total := decimal.Zero
	for _, it := range inv.Items {
		total = total.Add(it.Hours)
	}
	return total
}

// PaymentStarted is true once any money has been received.
func (inv *Invoice) PaymentStarted() bool {
	return inv.PaidAmount.IsPositive()
}

func (inv *Invoice) FindItem(id ItemID) (int, bool) {
	for i, it := range inv.Items {
		if it.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (inv *Invoice) ItemForClass(id ClassID) (int, bool) {
	for i, it := range inv.Items {
		if it.ClassID == id {
			return i, true
		}
	}
	return -1, false
}

// HasIdempotencyKey reports whether a payment with key was already logged.
func (inv *Invoice) HasIdempotencyKey(key string) bool {
	if key == "" {
		return false
	}
	for _, p := range inv.PaymentLogs {
		if p.IdempotencyKey == key {
			return true
		}
	}
	return false
}

// AddActivity appends a narrative entry.
func (inv *Invoice) AddActivity(action, message, actor string, at time.Time, metadata map[string]any) {
	inv.ActivityLog = append(inv.ActivityLog, ActivityEntry{
		ID:       NewID("act"),
		Action:   action,
		Message:  message,
		Actor:    actor,
		At:       at,
		Metadata: metadata,
	})
}

// Conflict builds the StateConflictError for op on this invoice.
func (inv *Invoice) Conflict(op string) error {
	return &StateConflictError{Entity: "invoice", ID: string(inv.ID), Status: string(inv.Status), Operation: op}
}

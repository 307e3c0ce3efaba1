package billing

import "fmt"

// =============================================================================
// CLASS STATUS - Closed enum with an explicit countable predicate
// =============================================================================

type ClassStatus string

const (
	ClassScheduled           ClassStatus = "scheduled"
	ClassInProgress          ClassStatus = "in_progress"
	ClassAttended            ClassStatus = "attended"
	ClassMissedByStudent     ClassStatus = "missed_by_student"
	ClassAbsent              ClassStatus = "absent" // legacy, always countable
	ClassCancelledByTeacher  ClassStatus = "cancelled_by_teacher"
	ClassCancelledByStudent  ClassStatus = "cancelled_by_student"
	ClassCancelledByGuardian ClassStatus = "cancelled_by_guardian"
	ClassCancelledByAdmin    ClassStatus = "cancelled_by_admin"
	ClassNoShowBoth          ClassStatus = "no_show_both"
	ClassUnreported          ClassStatus = "unreported"
	ClassPendingSubstitute   ClassStatus = "pending_substitute"
	ClassRescheduled         ClassStatus = "rescheduled"
)

var classStatuses = map[ClassStatus]struct{}{
	ClassScheduled:           {},
	ClassInProgress:          {},
	ClassAttended:            {},
	ClassMissedByStudent:     {},
	ClassAbsent:              {},
	ClassCancelledByTeacher:  {},
	ClassCancelledByStudent:  {},
	ClassCancelledByGuardian: {},
	ClassCancelledByAdmin:    {},
	ClassNoShowBoth:          {},
	ClassUnreported:          {},
	ClassPendingSubstitute:   {},
	ClassRescheduled:         {},
}

// ParseClassStatus validates s against the closed set of class statuses.
func ParseClassStatus(s string) (ClassStatus, error) {
	st := ClassStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown class status %q", s)}
	}
	return st, nil
}

func (s ClassStatus) Valid() bool {
	_, ok := classStatuses[s]
	return ok
}

// IsCancelled is true for every cancelled_by_* status.
func (s ClassStatus) IsCancelled() bool {
	switch s {
	case ClassCancelledByTeacher, ClassCancelledByStudent, ClassCancelledByGuardian, ClassCancelledByAdmin:
		return true
	}
	return false
}

// IsUpcoming is true while the class has not happened yet.
func (s ClassStatus) IsUpcoming() bool {
	switch s {
	case ClassScheduled, ClassInProgress, ClassPendingSubstitute, ClassRescheduled:
		return true
	}
	return false
}

// Countable reports whether a class in this status debits the guardian.
// missed_by_student only counts when the class was marked billable.
func Countable(s ClassStatus, missedBillable bool) bool {
	switch s {
	case ClassAttended, ClassAbsent:
		return true
	case ClassMissedByStudent:
		return missedBillable
	}
	return false
}

// =============================================================================
// INVOICE STATUS - States and the allowed transition table
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoiceRefunded      InvoiceStatus = "refunded"
	InvoiceAdjusted      InvoiceStatus = "adjusted"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:         {InvoiceSent, InvoiceCancelled},
	InvoiceSent:          {InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue, InvoiceCancelled},
	InvoicePartiallyPaid: {InvoicePaid, InvoiceOverdue},
	InvoiceOverdue:       {InvoicePartiallyPaid, InvoicePaid, InvoiceCancelled},
	InvoicePaid:          {InvoiceRefunded, InvoiceAdjusted},
	InvoiceAdjusted:      {InvoiceAdjusted, InvoiceRefunded},
	InvoiceRefunded:      {},
	InvoiceCancelled:     {},
}

// ParseInvoiceStatus validates s against the known invoice statuses.
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	st := InvoiceStatus(s)
	if _, ok := invoiceTransitions[st]; !ok {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown invoice status %q", s)}
	}
	return st, nil
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsPayment is true for published, not yet settled invoices.
func (s InvoiceStatus) AcceptsPayment() bool {
	return s == InvoiceSent || s == InvoicePartiallyPaid || s == InvoiceOverdue
}

// IsSettled is true for paid and every post-payment state.
func (s InvoiceStatus) IsSettled() bool {
	return s == InvoicePaid || s == InvoiceRefunded || s == InvoiceAdjusted
}

// IsPublished is true once the invoice left draft and was not cancelled.
func (s InvoiceStatus) IsPublished() bool {
	return s != InvoiceDraft && s != InvoiceCancelled
}

// Adjustable is true when the adjustment engine may operate on the invoice.
// A fully refunded invoice is closed.
func (s InvoiceStatus) Adjustable() bool {
	return s == InvoicePaid || s == InvoiceAdjusted
}

// =============================================================================
// BALANCE MODE
// =============================================================================

// BalanceMode selects how a guardian's totalHours is defined.
type BalanceMode string

const (
	// ModeBilling: totalHours = credited - consumed
	ModeBilling BalanceMode = "billing"
	// ModeStudents: totalHours = sum of each student's hoursRemaining
	ModeStudents BalanceMode = "students"
)

func ParseBalanceMode(s string) (BalanceMode, error) {
	switch BalanceMode(s) {
	case ModeBilling, ModeStudents:
		return BalanceMode(s), nil
	case "":
		return ModeBilling, nil
	}
	return "", &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown balance mode %q", s)}
}

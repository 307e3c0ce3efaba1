package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLASS - A scheduled lesson and its outcome
// =============================================================================

// Class is the billing view of a scheduled lesson. Scheduling owns the
// record; the engine only reads status and duration, and writes the invoice
// linkage.
type Class struct {
	ID              ClassID     `json:"id"`
	GuardianID      GuardianID  `json:"guardianId"`
	StudentID       StudentID   `json:"studentId,omitempty"`
	StudentName     string      `json:"studentName,omitempty"`
	TeacherID       TeacherID   `json:"teacherId,omitempty"`
	ScheduledAt     time.Time   `json:"scheduledAt"`
	DurationMinutes int         `json:"duration"`
	Status          ClassStatus `json:"status"`

	// MissedBillable makes missed_by_student countable.
	MissedBillable bool `json:"missedBillable,omitempty"`

	// BilledInInvoiceID is set while an invoice carries an item for this class.
	BilledInInvoiceID *InvoiceID `json:"billedInInvoiceId,omitempty"`

	// NotBillable excludes the class from future invoice generation. Set when
	// the class was removed from a paid invoice.
	NotBillable bool `json:"notBillable,omitempty"`

	Report    ClassReport `json:"classReport"`
	Deleted   bool        `json:"deleted,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type ClassReport struct {
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Submitted reports whether a class report exists.
func (r ClassReport) Submitted() bool { return r.SubmittedAt != nil }

// Clone returns a deep copy.
func (c Class) Clone() Class {
	out := c
	if c.BilledInInvoiceID != nil {
		id := *c.BilledInInvoiceID
		out.BilledInInvoiceID = &id
	}
	if c.Report.SubmittedAt != nil {
		t := *c.Report.SubmittedAt
		out.Report.SubmittedAt = &t
	}
	return out
}

func (c Class) Hours() decimal.Decimal { return HoursFromMinutes(c.DurationMinutes) }

func (c Class) Countable() bool { return Countable(c.Status, c.MissedBillable) }

// Contribution is the number of hours this class debits from its guardian.
func (c Class) Contribution() decimal.Decimal {
	if c.Deleted || !c.Countable() {
		return decimal.Zero
	}
	return c.Hours()
}

// State extracts the fields the transition guard compares.
func (c Class) State() ClassState {
	return ClassState{
		Status:          c.Status,
		DurationMinutes: c.DurationMinutes,
		MissedBillable:  c.MissedBillable,
		ReportSubmitted: c.Report.Submitted(),
	}
}

// StudentKey identifies the student for per-student aggregation. The explicit
// id wins; otherwise the normalized name is used.
func (c Class) StudentKey() string {
	if c.StudentID != "" {
		return string(c.StudentID)
	}
	name := strings.ToLower(strings.TrimSpace(c.StudentName))
	if name == "" {
		return "unknown"
	}
	return "name:" + name
}

// IsLinked reports whether the class is currently billed on an invoice.
func (c Class) IsLinked() bool {
	return c.BilledInInvoiceID != nil && *c.BilledInInvoiceID != ""
}

func (c Class) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if c.GuardianID == "" {
		return &ValidationError{Field: "guardianId", Message: "required"}
	}
	if c.DurationMinutes < 0 {
		return &ValidationError{Field: "duration", Message: "must not be negative"}
	}
	if !c.Status.Valid() {
		return &ValidationError{Field: "status", Message: "unknown class status " + string(c.Status)}
	}
	return nil
}

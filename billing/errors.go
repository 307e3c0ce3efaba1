/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  All error types in one place. Services return the structured errors below;
  callers classify them with errors.Is against the sentinels or with the
  helpers at the bottom of this file.

ERROR CATEGORIES:
  1. ValidationError    - malformed input (negative hours on a set, bad method)
  2. StateConflictError - operation not valid for the current status
  3. NotFoundError      - missing guardian, class, invoice or item
  4. ConsistencyError   - reconciliation found an unrepairable mismatch
  5. DownstreamNotificationError - notification failed; logged, never propagated

PROPAGATION:
  Financial-state errors (1-3) abort the operation and reach the caller.
  ConsistencyError is returned together with the dry-run result.
  Notification errors are swallowed after logging.

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrStateConflict          = errors.New("state conflict")
	ErrNotFound               = errors.New("not found")
	ErrConsistency            = errors.New("consistency check failed")
	ErrDownstreamNotification = errors.New("notification delivery failed")

	// ErrEmptyInvoice is returned when publishing an invoice without items.
	ErrEmptyInvoice = errors.New("invoice has no items")

	// ErrInvalidPayment is returned for zero, negative or excessive payments.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrDuplicateIdempotencyKey is returned when a payment with the same
	// idempotency key was already applied. Expected for client retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLockNotObtained is returned when a guardian or invoice lock could
	// not be acquired before the deadline.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateConflictError reports an operation attempted in the wrong state.
type StateConflictError struct {
	Entity    string
	ID        string
	Status    string
	Operation string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Operation, e.Entity, e.ID, e.Status)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConsistencyError is raised by reconciliation when source records cannot
// produce a trustworthy balance (e.g. a negative frozen rate).
type ConsistencyError struct {
	GuardianID GuardianID
	Reasons    []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("guardian %s: %d consistency problem(s): %v", e.GuardianID, len(e.Reasons), e.Reasons)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

type EmptyInvoiceError struct {
	InvoiceID InvoiceID
}

func (e *EmptyInvoiceError) Error() string {
	return fmt.Sprintf("invoice %s has no items", e.InvoiceID)
}

func (e *EmptyInvoiceError) Unwrap() error { return ErrEmptyInvoice }

type InvalidPaymentError struct {
	InvoiceID InvoiceID
	Reason    string
}

func (e *InvalidPaymentError) Error() string {
	return fmt.Sprintf("invalid payment for invoice %s: %s", e.InvoiceID, e.Reason)
}

func (e *InvalidPaymentError) Unwrap() error { return ErrInvalidPayment }

// DownstreamNotificationError wraps a failed notify call. It is logged and
// never returned from a financial operation.
type DownstreamNotificationError struct {
	Recipient string
	Err       error
}

func (e *DownstreamNotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Recipient, e.Err)
}

func (e *DownstreamNotificationError) Unwrap() []error {
	return []error{ErrDownstreamNotification, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, ErrEmptyInvoice)
}

// IsConflict returns true for state conflicts and duplicate requests.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

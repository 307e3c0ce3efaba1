package billing_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

func TestCountable(t *testing.T) {
	assert.True(t, billing.Countable(billing.ClassAttended, false))
	assert.True(t, billing.Countable(billing.ClassAbsent, false))
	assert.False(t, billing.Countable(billing.ClassMissedByStudent, false))
	assert.True(t, billing.Countable(billing.ClassMissedByStudent, true))

	for _, s := range []billing.ClassStatus{
		billing.ClassScheduled, billing.ClassInProgress, billing.ClassCancelledByTeacher,
		billing.ClassCancelledByStudent, billing.ClassCancelledByGuardian, billing.ClassCancelledByAdmin,
		billing.ClassNoShowBoth, billing.ClassUnreported, billing.ClassPendingSubstitute, billing.ClassRescheduled,
	} {
		assert.False(t, billing.Countable(s, true), "status %s", s)
	}
}

func TestParseClassStatus_RejectsUnknown(t *testing.T) {
	_, err := billing.ParseClassStatus("done")
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrValidation))

	st, err := billing.ParseClassStatus("attended")
	require.NoError(t, err)
	assert.Equal(t, billing.ClassAttended, st)
}

func TestInvoiceTransitions(t *testing.T) {
	assert.True(t, billing.InvoiceDraft.CanTransitionTo(billing.InvoiceSent))
	assert.False(t, billing.InvoiceDraft.CanTransitionTo(billing.InvoicePaid))
	assert.True(t, billing.InvoiceSent.CanTransitionTo(billing.InvoiceOverdue))
	assert.True(t, billing.InvoiceOverdue.CanTransitionTo(billing.InvoicePaid))
	assert.True(t, billing.InvoicePaid.CanTransitionTo(billing.InvoiceAdjusted))
	assert.False(t, billing.InvoicePaid.CanTransitionTo(billing.InvoiceDraft))
	assert.False(t, billing.InvoiceRefunded.CanTransitionTo(billing.InvoiceAdjusted))
	assert.False(t, billing.InvoiceCancelled.CanTransitionTo(billing.InvoiceSent))
}

func TestInvoiceStatusPredicates(t *testing.T) {
	assert.True(t, billing.InvoiceSent.AcceptsPayment())
	assert.True(t, billing.InvoiceOverdue.AcceptsPayment())
	assert.False(t, billing.InvoiceDraft.AcceptsPayment())
	assert.False(t, billing.InvoicePaid.AcceptsPayment())

	assert.True(t, billing.InvoicePaid.Adjustable())
	assert.True(t, billing.InvoiceAdjusted.Adjustable())
	assert.False(t, billing.InvoiceSent.Adjustable())
	assert.False(t, billing.InvoiceDraft.Adjustable())
	assert.False(t, billing.InvoiceRefunded.Adjustable())
}

func TestParseBalanceMode(t *testing.T) {
	m, err := billing.ParseBalanceMode("")
	require.NoError(t, err)
	assert.Equal(t, billing.ModeBilling, m)

	m, err = billing.ParseBalanceMode("students")
	require.NoError(t, err)
	assert.Equal(t, billing.ModeStudents, m)

	_, err = billing.ParseBalanceMode("hybrid")
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, billing.IsClientError(&billing.InvalidPaymentError{InvoiceID: "i1", Reason: "zero"}))
	assert.True(t, billing.IsClientError(&billing.EmptyInvoiceError{InvoiceID: "i1"}))
	assert.True(t, billing.IsConflict(&billing.StateConflictError{Entity: "invoice", ID: "i1", Status: "draft", Operation: "adjust"}))
	assert.True(t, billing.IsConflict(billing.ErrDuplicateIdempotencyKey))
	assert.True(t, billing.IsNotFound(billing.NewNotFound("invoice", "i1")))
	assert.True(t, billing.IsRetryable(billing.ErrLockNotObtained))

	var nf *billing.NotFoundError
	require.ErrorAs(t, billing.NewNotFound("class", "c1"), &nf)
	assert.Equal(t, "class", nf.Entity)

	down := &billing.DownstreamNotificationError{Recipient: "ops", Err: errors.New("boom")}
	assert.ErrorIs(t, down, billing.ErrDownstreamNotification)
	assert.Contains(t, down.Error(), "boom")
}

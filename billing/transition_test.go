package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

func state(status billing.ClassStatus, minutes int, reported bool) billing.ClassState {
	return billing.ClassState{Status: status, DurationMinutes: minutes, ReportSubmitted: reported}
}

func TestEvaluateTransition(t *testing.T) {
	attended := state(billing.ClassAttended, 60, true)

	tests := []struct {
		name        string
		prev        *billing.ClassState
		next        billing.ClassState
		wantDelta   string
		wantBlocked bool
	}{
		{
			name:      "first save attended debits",
			prev:      nil,
			next:      state(billing.ClassAttended, 60, true),
			wantDelta: "-1",
		},
		{
			name:      "scheduled to attended debits",
			prev:      ptrState(state(billing.ClassScheduled, 60, false)),
			next:      state(billing.ClassAttended, 60, true),
			wantDelta: "-1",
		},
		{
			name:        "resubmitted report on counted class is blocked",
			prev:        &attended,
			next:        state(billing.ClassAttended, 60, true),
			wantDelta:   "0",
			wantBlocked: true,
		},
		{
			name:      "attended to cancelled refunds",
			prev:      &attended,
			next:      state(billing.ClassCancelledByTeacher, 60, true),
			wantDelta: "1",
		},
		{
			name:      "duration change on counted class moves difference",
			prev:      &attended,
			next:      state(billing.ClassAttended, 90, true),
			wantDelta: "-0.5",
		},
		{
			name:      "scheduled to cancelled moves nothing",
			prev:      ptrState(state(billing.ClassScheduled, 60, false)),
			next:      state(billing.ClassCancelledByStudent, 60, false),
			wantDelta: "0",
		},
		{
			name:      "first report on class saved attended without report is not blocked",
			prev:      ptrState(state(billing.ClassAttended, 60, false)),
			next:      state(billing.ClassAttended, 60, true),
			wantDelta: "0",
		},
		{
			name:      "missed becomes billable",
			prev:      ptrState(state(billing.ClassMissedByStudent, 60, true)),
			next:      billing.ClassState{Status: billing.ClassMissedByStudent, DurationMinutes: 60, MissedBillable: true, ReportSubmitted: true},
			wantDelta: "-1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := billing.EvaluateTransition(tc.prev, tc.next)
			assert.Equal(t, tc.wantBlocked, tr.Blocked)
			assertDecimal(t, tc.wantDelta, tr.BalanceDelta())
		})
	}
}

func TestEvaluateTransition_RoundTripIsNetZero(t *testing.T) {
	// GIVEN: attended -> cancelled_by_teacher -> attended
	// WHEN: summing the deltas of each step
	// THEN: the net balance change is zero

	a := state(billing.ClassAttended, 60, true)
	c := state(billing.ClassCancelledByTeacher, 60, true)

	first := billing.EvaluateTransition(nil, a).BalanceDelta()
	toCancelled := billing.EvaluateTransition(&a, c).BalanceDelta()
	back := billing.EvaluateTransition(&c, a).BalanceDelta()

	assertDecimal(t, "-1", first)
	assertDecimal(t, "0", toCancelled.Add(back))
}

func TestEvaluateTransition_ReportsChangedFlags(t *testing.T) {
	prev := state(billing.ClassAttended, 60, true)
	tr := billing.EvaluateTransition(&prev, state(billing.ClassAttended, 45, true))

	assert.False(t, tr.StatusChanged)
	assert.True(t, tr.DurationChanged)
	assert.False(t, tr.Blocked)
	assert.True(t, tr.Moves())
}

func ptrState(s billing.ClassState) *billing.ClassState { return &s }

/*
transition.go - Class transition guard

PURPOSE:
  Decides whether a class save moves the guardian balance, and by how much.
  The caller loads the previous persisted row before applying any change and
  passes both states in. Nothing here reads or mutates shared state, so two
  concurrent saves cannot observe a half-updated "previous" value.

RULES:
  1. Blocked: the previous state had a submitted report, the status and
     duration did not change, and both states are countable. This is a pure
     edit of report text on an already counted class.
  2. Otherwise the delta is  oldContribution - newContribution  applied to
     the balance (balance goes down when a class becomes countable).
  3. A first save (no previous state) contributes as if the previous
     contribution were zero.

EXAMPLES:
  nil            -> attended(60)      delta -1.0
  attended(60)   -> attended(60)      blocked, delta 0
  attended(60)   -> cancelled         delta +1.0
  attended(60)   -> attended(90)      delta -0.5
  scheduled      -> cancelled         delta 0 (allowed, nothing to move)
*/
package billing

import "github.com/shopspring/decimal"

// ClassState is the subset of a class the guard compares.
type ClassState struct {
	Status          ClassStatus
	DurationMinutes int
	MissedBillable  bool
	ReportSubmitted bool
}

func (s ClassState) Countable() bool { return Countable(s.Status, s.MissedBillable) }

// Contribution is the hours debited while in this state.
func (s ClassState) Contribution() decimal.Decimal {
	if !s.Countable() {
		return decimal.Zero
	}
	return HoursFromMinutes(s.DurationMinutes)
}

// Transition is the outcome of comparing two class states.
type Transition struct {
	StatusChanged   bool
	DurationChanged bool
	Blocked         bool

	OldContribution decimal.Decimal
	NewContribution decimal.Decimal
}

// BalanceDelta is the signed change to the guardian balance. Zero when
// blocked.
func (t Transition) BalanceDelta() decimal.Decimal {
	if t.Blocked {
		return decimal.Zero
	}
	return t.OldContribution.Sub(t.NewContribution)
}

// Moves reports whether the transition changes the balance.
func (t Transition) Moves() bool {
	return !t.BalanceDelta().IsZero()
}

// EvaluateTransition compares the previous persisted state with the new one.
// prev is nil for a class that was never saved.
func EvaluateTransition(prev *ClassState, next ClassState) Transition {
	t := Transition{
		OldContribution: decimal.Zero,
		NewContribution: next.Contribution(),
	}
	if prev == nil {
		t.StatusChanged = true
		t.DurationChanged = next.DurationMinutes != 0
		return t
	}

	t.OldContribution = prev.Contribution()
	t.StatusChanged = prev.Status != next.Status || prev.MissedBillable != next.MissedBillable
	t.DurationChanged = prev.DurationMinutes != next.DurationMinutes

	if prev.ReportSubmitted && !t.StatusChanged && !t.DurationChanged &&
		prev.Countable() && next.Countable() {
		t.Blocked = true
	}
	return t
}

package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCES
// =============================================================================

// GuardianBalance is the balance stored alongside the guardian profile.
// TotalHours is signed; a negative value is debt.
type GuardianBalance struct {
	GuardianID     GuardianID      `json:"guardianId"`
	TotalHours     decimal.Decimal `json:"totalHours"`
	AutoTotalHours bool            `json:"autoTotalHours"`
	Mode           BalanceMode     `json:"mode"`
	Deleted        bool            `json:"deleted,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// StudentBalance tracks hours per student for students mode.
type StudentBalance struct {
	StudentKey     string          `json:"studentKey"`
	GuardianID     GuardianID      `json:"guardianId"`
	Name           string          `json:"name,omitempty"`
	HoursRemaining decimal.Decimal `json:"hoursRemaining"`
}

// BalanceChange is the result of one atomic balance write. Before and After
// come from the same store operation.
type BalanceChange struct {
	GuardianID GuardianID      `json:"guardianId"`
	Before     decimal.Decimal `json:"before"`
	After      decimal.Decimal `json:"after"`
	Delta      decimal.Decimal `json:"delta"`
}

func (c BalanceChange) Snapshot() BalanceSnapshot {
	return BalanceSnapshot{GuardianBalanceBefore: c.Before, GuardianBalanceAfter: c.After}
}

// WentNegative is true if this change moved the balance below zero.
func (c BalanceChange) WentNegative() bool {
	return c.After.IsNegative() && c.After.LessThan(c.Before)
}

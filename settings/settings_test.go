package settings_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/settings"
)

const sampleJSON = `{
  "default": {
    "hourly_rate": "10",
    "currency": "USD",
    "exchange_rate": "1",
    "transfer_fee": {"mode": "fixed", "value": "5"},
    "due_in_days": 14
  },
  "guardians": {
    "g-42": {"hourly_rate": "12.5", "transfer_fee": {"mode": "none"}}
  }
}`

func TestParse_DefaultAndOverrides(t *testing.T) {
	// GIVEN: a default with a fixed fee and one guardian override
	// WHEN: parsing
	// THEN: the override changes only the fields it sets

	static, err := settings.Parse([]byte(sampleJSON))
	require.NoError(t, err)
	ctx := context.Background()

	def, err := static.GuardianSettings(ctx, "anyone")
	require.NoError(t, err)
	assert.True(t, def.HourlyRate.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, billing.FeeFixed, def.TransferFee.Mode)
	assert.True(t, def.TransferFee.Value.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 14, def.DueInDays)

	g42, err := static.GuardianSettings(ctx, "g-42")
	require.NoError(t, err)
	assert.True(t, g42.HourlyRate.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, billing.FeeNone, g42.TransferFee.Mode)
	assert.Equal(t, "USD", g42.Currency, "inherited from default")
	assert.Equal(t, 14, g42.DueInDays)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"default": `},
		{"unknown fee mode", `{"default": {"transfer_fee": {"mode": "sometimes", "value": "1"}}}`},
		{"negative rate", `{"default": {"hourly_rate": "-1"}}`},
		{"bad currency", `{"default": {"currency": "DOLLARS"}}`},
		{"zero exchange rate", `{"guardians": {"g-1": {"exchange_rate": "0"}}}`},
		{"due date too far", `{"default": {"due_in_days": 1000}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := settings.Parse([]byte(tc.json))
			assert.Error(t, err)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))

	static, err := settings.ParseFile(path)
	require.NoError(t, err)
	gs, _ := static.GuardianSettings(context.Background(), "g-42")
	assert.True(t, gs.HourlyRate.Equal(decimal.RequireFromString("12.5")))

	_, err = settings.ParseFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestStatic_SetGuardianAndFinancial(t *testing.T) {
	static := settings.NewStatic(settings.DefaultSettings())
	static.SetGuardian("g-1", settings.GuardianSettings{
		HourlyRate:  decimal.NewFromInt(20),
		TransferFee: billing.TransferFee{Mode: billing.FeePercent, Value: decimal.NewFromInt(3), Amount: decimal.NewFromInt(99), Waived: true},
		Currency:    "EUR",
	})

	gs, err := static.GuardianSettings(context.Background(), "g-1")
	require.NoError(t, err)

	fin := gs.Financial()
	assert.True(t, fin.HourlyRate.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, billing.FeePercent, fin.TransferFee.Mode)
	assert.True(t, fin.TransferFee.Amount.IsZero(), "amount is computed per invoice")
	assert.False(t, fin.TransferFee.Waived)
	assert.False(t, fin.Frozen)
	assert.Equal(t, "EUR", fin.Currency)

	static.SetDefault(settings.GuardianSettings{HourlyRate: decimal.NewFromInt(1)})
	other, _ := static.GuardianSettings(context.Background(), "g-2")
	assert.True(t, other.HourlyRate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, billing.FeeNone, other.Financial().TransferFee.Mode)
}

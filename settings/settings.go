/*
Package settings supplies a guardian's financial settings.

PURPOSE:
  The settings subsystem owns hourly rates and transfer-fee policies. The
  billing engine reads them when generating or refreshing a draft invoice
  and copies them into the invoice snapshot at publish time. A published
  invoice never reads live settings again.

JSON SCHEMA:
  {
    "default": {
      "hourly_rate": "10",
      "currency": "USD",
      "exchange_rate": "1",
      "transfer_fee": {"mode": "fixed", "value": "5"},
      "tax_percent": "0",
      "due_in_days": 7
    },
    "guardians": {
      "g-42": {"hourly_rate": "12.5", "transfer_fee": {"mode": "none"}}
    }
  }

  Guardian entries override only the fields they set.

USAGE:
  static, err := settings.ParseFile("settings.json")
  engine := engine.New(store, static, ...)

  // Operators change a rate; published invoices keep their snapshot.
  static.SetGuardian("g-42", settings.GuardianSettings{HourlyRate: ...})

SEE ALSO:
  - billing/invoice.go: GuardianFinancial snapshot
  - engine/invoices.go: where settings are read
*/
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/waraqaweb/WaraqaWeb.Dash-sub000/billing"
)

// =============================================================================
// PROVIDER
// =============================================================================

// GuardianSettings is the live financial configuration of one guardian.
type GuardianSettings struct {
	HourlyRate   decimal.Decimal
	TransferFee  billing.TransferFee // Amount is ignored; computed per invoice
	Currency     string
	ExchangeRate decimal.Decimal
	TaxPercent   decimal.Decimal
	DueInDays    int
}

// Provider resolves settings for a guardian.
type Provider interface {
	GuardianSettings(ctx context.Context, id billing.GuardianID) (GuardianSettings, error)
}

// Financial returns an unfrozen invoice snapshot of these settings.
func (s GuardianSettings) Financial() billing.GuardianFinancial {
	fee := s.TransferFee
	fee.Amount = decimal.Zero
	fee.Waived = false
	if fee.Mode == "" {
		fee.Mode = billing.FeeNone
	}
	return billing.GuardianFinancial{
		HourlyRate:   s.HourlyRate,
		TransferFee:  fee,
		Currency:     s.Currency,
		ExchangeRate: s.ExchangeRate,
	}
}

// =============================================================================
// STATIC PROVIDER - Default plus per-guardian overrides
// =============================================================================

type Static struct {
	mu        sync.RWMutex
	def       GuardianSettings
	overrides map[billing.GuardianID]GuardianSettings
}

// DefaultSettings is used when no configuration is supplied.
func DefaultSettings() GuardianSettings {
	return GuardianSettings{
		HourlyRate:   decimal.NewFromInt(10),
		TransferFee:  billing.TransferFee{Mode: billing.FeeNone, Value: decimal.Zero},
		Currency:     "USD",
		ExchangeRate: decimal.NewFromInt(1),
		TaxPercent:   decimal.Zero,
		DueInDays:    7,
	}
}

func NewStatic(def GuardianSettings) *Static {
	return &Static{def: def, overrides: make(map[billing.GuardianID]GuardianSettings)}
}

func (s *Static) GuardianSettings(_ context.Context, id billing.GuardianID) (GuardianSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.overrides[id]; ok {
		return o, nil
	}
	return s.def, nil
}

func (s *Static) SetDefault(def GuardianSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.def = def
}

// SetGuardian replaces the settings of one guardian.
func (s *Static) SetGuardian(id billing.GuardianID, gs GuardianSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[id] = gs
}

// =============================================================================
// JSON FACTORY
// =============================================================================

// FileJSON is the JSON representation of the settings file.
type FileJSON struct {
	Default   SettingsJSON            `json:"default"`
	Guardians map[string]SettingsJSON `json:"guardians,omitempty" validate:"dive"`
}

// SettingsJSON uses pointers so guardian entries can override single fields.
type SettingsJSON struct {
	HourlyRate   *decimal.Decimal `json:"hourly_rate,omitempty"`
	Currency     *string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate,omitempty"`
	TransferFee  *FeeJSON         `json:"transfer_fee,omitempty"`
	TaxPercent   *decimal.Decimal `json:"tax_percent,omitempty"`
	DueInDays    *int             `json:"due_in_days,omitempty" validate:"omitempty,gte=0,lte=365"`
}

type FeeJSON struct {
	Mode  string          `json:"mode" validate:"required,oneof=none fixed percent"`
	Value decimal.Decimal `json:"value"`
}

var validate = validator.New()

// Parse builds a Static provider from JSON.
func Parse(data []byte) (*Static, error) {
	var file FileJSON
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid settings JSON: %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	def, err := file.Default.apply(DefaultSettings())
	if err != nil {
		return nil, fmt.Errorf("default settings: %w", err)
	}
	static := NewStatic(def)
	for id, o := range file.Guardians {
		gs, err := o.apply(def)
		if err != nil {
			return nil, fmt.Errorf("guardian %s settings: %w", id, err)
		}
		static.SetGuardian(billing.GuardianID(id), gs)
	}
	return static, nil
}

// ParseFile reads and parses a settings file.
func ParseFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(data)
}

func (j SettingsJSON) apply(base GuardianSettings) (GuardianSettings, error) {
	out := base
	if j.HourlyRate != nil {
		if j.HourlyRate.IsNegative() {
			return out, &billing.ValidationError{Field: "hourly_rate", Message: "must not be negative"}
		}
		out.HourlyRate = *j.HourlyRate
	}
	if j.Currency != nil {
		out.Currency = *j.Currency
	}
	if j.ExchangeRate != nil {
		if !j.ExchangeRate.IsPositive() {
			return out, &billing.ValidationError{Field: "exchange_rate", Message: "must be positive"}
		}
		out.ExchangeRate = *j.ExchangeRate
	}
	if j.TransferFee != nil {
		if j.TransferFee.Value.IsNegative() {
			return out, &billing.ValidationError{Field: "transfer_fee.value", Message: "must not be negative"}
		}
		out.TransferFee = billing.TransferFee{Mode: billing.FeeMode(j.TransferFee.Mode), Value: j.TransferFee.Value}
	}
	if j.TaxPercent != nil {
		if j.TaxPercent.IsNegative() {
			return out, &billing.ValidationError{Field: "tax_percent", Message: "must not be negative"}
		}
		out.TaxPercent = *j.TaxPercent
	}
	if j.DueInDays != nil {
		out.DueInDays = *j.DueInDays
	}
	return out, nil
}

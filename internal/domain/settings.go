package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettingKind tags which variant of a Setting carries the value.
type SettingKind string

const (
	SettingNumber   SettingKind = "number"
	SettingBool     SettingKind = "bool"
	SettingText     SettingKind = "text"
	SettingDuration SettingKind = "duration"
)

// Setting is a tagged variant: exactly the field matching Kind is set.
type Setting struct {
	Key      string
	Kind     SettingKind
	Number   decimal.Decimal
	Bool     bool
	Text     string
	Duration time.Duration
}

const (
	SettingResaleFeePct      = "resale.platform_fee_pct"
	SettingWithdrawalMinimum = "withdrawal.minimum"
	SettingReservationTTL    = "inventory.reservation_ttl"
	SettingMaxAttempts       = "retry.max_attempts"
	SettingPlatformID        = "platform.stakeholder_id"
	SettingRequireApproval   = "catalog.require_approval"
)

// settingKinds is the registry every configured key is validated against.
var settingKinds = map[string]SettingKind{
	SettingResaleFeePct:      SettingNumber,
	SettingWithdrawalMinimum: SettingNumber,
	SettingReservationTTL:    SettingDuration,
	SettingMaxAttempts:       SettingNumber,
	SettingPlatformID:        SettingText,
	SettingRequireApproval:   SettingBool,
}

// PlatformSettings is the typed view of the settings the core consumes.
type PlatformSettings struct {
	ResaleFeePct      decimal.Decimal
	WithdrawalMinimum decimal.Decimal
	ReservationTTL    time.Duration
	MaxAttempts       int
	PlatformID        string
	RequireApproval   bool
}

func DefaultPlatformSettings() PlatformSettings {
	return PlatformSettings{
		ResaleFeePct:      decimal.RequireFromString("2.5"),
		WithdrawalMinimum: decimal.NewFromInt(50),
		ReservationTTL:    10 * time.Minute,
		MaxAttempts:       3,
		PlatformID:        "platform",
		RequireApproval:   true,
	}
}

// Apply overlays settings onto p after checking each against the registry.
func (p PlatformSettings) Apply(settings []Setting) (PlatformSettings, error) {
	for _, s := range settings {
		want, ok := settingKinds[s.Key]
		if !ok {
			return p, Invalid("unknown setting %q", s.Key)
		}
		if s.Kind != want {
			return p, Invalid("setting %q must be a %s, got %s", s.Key, want, s.Kind)
		}
		switch s.Key {
		case SettingResaleFeePct:
			if err := Percentages.ResaleFee(s.Key, s.Number); err != nil {
				return p, err
			}
			p.ResaleFeePct = s.Number
		case SettingWithdrawalMinimum:
			if !s.Number.IsPositive() {
				return p, Invalid("%s must be positive", s.Key)
			}
			p.WithdrawalMinimum = s.Number
		case SettingReservationTTL:
			if s.Duration <= 0 {
				return p, Invalid("%s must be positive", s.Key)
			}
			p.ReservationTTL = s.Duration
		case SettingMaxAttempts:
			if !s.Number.IsInteger() || s.Number.LessThan(decimal.NewFromInt(1)) || s.Number.GreaterThan(decimal.NewFromInt(10)) {
				return p, Invalid("%s must be an integer between 1 and 10", s.Key)
			}
			p.MaxAttempts = int(s.Number.IntPart())
		case SettingPlatformID:
			if s.Text == "" {
				return p, Invalid("%s must not be empty", s.Key)
			}
			p.PlatformID = s.Text
		case SettingRequireApproval:
			p.RequireApproval = s.Bool
		}
	}
	return p, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	settings, err := ParseSettings([]byte(`
settings:
  - key: resale.platform_fee_pct
    number: "3.5"
  - key: inventory.reservation_ttl
    duration: 5m
  - key: catalog.require_approval
    bool: false
  - key: platform.stakeholder_id
    text: house
`))
	require.NoError(t, err)
	require.Len(t, settings, 4)
	assert.Equal(t, domain.SettingNumber, settings[0].Kind)
	assert.True(t, decimal.RequireFromString("3.5").Equal(settings[0].Number))
	assert.Equal(t, 5*time.Minute, settings[1].Duration)

	p, err := domain.DefaultPlatformSettings().Apply(settings)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.5").Equal(p.ResaleFeePct))
	assert.Equal(t, 5*time.Minute, p.ReservationTTL)
	assert.False(t, p.RequireApproval)
	assert.Equal(t, "house", p.PlatformID)
}

func TestParseSettings_ExactlyOneValue(t *testing.T) {
	_, err := ParseSettings([]byte(`
settings:
  - key: withdrawal.minimum
    number: "10"
    text: ten
`))
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = ParseSettings([]byte(`
settings:
  - key: withdrawal.minimum
`))
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = ParseSettings([]byte(`
settings:
  - key: inventory.reservation_ttl
    duration: soon
`))
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestApply_RejectsUnknownAndMistypedKeys(t *testing.T) {
	base := domain.DefaultPlatformSettings()

	_, err := base.Apply([]domain.Setting{{Key: "resale.bonus", Kind: domain.SettingNumber, Number: decimal.NewFromInt(1)}})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = base.Apply([]domain.Setting{{Key: domain.SettingWithdrawalMinimum, Kind: domain.SettingText, Text: "50"}})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = base.Apply([]domain.Setting{{Key: domain.SettingMaxAttempts, Kind: domain.SettingNumber, Number: decimal.NewFromInt(11)}})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestApply_ResaleFeeLeavesSellerShare(t *testing.T) {
	base := domain.DefaultPlatformSettings()
	fee := func(v string) []domain.Setting {
		return []domain.Setting{{Key: domain.SettingResaleFeePct, Kind: domain.SettingNumber, Number: decimal.RequireFromString(v)}}
	}

	p, err := base.Apply(fee("89.99"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("89.99").Equal(p.ResaleFeePct))

	for _, v := range []string{"90", "95", "99.99", "-1"} {
		_, err := base.Apply(fee(v))
		assert.Equal(t, domain.ErrValidation, domain.KindOf(err), v)
	}
}

func TestLoad_SettingsFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  - key: withdrawal.minimum\n    number: \"25\"\n"), 0o600))
	t.Setenv("SETTINGS_FILE", path)
	t.Setenv("RATE_LIMIT_PER_MINUTE", "")
	t.Setenv("IDEMPOTENCY_TTL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(25).Equal(cfg.Platform.WithdrawalMinimum))
	assert.Equal(t, 60, cfg.RateLimit)
	assert.Equal(t, 24*time.Hour, cfg.IdempTTL)
}

package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// settingsFile is the on-disk shape:
//
//	settings:
//	  - key: resale.platform_fee_pct
//	    number: "2.5"
//	  - key: inventory.reservation_ttl
//	    duration: 15m
//
// Each entry sets exactly one of number, bool, text or duration.
type settingsFile struct {
	Settings []settingEntry `yaml:"settings"`
}

type settingEntry struct {
	Key      string  `yaml:"key"`
	Number   *string `yaml:"number,omitempty"`
	Bool     *bool   `yaml:"bool,omitempty"`
	Text     *string `yaml:"text,omitempty"`
	Duration *string `yaml:"duration,omitempty"`
}

func LoadSettingsFile(path string) ([]domain.Setting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read settings file")
	}
	return ParseSettings(data)
}

func ParseSettings(data []byte) ([]domain.Setting, error) {
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse settings")
	}
	out := make([]domain.Setting, 0, len(f.Settings))
	for _, e := range f.Settings {
		s, err := e.toSetting()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (e settingEntry) toSetting() (domain.Setting, error) {
	s := domain.Setting{Key: e.Key}
	set := 0
	if e.Number != nil {
		set++
		n, err := decimal.NewFromString(*e.Number)
		if err != nil {
			return s, domain.Invalid("setting %q: number %q: %v", e.Key, *e.Number, err)
		}
		s.Kind, s.Number = domain.SettingNumber, n
	}
	if e.Bool != nil {
		set++
		s.Kind, s.Bool = domain.SettingBool, *e.Bool
	}
	if e.Text != nil {
		set++
		s.Kind, s.Text = domain.SettingText, *e.Text
	}
	if e.Duration != nil {
		set++
		d, err := time.ParseDuration(*e.Duration)
		if err != nil {
			return s, domain.Invalid("setting %q: duration %q: %v", e.Key, *e.Duration, err)
		}
		s.Kind, s.Duration = domain.SettingDuration, d
	}
	if set != 1 {
		return s, domain.Invalid("setting %q must set exactly one of number, bool, text, duration", e.Key)
	}
	return s, nil
}

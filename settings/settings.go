// Package settings loads the user-editable daemon settings from a YAML
// file and watches it for changes.
package settings

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultIntervalMinutes = 60

// Settings are the user-tunable knobs for the refresh schedule.
type Settings struct {
	// IntervalMinutes is the period between batch refresh passes.
	IntervalMinutes int `yaml:"intervalMinutes"`

	// RespectArchived excludes archived listings from batch passes.
	RespectArchived bool `yaml:"respectArchived"`
}

// Default returns the settings used when no file exists.
func Default() Settings {
	return Settings{
		IntervalMinutes: defaultIntervalMinutes,
		RespectArchived: true,
	}
}

// Interval returns the refresh period as a duration.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Load reads settings from path. A missing file yields the defaults; a
// present but unparseable file is an error. Zero or negative interval
// values fall back to the default.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, errors.Wrap(err, "[settings.Load] read file")
	}

	loaded := Default()
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Settings{}, errors.Wrap(err, "[settings.Load] parse yaml")
	}
	if loaded.IntervalMinutes <= 0 {
		loaded.IntervalMinutes = defaultIntervalMinutes
	}
	return loaded, nil
}

// Save writes settings to path, creating the file if needed.
func Save(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "[settings.Save] marshal yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "[settings.Save] write file")
	}
	return nil
}

package journal

import (
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/errors"
)

const (
	FileName         = "journal.db"
	DefaultRetention = 7 * 24 * time.Hour
)

type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path,omitempty"` // defaults to <state dir>/journal.db
	Retention time.Duration `yaml:"retention,omitempty"`
}

// UnmarshalYAML enables the journal unless the block says otherwise
func (c *JournalConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain JournalConfig
	raw := plain{Enabled: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = JournalConfig(raw)
	return nil
}

func DefaultJournalConfig() JournalConfig {
	return JournalConfig{Enabled: true, Retention: DefaultRetention}
}

func (c *JournalConfig) SetDefaults(stateDir string) {
	if c.Path == "" {
		c.Path = filepath.Join(stateDir, FileName)
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
}

func ValidateJournalConfig(c JournalConfig) error {
	if c.Retention < 0 {
		return errors.NewValidationError("journal retention cannot be negative", nil).WithContext("retention", c.Retention)
	}
	return nil
}

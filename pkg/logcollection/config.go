package logcollection

import (
	"path/filepath"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
)

type StreamType string

const (
	StdoutStream StreamType = "out"
	StderrStream StreamType = "err"
)

// ProcessLogConfig is the logs block of a process definition.
// Relative paths are resolved against the process working directory.
type ProcessLogConfig struct {
	OutFile    string `yaml:"out_file,omitempty"`
	ErrorFile  string `yaml:"error_file,omitempty"`
	MergeLogs  bool   `yaml:"merge_logs,omitempty"`
	DateFormat string `yaml:"date_format,omitempty"` // Go time layout prefixed to every line
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// ApplyDefaults fills the pm2-style default paths logs/<name>.out.log and logs/<name>.err.log
func (c *ProcessLogConfig) ApplyDefaults(name string) {
	if c.OutFile == "" {
		c.OutFile = filepath.Join("logs", name+".out.log")
	}
	if c.ErrorFile == "" {
		c.ErrorFile = filepath.Join("logs", name+".err.log")
	}
}

// Paths returns the absolute out and err paths. Merged logs share the out path.
func (c ProcessLogConfig) Paths(workDir string) (string, string) {
	out := resolvePath(c.OutFile, workDir)
	if c.MergeLogs {
		return out, out
	}
	return out, resolvePath(c.ErrorFile, workDir)
}

// PathFor returns the file backing a stream
func (c ProcessLogConfig) PathFor(stream StreamType, workDir string) string {
	out, err := c.Paths(workDir)
	if stream == StderrStream {
		return err
	}
	return out
}

func (c ProcessLogConfig) Validate() error {
	if c.OutFile == "" {
		return errors.NewValidationError("out_file is required", nil)
	}
	if !c.MergeLogs && c.ErrorFile == "" {
		return errors.NewValidationError("error_file is required unless merge_logs is set", nil)
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return errors.NewValidationError("log rotation settings cannot be negative", nil)
	}
	if c.DateFormat != "" {
		probe := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC).Format(c.DateFormat)
		if probe == c.DateFormat {
			return errors.NewValidationError("date_format contains no time layout elements", nil).
				WithContext("date_format", c.DateFormat)
		}
	}
	return nil
}

func resolvePath(path string, workDir string) string {
	if path == "" || filepath.IsAbs(path) || workDir == "" {
		return path
	}
	return filepath.Join(workDir, path)
}

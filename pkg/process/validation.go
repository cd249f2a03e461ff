package process

import (
	"os"
	"path/filepath"

	"github.com/core-tools/memstack/pkg/errors"
)

func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.Command == "" {
		return errors.NewValidationError("command is required", nil)
	}
	if config.WaitDelay < 0 {
		return errors.NewValidationError("wait delay cannot be negative", nil)
	}
	for key := range config.Env {
		if key == "" {
			return errors.NewValidationError("environment variable name cannot be empty", nil)
		}
	}
	return nil
}

// ValidatePIDFile checks that pidFile is absolute and its directory exists
func ValidatePIDFile(pidFile string) error {
	if pidFile == "" {
		return errors.NewValidationError("PID file path cannot be empty", nil)
	}
	if !filepath.IsAbs(pidFile) {
		return errors.NewValidationError("PID file path must be absolute", nil).WithContext("pid_file", pidFile)
	}
	dir := filepath.Dir(pidFile)
	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewIOError("PID file directory not accessible", err).WithContext("directory", dir)
	}
	if !info.IsDir() {
		return errors.NewValidationError("PID file parent is not a directory", nil).WithContext("directory", dir)
	}
	return nil
}

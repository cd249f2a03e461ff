package resourcelimits

import (
	"strconv"
	"strings"

	"github.com/core-tools/memstack/pkg/errors"
)

var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses sizes such as "512MB", "1G", "300K" or a bare byte count.
// Units are binary and case insensitive.
func ParseByteSize(value string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return 0, errors.NewValidationError("byte size cannot be empty", nil)
	}

	multiplier := int64(1)
	for _, unit := range byteUnits {
		if strings.HasSuffix(trimmed, unit.suffix) {
			multiplier = unit.multiplier
			trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
			break
		}
	}

	number, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || number <= 0 {
		return 0, errors.NewValidationError("invalid byte size", err).WithContext("value", value)
	}
	return int64(number * float64(multiplier)), nil
}

// ValidateResourceLimits checks a limits block without starting anything
func ValidateResourceLimits(limits *ResourceLimits) error {
	if !limits.Enabled() {
		return nil
	}
	if _, err := ParseByteSize(limits.MaxMemory); err != nil {
		return err
	}
	if limits.WarningThreshold < 0 || limits.WarningThreshold > 100 {
		return errors.NewValidationError("warning_threshold must be between 0 and 100", nil).
			WithContext("warning_threshold", limits.WarningThreshold)
	}
	if limits.CheckInterval < 0 {
		return errors.NewValidationError("check_interval cannot be negative", nil)
	}
	return nil
}

package workers

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/resourcelimits"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

const MaxUnitNameLength = 64

var unitNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidateUnitName checks process and dependency names, which end up in file names
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("name is required", nil)
	}
	if len(name) > MaxUnitNameLength {
		return errors.NewValidationError(fmt.Sprintf("name is longer than %d characters", MaxUnitNameLength), nil).WithContext("name", name)
	}
	if !unitNamePattern.MatchString(name) {
		return errors.NewValidationError("name may only contain letters, digits, '_', '.' and '-'", nil).WithContext("name", name)
	}
	return nil
}

func ValidateWorkerProfileType(profile WorkerProfileType) error {
	switch profile {
	case "", WorkerProfileTypeBatch, WorkerProfileTypeWeb, WorkerProfileTypeDatabase,
		WorkerProfileTypeWorker, WorkerProfileTypeScheduler, WorkerProfileTypeDefault:
		return nil
	}
	return errors.NewValidationError("unsupported worker profile type: "+string(profile), nil).
		WithContext("supported_types", "batch, web, database, worker, scheduler, default")
}

// ValidateCronSpec accepts the standard 5-field cron syntax and descriptors like @daily
func ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return errors.NewValidationError("invalid cron_restart spec", err).WithContext("cron_restart", spec)
	}
	return nil
}

func ValidateManagedUnit(unit ManagedUnit) error {
	if err := ValidateUnitName(unit.Metadata.Name); err != nil {
		return err
	}
	if err := ValidateWorkerProfileType(unit.Profile); err != nil {
		return err
	}
	if err := process.ValidateExecutionConfig(unit.Execution); err != nil {
		return err
	}
	if err := processcontrol.ValidateExitRestartConfig(unit.Restart); err != nil {
		return errors.NewValidationError("invalid restart configuration", err)
	}
	if err := unit.Logs.Validate(); err != nil {
		return errors.NewValidationError("invalid logs configuration", err)
	}
	if unit.HealthCheck != nil {
		if err := monitoring.ValidateHealthCheckConfig(*unit.HealthCheck); err != nil {
			return err
		}
	}
	if err := resourcelimits.ValidateResourceLimits(unit.Limits); err != nil {
		return errors.NewValidationError("invalid limits configuration", err)
	}
	if err := ValidateCronSpec(unit.CronRestart); err != nil {
		return err
	}
	if unit.ContextAwareRestart != nil {
		if err := processcontrol.ValidateContextAwareRestartConfig(*unit.ContextAwareRestart); err != nil {
			return err
		}
	}
	return nil
}

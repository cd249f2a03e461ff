package monitoring

import (
	"time"

	"github.com/core-tools/memstack/pkg/errors"
)

// ApplyDefaults fills unset run options
func ApplyDefaults(config *HealthCheckConfig) {
	if config.RunOptions.Interval <= 0 {
		config.RunOptions.Interval = 10 * time.Second
	}
	if config.RunOptions.Timeout <= 0 {
		config.RunOptions.Timeout = config.RunOptions.Interval / 2
	}
}

func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if err := ValidateHealthCheckRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err)
	}

	switch config.Type {
	case HealthCheckTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}
	case HealthCheckTypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC address is required for gRPC health check", nil)
		}
	case HealthCheckTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP health check", nil)
		}
		if config.TCP.Port <= 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}
	case HealthCheckTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec health check", nil)
		}
	case HealthCheckTypeRedis:
		if config.Redis.Address == "" {
			return errors.NewValidationError("address is required for redis health check", nil)
		}
		if config.Redis.DB < 0 {
			return errors.NewValidationError("redis DB cannot be negative", nil)
		}
	case HealthCheckTypeProcess:
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
	return nil
}

func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}
	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if options.Timeout > options.Interval {
		return errors.NewValidationError("health check timeout cannot exceed interval", nil)
	}
	if options.InitialDelay < 0 {
		return errors.NewValidationError("health check initial delay cannot be negative", nil)
	}
	if options.Retries < 0 {
		return errors.NewValidationError("health check retries cannot be negative", nil)
	}
	return nil
}

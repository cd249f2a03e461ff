package domain

import (
	"context"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type RetryPingOptions struct {
	RetryAttempts int
	RetryInterval time.Duration
}

// RetryPing polls Health until the daemon answers as serving
func RetryPing(ctx context.Context, contract Contract, options RetryPingOptions, logger logging.Logger) error {
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= options.RetryAttempts; attempt++ {
		health, err := contract.Health(ctx)
		if err == nil && health.Serving() {
			logger.Debugf("Ping succeeded, attempt: %d, status: %s", attempt, health.Status)
			return nil
		}
		if err == nil {
			err = errors.NewInternalError("daemon is not serving", nil).WithContext("status", health.Status)
		}
		lastErr = err
		logger.Debugf("Ping failed, attempt: %d/%d, error: %v", attempt, options.RetryAttempts, err)

		if attempt == options.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.NewCancelledError("ping cancelled", ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return errors.NewTimeoutError("daemon did not become healthy", lastErr).
		WithContext("attempts", options.RetryAttempts)
}

package processcontrolimpl

import (
	"sync"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

type RestartFunc func() error

type CircuitBreakerState struct {
	IsOpen          bool                              `json:"is_open"`
	RestartAttempts int                               `json:"restart_attempts"`
	LastRestartTime time.Time                         `json:"last_restart_time"`
	CreationTime    time.Time                         `json:"creation_time"`
	LastTriggerType processcontrol.RestartTriggerType `json:"last_trigger_type,omitempty"`
	LastContext     *processcontrol.RestartContext    `json:"last_context,omitempty"`
}

// RestartCircuitBreaker rate limits restarts that are not caused by the process exiting
type RestartCircuitBreaker interface {
	GetState() CircuitBreakerState
	ExecuteRestart(restartFunc RestartFunc, context processcontrol.RestartContext) error
	Reset()
}

var (
	DefaultSeverityMultipliers = map[string]float64{
		"warning":   0.5,
		"critical":  1.0,
		"emergency": 2.0,
	}

	DefaultWorkerProfileMultipliers = map[string]float64{
		"batch":     3.0,
		"web":       1.0,
		"database":  5.0,
		"worker":    2.0,
		"scheduler": 2.5,
		"default":   1.0,
	}
)

func NewRestartCircuitBreaker(config *processcontrol.ContextAwareRestartConfig, id string, workerProfileType string, logger logging.Logger) RestartCircuitBreaker {
	severityMultipliers := config.SeverityMultipliers
	if severityMultipliers == nil {
		severityMultipliers = DefaultSeverityMultipliers
	}
	workerProfileMultipliers := config.WorkerProfileMultipliers
	if workerProfileMultipliers == nil {
		workerProfileMultipliers = DefaultWorkerProfileMultipliers
	}

	return &restartCircuitBreaker{
		config:                   config,
		id:                       id,
		workerProfileType:        workerProfileType,
		logger:                   logger,
		creationTime:             time.Now(),
		severityMultipliers:      severityMultipliers,
		workerProfileMultipliers: workerProfileMultipliers,
		sleep:                    time.Sleep,
	}
}

type restartCircuitBreaker struct {
	config            *processcontrol.ContextAwareRestartConfig
	id                string
	workerProfileType string
	logger            logging.Logger

	severityMultipliers      map[string]float64
	workerProfileMultipliers map[string]float64

	restartAttempts    int
	lastRestartTime    time.Time
	creationTime       time.Time
	circuitBreakerOpen bool
	lastTriggerType    processcontrol.RestartTriggerType
	lastContext        *processcontrol.RestartContext
	mutex              sync.Mutex

	sleep func(time.Duration)
}

func (rcb *restartCircuitBreaker) ExecuteRestart(restartFunc RestartFunc, context processcontrol.RestartContext) error {
	if context.WorkerProfileType == "" {
		context.WorkerProfileType = rcb.workerProfileType
	}

	wait, err := rcb.admit(context)
	if err != nil {
		return err
	}

	if wait > 0 {
		rcb.logger.Infof("Enforcing retry delay, id: %s, trigger: %s, waiting: %v", rcb.id, context.TriggerType, wait)
		rcb.sleep(wait)
		if rcb.GetState().IsOpen {
			return errors.NewConflictError("restart circuit breaker opened during delay", nil).WithContext("id", rcb.id)
		}
	}

	rcb.recordAttempt()

	if err := restartFunc(); err != nil {
		rcb.logger.Errorf("Failed to restart, id: %s, trigger: %s, error: %v", rcb.id, context.TriggerType, err)
		return err
	}
	rcb.logger.Infof("Restart completed, id: %s, trigger: %s", rcb.id, context.TriggerType)
	return nil
}

// admit checks the breaker and computes the remaining retry delay
func (rcb *restartCircuitBreaker) admit(context processcontrol.RestartContext) (time.Duration, error) {
	rcb.mutex.Lock()
	defer rcb.mutex.Unlock()

	rcb.lastContext = &context
	rcb.lastTriggerType = context.TriggerType

	rcb.logger.Debugf("Restart request, id: %s, trigger: %s, severity: %s, worker_profile: %s, message: %s",
		rcb.id, context.TriggerType, context.Severity, context.WorkerProfileType, context.Message)

	if rcb.circuitBreakerOpen {
		rcb.logger.Errorf("Circuit breaker is open, ignoring restart request, id: %s, attempts: %d, trigger: %s",
			rcb.id, rcb.restartAttempts, context.TriggerType)
		return 0, errors.NewConflictError("restart circuit breaker is open", nil).
			WithContext("id", rcb.id).WithContext("trigger", string(context.TriggerType))
	}

	if grace := rcb.config.StartupGracePeriod; grace > 0 && time.Since(rcb.creationTime) < grace {
		rcb.logger.Infof("Restart blocked: within startup grace period, id: %s, trigger: %s, remaining: %v",
			rcb.id, context.TriggerType, grace-time.Since(rcb.creationTime))
		return 0, errors.NewConflictError("restart blocked: within startup grace period", nil).WithContext("id", rcb.id)
	}

	config := rcb.getConfigForContext(context)
	multiplier := rcb.multiplierFor(context)
	effectiveMaxRetries := ApplyRetryMultiplier(config.MaxRetries, multiplier)
	retryDelay := ApplyDelayMultiplier(config.RetryDelay, multiplier)

	if effectiveMaxRetries > 0 && rcb.restartAttempts >= effectiveMaxRetries {
		rcb.logger.Errorf("Effective max restart retries exceeded, opening circuit breaker, id: %s, attempts: %d, effective_max: %d, trigger: %s",
			rcb.id, rcb.restartAttempts, effectiveMaxRetries, context.TriggerType)
		rcb.circuitBreakerOpen = true
		return 0, errors.NewConflictError("max restart retries exceeded", nil).
			WithContext("id", rcb.id).WithContext("trigger", string(context.TriggerType))
	}

	for i := 0; i < rcb.restartAttempts; i++ {
		retryDelay = time.Duration(float64(retryDelay) * config.BackoffRate)
	}

	if rcb.lastRestartTime.IsZero() {
		return 0, nil
	}
	if since := time.Since(rcb.lastRestartTime); since < retryDelay {
		return retryDelay - since, nil
	}
	return 0, nil
}

func (rcb *restartCircuitBreaker) recordAttempt() {
	rcb.mutex.Lock()
	defer rcb.mutex.Unlock()
	rcb.restartAttempts++
	rcb.lastRestartTime = time.Now()
	rcb.logger.Warnf("Proceeding with restart, id: %s, trigger: %s, attempt: %d", rcb.id, rcb.lastTriggerType, rcb.restartAttempts)
}

func (rcb *restartCircuitBreaker) Reset() {
	rcb.mutex.Lock()
	defer rcb.mutex.Unlock()

	if rcb.restartAttempts > 0 || rcb.circuitBreakerOpen {
		rcb.logger.Infof("Resetting circuit breaker, id: %s, previous attempts: %d", rcb.id, rcb.restartAttempts)
		rcb.restartAttempts = 0
		rcb.circuitBreakerOpen = false
		rcb.lastRestartTime = time.Time{}
		rcb.lastTriggerType = ""
		rcb.lastContext = nil
	}
}

func (rcb *restartCircuitBreaker) GetState() CircuitBreakerState {
	rcb.mutex.Lock()
	defer rcb.mutex.Unlock()
	return CircuitBreakerState{
		IsOpen:          rcb.circuitBreakerOpen,
		RestartAttempts: rcb.restartAttempts,
		LastRestartTime: rcb.lastRestartTime,
		CreationTime:    rcb.creationTime,
		LastTriggerType: rcb.lastTriggerType,
		LastContext:     rcb.lastContext,
	}
}

func (rcb *restartCircuitBreaker) getConfigForContext(context processcontrol.RestartContext) *processcontrol.RestartConfig {
	switch context.TriggerType {
	case processcontrol.RestartTriggerHealthFailure:
		if rcb.config.HealthFailures != nil {
			return rcb.config.HealthFailures
		}
	case processcontrol.RestartTriggerResourceViolation:
		if rcb.config.ResourceViolations != nil {
			return rcb.config.ResourceViolations
		}
	}
	return &rcb.config.Default
}

func (rcb *restartCircuitBreaker) multiplierFor(context processcontrol.RestartContext) float64 {
	multiplier := 1.0
	if m, ok := rcb.severityMultipliers[context.Severity]; ok {
		multiplier *= m
	}
	profile := context.WorkerProfileType
	if profile == "" {
		profile = "default"
	}
	if m, ok := rcb.workerProfileMultipliers[profile]; ok {
		multiplier *= m
	}
	return multiplier
}

// ApplyRetryMultiplier scales a retry budget; a positive budget never drops below one
func ApplyRetryMultiplier(base int, multiplier float64) int {
	if base <= 0 {
		return base
	}
	result := int(float64(base) * multiplier)
	if result < 1 {
		result = 1
	}
	return result
}

// ApplyDelayMultiplier scales a retry delay; a positive delay never drops below one second
func ApplyDelayMultiplier(base time.Duration, multiplier float64) time.Duration {
	if base <= 0 {
		return base
	}
	result := time.Duration(float64(base) * multiplier)
	if result < time.Second {
		result = time.Second
	}
	return result
}

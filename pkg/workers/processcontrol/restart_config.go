package processcontrol

import (
	"math"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
)

// RestartPolicy decides whether an exited process is started again
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// RestartTriggerType records what caused a restart
type RestartTriggerType string

const (
	RestartTriggerCrash             RestartTriggerType = "crash"
	RestartTriggerHealthFailure     RestartTriggerType = "health_failure"
	RestartTriggerResourceViolation RestartTriggerType = "resource_violation"
	RestartTriggerManual            RestartTriggerType = "manual"
	RestartTriggerCron              RestartTriggerType = "cron"
)

// RestartContext feeds the circuit breaker's context-aware limits
type RestartContext struct {
	TriggerType       RestartTriggerType `json:"trigger_type"`
	Severity          string             `json:"severity"`            // warning, critical, emergency
	WorkerProfileType string             `json:"worker_profile_type"` // batch, web, database, worker, scheduler
	ViolationType     string             `json:"violation_type"`      // memory, health
	Message           string             `json:"message"`
}

// ExitRestartConfig is the pm2-style restart block applied when a process exits on its own.
//
//	restart:
//	  policy: always
//	  max_restarts: 10
//	  restart_delay: 3s
//	  backoff_rate: 1.0
//	  min_uptime: 5s
//	  kill_timeout: 5s
type ExitRestartConfig struct {
	Policy       RestartPolicy `yaml:"policy,omitempty"`
	MaxRestarts  int           `yaml:"max_restarts,omitempty"` // 0 means unlimited
	RestartDelay time.Duration `yaml:"restart_delay,omitempty"`
	BackoffRate  float64       `yaml:"backoff_rate,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
	MinUptime    time.Duration `yaml:"min_uptime,omitempty"`
	KillTimeout  time.Duration `yaml:"kill_timeout,omitempty"`
}

const (
	DefaultMaxRestarts  = 10
	DefaultRestartDelay = 3 * time.Second
	DefaultBackoffRate  = 1.0
	DefaultMaxDelay     = time.Minute
	DefaultMinUptime    = 5 * time.Second
	DefaultKillTimeout  = 5 * time.Second
)

// DefaultExitRestartConfig is what an absent restart block amounts to
func DefaultExitRestartConfig() ExitRestartConfig {
	return ExitRestartConfig{
		Policy:       RestartAlways,
		MaxRestarts:  DefaultMaxRestarts,
		RestartDelay: DefaultRestartDelay,
		BackoffRate:  DefaultBackoffRate,
		MaxDelay:     DefaultMaxDelay,
		MinUptime:    DefaultMinUptime,
		KillTimeout:  DefaultKillTimeout,
	}
}

// ApplyDefaults fills the fields whose zero value means nothing. An explicit
// zero max_restarts, restart_delay, min_uptime or kill_timeout is kept; config
// loading seeds those from DefaultExitRestartConfig before decoding. A config
// left entirely unset gets every default.
func (c *ExitRestartConfig) ApplyDefaults() {
	if *c == (ExitRestartConfig{}) {
		*c = DefaultExitRestartConfig()
		return
	}
	if c.Policy == "" {
		c.Policy = RestartAlways
	}
	if c.BackoffRate == 0 {
		c.BackoffRate = DefaultBackoffRate
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
}

func ValidateExitRestartConfig(c ExitRestartConfig) error {
	switch c.Policy {
	case RestartNever, RestartOnFailure, RestartAlways, RestartUnlessStopped:
	default:
		return errors.NewValidationError("invalid restart policy: "+string(c.Policy), nil)
	}
	if c.MaxRestarts < 0 {
		return errors.NewValidationError("max_restarts cannot be negative", nil).WithContext("max_restarts", c.MaxRestarts)
	}
	if c.BackoffRate < 1 {
		return errors.NewValidationError("backoff_rate must be at least 1", nil).WithContext("backoff_rate", c.BackoffRate)
	}
	if c.RestartDelay < 0 || c.MaxDelay < 0 || c.MinUptime < 0 || c.KillTimeout < 0 {
		return errors.NewValidationError("restart durations cannot be negative", nil)
	}
	return nil
}

// ComputeRestartDelay returns restart_delay * backoff_rate^attempt, capped at max_delay
// when one is set. attempt counts from zero.
func ComputeRestartDelay(c ExitRestartConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	rate := c.BackoffRate
	if rate < 1 {
		rate = 1
	}
	delay := float64(c.RestartDelay) * math.Pow(rate, float64(attempt))
	if c.MaxDelay > 0 && (delay > float64(c.MaxDelay) || math.IsInf(delay, 1)) {
		return c.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ExitAction is what happens after a process exits on its own
type ExitAction string

const (
	ExitActionStop    ExitAction = "stop"
	ExitActionGiveUp  ExitAction = "give_up"
	ExitActionRestart ExitAction = "restart"
)

// ExitDecision is the outcome of EvaluateExit
type ExitDecision struct {
	Action ExitAction
	// Attempt is the backoff exponent for the scheduled restart
	Attempt int
	// UnstableRestarts is the counter to store after this decision
	UnstableRestarts int
	Delay            time.Duration
}

// EvaluateExit applies the restart policy to an exit. A run lasting at least
// min_uptime resets the unstable counter; reaching max_restarts unstable
// restarts gives up.
func EvaluateExit(c ExitRestartConfig, exitCode int, uptime time.Duration, unstableRestarts int) ExitDecision {
	if c.Policy == RestartNever || (c.Policy == RestartOnFailure && exitCode == 0) {
		return ExitDecision{Action: ExitActionStop, UnstableRestarts: unstableRestarts}
	}

	unstable := unstableRestarts
	if uptime >= c.MinUptime {
		unstable = 0
	}
	if c.MaxRestarts > 0 && unstable >= c.MaxRestarts {
		return ExitDecision{Action: ExitActionGiveUp, UnstableRestarts: unstable}
	}
	return ExitDecision{
		Action:           ExitActionRestart,
		Attempt:          unstable,
		UnstableRestarts: unstable + 1,
		Delay:            ComputeRestartDelay(c, unstable),
	}
}

// RestartConfig defines the circuit breaker retry mechanics
type RestartConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	BackoffRate float64       `yaml:"backoff_rate"`
}

func ValidateRestartConfig(config RestartConfig) error {
	if config.MaxRetries < 0 {
		return errors.NewValidationError("max_retries cannot be negative", nil).WithContext("max_retries", config.MaxRetries)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError("retry_delay cannot be negative", nil).WithContext("retry_delay", config.RetryDelay)
	}
	if config.BackoffRate <= 0 {
		return errors.NewValidationError("backoff_rate must be positive", nil).WithContext("backoff_rate", config.BackoffRate)
	}
	return nil
}

// ContextAwareRestartConfig governs restarts requested by health checks,
// memory violations and operators (non-forced).
type ContextAwareRestartConfig struct {
	Default RestartConfig `yaml:"default"`

	HealthFailures     *RestartConfig `yaml:"health_failures,omitempty"`
	ResourceViolations *RestartConfig `yaml:"resource_violations,omitempty"`

	// multiply max_retries and retry_delay
	SeverityMultipliers      map[string]float64 `yaml:"severity_multipliers,omitempty"`
	WorkerProfileMultipliers map[string]float64 `yaml:"worker_profile_multipliers,omitempty"`

	// no restarts within this period after the process control was created
	StartupGracePeriod time.Duration `yaml:"startup_grace_period,omitempty"`
}

// DefaultContextAwareRestartConfig derives breaker settings from the exit restart block
func DefaultContextAwareRestartConfig(exit ExitRestartConfig) ContextAwareRestartConfig {
	rate := exit.BackoffRate
	if rate <= 0 {
		rate = DefaultBackoffRate
	}
	return ContextAwareRestartConfig{
		Default: RestartConfig{
			MaxRetries:  exit.MaxRestarts,
			RetryDelay:  exit.RestartDelay,
			BackoffRate: rate,
		},
	}
}

func ValidateContextAwareRestartConfig(config ContextAwareRestartConfig) error {
	if err := ValidateRestartConfig(config.Default); err != nil {
		return errors.NewValidationError("invalid default restart config", err)
	}
	if config.HealthFailures != nil {
		if err := ValidateRestartConfig(*config.HealthFailures); err != nil {
			return errors.NewValidationError("invalid health_failures restart config", err)
		}
	}
	if config.ResourceViolations != nil {
		if err := ValidateRestartConfig(*config.ResourceViolations); err != nil {
			return errors.NewValidationError("invalid resource_violations restart config", err)
		}
	}
	if config.StartupGracePeriod < 0 {
		return errors.NewValidationError("startup_grace_period cannot be negative", nil)
	}
	for severity, multiplier := range config.SeverityMultipliers {
		if multiplier <= 0 {
			return errors.NewValidationError("severity multiplier must be positive", nil).WithContext("severity", severity)
		}
	}
	for profile, multiplier := range config.WorkerProfileMultipliers {
		if multiplier <= 0 {
			return errors.NewValidationError("worker profile multiplier must be positive", nil).WithContext("profile", profile)
		}
	}
	return nil
}

package workers

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/logcollection"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/resourcelimits"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

type UnitMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// WorkerProfileType is the load profile used by the restart circuit breaker
type WorkerProfileType string

const (
	WorkerProfileTypeBatch     WorkerProfileType = "batch"
	WorkerProfileTypeWeb       WorkerProfileType = "web"
	WorkerProfileTypeDatabase  WorkerProfileType = "database"
	WorkerProfileTypeWorker    WorkerProfileType = "worker"
	WorkerProfileTypeScheduler WorkerProfileType = "scheduler"
	WorkerProfileTypeDefault   WorkerProfileType = "default"
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes held
// open by grandchildren after the process itself exited.
const DefaultWaitDelay = 2 * time.Second

// ManagedUnit is one entry of the processes list in the stack file.
//
//	- name: api
//	  profile: web
//	  execution:
//	    command: uvicorn
//	    args: [main:app, --port, "8000"]
//	    cwd: ./memory-service
//	  restart:
//	    max_restarts: 10
//	    restart_delay: 3s
//	  health_check:
//	    type: http
//	    http: {url: "http://127.0.0.1:8000/health"}
type ManagedUnit struct {
	Metadata UnitMetadata `yaml:",inline"`

	Profile WorkerProfileType `yaml:"profile,omitempty"`
	Enabled *bool             `yaml:"enabled,omitempty"` // nil means enabled

	Execution process.ExecutionConfig          `yaml:"execution"`
	Restart   processcontrol.ExitRestartConfig `yaml:"restart,omitempty"`
	Logs      logcollection.ProcessLogConfig   `yaml:"logs,omitempty"`

	HealthCheck *monitoring.HealthCheckConfig `yaml:"health_check,omitempty"`
	Limits      *resourcelimits.ResourceLimits `yaml:"limits,omitempty"`
	CronRestart string                         `yaml:"cron_restart,omitempty"`

	// Breaker for health, memory and manual restarts; derived from restart when absent
	ContextAwareRestart *processcontrol.ContextAwareRestartConfig `yaml:"context_aware_restart,omitempty"`
}

// UnmarshalYAML seeds the restart block before decoding so that an explicit
// zero survives: unlimited max_restarts, an immediate restart_delay, no
// min_uptime or an immediate kill.
func (u *ManagedUnit) UnmarshalYAML(value *yaml.Node) error {
	type plain ManagedUnit
	raw := plain{
		Restart: processcontrol.DefaultExitRestartConfig(),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*u = ManagedUnit(raw)
	return nil
}

func (u *ManagedUnit) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// SetDefaults fills every unset field of the unit
func (u *ManagedUnit) SetDefaults() {
	if u.Profile == "" {
		u.Profile = WorkerProfileTypeDefault
	}
	if u.Enabled == nil {
		enabled := true
		u.Enabled = &enabled
	}
	if u.Execution.WaitDelay == 0 {
		u.Execution.WaitDelay = DefaultWaitDelay
	}

	u.Restart.ApplyDefaults()
	u.Logs.ApplyDefaults(u.Metadata.Name)

	if u.HealthCheck != nil {
		monitoring.ApplyDefaults(u.HealthCheck)
	}
	if u.Limits != nil && u.Limits.CheckInterval == 0 {
		u.Limits.CheckInterval = resourcelimits.DefaultCheckInterval
	}
	if u.ContextAwareRestart == nil {
		breaker := processcontrol.DefaultContextAwareRestartConfig(u.Restart)
		u.ContextAwareRestart = &breaker
	}
}

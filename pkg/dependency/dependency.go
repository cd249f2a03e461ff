package dependency

import (
	"context"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
)

const (
	DefaultWaitDelay         = 5 * time.Second
	DefaultReadinessTimeout  = time.Minute
	DefaultReadinessInterval = time.Second
	DefaultCommandTimeout    = 2 * time.Minute
)

// DependencyConfig is a container service brought up before the processes.
//
//	dependencies:
//	  - name: falkordb
//	    up: [docker, compose, up, -d, falkordb]
//	    down: [docker, compose, stop, falkordb]
//	    wait_delay: 5s
//	    readiness:
//	      type: redis
//	      redis: {address: "127.0.0.1:6379"}
type DependencyConfig struct {
	Name             string            `yaml:"name"`
	Up               []string          `yaml:"up"`
	Down             []string          `yaml:"down,omitempty"`
	WorkingDirectory string            `yaml:"cwd,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`

	// fixed pause after the up command, before readiness polling
	WaitDelay time.Duration `yaml:"wait_delay,omitempty"`

	Readiness         *monitoring.HealthCheckConfig `yaml:"readiness,omitempty"`
	ReadinessTimeout  time.Duration                 `yaml:"readiness_timeout,omitempty"`
	ReadinessInterval time.Duration                 `yaml:"readiness_interval,omitempty"`
	CommandTimeout    time.Duration                 `yaml:"command_timeout,omitempty"`

	// run the down command on teardown; the container is left running otherwise
	StopOnDown bool `yaml:"stop_on_down,omitempty"`
}

// UnmarshalYAML seeds wait_delay so that an explicit 0s disables the pause
func (c *DependencyConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DependencyConfig
	raw := plain{WaitDelay: DefaultWaitDelay}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = DependencyConfig(raw)
	return nil
}

func (c *DependencyConfig) SetDefaults() {
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = DefaultReadinessTimeout
	}
	if c.ReadinessInterval == 0 {
		c.ReadinessInterval = DefaultReadinessInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Readiness != nil {
		monitoring.ApplyDefaults(c.Readiness)
	}
}

func ValidateDependencyConfig(c DependencyConfig) error {
	if c.Name == "" {
		return errors.NewValidationError("dependency name is required", nil)
	}
	if len(c.Up) == 0 || c.Up[0] == "" {
		return errors.NewValidationError("dependency up command is required", nil).WithContext("name", c.Name)
	}
	if c.StopOnDown && (len(c.Down) == 0 || c.Down[0] == "") {
		return errors.NewValidationError("stop_on_down requires a down command", nil).WithContext("name", c.Name)
	}
	if c.WaitDelay < 0 || c.ReadinessTimeout < 0 || c.ReadinessInterval < 0 || c.CommandTimeout < 0 {
		return errors.NewValidationError("dependency durations cannot be negative", nil).WithContext("name", c.Name)
	}
	if c.Readiness != nil {
		if err := monitoring.ValidateHealthCheckConfig(*c.Readiness); err != nil {
			return errors.NewValidationError("invalid readiness check", err).WithContext("name", c.Name)
		}
	}
	return nil
}

type DependencyState struct {
	Name    string     `json:"name"`
	Phase   string     `json:"phase"`
	Message string     `json:"message,omitempty"`
	ReadyAt *time.Time `json:"ready_at,omitempty"`
}

type Dependency struct {
	config DependencyConfig
	bus    *events.Bus
	logger logging.Logger

	mutex   sync.Mutex
	phase   string
	message string
	readyAt *time.Time
}

func New(config DependencyConfig, bus *events.Bus, logger logging.Logger) *Dependency {
	config.SetDefaults()
	return &Dependency{
		config: config,
		bus:    bus,
		logger: logger,
		phase:  events.DependencyStopped,
	}
}

func (d *Dependency) Name() string {
	return d.config.Name
}

// Up runs the up command, waits the fixed delay and then polls readiness
func (d *Dependency) Up(ctx context.Context) error {
	d.setPhase(events.DependencyStarting, "")
	d.logger.Infof("Bringing up dependency, name: %s, command: %v", d.config.Name, d.config.Up)

	if _, err := d.run(ctx, d.config.Up); err != nil {
		d.setPhase(events.DependencyFailed, err.Error())
		return errors.NewDependencyError("dependency up command failed", err).WithContext("name", d.config.Name)
	}

	if d.config.WaitDelay > 0 {
		d.logger.Infof("Waiting for dependency to settle, name: %s, delay: %v", d.config.Name, d.config.WaitDelay)
		select {
		case <-time.After(d.config.WaitDelay):
		case <-ctx.Done():
			d.setPhase(events.DependencyFailed, "cancelled")
			return errors.NewCancelledError("dependency startup cancelled", ctx.Err()).WithContext("name", d.config.Name)
		}
	}

	if d.config.Readiness != nil {
		readyCtx, cancel := context.WithTimeout(ctx, d.config.ReadinessTimeout)
		defer cancel()
		if err := monitoring.WaitHealthy(readyCtx, d.config.Readiness, 0, d.config.ReadinessInterval, d.logger); err != nil {
			d.setPhase(events.DependencyFailed, err.Error())
			return errors.NewDependencyError("dependency did not become ready", err).WithContext("name", d.config.Name)
		}
	}

	d.setPhase(events.DependencyReady, "")
	d.logger.Infof("Dependency ready, name: %s", d.config.Name)
	return nil
}

// Down runs the down command when stop_on_down is set. Errors are meant to
// be collected by the caller, never to abort a teardown.
func (d *Dependency) Down(ctx context.Context) error {
	if !d.config.StopOnDown {
		d.logger.Debugf("Leaving dependency running, name: %s", d.config.Name)
		d.setPhase(events.DependencyStopped, "left running")
		return nil
	}

	d.logger.Infof("Stopping dependency, name: %s, command: %v", d.config.Name, d.config.Down)
	if _, err := d.run(ctx, d.config.Down); err != nil {
		d.setPhase(events.DependencyFailed, err.Error())
		return errors.NewDependencyError("dependency down command failed", err).WithContext("name", d.config.Name)
	}
	d.setPhase(events.DependencyStopped, "")
	return nil
}

func (d *Dependency) State() DependencyState {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return DependencyState{
		Name:    d.config.Name,
		Phase:   d.phase,
		Message: d.message,
		ReadyAt: d.readyAt,
	}
}

func (d *Dependency) run(ctx context.Context, argv []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	output, err := process.RunCommand(runCtx, process.Command{
		Argv: argv,
		Dir:  d.config.WorkingDirectory,
		Env:  d.config.Env,
	}, d.logger)
	if output != "" {
		d.logger.Debugf("Dependency command output, name: %s: %s", d.config.Name, output)
	}
	return output, err
}

func (d *Dependency) setPhase(phase string, message string) {
	d.mutex.Lock()
	d.phase = phase
	d.message = message
	if phase == events.DependencyReady {
		now := time.Now()
		d.readyAt = &now
	} else {
		d.readyAt = nil
	}
	d.mutex.Unlock()

	d.bus.Publish(events.DependencyChanged{Name: d.config.Name, Phase: phase, Message: message, At: time.Now()})
}

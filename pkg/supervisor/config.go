package supervisor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/dependency"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/inhibitor"
	"github.com/core-tools/memstack/pkg/journal"
	"github.com/core-tools/memstack/pkg/workers"
)

const (
	DefaultName                 = "memstack"
	DefaultListen               = "127.0.0.1:9615"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "console"
	DefaultLogOutput            = "stdout"
	DefaultStateDir             = ".memstack"
	DefaultForceShutdownTimeout = 30 * time.Second
)

// StackConfig is the top-level structure of the stack file
type StackConfig struct {
	Supervisor   SupervisorOptions             `yaml:"supervisor"`
	Dependencies []dependency.DependencyConfig `yaml:"dependencies,omitempty"`
	Processes    []workers.ManagedUnit         `yaml:"processes"`
	Inhibitor    inhibitor.InhibitorConfig     `yaml:"inhibitor,omitempty"`
	Journal      journal.JournalConfig         `yaml:"journal,omitempty"`

	// Directory relative paths are resolved against, the config file's directory
	BaseDir string `yaml:"-"`
}

type SupervisorOptions struct {
	Name                 string        `yaml:"name,omitempty"`
	Listen               string        `yaml:"listen,omitempty"`
	LogLevel             string        `yaml:"log_level,omitempty"`
	LogFormat            string        `yaml:"log_format,omitempty"`
	LogOutput            string        `yaml:"log_output,omitempty"` // stdout, stderr, journal or a file path
	StateDir             string        `yaml:"state_dir,omitempty"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`

	// Stop and forget registered processes before each up, so every up
	// spawns fresh processes instead of adopting survivors
	DeleteBeforeStart *bool `yaml:"delete_before_start,omitempty"`
}

func (o SupervisorOptions) deleteBeforeStart() bool {
	return o.DeleteBeforeStart == nil || *o.DeleteBeforeStart
}

// LoadConfigFromFile loads and defaults the stack file. It does not validate.
func LoadConfigFromFile(filename string) (*StackConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	baseDir, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration directory", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data, baseDir)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// ParseConfig decodes a stack file body, resolving relative paths against baseDir
func ParseConfig(data []byte, baseDir string) (*StackConfig, error) {
	config := StackConfig{
		Journal: journal.DefaultJournalConfig(),
		BaseDir: baseDir,
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	if err := setConfigDefaults(&config); err != nil {
		return nil, errors.NewValidationError("failed to apply configuration defaults", err)
	}
	return &config, nil
}

func setConfigDefaults(config *StackConfig) error {
	if config.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		config.BaseDir = wd
	}

	options := &config.Supervisor
	if options.Name == "" {
		options.Name = DefaultName
	}
	if options.Listen == "" {
		options.Listen = DefaultListen
	}
	if options.LogLevel == "" {
		options.LogLevel = DefaultLogLevel
	}
	if options.LogFormat == "" {
		options.LogFormat = DefaultLogFormat
	}
	if options.LogOutput == "" {
		options.LogOutput = DefaultLogOutput
	}
	switch options.LogOutput {
	case "stdout", "stderr", "journal":
	default:
		options.LogOutput = config.resolve(options.LogOutput)
	}
	if options.StateDir == "" {
		options.StateDir = DefaultStateDir
	}
	options.StateDir = config.resolve(options.StateDir)
	if options.ForceShutdownTimeout == 0 {
		options.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if options.DeleteBeforeStart == nil {
		deleteBeforeStart := true
		options.DeleteBeforeStart = &deleteBeforeStart
	}

	for i := range config.Dependencies {
		dep := &config.Dependencies[i]
		dep.WorkingDirectory = config.resolve(dep.WorkingDirectory)
		dep.SetDefaults()
	}

	for i := range config.Processes {
		unit := &config.Processes[i]
		unit.Execution.WorkingDirectory = config.resolve(unit.Execution.WorkingDirectory)
		unit.SetDefaults()
	}

	config.Inhibitor.SetDefaults()
	config.Inhibitor.PIDFile = filepath.Join(options.StateDir, inhibitor.PIDFileName)

	config.Journal.SetDefaults(options.StateDir)
	if config.Journal.Path != ":memory:" {
		config.Journal.Path = config.resolve(config.Journal.Path)
	}
	return nil
}

// resolve makes path absolute against BaseDir; empty means BaseDir itself
func (c *StackConfig) resolve(path string) string {
	if path == "" {
		return c.BaseDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *StackConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorOptions(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}
	if err := validateDependencies(config.Dependencies); err != nil {
		return errors.NewValidationError("invalid dependencies configuration", err)
	}
	if err := validateProcesses(config.Processes, config.Supervisor.Name); err != nil {
		return errors.NewValidationError("invalid processes configuration", err)
	}
	if err := inhibitor.ValidateInhibitorConfig(config.Inhibitor); err != nil {
		return errors.NewValidationError("invalid inhibitor configuration", err)
	}
	if err := journal.ValidateJournalConfig(config.Journal); err != nil {
		return errors.NewValidationError("invalid journal configuration", err)
	}
	return nil
}

// ValidateConfigFile loads and validates a stack file without running it
func ValidateConfigFile(configFile string) (*StackConfig, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

func validateSupervisorOptions(options *SupervisorOptions) error {
	if err := workers.ValidateUnitName(options.Name); err != nil {
		return err
	}
	if err := ValidateListenAddress(options.Listen); err != nil {
		return err
	}

	switch options.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", options.LogLevel),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	switch options.LogFormat {
	case "console", "json":
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", options.LogFormat),
			nil,
		).WithContext("valid_formats", "console, json")
	}

	if options.ForceShutdownTimeout < 0 {
		return errors.NewValidationError("force_shutdown_timeout cannot be negative", nil)
	}
	return nil
}

func validateDependencies(deps []dependency.DependencyConfig) error {
	seen := make(map[string]int)
	for i, dep := range deps {
		if err := workers.ValidateUnitName(dep.Name); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid dependency name at index %d", i), err).
				WithContext("name", dep.Name)
		}
		if prev, exists := seen[dep.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate dependency name '%s' found at indices %d and %d", dep.Name, prev, i),
				nil,
			)
		}
		seen[dep.Name] = i

		if err := dependency.ValidateDependencyConfig(dep); err != nil {
			return err
		}
	}
	return nil
}

// validateProcesses also rejects names whose PID files would collide with
// the supervisor's own or the inhibitor helper's
func validateProcesses(units []workers.ManagedUnit, supervisorName string) error {
	reserved := map[string]bool{
		supervisorName: true,
		strings.TrimSuffix(inhibitor.PIDFileName, ".pid"): true,
	}
	seen := make(map[string]int)
	for i, unit := range units {
		name := unit.Metadata.Name
		if reserved[name] {
			return errors.NewValidationError(fmt.Sprintf("process name '%s' is reserved", name), nil).
				WithContext("index", i)
		}
		if prev, exists := seen[name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate process name '%s' found at indices %d and %d", name, prev, i),
				nil,
			)
		}
		seen[name] = i

		if err := workers.ValidateManagedUnit(unit); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid process at index %d", i), err).
				WithContext("name", name)
		}
	}
	return nil
}

// ValidateListenAddress requires host:port with a port in 0-65535. Port 0
// binds a free port, which the daemon publishes in its address file.
func ValidateListenAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("listen address cannot be empty", nil)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid listen address format: "+address, err)
	}
	if host == "" {
		return errors.NewValidationError("host cannot be empty in address: "+address, nil)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return errors.NewValidationError("invalid port in address: "+address, err).WithContext("valid_range", "0-65535")
	}
	return nil
}

// GetConfigSummary returns a human-readable overview of the configuration
func GetConfigSummary(config *StackConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		Name:         config.Supervisor.Name,
		Listen:       config.Supervisor.Listen,
		LogLevel:     config.Supervisor.LogLevel,
		StateDir:     config.Supervisor.StateDir,
		Inhibitor:    string(config.Inhibitor.Backend),
		Journal:      config.Journal.Enabled,
		Dependencies: make([]string, 0, len(config.Dependencies)),
		Processes:    make([]ProcessSummary, 0, len(config.Processes)),
	}

	for _, dep := range config.Dependencies {
		summary.Dependencies = append(summary.Dependencies, dep.Name)
	}

	for _, unit := range config.Processes {
		processSummary := ProcessSummary{
			Name:          unit.Metadata.Name,
			Profile:       string(unit.Profile),
			Enabled:       unit.IsEnabled(),
			Command:       unit.Execution.Command,
			RestartPolicy: string(unit.Restart.Policy),
			CronRestart:   unit.CronRestart,
		}
		if unit.HealthCheck != nil {
			processSummary.HealthCheckType = string(unit.HealthCheck.Type)
		}
		if processSummary.Enabled {
			summary.EnabledProcesses++
		}
		summary.Processes = append(summary.Processes, processSummary)
	}
	summary.TotalProcesses = len(summary.Processes)

	return summary
}

type ConfigSummary struct {
	Name             string           `json:"name"`
	Listen           string           `json:"listen"`
	LogLevel         string           `json:"log_level"`
	StateDir         string           `json:"state_dir"`
	Inhibitor        string           `json:"inhibitor"`
	Journal          bool             `json:"journal"`
	Dependencies     []string         `json:"dependencies"`
	TotalProcesses   int              `json:"total_processes"`
	EnabledProcesses int              `json:"enabled_processes"`
	Processes        []ProcessSummary `json:"processes"`
	Error            string           `json:"error,omitempty"`
}

type ProcessSummary struct {
	Name            string `json:"name"`
	Profile         string `json:"profile"`
	Enabled         bool   `json:"enabled"`
	Command         string `json:"command"`
	RestartPolicy   string `json:"restart_policy"`
	HealthCheckType string `json:"health_check_type,omitempty"`
	CronRestart     string `json:"cron_restart,omitempty"`
}

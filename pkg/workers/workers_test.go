package workers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/resourcelimits"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

func decodeUnit(t *testing.T, doc string) ManagedUnit {
	t.Helper()
	var unit ManagedUnit
	require.NoError(t, yaml.Unmarshal([]byte(doc), &unit))
	return unit
}

func TestManagedUnit_DecodeSeedsMaxRestarts(t *testing.T) {
	unit := decodeUnit(t, `
name: api
description: memory service API
execution:
  command: uvicorn
  args: [main:app, --port, "8000"]
  cwd: ./memory-service
restart:
  restart_delay: 3s
`)
	assert.Equal(t, "api", unit.Metadata.Name)
	assert.Equal(t, "memory service API", unit.Metadata.Description)
	assert.Equal(t, []string{"main:app", "--port", "8000"}, unit.Execution.Args)
	assert.Equal(t, "./memory-service", unit.Execution.WorkingDirectory)
	assert.Equal(t, processcontrol.DefaultMaxRestarts, unit.Restart.MaxRestarts)
	assert.Equal(t, 3*time.Second, unit.Restart.RestartDelay)

	unlimited := decodeUnit(t, `
name: tunnel
execution: {command: cloudflared}
restart: {max_restarts: 0}
`)
	assert.Equal(t, 0, unlimited.Restart.MaxRestarts)

	noBlock := decodeUnit(t, "name: scheduler\nexecution: {command: python}\n")
	assert.Equal(t, processcontrol.DefaultMaxRestarts, noBlock.Restart.MaxRestarts)
}

func TestManagedUnit_ExplicitZeroDurationsSurviveDefaults(t *testing.T) {
	unit := decodeUnit(t, `
name: worker
execution: {command: python}
restart:
  restart_delay: 0s
  min_uptime: 0s
  kill_timeout: 0s
`)
	unit.SetDefaults()

	assert.Zero(t, unit.Restart.RestartDelay)
	assert.Zero(t, unit.Restart.MinUptime)
	assert.Zero(t, unit.Restart.KillTimeout)
	assert.Equal(t, processcontrol.DefaultMaxRestarts, unit.Restart.MaxRestarts)
	require.NoError(t, ValidateManagedUnit(unit))

	seeded := decodeUnit(t, "name: api\nexecution: {command: uvicorn}\nrestart: {policy: on-failure}\n")
	seeded.SetDefaults()
	assert.Equal(t, processcontrol.DefaultRestartDelay, seeded.Restart.RestartDelay)
	assert.Equal(t, processcontrol.DefaultMinUptime, seeded.Restart.MinUptime)
	assert.Equal(t, processcontrol.DefaultKillTimeout, seeded.Restart.KillTimeout)
}

func TestManagedUnit_SetDefaults(t *testing.T) {
	unit := ManagedUnit{
		Metadata:    UnitMetadata{Name: "api"},
		Execution:   process.ExecutionConfig{Command: "uvicorn"},
		HealthCheck: &monitoring.HealthCheckConfig{Type: monitoring.HealthCheckTypeHTTP, HTTP: monitoring.HTTPHealthCheckConfig{URL: "http://127.0.0.1:8000/health"}},
		Limits:      &resourcelimits.ResourceLimits{MaxMemory: "512MB"},
	}
	unit.SetDefaults()

	assert.Equal(t, WorkerProfileTypeDefault, unit.Profile)
	assert.True(t, unit.IsEnabled())
	assert.Equal(t, DefaultWaitDelay, unit.Execution.WaitDelay)
	assert.Equal(t, processcontrol.RestartAlways, unit.Restart.Policy)
	assert.Equal(t, processcontrol.DefaultRestartDelay, unit.Restart.RestartDelay)
	assert.Equal(t, filepath.Join("logs", "api.out.log"), unit.Logs.OutFile)
	assert.Equal(t, filepath.Join("logs", "api.err.log"), unit.Logs.ErrorFile)
	assert.Equal(t, 10*time.Second, unit.HealthCheck.RunOptions.Interval)
	assert.Equal(t, resourcelimits.DefaultCheckInterval, unit.Limits.CheckInterval)
	require.NotNil(t, unit.ContextAwareRestart)
	assert.Equal(t, processcontrol.DefaultRestartDelay, unit.ContextAwareRestart.Default.RetryDelay)

	require.NoError(t, ValidateManagedUnit(unit))

	disabled := false
	unit.Enabled = &disabled
	assert.False(t, unit.IsEnabled())
}

func TestValidateUnitName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"api", true},
		{"memory-service.v2_main", true},
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"../escape", false},
		{string(make([]byte, MaxUnitNameLength+1)), false},
	}
	for _, tt := range tests {
		err := ValidateUnitName(tt.name)
		if tt.valid {
			assert.NoError(t, err, tt.name)
		} else {
			assert.True(t, errors.IsValidationError(err), tt.name)
		}
	}
}

func TestValidateManagedUnit_Rejects(t *testing.T) {
	valid := func() ManagedUnit {
		unit := ManagedUnit{Metadata: UnitMetadata{Name: "api"}, Execution: process.ExecutionConfig{Command: "uvicorn"}}
		unit.SetDefaults()
		return unit
	}

	tests := []struct {
		name   string
		mutate func(*ManagedUnit)
	}{
		{"missing command", func(u *ManagedUnit) { u.Execution.Command = "" }},
		{"bad profile", func(u *ManagedUnit) { u.Profile = "gpu" }},
		{"bad policy", func(u *ManagedUnit) { u.Restart.Policy = "sometimes" }},
		{"backoff below one", func(u *ManagedUnit) { u.Restart.BackoffRate = 0.5 }},
		{"bad cron", func(u *ManagedUnit) { u.CronRestart = "every day" }},
		{"bad memory", func(u *ManagedUnit) { u.Limits = &resourcelimits.ResourceLimits{MaxMemory: "lots"} }},
		{"bad health check", func(u *ManagedUnit) {
			u.HealthCheck = &monitoring.HealthCheckConfig{Type: monitoring.HealthCheckTypeHTTP}
			monitoring.ApplyDefaults(u.HealthCheck)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := valid()
			tt.mutate(&unit)
			assert.True(t, errors.IsValidationError(ValidateManagedUnit(unit)))
		})
	}
}

func TestValidateCronSpec(t *testing.T) {
	assert.NoError(t, ValidateCronSpec(""))
	assert.NoError(t, ValidateCronSpec("0 4 * * *"))
	assert.NoError(t, ValidateCronSpec("@daily"))
	assert.Error(t, ValidateCronSpec("0 4 * *"))
}

func TestManagedWorker_ExecuteWritesLogs(t *testing.T) {
	workDir := t.TempDir()
	unit := ManagedUnit{
		Metadata: UnitMetadata{Name: "stub"},
		Execution: process.ExecutionConfig{
			Command:          "/bin/sh",
			Args:             []string{"-c", "echo to-out; echo to-err >&2"},
			WorkingDirectory: workDir,
		},
	}
	unit.SetDefaults()

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: t.TempDir()}, nil)
	worker := NewManagedWorker(&unit, ManagedWorkerOptions{PIDFiles: pidFiles, CanAttach: true}, logging.Nop())
	assert.Equal(t, "stub", worker.ID())

	options := worker.ProcessControlOptions()
	assert.True(t, options.CanAttach)
	assert.Equal(t, "/bin/sh -c echo to-out; echo to-err >&2", options.CommandLine)
	assert.Equal(t, filepath.Join(workDir, "logs", "stub.out.log"), options.OutLog)
	assert.Equal(t, filepath.Join(workDir, "logs", "stub.err.log"), options.ErrLog)
	assert.Equal(t, "default", options.WorkerProfileType)

	handle, err := options.ExecuteCmd(context.Background())
	require.NoError(t, err)
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, handle.ExitCode())

	out, err := os.ReadFile(options.OutLog)
	require.NoError(t, err)
	assert.Contains(t, string(out), "to-out")
	errOut, err := os.ReadFile(options.ErrLog)
	require.NoError(t, err)
	assert.Contains(t, string(errOut), "to-err")

	// nothing recorded in the PID file, so attaching fails
	_, err = options.AttachCmd(context.Background())
	assert.Error(t, err)
}

func TestManagedWorker_ExecuteMissingCommand(t *testing.T) {
	unit := ManagedUnit{Metadata: UnitMetadata{Name: "ghost"}, Execution: process.ExecutionConfig{Command: "memstack-no-such-binary"}}
	unit.SetDefaults()

	worker := NewManagedWorker(&unit, ManagedWorkerOptions{}, logging.Nop())
	options := worker.ProcessControlOptions()
	assert.False(t, options.CanAttach)

	_, err := options.ExecuteCmd(context.Background())
	assert.True(t, errors.IsProcessError(err))
}

package processcontrolimpl

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/processstate"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

func shellCmd(script string) processcontrol.ExecuteCmd {
	execution := process.ExecutionConfig{Command: "/bin/sh", Args: []string{"-c", script}}
	return processcontrol.ExecuteCmd(process.NewStdExecuteCmd(execution, nil, "test", logging.Nop()))
}

func fastRestart() processcontrol.ExitRestartConfig {
	return processcontrol.ExitRestartConfig{
		Policy:       processcontrol.RestartAlways,
		MaxRestarts:  2,
		RestartDelay: 50 * time.Millisecond,
		BackoffRate:  1,
		MinUptime:    time.Hour,
		KillTimeout:  time.Second,
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func recordStates(bus *events.Bus) *stateRecorder {
	recorder := &stateRecorder{}
	bus.Subscribe(func(e events.ProcessStateChanged) {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		recorder.states = append(recorder.states, e.To)
	})
	return recorder
}

func (r *stateRecorder) contains(state processcontrol.ProcessState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == string(state) {
			return true
		}
	}
	return false
}

func waitForState(t *testing.T, pc processcontrol.ProcessControl, state processcontrol.ProcessState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pc.GetState() == state
	}, 5*time.Second, 10*time.Millisecond, "expected state %s", state)
}

func TestProcessControl_StartStop(t *testing.T) {
	bus := events.New()
	recorder := recordStates(bus)
	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: t.TempDir()}, nil)

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:      shellCmd("sleep 30"),
		GracefulTimeout: 2 * time.Second,
		ExitRestart:     fastRestart(),
		PIDFiles:        pidFiles,
		Events:          bus,
		CommandLine:     "/bin/sh -c sleep 30",
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	assert.Equal(t, processcontrol.ProcessStateOnline, pc.GetState())

	diagnostics := pc.GetDiagnostics()
	pid := diagnostics.ProcessID
	assert.Greater(t, pid, 0)
	assert.NotNil(t, diagnostics.StartTime)
	assert.Equal(t, "/bin/sh -c sleep 30", diagnostics.CommandLine)

	recorded, err := pidFiles.ReadPIDFile("api")
	require.NoError(t, err)
	assert.Equal(t, pid, recorded)

	err = pc.Start(ctx)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, pc.Stop(ctx))
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.GetState())
	assert.NoFileExists(t, pidFiles.GeneratePIDFilePath("api"))

	running, _ := processstate.IsProcessRunning(pid)
	assert.False(t, running)

	// stopping a stopped process is a no-op
	require.NoError(t, pc.Stop(ctx))
	assert.Equal(t, 0, pc.GetDiagnostics().Restarts)

	assert.Eventually(t, func() bool {
		return recorder.contains(processcontrol.ProcessStateLaunching) &&
			recorder.contains(processcontrol.ProcessStateOnline) &&
			recorder.contains(processcontrol.ProcessStateStopping) &&
			recorder.contains(processcontrol.ProcessStateStopped)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessControl_StopEscalatesToKill(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:      shellCmd("trap '' TERM; while true; do sleep 0.1; done"),
		GracefulTimeout: 200 * time.Millisecond,
		ExitRestart:     fastRestart(),
	}, "tunnel", logging.Nop())

	require.NoError(t, pc.Start(context.Background()))
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	require.NoError(t, pc.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.GetState())
}

func TestProcessControl_CrashRestartsThenGivesUp(t *testing.T) {
	bus := events.New()
	var restarted atomic.Int32
	bus.Subscribe(func(e events.ProcessRestarted) {
		if e.Trigger == string(processcontrol.RestartTriggerCrash) {
			restarted.Add(1)
		}
	})

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("exit 3"),
		ExitRestart: fastRestart(),
		Events:      bus,
	}, "scheduler", logging.Nop())

	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, processcontrol.ProcessStateErrored)

	diagnostics := pc.GetDiagnostics()
	assert.Equal(t, 2, diagnostics.Restarts)
	assert.Equal(t, 2, diagnostics.UnstableRestarts)
	require.NotNil(t, diagnostics.LastExitCode)
	assert.Equal(t, 3, *diagnostics.LastExitCode)
	require.NotNil(t, diagnostics.LastError)
	assert.Equal(t, processcontrol.ErrorCategoryProcessCrash, diagnostics.LastError.Category)
	assert.Nil(t, diagnostics.NextRestartAt)

	assert.Eventually(t, func() bool { return restarted.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	// an explicit start from errored gets a fresh budget
	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, processcontrol.ProcessStateErrored)
	assert.Equal(t, 4, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_ExitPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   processcontrol.RestartPolicy
		script   string
		expected processcontrol.ProcessState
	}{
		{name: "on-failure clean exit", policy: processcontrol.RestartOnFailure, script: "exit 0", expected: processcontrol.ProcessStateStopped},
		{name: "never", policy: processcontrol.RestartNever, script: "exit 1", expected: processcontrol.ProcessStateStopped},
		{name: "on-failure crash", policy: processcontrol.RestartOnFailure, script: "exit 1", expected: processcontrol.ProcessStateErrored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restart := fastRestart()
			restart.Policy = tt.policy

			pc := NewProcessControl(processcontrol.ProcessControlOptions{
				ExecuteCmd:  shellCmd(tt.script),
				ExitRestart: restart,
			}, "api", logging.Nop())

			require.NoError(t, pc.Start(context.Background()))
			waitForState(t, pc, tt.expected)
		})
	}
}

func TestProcessControl_StopCancelsPendingRestart(t *testing.T) {
	restart := fastRestart()
	restart.RestartDelay = 10 * time.Second
	restart.MaxDelay = time.Minute

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("exit 1"),
		ExitRestart: restart,
	}, "api", logging.Nop())

	require.NoError(t, pc.Start(context.Background()))
	waitForState(t, pc, processcontrol.ProcessStateWaitingRestart)
	assert.NotNil(t, pc.GetDiagnostics().NextRestartAt)

	require.NoError(t, pc.Stop(context.Background()))
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.GetState())
	assert.Nil(t, pc.GetDiagnostics().NextRestartAt)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, processcontrol.ProcessStateStopped, pc.GetState())
	assert.Equal(t, 0, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_ForceRestart(t *testing.T) {
	bus := events.New()
	triggers := make(chan string, 1)
	bus.Subscribe(func(e events.ProcessRestarted) {
		triggers <- e.Trigger
	})

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		Events:      bus,
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	firstPID := pc.GetDiagnostics().ProcessID

	require.NoError(t, pc.Restart(ctx, true))
	diagnostics := pc.GetDiagnostics()
	assert.Equal(t, processcontrol.ProcessStateOnline, diagnostics.State)
	assert.NotEqual(t, firstPID, diagnostics.ProcessID)
	assert.Equal(t, 1, diagnostics.Restarts)

	select {
	case trigger := <-triggers:
		assert.Equal(t, string(processcontrol.RestartTriggerManual), trigger)
	case <-time.After(2 * time.Second):
		t.Fatal("restart event not published")
	}

	require.NoError(t, pc.Stop(ctx))
}

func TestProcessControl_RestartThroughCircuitBreaker(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		ContextAwareRestart: &processcontrol.ContextAwareRestartConfig{
			Default: processcontrol.RestartConfig{MaxRetries: 1, BackoffRate: 1},
		},
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	require.NoError(t, pc.Restart(ctx, false))
	assert.False(t, pc.GetDiagnostics().CircuitBreaker)

	err := pc.Restart(ctx, false)
	assert.True(t, errors.IsConflictError(err))
	assert.True(t, pc.GetDiagnostics().CircuitBreaker)
	assert.Equal(t, processcontrol.ProcessStateOnline, pc.GetState())

	// forced restarts bypass the open breaker
	require.NoError(t, pc.Restart(ctx, true))
	assert.Equal(t, 2, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_RestartStoppedProcessStartsIt(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Restart(ctx, false))
	assert.Equal(t, processcontrol.ProcessStateOnline, pc.GetState())
	require.NoError(t, pc.Stop(ctx))
}

func TestProcessControl_StartFailureIsCategorized(t *testing.T) {
	execution := process.ExecutionConfig{Command: "memstack-command-that-does-not-exist"}
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  processcontrol.ExecuteCmd(process.NewStdExecuteCmd(execution, nil, "api", logging.Nop())),
		ExitRestart: fastRestart(),
	}, "api", logging.Nop())

	err := pc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, processcontrol.ProcessStateErrored, pc.GetState())

	diagnostics := pc.GetDiagnostics()
	require.NotNil(t, diagnostics.LastError)
	assert.Equal(t, processcontrol.ErrorCategoryExecutableNotFound, diagnostics.LastError.Category)
	assert.False(t, diagnostics.LastError.Recoverable)
	assert.Equal(t, 1, diagnostics.FailureCount)
}

func TestProcessControl_MissingExecuteCmd(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{}, "api", logging.Nop())

	err := pc.Start(context.Background())
	assert.True(t, errors.IsValidationError(err))
}

func TestProcessControl_AttachFallsBackToSpawn(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "api.pid")

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		CanAttach:   true,
		AttachCmd:   processcontrol.AttachCmd(process.NewStdAttachCmd(pidFile, "api", logging.Nop())),
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	assert.False(t, pc.GetDiagnostics().Attached)
	require.NoError(t, pc.Stop(ctx))
}

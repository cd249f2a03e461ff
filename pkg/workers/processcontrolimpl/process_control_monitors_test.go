package processcontrolimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/resourcelimits"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

type fakeHealthMonitor struct {
	mu       sync.Mutex
	restart  monitoring.HealthRestartCallback
	recovery monitoring.HealthRecoveryCallback
	status   monitoring.HealthStatusCallback
	stopped  bool
}

func (m *fakeHealthMonitor) Start(ctx context.Context) error { return nil }

func (m *fakeHealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *fakeHealthMonitor) State() *monitoring.HealthCheckState {
	return &monitoring.HealthCheckState{Status: monitoring.HealthCheckStatusUnknown}
}

func (m *fakeHealthMonitor) SetRestartCallback(callback monitoring.HealthRestartCallback) {
	m.restart = callback
}

func (m *fakeHealthMonitor) SetRecoveryCallback(callback monitoring.HealthRecoveryCallback) {
	m.recovery = callback
}

func (m *fakeHealthMonitor) SetStatusCallback(callback monitoring.HealthStatusCallback) {
	m.status = callback
}

func (m *fakeHealthMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeResourceMonitor struct {
	violation resourcelimits.ResourceViolationCallback
}

func (m *fakeResourceMonitor) Start(ctx context.Context) error { return nil }
func (m *fakeResourceMonitor) Stop()                           {}

func (m *fakeResourceMonitor) GetCurrentUsage() (*resourcelimits.ResourceUsage, error) {
	return &resourcelimits.ResourceUsage{}, nil
}

func (m *fakeResourceMonitor) LastUsage() *resourcelimits.ResourceUsage { return nil }

func (m *fakeResourceMonitor) SetUsageCallback(callback resourcelimits.ResourceUsageCallback) {}

func (m *fakeResourceMonitor) SetViolationCallback(callback resourcelimits.ResourceViolationCallback) {
	m.violation = callback
}

func enabledHealthCheck() *monitoring.HealthCheckConfig {
	return &monitoring.HealthCheckConfig{
		Type:       monitoring.HealthCheckTypeProcess,
		RunOptions: monitoring.HealthCheckRunOptions{Enabled: true, Interval: time.Hour, Timeout: time.Second},
	}
}

// withFakeHealthMonitors swaps the health monitor constructor and hands back
// the monitors in creation order, one per run
func withFakeHealthMonitors(pc processcontrol.ProcessControl) <-chan *fakeHealthMonitor {
	monitors := make(chan *fakeHealthMonitor, 8)
	pc.(*processControl).newHealthMonitor = func(*monitoring.HealthCheckConfig, string, int, logging.Logger) monitoring.HealthMonitor {
		monitor := &fakeHealthMonitor{}
		monitors <- monitor
		return monitor
	}
	return monitors
}

func nextMonitor[T any](t *testing.T, monitors <-chan T) T {
	t.Helper()
	select {
	case monitor := <-monitors:
		return monitor
	case <-time.After(5 * time.Second):
		t.Fatal("monitor not created")
	}
	var zero T
	return zero
}

func restartTriggers(bus *events.Bus) <-chan string {
	triggers := make(chan string, 8)
	bus.Subscribe(func(e events.ProcessRestarted) {
		triggers <- e.Trigger
	})
	return triggers
}

func TestProcessControl_HealthFailureRestartsRun(t *testing.T) {
	bus := events.New()
	triggers := restartTriggers(bus)

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		HealthCheck: enabledHealthCheck(),
		Events:      bus,
	}, "api", logging.Nop())
	monitors := withFakeHealthMonitors(pc)

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	first := nextMonitor(t, monitors)
	firstPID := pc.GetDiagnostics().ProcessID

	require.NoError(t, first.restart("health check failure: connection refused"))

	diagnostics := pc.GetDiagnostics()
	assert.Equal(t, processcontrol.ProcessStateOnline, diagnostics.State)
	assert.NotEqual(t, firstPID, diagnostics.ProcessID)
	assert.Equal(t, 1, diagnostics.Restarts)
	require.NotNil(t, diagnostics.LastError)
	assert.Equal(t, processcontrol.ErrorCategoryHealthFailure, diagnostics.LastError.Category)
	assert.True(t, first.isStopped())
	assert.Equal(t, string(processcontrol.RestartTriggerHealthFailure), <-triggers)

	second := nextMonitor(t, monitors)
	assert.False(t, second.isStopped())

	// a late failure report from the replaced run is ignored
	require.NoError(t, first.restart("health check failure: connection refused"))
	assert.Equal(t, 1, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_HealthStatusIsReported(t *testing.T) {
	bus := events.New()
	changes := make(chan events.HealthChanged, 4)
	bus.Subscribe(func(e events.HealthChanged) {
		changes <- e
	})

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		HealthCheck: enabledHealthCheck(),
		Events:      bus,
	}, "api", logging.Nop())
	monitors := withFakeHealthMonitors(pc)

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	monitor := nextMonitor(t, monitors)
	monitor.status(monitoring.HealthCheckStatusDegraded, "slow response")

	diagnostics := pc.GetDiagnostics()
	assert.Equal(t, string(monitoring.HealthCheckStatusDegraded), diagnostics.HealthStatus)
	assert.Equal(t, "slow response", diagnostics.HealthMessage)

	select {
	case change := <-changes:
		assert.Equal(t, "api", change.Name)
		assert.Equal(t, string(monitoring.HealthCheckStatusDegraded), change.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("health change not published")
	}
}

func TestProcessControl_HealthRecoveryResetsCircuitBreaker(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		HealthCheck: enabledHealthCheck(),
		ContextAwareRestart: &processcontrol.ContextAwareRestartConfig{
			Default: processcontrol.RestartConfig{MaxRetries: 1, BackoffRate: 1},
		},
	}, "api", logging.Nop())
	monitors := withFakeHealthMonitors(pc)

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	first := nextMonitor(t, monitors)
	require.NoError(t, first.restart("health check failure: timeout"))

	second := nextMonitor(t, monitors)
	err := second.restart("health check failure: timeout")
	assert.True(t, errors.IsConflictError(err))
	assert.True(t, pc.GetDiagnostics().CircuitBreaker)
	assert.Equal(t, 1, pc.GetDiagnostics().Restarts)

	second.recovery()
	assert.False(t, pc.GetDiagnostics().CircuitBreaker)

	require.NoError(t, second.restart("health check failure: timeout"))
	assert.Equal(t, 2, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_HealthFailureWithRestartNever(t *testing.T) {
	restart := fastRestart()
	restart.Policy = processcontrol.RestartNever

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: restart,
		HealthCheck: enabledHealthCheck(),
	}, "api", logging.Nop())
	monitors := withFakeHealthMonitors(pc)

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	pid := pc.GetDiagnostics().ProcessID
	require.NoError(t, nextMonitor(t, monitors).restart("health check failure: timeout"))
	assert.Equal(t, pid, pc.GetDiagnostics().ProcessID)
	assert.Equal(t, 0, pc.GetDiagnostics().Restarts)
}

func TestProcessControl_MemoryViolationRestartsRun(t *testing.T) {
	bus := events.New()
	triggers := restartTriggers(bus)

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		Limits:      &resourcelimits.ResourceLimits{MaxMemory: "1GB", CheckInterval: time.Hour},
		Events:      bus,
	}, "api", logging.Nop())

	monitors := make(chan *fakeResourceMonitor, 8)
	pc.(*processControl).newResourceMonitor = func(int, *resourcelimits.ResourceLimits, logging.Logger) (resourcelimits.ResourceMonitor, error) {
		monitor := &fakeResourceMonitor{}
		monitors <- monitor
		return monitor, nil
	}

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	monitor := nextMonitor(t, monitors)
	firstPID := pc.GetDiagnostics().ProcessID

	monitor.violation(&resourcelimits.ResourceViolation{
		LimitType:    resourcelimits.ResourceLimitTypeMemory,
		CurrentValue: 900 << 20,
		LimitValue:   1 << 30,
		Severity:     resourcelimits.ViolationSeverityWarning,
		Timestamp:    time.Now(),
		Message:      "memory at 88% of limit",
	})
	monitor.violation(&resourcelimits.ResourceViolation{
		LimitType:    resourcelimits.ResourceLimitTypeMemory,
		CurrentValue: 2 << 30,
		LimitValue:   1 << 30,
		Severity:     resourcelimits.ViolationSeverityCritical,
		Timestamp:    time.Now(),
		Message:      "memory 2.0 GB exceeds limit 1.0 GB",
	})

	select {
	case trigger := <-triggers:
		assert.Equal(t, string(processcontrol.RestartTriggerResourceViolation), trigger)
	case <-time.After(5 * time.Second):
		t.Fatal("restart event not published")
	}

	diagnostics := pc.GetDiagnostics()
	assert.Equal(t, 1, diagnostics.Restarts)
	assert.NotEqual(t, firstPID, diagnostics.ProcessID)
	require.NotNil(t, diagnostics.LastError)
	assert.Equal(t, processcontrol.ErrorCategoryResourceLimit, diagnostics.LastError.Category)

	// the replacement run gets its own monitor
	nextMonitor(t, monitors)
}

func TestProcessControl_CronRestart(t *testing.T) {
	bus := events.New()
	triggers := restartTriggers(bus)

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		CronRestart: "@every 1s",
		Events:      bus,
	}, "scheduler", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	firstPID := pc.GetDiagnostics().ProcessID

	select {
	case trigger := <-triggers:
		assert.Equal(t, string(processcontrol.RestartTriggerCron), trigger)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled restart did not happen")
	}

	require.NoError(t, pc.Stop(ctx))
	assert.GreaterOrEqual(t, pc.GetDiagnostics().Restarts, 1)
	assert.NotEqual(t, firstPID, pc.GetDiagnostics().ProcessID)
}

func TestProcessControl_OperatorStartResetsCircuitBreaker(t *testing.T) {
	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: fastRestart(),
		ContextAwareRestart: &processcontrol.ContextAwareRestartConfig{
			Default: processcontrol.RestartConfig{MaxRetries: 2, BackoffRate: 1},
		},
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	require.NoError(t, pc.Restart(ctx, false))
	require.NoError(t, pc.Restart(ctx, false))
	err := pc.Restart(ctx, false)
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, pc.Stop(ctx))
	require.NoError(t, pc.Start(ctx))
	assert.False(t, pc.GetDiagnostics().CircuitBreaker)

	require.NoError(t, pc.Restart(ctx, false))
	assert.Equal(t, processcontrol.ProcessStateOnline, pc.GetState())
}

func TestProcessControl_StableRunResetsCircuitBreaker(t *testing.T) {
	restart := fastRestart()
	restart.MinUptime = 500 * time.Millisecond

	pc := NewProcessControl(processcontrol.ProcessControlOptions{
		ExecuteCmd:  shellCmd("sleep 30"),
		ExitRestart: restart,
		ContextAwareRestart: &processcontrol.ContextAwareRestartConfig{
			Default: processcontrol.RestartConfig{MaxRetries: 1, BackoffRate: 1},
		},
	}, "api", logging.Nop())

	ctx := context.Background()
	require.NoError(t, pc.Start(ctx))
	defer pc.Stop(ctx)

	require.NoError(t, pc.Restart(ctx, false))
	err := pc.Restart(ctx, false)
	require.True(t, errors.IsConflictError(err))

	assert.Eventually(t, func() bool {
		return !pc.GetDiagnostics().CircuitBreaker
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, pc.Restart(ctx, false))
}

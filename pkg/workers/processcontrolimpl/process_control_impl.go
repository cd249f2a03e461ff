package processcontrolimpl

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	domainerrors "github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/resourcelimits"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

// killWaitTimeout bounds the wait for a process after SIGKILL
const killWaitTimeout = 5 * time.Second

type processControl struct {
	config   processcontrol.ProcessControlOptions
	workerID string
	logger   logging.Logger

	// current run, nil unless online or stopping
	handle          *process.Handle
	healthMonitor   monitoring.HealthMonitor
	resourceMonitor resourcelimits.ResourceMonitor
	scheduler       *cron.Cron
	runCancel       context.CancelFunc

	restartCircuitBreaker RestartCircuitBreaker

	newHealthMonitor   func(config *monitoring.HealthCheckConfig, id string, pid int, logger logging.Logger) monitoring.HealthMonitor
	newResourceMonitor func(pid int, limits *resourcelimits.ResourceLimits, logger logging.Logger) (resourcelimits.ResourceMonitor, error)

	state            processcontrol.ProcessState
	restarts         int
	unstableRestarts int
	lastExitCode     *int
	lastExitTime     *time.Time
	lastError        *processcontrol.ProcessError
	failureCount     int
	lastAttemptTime  time.Time
	healthStatus     string
	healthMessage    string

	// pending automatic restart
	cancelPending context.CancelFunc
	nextRestartAt *time.Time

	lastMemory atomic.Int64

	// mutex guards the fields above, opMutex serializes Start, Stop and Restart
	mutex   sync.RWMutex
	opMutex sync.Mutex
}

func NewProcessControl(config processcontrol.ProcessControlOptions, workerID string, logger logging.Logger) processcontrol.ProcessControl {
	config.ExitRestart.ApplyDefaults()
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = config.ExitRestart.KillTimeout
	}

	pc := &processControl{
		config:   config,
		workerID: workerID,
		logger:   logger,
		state:    processcontrol.ProcessStateStopped,

		newHealthMonitor:   monitoring.NewHealthMonitor,
		newResourceMonitor: resourcelimits.NewResourceMonitor,
	}
	if config.ContextAwareRestart != nil {
		pc.restartCircuitBreaker = NewRestartCircuitBreaker(config.ContextAwareRestart, workerID, config.WorkerProfileType, logger)
	}
	return pc
}

// ===== PUBLIC API =====

func (pc *processControl) Start(ctx context.Context) error {
	if ctx == nil {
		return domainerrors.NewValidationError("context cannot be nil", nil)
	}

	pc.opMutex.Lock()
	defer pc.opMutex.Unlock()

	// an operator start from a resting state gets a fresh restart budget
	pc.mutex.RLock()
	resting := pc.state == processcontrol.ProcessStateStopped || pc.state == processcontrol.ProcessStateErrored
	pc.mutex.RUnlock()
	if resting {
		pc.resetCircuitBreaker("operator start")
	}

	return pc.start(ctx, "start")
}

func (pc *processControl) Stop(ctx context.Context) error {
	if ctx == nil {
		return domainerrors.NewValidationError("context cannot be nil", nil)
	}

	pc.opMutex.Lock()
	defer pc.opMutex.Unlock()

	return pc.stop(ctx)
}

func (pc *processControl) Restart(ctx context.Context, force bool) error {
	if ctx == nil {
		return domainerrors.NewValidationError("context cannot be nil", nil)
	}

	if force || pc.restartCircuitBreaker == nil {
		pc.logger.Infof("Restarting process, id: %s, force: %t", pc.workerID, force)
		return pc.restart(ctx, processcontrol.RestartTriggerManual)
	}

	restartContext := processcontrol.RestartContext{
		TriggerType: processcontrol.RestartTriggerManual,
		Severity:    "critical",
		Message:     "restart requested",
	}
	return pc.restartCircuitBreaker.ExecuteRestart(func() error {
		return pc.restart(ctx, processcontrol.RestartTriggerManual)
	}, restartContext)
}

func (pc *processControl) GetState() processcontrol.ProcessState {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	return pc.state
}

func (pc *processControl) GetDiagnostics() processcontrol.ProcessDiagnostics {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()

	diagnostics := processcontrol.ProcessDiagnostics{
		Name:             pc.workerID,
		State:            pc.state,
		Restarts:         pc.restarts,
		UnstableRestarts: pc.unstableRestarts,
		LastExitCode:     pc.lastExitCode,
		LastExitTime:     pc.lastExitTime,
		NextRestartAt:    pc.nextRestartAt,
		LastError:        pc.lastError,
		HealthStatus:     pc.healthStatus,
		HealthMessage:    pc.healthMessage,
		CommandLine:      pc.config.CommandLine,
		OutLog:           pc.config.OutLog,
		ErrLog:           pc.config.ErrLog,
		FailureCount:     pc.failureCount,
		LastAttemptTime:  pc.lastAttemptTime,
	}

	if pc.handle != nil {
		startTime := pc.handle.StartedAt
		diagnostics.ProcessID = pc.handle.Pid()
		diagnostics.Attached = pc.handle.Attached
		diagnostics.StartTime = &startTime
		diagnostics.Uptime = time.Since(startTime)
		diagnostics.MemoryBytes = pc.lastMemory.Load()
	}
	if pc.restartCircuitBreaker != nil {
		diagnostics.CircuitBreaker = pc.restartCircuitBreaker.GetState().IsOpen
	}
	return diagnostics
}

// ===== START =====

// start expects opMutex to be held
func (pc *processControl) start(ctx context.Context, reason string) error {
	if err := pc.validateAndPlanStart(reason); err != nil {
		return err
	}

	handle, err := pc.spawn(ctx)
	if err != nil {
		pc.failStart(err)
		return err
	}

	pc.finalizeStart(handle, reason)
	return nil
}

func (pc *processControl) validateAndPlanStart(reason string) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	switch pc.state {
	case processcontrol.ProcessStateStopped:
	case processcontrol.ProcessStateErrored:
		// an explicit start grants a fresh restart budget
		pc.unstableRestarts = 0
	case processcontrol.ProcessStateWaitingRestart:
		pc.cancelPendingRestartLocked()
	default:
		return domainerrors.NewConflictError("process is already running or busy", nil).
			WithContext("id", pc.workerID).WithContext("state", string(pc.state))
	}

	pc.failureCount = 0
	pc.lastAttemptTime = time.Now()
	pc.setStateLocked(processcontrol.ProcessStateLaunching, reason, 0)
	return nil
}

func (pc *processControl) spawn(ctx context.Context) (*process.Handle, error) {
	if pc.config.CanAttach && pc.config.AttachCmd != nil {
		handle, err := pc.config.AttachCmd(ctx)
		if err == nil {
			return handle, nil
		}
		pc.logger.Debugf("Attach failed, spawning a new process, id: %s, error: %v", pc.workerID, err)
	}

	if pc.config.ExecuteCmd == nil {
		return nil, domainerrors.NewValidationError("no execute command configured", nil).WithContext("id", pc.workerID)
	}
	return pc.config.ExecuteCmd(ctx)
}

func (pc *processControl) failStart(err error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.failureCount++
	pc.lastError = categorizeError(err)
	pc.logger.Errorf("Failed to start process, id: %s, category: %s, error: %v", pc.workerID, pc.lastError.Category, err)
	pc.setStateLocked(processcontrol.ProcessStateErrored, err.Error(), 0)
}

func (pc *processControl) finalizeStart(handle *process.Handle, reason string) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	pc.handle = handle
	pc.lastMemory.Store(0)
	pc.healthStatus = ""
	pc.healthMessage = ""

	if pc.config.PIDFiles != nil {
		if err := pc.config.PIDFiles.WritePIDFile(pc.workerID, handle.Pid()); err != nil {
			pc.logger.Warnf("Failed to write PID file, id: %s, error: %v", pc.workerID, err)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	pc.runCancel = runCancel
	pc.startHealthMonitorLocked(runCtx, handle)
	pc.startResourceMonitorLocked(runCtx, handle)
	pc.startSchedulerLocked(handle)
	pc.watchStabilityLocked(runCtx, handle)

	pc.setStateLocked(processcontrol.ProcessStateOnline, reason, handle.Pid())
	pc.logger.Infof("Process online, id: %s, PID: %d, attached: %t", pc.workerID, handle.Pid(), handle.Attached)

	go pc.watchExit(handle)
}

func (pc *processControl) startHealthMonitorLocked(ctx context.Context, handle *process.Handle) {
	if pc.config.HealthCheck == nil || !pc.config.HealthCheck.RunOptions.Enabled {
		return
	}

	monitor := pc.newHealthMonitor(pc.config.HealthCheck, pc.workerID, handle.Pid(), pc.logger)
	monitor.SetStatusCallback(func(status monitoring.HealthCheckStatus, message string) {
		pc.mutex.Lock()
		if pc.handle == handle {
			pc.healthStatus = string(status)
			pc.healthMessage = message
		}
		pc.mutex.Unlock()
		pc.config.Events.Publish(events.HealthChanged{Name: pc.workerID, Status: string(status), Message: message, At: time.Now()})
	})
	monitor.SetRestartCallback(func(reason string) error {
		if pc.config.ExitRestart.Policy == processcontrol.RestartNever {
			pc.logger.Warnf("Health check failed but restart policy is never, id: %s", pc.workerID)
			return nil
		}
		pc.recordError(processcontrol.ErrorCategoryHealthFailure, reason, nil)
		return pc.restartRunViaBreaker(handle, processcontrol.RestartContext{
			TriggerType:   processcontrol.RestartTriggerHealthFailure,
			Severity:      "critical",
			ViolationType: "health",
			Message:       reason,
		})
	})
	monitor.SetRecoveryCallback(func() {
		pc.resetCircuitBreaker("health recovered")
	})

	if err := monitor.Start(ctx); err != nil {
		pc.logger.Errorf("Failed to start health monitor, id: %s, error: %v", pc.workerID, err)
		return
	}
	pc.healthMonitor = monitor
}

func (pc *processControl) startResourceMonitorLocked(ctx context.Context, handle *process.Handle) {
	if !pc.config.Limits.Enabled() {
		return
	}

	monitor, err := pc.newResourceMonitor(handle.Pid(), pc.config.Limits, pc.logger)
	if err != nil {
		pc.logger.Errorf("Failed to create resource monitor, id: %s, error: %v", pc.workerID, err)
		return
	}

	// callbacks run on the monitor loop, which Stop waits for
	monitor.SetUsageCallback(func(usage *resourcelimits.ResourceUsage) {
		pc.lastMemory.Store(usage.MemoryRSS)
		pc.config.Events.Publish(events.MemorySampled{Name: pc.workerID, Bytes: usage.MemoryRSS, At: usage.Timestamp})
	})
	monitor.SetViolationCallback(func(violation *resourcelimits.ResourceViolation) {
		go pc.handleResourceViolation(handle, violation)
	})

	if err := monitor.Start(ctx); err != nil {
		pc.logger.Errorf("Failed to start resource monitor, id: %s, error: %v", pc.workerID, err)
		return
	}
	pc.resourceMonitor = monitor
}

func (pc *processControl) startSchedulerLocked(handle *process.Handle) {
	if pc.config.CronRestart == "" {
		return
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(pc.config.CronRestart, func() {
		pc.logger.Infof("Scheduled restart, id: %s, cron: %s", pc.workerID, pc.config.CronRestart)
		if err := pc.restartRun(handle, processcontrol.RestartTriggerCron); err != nil {
			pc.logger.Errorf("Scheduled restart failed, id: %s, error: %v", pc.workerID, err)
		}
	})
	if err != nil {
		pc.logger.Errorf("Invalid cron restart spec, id: %s, cron: %s, error: %v", pc.workerID, pc.config.CronRestart, err)
		return
	}
	scheduler.Start()
	pc.scheduler = scheduler
}

// watchStabilityLocked resets the restart budget once the run has stayed up
// for min_uptime. The watch ends with the run context.
func (pc *processControl) watchStabilityLocked(ctx context.Context, handle *process.Handle) {
	if pc.restartCircuitBreaker == nil {
		return
	}

	minUptime := pc.config.ExitRestart.MinUptime
	go func() {
		timer := time.NewTimer(minUptime)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pc.mutex.RLock()
		stable := pc.handle == handle && pc.state == processcontrol.ProcessStateOnline
		pc.mutex.RUnlock()
		if stable {
			pc.resetCircuitBreaker("min uptime reached")
		}
	}()
}

func (pc *processControl) resetCircuitBreaker(reason string) {
	if pc.restartCircuitBreaker == nil {
		return
	}
	pc.logger.Debugf("Resetting restart circuit breaker, id: %s, reason: %s", pc.workerID, reason)
	pc.restartCircuitBreaker.Reset()
}

func (pc *processControl) handleResourceViolation(handle *process.Handle, violation *resourcelimits.ResourceViolation) {
	if violation.Severity != resourcelimits.ViolationSeverityCritical {
		pc.logger.Warnf("Resource warning, id: %s, %s", pc.workerID, violation.Message)
		return
	}

	pc.logger.Errorf("Resource limit exceeded, id: %s, %s", pc.workerID, violation.Message)
	pc.recordError(processcontrol.ErrorCategoryResourceLimit, violation.Message, nil)

	err := pc.restartRunViaBreaker(handle, processcontrol.RestartContext{
		TriggerType:   processcontrol.RestartTriggerResourceViolation,
		Severity:      string(violation.Severity),
		ViolationType: string(violation.LimitType),
		Message:       violation.Message,
	})
	if err != nil {
		pc.logger.Errorf("Resource restart failed, id: %s, error: %v", pc.workerID, err)
	}
}

// ===== EXIT HANDLING =====

func (pc *processControl) watchExit(handle *process.Handle) {
	<-handle.Done()

	pc.mutex.Lock()
	if pc.handle != handle {
		// stopped or restarted on purpose
		pc.mutex.Unlock()
		return
	}

	exitCode := handle.ExitCode()
	uptime := time.Since(handle.StartedAt)
	now := time.Now()

	pc.handle = nil
	stopMonitors := pc.detachMonitorsLocked()
	pc.lastExitCode = &exitCode
	pc.lastExitTime = &now
	pc.removePIDFileLocked()

	pc.logger.Warnf("Process exited, id: %s, PID: %d, exit_code: %d, uptime: %v", pc.workerID, handle.Pid(), exitCode, uptime)
	pc.config.Events.Publish(events.ProcessExited{Name: pc.workerID, PID: handle.Pid(), ExitCode: exitCode, Uptime: uptime, At: now})

	if exitCode != 0 {
		pc.lastError = &processcontrol.ProcessError{
			Category:    processcontrol.ErrorCategoryProcessCrash,
			Details:     "process exited with a non-zero code",
			Underlying:  handle.Err(),
			Timestamp:   now,
			Recoverable: true,
		}
	}

	decision := processcontrol.EvaluateExit(pc.config.ExitRestart, exitCode, uptime, pc.unstableRestarts)
	pc.applyExitDecisionLocked(decision, "exited")
	pc.mutex.Unlock()

	stopMonitors()
}

func (pc *processControl) applyExitDecisionLocked(decision processcontrol.ExitDecision, reason string) {
	pc.unstableRestarts = decision.UnstableRestarts

	switch decision.Action {
	case processcontrol.ExitActionStop:
		pc.setStateLocked(processcontrol.ProcessStateStopped, reason, 0)

	case processcontrol.ExitActionGiveUp:
		pc.logger.Errorf("Process restarted too often, giving up, id: %s, unstable_restarts: %d, max_restarts: %d",
			pc.workerID, pc.unstableRestarts, pc.config.ExitRestart.MaxRestarts)
		pc.setStateLocked(processcontrol.ProcessStateErrored, "too many unstable restarts", 0)

	case processcontrol.ExitActionRestart:
		ctx, cancel := context.WithCancel(context.Background())
		at := time.Now().Add(decision.Delay)
		pc.cancelPending = cancel
		pc.nextRestartAt = &at

		pc.logger.Infof("Scheduling restart, id: %s, delay: %v, unstable_restarts: %d", pc.workerID, decision.Delay, pc.unstableRestarts)
		pc.setStateLocked(processcontrol.ProcessStateWaitingRestart, reason, 0)
		go pc.delayedRestart(ctx, decision.Delay)
	}
}

func (pc *processControl) delayedRestart(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	pc.opMutex.Lock()
	defer pc.opMutex.Unlock()

	pc.mutex.Lock()
	if ctx.Err() != nil || pc.state != processcontrol.ProcessStateWaitingRestart {
		pc.mutex.Unlock()
		return
	}
	pc.cancelPendingRestartLocked()
	pc.restarts++
	attempt := pc.restarts
	pc.mutex.Unlock()

	if err := pc.startAfterCrash(); err != nil {
		pc.logger.Errorf("Automatic restart failed, id: %s, error: %v", pc.workerID, err)
		return
	}
	pc.config.Events.Publish(events.ProcessRestarted{
		Name:    pc.workerID,
		Attempt: attempt,
		Trigger: string(processcontrol.RestartTriggerCrash),
		At:      time.Now(),
	})
}

// startAfterCrash treats a failed spawn as an immediate exit so the restart budget still applies
func (pc *processControl) startAfterCrash() error {
	reason := string(processcontrol.RestartTriggerCrash)
	if err := pc.validateAndPlanStart(reason); err != nil {
		return err
	}

	handle, err := pc.spawn(context.Background())
	if err != nil {
		pc.mutex.Lock()
		defer pc.mutex.Unlock()

		pc.failureCount++
		pc.lastError = categorizeError(err)
		decision := processcontrol.EvaluateExit(pc.config.ExitRestart, -1, 0, pc.unstableRestarts)
		pc.applyExitDecisionLocked(decision, "spawn failed")
		return err
	}

	pc.finalizeStart(handle, reason)
	return nil
}

// ===== STOP =====

// stop expects opMutex to be held
func (pc *processControl) stop(ctx context.Context) error {
	handle, stopMonitors, err := pc.validateAndPlanStop()
	if err != nil || handle == nil {
		return err
	}

	stopMonitors()
	terminateErr := pc.terminate(ctx, handle)
	pc.finalizeStop(handle, terminateErr)
	return terminateErr
}

func (pc *processControl) validateAndPlanStop() (*process.Handle, func(), error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	switch pc.state {
	case processcontrol.ProcessStateStopped, processcontrol.ProcessStateErrored:
		pc.logger.Debugf("Process is not running, id: %s, state: %s", pc.workerID, pc.state)
		return nil, nil, nil

	case processcontrol.ProcessStateWaitingRestart:
		pc.cancelPendingRestartLocked()
		pc.setStateLocked(processcontrol.ProcessStateStopped, "pending restart cancelled", 0)
		return nil, nil, nil

	case processcontrol.ProcessStateOnline:
		handle := pc.handle
		pc.handle = nil
		stopMonitors := pc.detachMonitorsLocked()
		pc.setStateLocked(processcontrol.ProcessStateStopping, "stop", handle.Pid())
		return handle, stopMonitors, nil

	default:
		return nil, nil, domainerrors.NewConflictError("process is busy", nil).
			WithContext("id", pc.workerID).WithContext("state", string(pc.state))
	}
}

func (pc *processControl) terminate(ctx context.Context, handle *process.Handle) error {
	if handle.Exited() {
		return nil
	}

	pid := handle.Pid()
	pc.logger.Infof("Terminating process, id: %s, PID: %d, graceful_timeout: %v", pc.workerID, pid, pc.config.GracefulTimeout)

	if err := process.SendTerminationSignal(pid); err != nil {
		pc.logger.Warnf("Failed to send termination signal, id: %s, PID: %d, error: %v", pc.workerID, pid, err)
	}

	graceful := time.NewTimer(pc.config.GracefulTimeout)
	defer graceful.Stop()

	select {
	case <-handle.Done():
		pc.logger.Infof("Process terminated gracefully, id: %s, PID: %d", pc.workerID, pid)
		return nil
	case <-graceful.C:
		pc.logger.Warnf("Graceful shutdown timed out, killing process, id: %s, PID: %d", pc.workerID, pid)
	case <-ctx.Done():
		pc.logger.Warnf("Stop cancelled, killing process, id: %s, PID: %d", pc.workerID, pid)
	}

	if err := process.KillProcessGroup(pid); err != nil {
		pc.logger.Errorf("Failed to kill process, id: %s, PID: %d, error: %v", pc.workerID, pid, err)
	}

	killWait := time.NewTimer(killWaitTimeout)
	defer killWait.Stop()

	select {
	case <-handle.Done():
		return nil
	case <-killWait.C:
		return domainerrors.NewTimeoutError("process did not exit after SIGKILL", nil).
			WithContext("id", pc.workerID).WithContext("pid", pid)
	}
}

func (pc *processControl) finalizeStop(handle *process.Handle, terminateErr error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	now := time.Now()
	pc.lastExitTime = &now
	if handle.Exited() {
		exitCode := handle.ExitCode()
		pc.lastExitCode = &exitCode
	}
	if terminateErr != nil {
		pc.lastError = categorizeError(terminateErr)
	}

	pc.removePIDFileLocked()
	pc.setStateLocked(processcontrol.ProcessStateStopped, "stopped", 0)
	pc.logger.Infof("Process stopped, id: %s, PID: %d", pc.workerID, handle.Pid())
}

// ===== RESTART =====

func (pc *processControl) restart(ctx context.Context, trigger processcontrol.RestartTriggerType) error {
	pc.opMutex.Lock()
	defer pc.opMutex.Unlock()

	return pc.restartLocked(ctx, trigger)
}

// restartRun restarts only while handle is still the current run, so late
// callbacks from a previous run are ignored
func (pc *processControl) restartRun(handle *process.Handle, trigger processcontrol.RestartTriggerType) error {
	pc.opMutex.Lock()
	defer pc.opMutex.Unlock()

	pc.mutex.RLock()
	current := pc.handle == handle && pc.state == processcontrol.ProcessStateOnline
	pc.mutex.RUnlock()
	if !current {
		pc.logger.Debugf("Skipping restart of a finished run, id: %s, trigger: %s", pc.workerID, trigger)
		return nil
	}

	return pc.restartLocked(context.Background(), trigger)
}

func (pc *processControl) restartRunViaBreaker(handle *process.Handle, restartContext processcontrol.RestartContext) error {
	if pc.restartCircuitBreaker == nil {
		return pc.restartRun(handle, restartContext.TriggerType)
	}
	return pc.restartCircuitBreaker.ExecuteRestart(func() error {
		return pc.restartRun(handle, restartContext.TriggerType)
	}, restartContext)
}

func (pc *processControl) restartLocked(ctx context.Context, trigger processcontrol.RestartTriggerType) error {
	if err := pc.stop(ctx); err != nil {
		return err
	}

	pc.mutex.Lock()
	pc.restarts++
	attempt := pc.restarts
	pc.mutex.Unlock()

	if err := pc.start(ctx, string(trigger)); err != nil {
		return err
	}

	pc.config.Events.Publish(events.ProcessRestarted{Name: pc.workerID, Attempt: attempt, Trigger: string(trigger), At: time.Now()})
	return nil
}

// ===== HELPERS =====

func (pc *processControl) setStateLocked(state processcontrol.ProcessState, reason string, pid int) {
	previous := pc.state
	if previous == state {
		return
	}
	pc.state = state
	pc.logger.Debugf("Process state changed, id: %s, %s->%s, reason: %s", pc.workerID, previous, state, reason)
	pc.config.Events.Publish(events.ProcessStateChanged{
		Name:   pc.workerID,
		From:   string(previous),
		To:     string(state),
		PID:    pid,
		Reason: reason,
		At:     time.Now(),
	})
}

func (pc *processControl) cancelPendingRestartLocked() {
	if pc.cancelPending != nil {
		pc.cancelPending()
		pc.cancelPending = nil
	}
	pc.nextRestartAt = nil
}

// detachMonitorsLocked hands back a func that stops the monitors of the
// current run; it must be called without the mutex held
func (pc *processControl) detachMonitorsLocked() func() {
	healthMonitor := pc.healthMonitor
	resourceMonitor := pc.resourceMonitor
	scheduler := pc.scheduler
	runCancel := pc.runCancel

	pc.healthMonitor = nil
	pc.resourceMonitor = nil
	pc.scheduler = nil
	pc.runCancel = nil

	return func() {
		if scheduler != nil {
			scheduler.Stop()
		}
		if healthMonitor != nil {
			healthMonitor.Stop()
		}
		if resourceMonitor != nil {
			resourceMonitor.Stop()
		}
		if runCancel != nil {
			runCancel()
		}
	}
}

func (pc *processControl) removePIDFileLocked() {
	if pc.config.PIDFiles == nil {
		return
	}
	if err := pc.config.PIDFiles.RemovePIDFile(pc.workerID); err != nil {
		pc.logger.Warnf("Failed to remove PID file, id: %s, error: %v", pc.workerID, err)
	}
}

func (pc *processControl) recordError(category string, details string, cause error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	pc.lastError = &processcontrol.ProcessError{
		Category:    category,
		Details:     details,
		Underlying:  cause,
		Timestamp:   time.Now(),
		Recoverable: true,
	}
}

func categorizeError(err error) *processcontrol.ProcessError {
	processErr := &processcontrol.ProcessError{
		Category:    processcontrol.ErrorCategoryUnknown,
		Details:     err.Error(),
		Underlying:  err,
		Timestamp:   time.Now(),
		Recoverable: true,
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		processErr.Category = processcontrol.ErrorCategoryExecutableNotFound
		processErr.Recoverable = false
	case errors.Is(err, fs.ErrPermission), domainerrors.IsPermissionError(err):
		processErr.Category = processcontrol.ErrorCategoryPermissionDenied
		processErr.Recoverable = false
	case domainerrors.IsTimeoutError(err):
		processErr.Category = processcontrol.ErrorCategoryTimeout
	}
	return processErr
}

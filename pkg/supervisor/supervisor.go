package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/memstack/pkg/dependency"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/inhibitor"
	"github.com/core-tools/memstack/pkg/journal"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/metrics"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/workers"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
	"github.com/core-tools/memstack/pkg/workers/processcontrolimpl"
)

// SupervisorState represents the current state of the supervisor
type SupervisorState string

const (
	// SupervisorStateNotStarted is the initial state before Up is called
	SupervisorStateNotStarted SupervisorState = "not_started"

	// SupervisorStateRunning means the supervisor can manage processes
	SupervisorStateRunning SupervisorState = "running"

	// SupervisorStateStopping means Down is in progress
	SupervisorStateStopping SupervisorState = "stopping"

	// SupervisorStateStopped means Down has completed
	SupervisorStateStopped SupervisorState = "stopped"
)

// Health statuses reported by Health()
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthStarting = "starting" // Up has not finished yet
)

type Options struct {
	Bus     *events.Bus      // created when nil
	Journal *journal.Journal // disabled when nil
	Metrics *metrics.Metrics // created when nil
	RunID   string           // generated when empty
}

// processEntry is one registered process
type processEntry struct {
	unit    workers.ManagedUnit
	worker  workers.Worker
	control processcontrol.ProcessControl
}

type NewProcessControlFunc func(options processcontrol.ProcessControlOptions, id string, logger logging.Logger) processcontrol.ProcessControl

type Supervisor struct {
	config       *StackConfig
	logger       logging.Logger
	bus          *events.Bus
	journal      *journal.Journal
	metrics      *metrics.Metrics
	pidFiles     *processfile.ProcessFileManager
	inhibitor    *inhibitor.Inhibitor
	dependencies []*dependency.Dependency
	runID        string

	newProcessControl NewProcessControlFunc

	mutex     sync.Mutex
	state     SupervisorState
	starting  bool
	startedAt *time.Time
	processes map[string]*processEntry
	order     []string
}

// New builds a supervisor for an already validated config. Processes are
// registered by Up.
func New(config *StackConfig, options Options, logger logging.Logger) (*Supervisor, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	bus := options.Bus
	if bus == nil {
		bus = events.New()
	}
	runID := options.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	stackJournal := options.Journal
	if stackJournal == nil {
		stackJournal = journal.Disabled()
	}
	stackMetrics := options.Metrics
	if stackMetrics == nil {
		stackMetrics = metrics.New()
	}
	stackMetrics.Attach(bus)
	stackJournal.Attach(bus, runID)

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: config.Supervisor.StateDir,
		AppName:       config.Supervisor.Name,
	}, logger)

	deps := make([]*dependency.Dependency, 0, len(config.Dependencies))
	for _, depConfig := range config.Dependencies {
		deps = append(deps, dependency.New(depConfig, bus, logging.WithPrefix(logger, "dependency", depConfig.Name)))
	}

	return &Supervisor{
		config:            config,
		logger:            logger,
		bus:               bus,
		journal:           stackJournal,
		metrics:           stackMetrics,
		pidFiles:          pidFiles,
		inhibitor:         inhibitor.New(config.Inhibitor, bus, logging.WithPrefix(logger, "inhibitor", "")),
		dependencies:      deps,
		runID:             runID,
		newProcessControl: processcontrolimpl.NewProcessControl,
		state:             SupervisorStateNotStarted,
		processes:         make(map[string]*processEntry),
	}, nil
}

// ===== PROCESS REGISTRY =====

func (s *Supervisor) AddProcess(unit workers.ManagedUnit) error {
	unit.SetDefaults()
	name := unit.Metadata.Name
	if err := workers.ValidateManagedUnit(unit); err != nil {
		return errors.NewValidationError("invalid process configuration", err).WithContext("name", name)
	}

	logger := logging.WithPrefix(s.logger, "process", name)
	worker := workers.NewManagedWorker(&unit, workers.ManagedWorkerOptions{
		PIDFiles:  s.pidFiles,
		Events:    s.bus,
		CanAttach: !s.config.Supervisor.deleteBeforeStart(),
	}, logger)
	options := worker.ProcessControlOptions()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.processes[name]; exists {
		return errors.NewConflictError("process already exists", nil).WithContext("name", name)
	}

	s.logger.Infof("Adding process, name: %s, command: %s, can_attach: %t", name, options.CommandLine, options.CanAttach)
	s.processes[name] = &processEntry{
		unit:    unit,
		worker:  worker,
		control: s.newProcessControl(options, name, logger),
	}
	s.order = append(s.order, name)
	return nil
}

// DeleteProcess forgets a process; it must not be running
func (s *Supervisor) DeleteProcess(name string) error {
	entry, err := s.getProcess(name)
	if err != nil {
		return err
	}

	currentState := entry.control.GetState()
	if !isSafelyRemovable(currentState) {
		return errors.NewConflictError(
			fmt.Sprintf("cannot delete process in state '%s': process must be stopped before deletion", currentState),
			nil,
		).WithContext("name", name).
			WithContext("current_state", string(currentState)).
			WithContext("required_states", "stopped, errored").
			WithContext("suggested_action", "stop the process first")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.processes[name]; !exists {
		return errors.NewNotFoundError("process not found", nil).WithContext("name", name)
	}
	delete(s.processes, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.metrics.Forget(name)

	s.logger.Infof("Process deleted, name: %s", name)
	return nil
}

func isSafelyRemovable(state processcontrol.ProcessState) bool {
	switch state {
	case processcontrol.ProcessStateStopped, processcontrol.ProcessStateErrored:
		return true
	default:
		return false
	}
}

// ===== PROCESS OPERATIONS =====

func (s *Supervisor) StartProcess(ctx context.Context, name string) error {
	entry, err := s.getRunnableProcess(name, "start")
	if err != nil {
		return err
	}

	s.logger.Infof("Starting process, name: %s", name)
	if err := entry.control.Start(ctx); err != nil {
		s.logger.Errorf("Failed to start process, name: %s, error: %v", name, err)
		return wrapOperationError(ctx, "start", name, err)
	}
	s.logger.Infof("Process started, name: %s, state: %s", name, entry.control.GetState())
	return nil
}

func (s *Supervisor) StopProcess(ctx context.Context, name string) error {
	entry, err := s.getRunnableProcess(name, "stop")
	if err != nil {
		return err
	}

	s.logger.Infof("Stopping process, name: %s", name)
	if err := entry.control.Stop(ctx); err != nil {
		s.logger.Errorf("Failed to stop process, name: %s, error: %v", name, err)
		return wrapOperationError(ctx, "stop", name, err)
	}
	s.logger.Infof("Process stopped, name: %s", name)
	return nil
}

func (s *Supervisor) RestartProcess(ctx context.Context, name string, force bool) error {
	entry, err := s.getRunnableProcess(name, "restart")
	if err != nil {
		return err
	}

	s.logger.Infof("Restarting process, name: %s, force: %t", name, force)
	if err := entry.control.Restart(ctx, force); err != nil {
		s.logger.Errorf("Failed to restart process, name: %s, error: %v", name, err)
		return wrapOperationError(ctx, "restart", name, err)
	}
	return nil
}

// StartAll starts every enabled process that is not already running, in
// config order. A failure does not stop the others.
func (s *Supervisor) StartAll(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	for _, entry := range s.getAllProcesses() {
		name := entry.unit.Metadata.Name
		if !entry.unit.IsEnabled() {
			s.logger.Infof("Skipping disabled process, name: %s", name)
			continue
		}
		if !isSafelyRemovable(entry.control.GetState()) {
			continue
		}
		collection.Add(s.StartProcess(ctx, name))
	}
	return collection.ToError()
}

// StopAll stops processes in reverse config order
func (s *Supervisor) StopAll(ctx context.Context) error {
	entries := s.getAllProcesses()
	collection := errors.NewErrorCollection()
	for i := len(entries) - 1; i >= 0; i-- {
		name := entries[i].unit.Metadata.Name
		if err := entries[i].control.Stop(ctx); err != nil {
			s.logger.Errorf("Failed to stop process, name: %s, error: %v", name, err)
			collection.Add(errors.NewProcessError("failed to stop process", err).WithContext("name", name))
		}
	}
	return collection.ToError()
}

// DeleteAll stops then forgets every process
func (s *Supervisor) DeleteAll(ctx context.Context) error {
	collection := errors.NewErrorCollection()
	collection.Add(s.StopAll(ctx))
	for _, entry := range s.getAllProcesses() {
		collection.Add(s.DeleteProcess(entry.unit.Metadata.Name))
	}
	return collection.ToError()
}

func wrapOperationError(ctx context.Context, operation, name string, err error) error {
	if errors.IsConflictError(err) || errors.IsValidationError(err) {
		return err
	}
	if ctx.Err() != nil {
		return errors.NewCancelledError("process "+operation+" was cancelled", ctx.Err()).WithContext("name", name)
	}
	return errors.NewProcessError("failed to "+operation+" process", err).WithContext("name", name)
}

// ===== STACK LIFECYCLE =====

// Up brings the stack up: dependencies, processes, then the sleep inhibitor.
// A dependency failure aborts; process and inhibitor failures are logged
// and left visible in Status.
func (s *Supervisor) Up(ctx context.Context) error {
	if err := s.transition(SupervisorStateRunning, SupervisorStateNotStarted, SupervisorStateStopped, SupervisorStateRunning); err != nil {
		return err
	}
	s.setStarting(true)
	defer s.setStarting(false)
	s.logger.Infof("Bringing stack up, run_id: %s, processes: %d, dependencies: %d",
		s.runID, len(s.config.Processes), len(s.dependencies))

	for _, dep := range s.dependencies {
		if err := dep.Up(ctx); err != nil {
			s.logger.Errorf("Dependency failed, aborting up, name: %s, error: %v", dep.Name(), err)
			return err
		}
	}

	if s.config.Supervisor.deleteBeforeStart() {
		if err := s.DeleteAll(ctx); err != nil {
			s.logger.Warnf("Failed to delete previously registered processes: %v", err)
		}
		s.reapSurvivors()
	}
	for _, unit := range s.config.Processes {
		if _, err := s.getProcess(unit.Metadata.Name); err == nil {
			continue
		}
		if err := s.AddProcess(unit); err != nil {
			s.logger.Errorf("Failed to add process, name: %s, error: %v", unit.Metadata.Name, err)
		}
	}

	if err := s.StartAll(ctx); err != nil {
		s.logger.Errorf("Some processes failed to start: %v", err)
	}

	if err := s.inhibitor.Acquire(ctx); err != nil {
		s.logger.Warnf("Sleep inhibitor not acquired: %v", err)
	}

	s.setStarting(false)
	s.logger.Infof("Stack is up, health: %s", s.Health().Status)
	return nil
}

// reapSurvivors stops processes left running by an earlier daemon. Their PID
// files would otherwise be overwritten by the fresh spawn and the survivors
// lost track of.
func (s *Supervisor) reapSurvivors() {
	for _, unit := range s.config.Processes {
		name := unit.Metadata.Name
		if _, err := s.getProcess(name); err == nil {
			continue
		}
		pid, err := process.ReapStale(s.pidFiles.GeneratePIDFilePath(name), unit.Restart.KillTimeout, s.logger)
		if err != nil {
			s.logger.Warnf("Failed to stop leftover process, name: %s, error: %v", name, err)
			continue
		}
		if pid > 0 {
			s.logger.Infof("Stopped leftover process from an earlier run, name: %s, PID: %d", name, pid)
		}
	}
}

func (s *Supervisor) setStarting(starting bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.starting = starting
}

// Down tears the stack down. Every step runs; errors are collected.
func (s *Supervisor) Down(ctx context.Context) error {
	if err := s.transition(SupervisorStateStopping, SupervisorStateNotStarted, SupervisorStateRunning, SupervisorStateStopped); err != nil {
		return err
	}
	s.logger.Infof("Bringing stack down, run_id: %s", s.runID)

	collection := errors.NewErrorCollection()
	collection.Add(s.DeleteAll(ctx))

	if err := s.inhibitor.Release(); err != nil {
		s.logger.Warnf("Failed to release sleep inhibitor: %v", err)
		collection.Add(err)
	}

	for i := len(s.dependencies) - 1; i >= 0; i-- {
		if err := s.dependencies[i].Down(ctx); err != nil {
			s.logger.Warnf("Dependency teardown failed, name: %s, error: %v", s.dependencies[i].Name(), err)
			collection.Add(err)
		}
	}

	s.setState(SupervisorStateStopped)
	s.logger.Infof("Stack is down")
	return collection.ToError()
}

// transition moves to next when the current state is one of from
func (s *Supervisor) transition(next SupervisorState, from ...SupervisorState) error {
	s.mutex.Lock()
	current := s.state
	allowed := false
	for _, state := range from {
		if current == state {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mutex.Unlock()
		return errors.NewConflictError(
			fmt.Sprintf("supervisor cannot move from %s to %s", current, next), nil,
		).WithContext("supervisor_state", string(current))
	}
	s.mutex.Unlock()

	s.setState(next)
	return nil
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mutex.Lock()
	previous := s.state
	s.state = state
	if state == SupervisorStateRunning && s.startedAt == nil {
		now := time.Now()
		s.startedAt = &now
	}
	s.mutex.Unlock()

	if previous != state {
		s.bus.Publish(events.SupervisorStateChanged{From: string(previous), To: string(state), At: time.Now()})
	}
}

// Close detaches metrics and journal from the event bus. The journal
// itself stays open for its owner to close.
func (s *Supervisor) Close() {
	s.metrics.Detach()
	s.journal.Detach()
}

// ===== QUERIES =====

type ProcessStatus struct {
	processcontrol.ProcessDiagnostics
	Enabled bool
	Profile string
}

type Status struct {
	Name         string
	RunID        string
	State        SupervisorState
	StartedAt    *time.Time
	Uptime       time.Duration
	Processes    []ProcessStatus
	Dependencies []dependency.DependencyState
	Inhibitor    inhibitor.State
}

// Status lists processes in config order
func (s *Supervisor) Status() Status {
	state, startedAt := s.stateAndStart()

	status := Status{
		Name:         s.config.Supervisor.Name,
		RunID:        s.runID,
		State:        state,
		StartedAt:    startedAt,
		Uptime:       uptimeSince(startedAt),
		Processes:    []ProcessStatus{},
		Dependencies: make([]dependency.DependencyState, 0, len(s.dependencies)),
		Inhibitor:    s.inhibitor.State(),
	}

	for _, entry := range s.getAllProcesses() {
		diagnostics := entry.control.GetDiagnostics()
		diagnostics.Name = entry.unit.Metadata.Name
		status.Processes = append(status.Processes, ProcessStatus{
			ProcessDiagnostics: diagnostics,
			Enabled:            entry.unit.IsEnabled(),
			Profile:            string(entry.unit.Profile),
		})
	}
	for _, dep := range s.dependencies {
		status.Dependencies = append(status.Dependencies, dep.State())
	}
	return status
}

type HealthReport struct {
	Status   string
	RunID    string
	Uptime   time.Duration
	Online   int
	Expected int
}

// Health is ok when running with every enabled process online, degraded
// when running otherwise, starting while Up is in progress and the
// supervisor state when not running.
func (s *Supervisor) Health() HealthReport {
	state, startedAt := s.stateAndStart()
	s.mutex.Lock()
	starting := s.starting
	s.mutex.Unlock()
	report := HealthReport{
		Status: string(state),
		RunID:  s.runID,
		Uptime: uptimeSince(startedAt),
	}

	for _, entry := range s.getAllProcesses() {
		if !entry.unit.IsEnabled() {
			continue
		}
		report.Expected++
		if entry.control.GetState() == processcontrol.ProcessStateOnline {
			report.Online++
		}
	}

	switch {
	case state == SupervisorStateRunning && starting:
		report.Status = HealthStarting
	case state == SupervisorStateRunning && report.Online < report.Expected:
		report.Status = HealthDegraded
	case state == SupervisorStateRunning:
		report.Status = HealthOK
	}
	return report
}

// ProcessUnit returns the effective configuration of a registered process
func (s *Supervisor) ProcessUnit(name string) (workers.ManagedUnit, error) {
	entry, err := s.getProcess(name)
	if err != nil {
		return workers.ManagedUnit{}, err
	}
	return entry.unit, nil
}

func (s *Supervisor) GetState() SupervisorState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Supervisor) RunID() string {
	return s.runID
}

func (s *Supervisor) Events() *events.Bus {
	return s.bus
}

func (s *Supervisor) Journal() *journal.Journal {
	return s.journal
}

func (s *Supervisor) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Supervisor) PIDFiles() *processfile.ProcessFileManager {
	return s.pidFiles
}

// ===== HELPERS =====

func (s *Supervisor) stateAndStart() (SupervisorState, *time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state, s.startedAt
}

func uptimeSince(startedAt *time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	return time.Since(*startedAt)
}

func (s *Supervisor) getProcess(name string) (*processEntry, error) {
	if err := workers.ValidateUnitName(name); err != nil {
		return nil, errors.NewValidationError("invalid process name", err).WithContext("name", name)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, exists := s.processes[name]
	if !exists {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("name", name)
	}
	return entry, nil
}

// getRunnableProcess also requires the supervisor to be running
func (s *Supervisor) getRunnableProcess(name, operation string) (*processEntry, error) {
	entry, err := s.getProcess(name)
	if err != nil {
		return nil, err
	}
	if state := s.GetState(); state != SupervisorStateRunning {
		return nil, errors.NewConflictError(
			fmt.Sprintf("supervisor must be running to %s processes, current state: %s", operation, state),
			nil,
		).WithContext("name", name).WithContext("supervisor_state", string(state))
	}
	return entry, nil
}

// getAllProcesses returns the entries in config order
func (s *Supervisor) getAllProcesses() []*processEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := make([]*processEntry, 0, len(s.order))
	for _, name := range s.order {
		entries = append(entries, s.processes[name])
	}
	return entries
}

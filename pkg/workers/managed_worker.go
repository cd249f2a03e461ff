package workers

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logcollection"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/workers/processcontrol"
)

type ManagedWorkerOptions struct {
	PIDFiles *processfile.ProcessFileManager
	Events   *events.Bus

	// Adopt a process left running by a previous supervisor instead of spawning
	CanAttach bool
}

type managedWorker struct {
	id      string
	unit    ManagedUnit
	options ManagedWorkerOptions
	workDir string
	logger  logging.Logger
}

func NewManagedWorker(unit *ManagedUnit, options ManagedWorkerOptions, logger logging.Logger) Worker {
	workDir := unit.Execution.WorkingDirectory
	if workDir == "" {
		workDir, _ = os.Getwd()
	} else if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}

	return &managedWorker{
		id:      unit.Metadata.Name,
		unit:    *unit,
		options: options,
		workDir: workDir,
		logger:  logger,
	}
}

func (w *managedWorker) ID() string {
	return w.id
}

func (w *managedWorker) Metadata() UnitMetadata {
	return w.unit.Metadata
}

func (w *managedWorker) ProcessControlOptions() processcontrol.ProcessControlOptions {
	outLog, errLog := w.unit.Logs.Paths(w.workDir)

	return processcontrol.ProcessControlOptions{
		CanAttach:           w.options.CanAttach && w.options.PIDFiles != nil,
		ExecuteCmd:          w.ExecuteCmd,
		AttachCmd:           w.AttachCmd,
		GracefulTimeout:     w.unit.Restart.KillTimeout,
		ExitRestart:         w.unit.Restart,
		ContextAwareRestart: w.unit.ContextAwareRestart,
		WorkerProfileType:   string(w.unit.Profile),
		HealthCheck:         w.unit.HealthCheck,
		Limits:              w.unit.Limits,
		CronRestart:         w.unit.CronRestart,
		PIDFiles:            w.options.PIDFiles,
		Events:              w.options.Events,
		CommandLine:         w.commandLine(),
		OutLog:              outLog,
		ErrLog:              errLog,
	}
}

func (w *managedWorker) AttachCmd(ctx context.Context) (*process.Handle, error) {
	if w.options.PIDFiles == nil {
		return nil, errors.NewValidationError("attach requires a PID file manager", nil).WithContext("id", w.id)
	}

	w.logger.Debugf("Attaching to managed process, id: %s", w.id)
	pidFile := w.options.PIDFiles.GeneratePIDFilePath(w.id)
	return process.NewStdAttachCmd(pidFile, w.id, w.logger)(ctx)
}

func (w *managedWorker) ExecuteCmd(ctx context.Context) (*process.Handle, error) {
	w.logger.Infof("Executing managed process command, id: %s, command: %s", w.id, w.commandLine())

	openOutput := func() (process.OutputSink, error) {
		logs, err := logcollection.OpenProcessLogs(w.id, w.unit.Logs, w.workDir, w.logger)
		if err != nil {
			return nil, err
		}
		return logs, nil
	}

	handle, err := process.NewStdExecuteCmd(w.unit.Execution, openOutput, w.id, w.logger)(ctx)
	if err != nil {
		return nil, errors.NewProcessError("failed to execute managed process command", err).WithContext("id", w.id)
	}
	return handle, nil
}

func (w *managedWorker) commandLine() string {
	parts := append([]string{w.unit.Execution.Command}, w.unit.Execution.Args...)
	return strings.Join(parts, " ")
}

package inhibitor

import (
	"context"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/login1"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
)

const releaseTimeout = 2 * time.Second

type State struct {
	Backend    Backend    `json:"backend"`
	Held       bool       `json:"held"`
	PID        int        `json:"pid,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Inhibitor keeps the host from sleeping while the stack runs
type Inhibitor struct {
	config InhibitorConfig
	goos   string
	bus    *events.Bus
	logger logging.Logger

	// logind lock, swapped in tests
	takeLock func(why string) (io.Closer, error)

	mutex      sync.Mutex
	backend    Backend
	held       bool
	handle     *process.Handle
	lock       io.Closer
	acquiredAt *time.Time
	message    string
}

func New(config InhibitorConfig, bus *events.Bus, logger logging.Logger) *Inhibitor {
	config.SetDefaults()
	return &Inhibitor{
		config:   config,
		goos:     runtime.GOOS,
		bus:      bus,
		logger:   logger,
		takeLock: logindLock,
		backend:  ResolveBackend(config.Backend, runtime.GOOS),
	}
}

// Acquire is idempotent. A PID file left by a previous run is released first.
func (i *Inhibitor) Acquire(ctx context.Context) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.held {
		return nil
	}
	if i.config.PIDFile != "" {
		ReleaseStale(i.config.PIDFile, i.logger)
	}

	var err error
	switch i.backend {
	case BackendNone:
		i.logger.Debugf("Sleep inhibitor disabled")
		return nil
	case BackendLogind:
		err = i.acquireLogindLocked()
		if err != nil && i.config.Backend == BackendAuto && commandAvailable(i.command()) {
			i.logger.Warnf("logind inhibitor unavailable, falling back to command, error: %v", err)
			i.backend = BackendCommand
			err = i.acquireCommandLocked(ctx)
		}
	case BackendCommand:
		err = i.acquireCommandLocked(ctx)
	}
	if err != nil {
		i.message = err.Error()
		i.publishLocked()
		return err
	}

	now := time.Now()
	i.held = true
	i.acquiredAt = &now
	i.message = ""
	i.logger.Infof("Sleep inhibitor acquired, backend: %s, PID: %d", i.backend, i.handle.Pid())
	i.publishLocked()
	return nil
}

func (i *Inhibitor) acquireLogindLocked() error {
	lock, err := i.takeLock(i.config.Why)
	if err != nil {
		return errors.NewInhibitorError("failed to take logind sleep lock", err)
	}
	i.lock = lock
	return nil
}

func (i *Inhibitor) acquireCommandLocked(ctx context.Context) error {
	argv := i.command()
	if len(argv) == 0 {
		return errors.NewInhibitorError("no inhibitor command for this platform", nil).WithContext("os", i.goos)
	}

	execution := process.ExecutionConfig{Command: argv[0], Args: argv[1:]}
	handle, err := process.NewStdExecuteCmd(execution, nil, "inhibitor", i.logger)(ctx)
	if err != nil {
		return errors.NewInhibitorError("failed to start inhibitor command", err).WithContext("command", argv[0])
	}
	i.handle = handle

	if i.config.PIDFile != "" {
		if err := processfile.WritePIDFileAt(i.config.PIDFile, handle.Pid()); err != nil {
			i.logger.Warnf("Failed to write inhibitor PID file, path: %s, error: %v", i.config.PIDFile, err)
		}
	}

	go i.watch(handle)
	return nil
}

// watch notices an inhibitor command that died on its own
func (i *Inhibitor) watch(handle *process.Handle) {
	<-handle.Done()

	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.handle != handle {
		return
	}
	i.logger.Warnf("Sleep inhibitor command exited, PID: %d, exit_code: %d", handle.Pid(), handle.ExitCode())
	i.handle = nil
	i.held = false
	i.acquiredAt = nil
	i.message = "inhibitor command exited"
	if i.config.PIDFile != "" {
		processfile.RemoveFile(i.config.PIDFile)
	}
	i.publishLocked()
}

// Release is best effort and idempotent
func (i *Inhibitor) Release() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	collection := errors.NewErrorCollection()

	if handle := i.handle; handle != nil {
		i.handle = nil
		collection.Add(terminate(handle))
	}
	if i.lock != nil {
		collection.Add(i.lock.Close())
		i.lock = nil
	}
	if i.config.PIDFile != "" {
		collection.Add(processfile.RemoveFile(i.config.PIDFile))
	}

	wasHeld := i.held
	i.held = false
	i.acquiredAt = nil
	i.message = ""
	if wasHeld {
		i.logger.Infof("Sleep inhibitor released, backend: %s", i.backend)
		i.publishLocked()
	}
	return collection.ToError()
}

func (i *Inhibitor) State() State {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return State{
		Backend:    i.backend,
		Held:       i.held,
		PID:        i.handle.Pid(),
		AcquiredAt: i.acquiredAt,
		Message:    i.message,
	}
}

func (i *Inhibitor) command() []string {
	if len(i.config.Command) > 0 {
		return i.config.Command
	}
	return DefaultCommand(i.goos, i.config.Why)
}

func (i *Inhibitor) publishLocked() {
	i.bus.Publish(events.InhibitorChanged{
		Held:    i.held,
		Backend: string(i.backend),
		PID:     i.handle.Pid(),
		Message: i.message,
		At:      time.Now(),
	})
}

// ReleaseStale kills the inhibitor recorded in pidFile, if still running,
// and removes the file. Every failure is logged and swallowed.
func ReleaseStale(pidFile string, logger logging.Logger) int {
	pid, err := process.ReapStale(pidFile, releaseTimeout, logger)
	if err != nil {
		logger.Debugf("Ignoring stale inhibitor cleanup failure, pid_file: %s, error: %v", pidFile, err)
	}
	if pid > 0 {
		logger.Infof("Released stale sleep inhibitor, PID: %d", pid)
	}
	return pid
}

func terminate(handle *process.Handle) error {
	if handle.Exited() {
		return nil
	}
	if err := process.SendTerminationSignal(handle.Pid()); err != nil {
		return errors.NewInhibitorError("failed to signal inhibitor", err).WithContext("pid", handle.Pid())
	}
	select {
	case <-handle.Done():
		return nil
	case <-time.After(releaseTimeout):
	}
	if err := process.KillProcessGroup(handle.Pid()); err != nil {
		return errors.NewInhibitorError("failed to kill inhibitor", err).WithContext("pid", handle.Pid())
	}
	return nil
}

func logindLock(why string) (io.Closer, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// the lock lives as long as this descriptor stays open
	return conn.Inhibit("sleep", inhibitorOwner, why, "block")
}

package process

import (
	"context"
	"os"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/processstate"
)

// attachPollInterval paces liveness probes of processes we did not spawn
// and therefore cannot wait(2) on.
const attachPollInterval = 250 * time.Millisecond

type StdAttachCmd func(ctx context.Context) (*Handle, error)

// NewStdAttachCmd adopts a process left running by a previous supervisor,
// found through its PID file.
func NewStdAttachCmd(pidFile string, id string, logger logging.Logger) StdAttachCmd {
	return func(ctx context.Context) (*Handle, error) {
		if ctx == nil {
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}
		if err := ValidatePIDFile(pidFile); err != nil {
			return nil, err
		}

		proc, err := OpenProcessByPIDFile(pidFile)
		if err != nil {
			logger.Debugf("Nothing to attach to, id: %s, pid_file: %s, error: %v", id, pidFile, err)
			return nil, errors.NewDiscoveryError("failed to discover process", err).WithContext("id", id)
		}

		logger.Infof("Attached to running process, id: %s, PID: %d", id, proc.Pid)
		return NewHandle(proc, true, pollUntilGone(proc.Pid), nil), nil
	}
}

// OpenProcessByPIDFile returns the process recorded in pidFile if it is still alive
func OpenProcessByPIDFile(pidFile string) (*os.Process, error) {
	pid, err := processfile.ReadPIDFile(pidFile)
	if err != nil {
		return nil, err
	}
	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return nil, errors.NewProcessError("failed to probe process", err).WithContext("pid", pid)
	}
	if !running {
		return nil, errors.NewNotFoundError("process is not running", nil).WithContext("pid", pid).WithContext("pid_file", pidFile)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, errors.NewProcessError("failed to find process", err).WithContext("pid", pid)
	}
	return proc, nil
}

func pollUntilGone(pid int) WaitFunc {
	return func() (int, error) {
		ticker := time.NewTicker(attachPollInterval)
		defer ticker.Stop()
		for {
			<-ticker.C
			running, err := processstate.IsProcessRunning(pid)
			if err != nil {
				return -1, err
			}
			if !running {
				return -1, nil
			}
		}
	}
}

// ReapStale terminates a leftover process recorded in pidFile, escalating to
// SIGKILL after timeout, and removes the file. A missing file or a dead PID
// is not an error.
func ReapStale(pidFile string, timeout time.Duration, logger logging.Logger) (int, error) {
	pid, err := processfile.ReadPIDFile(pidFile)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return 0, nil
		}
		processfile.RemoveFile(pidFile)
		return 0, err
	}
	defer processfile.RemoveFile(pidFile)

	running, _ := processstate.IsProcessRunning(pid)
	if !running {
		logger.Debugf("Stale PID file points to a dead process, pid: %d, pid_file: %s", pid, pidFile)
		return 0, nil
	}

	logger.Warnf("Terminating leftover process, pid: %d, pid_file: %s", pid, pidFile)
	if err := SendTerminationSignal(pid); err != nil {
		logger.Warnf("Failed to signal leftover process, pid: %d, error: %v", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if running, _ := processstate.IsProcessRunning(pid); !running {
			return pid, nil
		}
		time.Sleep(attachPollInterval)
	}

	if err := KillProcessGroup(pid); err != nil {
		return pid, errors.NewProcessError("failed to kill leftover process", err).WithContext("pid", pid)
	}
	return pid, nil
}

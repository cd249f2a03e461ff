//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// SendTerminationSignal sends SIGTERM to the process group, falling back to
// the single process when pid does not lead a group (attached processes).
func SendTerminationSignal(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// KillProcessGroup sends SIGKILL the same way
func KillProcessGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.EINVAL
	}
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		if perr := syscall.Kill(pid, sig); perr != nil {
			if errors.Is(perr, syscall.ESRCH) {
				return nil
			}
			return perr
		}
		return nil
	}
	return err
}

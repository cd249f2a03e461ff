//go:build windows

package process

import (
	"fmt"
	"os"
)

// SendTerminationSignal has no graceful equivalent for detached children on
// Windows, so it terminates the process directly.
func SendTerminationSignal(pid int) error {
	return KillProcessGroup(pid)
}

func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid PID: %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}

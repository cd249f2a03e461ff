package process

import (
	"os"
	"sync"
	"time"
)

// Handle tracks one running OS process until it exits, whether it was
// spawned by us or attached to from a PID file.
type Handle struct {
	Process   *os.Process
	StartedAt time.Time
	Attached  bool

	done     chan struct{}
	once     sync.Once
	exitCode int
	err      error
}

// WaitFunc blocks until the process is gone and reports its exit code
// (-1 when unknown, e.g. killed by a signal or not our child).
type WaitFunc func() (int, error)

// NewHandle starts waiting on proc in the background. onExit runs after
// wait returns and before Done is closed, typically to flush log sinks.
func NewHandle(proc *os.Process, attached bool, wait WaitFunc, onExit func()) *Handle {
	h := &Handle{
		Process:   proc,
		StartedAt: time.Now(),
		Attached:  attached,
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	go func() {
		code, err := wait()
		if onExit != nil {
			onExit()
		}
		h.finish(code, err)
	}()
	return h
}

func (h *Handle) finish(code int, err error) {
	h.once.Do(func() {
		h.exitCode = code
		h.err = err
		close(h.done)
	})
}

func (h *Handle) Pid() int {
	if h == nil || h.Process == nil {
		return 0
	}
	return h.Process.Pid
}

// Done is closed once the process has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid after Done is closed
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Err reports a failure to wait on the process, valid after Done is closed
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeProcessStateChanged uint32 = iota + 1
	TypeProcessRestarted
	TypeProcessExited
	TypeHealthChanged
	TypeMemorySampled
	TypeInhibitorChanged
	TypeDependencyChanged
	TypeSupervisorStateChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ProcessStateChanged is published on every lifecycle transition of a supervised process.
type ProcessStateChanged struct {
	Name   string    `json:"name"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	PID    int       `json:"pid,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (e ProcessStateChanged) Type() uint32 { return TypeProcessStateChanged }

// ProcessRestarted is published when a process is started again after a crash,
// a health failure, a memory violation, a cron tick or an operator request.
type ProcessRestarted struct {
	Name    string    `json:"name"`
	Attempt int       `json:"attempt"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

func (e ProcessRestarted) Type() uint32 { return TypeProcessRestarted }

// ProcessExited is published when a process exits without being asked to.
type ProcessExited struct {
	Name     string        `json:"name"`
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	Uptime   time.Duration `json:"uptime"`
	At       time.Time     `json:"at"`
}

func (e ProcessExited) Type() uint32 { return TypeProcessExited }

type HealthChanged struct {
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func (e HealthChanged) Type() uint32 { return TypeHealthChanged }

type MemorySampled struct {
	Name  string    `json:"name"`
	Bytes int64     `json:"bytes"`
	At    time.Time `json:"at"`
}

func (e MemorySampled) Type() uint32 { return TypeMemorySampled }

type InhibitorChanged struct {
	Held    bool      `json:"held"`
	Backend string    `json:"backend"`
	PID     int       `json:"pid,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func (e InhibitorChanged) Type() uint32 { return TypeInhibitorChanged }

// Dependency phases
const (
	DependencyStarting = "starting"
	DependencyReady    = "ready"
	DependencyFailed   = "failed"
	DependencyStopped  = "stopped"
)

type DependencyChanged struct {
	Name    string    `json:"name"`
	Phase   string    `json:"phase"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func (e DependencyChanged) Type() uint32 { return TypeDependencyChanged }

type SupervisorStateChanged struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

func (e SupervisorStateChanged) Type() uint32 { return TypeSupervisorStateChanged }

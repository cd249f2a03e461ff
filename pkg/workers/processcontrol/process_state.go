package processcontrol

import (
	"time"
)

// ProcessState is the lifecycle state of a supervised process
type ProcessState string

const (
	ProcessStateStopped        ProcessState = "stopped"         // not running, will not be started automatically
	ProcessStateLaunching      ProcessState = "launching"       // spawn in progress
	ProcessStateOnline         ProcessState = "online"          // running
	ProcessStateStopping       ProcessState = "stopping"        // termination in progress
	ProcessStateWaitingRestart ProcessState = "waiting_restart" // exited, restart scheduled after the restart delay
	ProcessStateErrored        ProcessState = "errored"         // exited too often, automatic restarts given up
)

// ProcessError categorizes the last failure of a process
type ProcessError struct {
	Category    string    `json:"category"`
	Details     string    `json:"details"`
	Underlying  error     `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

const (
	ErrorCategoryExecutableNotFound = "executable_not_found"
	ErrorCategoryPermissionDenied   = "permission_denied"
	ErrorCategoryResourceLimit      = "resource_limit"
	ErrorCategoryTimeout            = "timeout"
	ErrorCategoryProcessCrash       = "process_crash"
	ErrorCategoryHealthFailure      = "health_failure"
	ErrorCategoryUnknown            = "unknown"
)

// ProcessDiagnostics is a point-in-time snapshot used by status output and the control API
type ProcessDiagnostics struct {
	Name             string
	State            ProcessState
	ProcessID        int
	Attached         bool
	StartTime        *time.Time
	Uptime           time.Duration
	Restarts         int // automatic and requested restarts since the process was added
	UnstableRestarts int // consecutive restarts of runs shorter than min_uptime
	LastExitCode     *int
	LastExitTime     *time.Time
	NextRestartAt    *time.Time
	LastError        *ProcessError
	HealthStatus     string
	HealthMessage    string
	MemoryBytes      int64
	CommandLine      string
	OutLog           string
	ErrLog           string
	CircuitBreaker   bool // true when the restart circuit breaker is open
	FailureCount     int
	LastAttemptTime  time.Time
}

package domain

import "time"

type HealthResponse struct {
	Status   string `json:"status"` // ok, degraded, starting, not_started, stopping, stopped
	RunID    string `json:"run_id"`
	Uptime   string `json:"uptime"`
	Online   int    `json:"online"`
	Expected int    `json:"expected"`
}

// Serving reports whether the daemon considers itself up
func (h *HealthResponse) Serving() bool {
	return h != nil && (h.Status == "ok" || h.Status == "degraded")
}

type StatusResponse struct {
	Name         string           `json:"name"`
	RunID        string           `json:"run_id"`
	State        string           `json:"state"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	Uptime       string           `json:"uptime"`
	Processes    []ProcessInfo    `json:"processes"`
	Dependencies []DependencyInfo `json:"dependencies"`
	Inhibitor    InhibitorInfo    `json:"inhibitor"`
}

type ProcessInfo struct {
	Name               string     `json:"name"`
	State              string     `json:"state"`
	Enabled            bool       `json:"enabled"`
	Profile            string     `json:"profile,omitempty"`
	PID                int        `json:"pid,omitempty"`
	Attached           bool       `json:"attached,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	Uptime             string     `json:"uptime,omitempty"`
	Restarts           int        `json:"restarts"`
	UnstableRestarts   int        `json:"unstable_restarts"`
	LastExitCode       *int       `json:"last_exit_code,omitempty"`
	LastExitTime       *time.Time `json:"last_exit_time,omitempty"`
	NextRestartAt      *time.Time `json:"next_restart_at,omitempty"`
	LastError          *ErrorInfo `json:"last_error,omitempty"`
	Health             string     `json:"health,omitempty"`
	HealthMessage      string     `json:"health_message,omitempty"`
	MemoryBytes        int64      `json:"memory_bytes,omitempty"`
	Command            string     `json:"command"`
	OutLog             string     `json:"out_log"`
	ErrLog             string     `json:"err_log"`
	CircuitBreakerOpen bool       `json:"circuit_breaker_open,omitempty"`
}

type ErrorInfo struct {
	Category    string    `json:"category"`
	Details     string    `json:"details"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

type DependencyInfo struct {
	Name    string     `json:"name"`
	Phase   string     `json:"phase"`
	Message string     `json:"message,omitempty"`
	ReadyAt *time.Time `json:"ready_at,omitempty"`
}

type InhibitorInfo struct {
	Backend    string     `json:"backend"`
	Held       bool       `json:"held"`
	PID        int        `json:"pid,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

type LogsRequest struct {
	Name   string `json:"name"`
	Stream string `json:"stream"` // out or err
	Lines  int    `json:"lines"`
}

type LogsResponse struct {
	Name   string   `json:"name"`
	Stream string   `json:"stream"`
	Path   string   `json:"path"`
	Lines  []string `json:"lines"`
}

type HistoryRequest struct {
	Subject string `json:"subject,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type HistoryEntry struct {
	ID        uint      `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Type    string                 `json:"type,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

package processcontrol

import (
	"context"
	"time"

	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/monitoring"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/resourcelimits"
)

// ProcessControl drives the lifecycle of one supervised process.
// State changes are published on the event bus given in the options.
type ProcessControl interface {
	// Start is allowed from stopped and errored
	Start(ctx context.Context) error

	// Stop is a no-op for a stopped process and cancels a pending restart
	Stop(ctx context.Context) error

	// Restart stops then starts. force bypasses the restart circuit breaker.
	Restart(ctx context.Context, force bool) error

	GetState() ProcessState

	GetDiagnostics() ProcessDiagnostics
}

type ExecuteCmd func(ctx context.Context) (*process.Handle, error)

type AttachCmd func(ctx context.Context) (*process.Handle, error)

type ProcessControlOptions struct {
	// Attach to a survivor recorded in the PID file before spawning
	CanAttach bool

	ExecuteCmd ExecuteCmd
	AttachCmd  AttachCmd

	// SIGTERM to SIGKILL grace, restart.kill_timeout
	GracefulTimeout time.Duration

	// Automatic restarts on exit
	ExitRestart ExitRestartConfig

	// Circuit breaker for health, memory and non-forced manual restarts. nil restarts directly.
	ContextAwareRestart *ContextAwareRestartConfig
	WorkerProfileType   string

	HealthCheck *monitoring.HealthCheckConfig // nil disables health monitoring
	Limits      *resourcelimits.ResourceLimits
	CronRestart string // 5-field cron spec, empty disables

	PIDFiles *processfile.ProcessFileManager // nil skips PID files
	Events   *events.Bus

	// Diagnostics only
	CommandLine string
	OutLog      string
	ErrLog      string
}

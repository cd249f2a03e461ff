package domain

import (
	"context"
)

// Contract is the control surface of a running supervisor. The server side
// adapts the supervisor to it; the HTTP client gateway implements it remotely.
type Contract interface {
	Health(ctx context.Context) (*HealthResponse, error)
	Status(ctx context.Context) (*StatusResponse, error)

	StartProcess(ctx context.Context, name string) error
	StopProcess(ctx context.Context, name string) error
	RestartProcess(ctx context.Context, name string, force bool) error
	DeleteProcess(ctx context.Context, name string) error
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error

	// Shutdown asks the daemon to bring the stack down and exit
	Shutdown(ctx context.Context) error

	Logs(ctx context.Context, request LogsRequest) (*LogsResponse, error)
	History(ctx context.Context, request HistoryRequest) ([]HistoryEntry, error)
}

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/journal"
	"github.com/core-tools/memstack/pkg/logcollection"
	"github.com/core-tools/memstack/pkg/logging"
)

const DefaultLogLines = 100

// Handler adapts a Supervisor to domain.Contract
type Handler struct {
	supervisor *Supervisor
	logger     logging.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func NewHandler(supervisor *Supervisor, logger logging.Logger) *Handler {
	return &Handler{
		supervisor: supervisor,
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
}

// ShutdownRequested is closed once a client called Shutdown
func (h *Handler) ShutdownRequested() <-chan struct{} {
	return h.shutdown
}

func (h *Handler) Health(ctx context.Context) (*domain.HealthResponse, error) {
	report := h.supervisor.Health()
	return &domain.HealthResponse{
		Status:   report.Status,
		RunID:    report.RunID,
		Uptime:   formatUptime(report.Uptime),
		Online:   report.Online,
		Expected: report.Expected,
	}, nil
}

func (h *Handler) Status(ctx context.Context) (*domain.StatusResponse, error) {
	return StatusToDomain(h.supervisor.Status()), nil
}

func (h *Handler) StartProcess(ctx context.Context, name string) error {
	return h.supervisor.StartProcess(ctx, name)
}

func (h *Handler) StopProcess(ctx context.Context, name string) error {
	return h.supervisor.StopProcess(ctx, name)
}

func (h *Handler) RestartProcess(ctx context.Context, name string, force bool) error {
	return h.supervisor.RestartProcess(ctx, name, force)
}

func (h *Handler) DeleteProcess(ctx context.Context, name string) error {
	return h.supervisor.DeleteProcess(name)
}

func (h *Handler) StartAll(ctx context.Context) error {
	return h.supervisor.StartAll(ctx)
}

func (h *Handler) StopAll(ctx context.Context) error {
	return h.supervisor.StopAll(ctx)
}

func (h *Handler) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.logger.Infof("Shutdown requested through the control API")
		close(h.shutdown)
	})
	return nil
}

func (h *Handler) Logs(ctx context.Context, request domain.LogsRequest) (*domain.LogsResponse, error) {
	unit, err := h.supervisor.ProcessUnit(request.Name)
	if err != nil {
		return nil, err
	}

	stream := logcollection.StdoutStream
	switch request.Stream {
	case "", string(logcollection.StdoutStream):
	case string(logcollection.StderrStream):
		stream = logcollection.StderrStream
	default:
		return nil, errors.NewValidationError("stream must be out or err", nil).WithContext("stream", request.Stream)
	}

	lines := request.Lines
	if lines <= 0 {
		lines = DefaultLogLines
	}

	path := unit.Logs.PathFor(stream, unit.Execution.WorkingDirectory)
	tail, err := logcollection.Tail(path, lines)
	if err != nil {
		return nil, err
	}
	return &domain.LogsResponse{Name: request.Name, Stream: string(stream), Path: path, Lines: tail}, nil
}

func (h *Handler) History(ctx context.Context, request domain.HistoryRequest) ([]domain.HistoryEntry, error) {
	entries, err := h.supervisor.Journal().List(ctx, journal.Filter{
		Subject: request.Subject,
		Kind:    request.Kind,
		Limit:   request.Limit,
	})
	if err != nil {
		return nil, err
	}

	history := make([]domain.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		history = append(history, domain.HistoryEntry{
			ID:        entry.ID,
			RunID:     entry.RunID,
			Kind:      entry.Kind,
			Subject:   entry.Subject,
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt,
		})
	}
	return history, nil
}

// StatusToDomain converts a status snapshot to its wire form
func StatusToDomain(status Status) *domain.StatusResponse {
	response := &domain.StatusResponse{
		Name:         status.Name,
		RunID:        status.RunID,
		State:        string(status.State),
		StartedAt:    status.StartedAt,
		Uptime:       formatUptime(status.Uptime),
		Processes:    make([]domain.ProcessInfo, 0, len(status.Processes)),
		Dependencies: make([]domain.DependencyInfo, 0, len(status.Dependencies)),
		Inhibitor: domain.InhibitorInfo{
			Backend:    string(status.Inhibitor.Backend),
			Held:       status.Inhibitor.Held,
			PID:        status.Inhibitor.PID,
			AcquiredAt: status.Inhibitor.AcquiredAt,
			Message:    status.Inhibitor.Message,
		},
	}

	for _, p := range status.Processes {
		info := domain.ProcessInfo{
			Name:               p.Name,
			State:              string(p.State),
			Enabled:            p.Enabled,
			Profile:            p.Profile,
			PID:                p.ProcessID,
			Attached:           p.Attached,
			StartedAt:          p.StartTime,
			Restarts:           p.Restarts,
			UnstableRestarts:   p.UnstableRestarts,
			LastExitCode:       p.LastExitCode,
			LastExitTime:       p.LastExitTime,
			NextRestartAt:      p.NextRestartAt,
			Health:             p.HealthStatus,
			HealthMessage:      p.HealthMessage,
			MemoryBytes:        p.MemoryBytes,
			Command:            p.CommandLine,
			OutLog:             p.OutLog,
			ErrLog:             p.ErrLog,
			CircuitBreakerOpen: p.CircuitBreaker,
		}
		if p.StartTime != nil {
			info.Uptime = formatUptime(p.Uptime)
		}
		if p.LastError != nil {
			info.LastError = &domain.ErrorInfo{
				Category:    p.LastError.Category,
				Details:     p.LastError.Details,
				Recoverable: p.LastError.Recoverable,
				Timestamp:   p.LastError.Timestamp,
			}
		}
		response.Processes = append(response.Processes, info)
	}

	for _, d := range status.Dependencies {
		response.Dependencies = append(response.Dependencies, domain.DependencyInfo{
			Name:    d.Name,
			Phase:   d.Phase,
			Message: d.Message,
			ReadyAt: d.ReadyAt,
		})
	}
	return response
}

func formatUptime(d time.Duration) string {
	return d.Truncate(time.Second).String()
}

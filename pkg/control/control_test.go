package control

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type MockContract struct {
	mock.Mock
}

func (m *MockContract) Health(ctx context.Context) (*domain.HealthResponse, error) {
	args := m.Called(ctx)
	health, _ := args.Get(0).(*domain.HealthResponse)
	return health, args.Error(1)
}

func (m *MockContract) Status(ctx context.Context) (*domain.StatusResponse, error) {
	args := m.Called(ctx)
	status, _ := args.Get(0).(*domain.StatusResponse)
	return status, args.Error(1)
}

func (m *MockContract) StartProcess(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockContract) StopProcess(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockContract) RestartProcess(ctx context.Context, name string, force bool) error {
	return m.Called(ctx, name, force).Error(0)
}

func (m *MockContract) DeleteProcess(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockContract) StartAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockContract) StopAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockContract) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockContract) Logs(ctx context.Context, request domain.LogsRequest) (*domain.LogsResponse, error) {
	args := m.Called(ctx, request)
	response, _ := args.Get(0).(*domain.LogsResponse)
	return response, args.Error(1)
}

func (m *MockContract) History(ctx context.Context, request domain.HistoryRequest) ([]domain.HistoryEntry, error) {
	args := m.Called(ctx, request)
	entries, _ := args.Get(0).([]domain.HistoryEntry)
	return entries, args.Error(1)
}

func newTestServer(t *testing.T, contract domain.Contract, metrics http.Handler) (*httptest.Server, domain.Contract) {
	t.Helper()
	server := NewServer(ServerOptions{Metrics: metrics}, contract, logging.Nop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, NewHTTPClientGateway(ts.URL, logging.Nop())
}

func TestHealth_StatusCodes(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{status: "ok", code: http.StatusOK},
		{status: "degraded", code: http.StatusOK},
		{status: "stopping", code: http.StatusServiceUnavailable},
		{status: "not_started", code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			contract := &MockContract{}
			contract.On("Health", mock.Anything).Return(&domain.HealthResponse{Status: tt.status, RunID: "run-1"}, nil)
			ts, gateway := newTestServer(t, contract, nil)

			resp, err := http.Get(ts.URL + PathHealth)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)

			// the gateway reads the body for both codes
			health, err := gateway.Health(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, health.Status)
			assert.Equal(t, "run-1", health.RunID)
		})
	}
}

func TestGateway_ProcessOperations(t *testing.T) {
	contract := &MockContract{}
	contract.On("StartProcess", mock.Anything, "web").Return(nil)
	contract.On("StopProcess", mock.Anything, "web").Return(nil)
	contract.On("RestartProcess", mock.Anything, "web", true).Return(nil)
	contract.On("DeleteProcess", mock.Anything, "web").Return(nil)
	contract.On("StartAll", mock.Anything).Return(nil)
	contract.On("StopAll", mock.Anything).Return(nil)
	contract.On("Shutdown", mock.Anything).Return(nil)
	_, gateway := newTestServer(t, contract, nil)

	ctx := context.Background()
	require.NoError(t, gateway.StartProcess(ctx, "web"))
	require.NoError(t, gateway.StopProcess(ctx, "web"))
	require.NoError(t, gateway.RestartProcess(ctx, "web", true))
	require.NoError(t, gateway.DeleteProcess(ctx, "web"))
	require.NoError(t, gateway.StartAll(ctx))
	require.NoError(t, gateway.StopAll(ctx))
	require.NoError(t, gateway.Shutdown(ctx))

	contract.AssertExpectations(t)
}

func TestGateway_StatusRoundTrip(t *testing.T) {
	contract := &MockContract{}
	contract.On("Status", mock.Anything).Return(&domain.StatusResponse{
		Name:  "memstack",
		State: "running",
		Processes: []domain.ProcessInfo{
			{Name: "web", State: "online", PID: 4242, Restarts: 2},
		},
		Inhibitor: domain.InhibitorInfo{Backend: "command", Held: true, PID: 99},
	}, nil)
	_, gateway := newTestServer(t, contract, nil)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	require.Len(t, status.Processes, 1)
	assert.Equal(t, 4242, status.Processes[0].PID)
	assert.Equal(t, 2, status.Processes[0].Restarts)
	assert.True(t, status.Inhibitor.Held)
}

func TestGateway_ErrorTypesSurvive(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  int
		check func(error) bool
	}{
		{name: "not found", err: errors.NewNotFoundError("process not found", nil).WithContext("name", "ghost"), code: http.StatusNotFound, check: errors.IsNotFoundError},
		{name: "conflict", err: errors.NewConflictError("supervisor is not running", nil), code: http.StatusConflict, check: errors.IsConflictError},
		{name: "validation", err: errors.NewValidationError("bad name", nil), code: http.StatusBadRequest, check: errors.IsValidationError},
		{name: "timeout", err: errors.NewTimeoutError("stop timed out", nil), code: http.StatusGatewayTimeout, check: errors.IsTimeoutError},
		{name: "process", err: errors.NewProcessError("spawn failed", nil), code: http.StatusInternalServerError, check: errors.IsProcessError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contract := &MockContract{}
			contract.On("StartProcess", mock.Anything, "ghost").Return(tt.err)
			ts, gateway := newTestServer(t, contract, nil)

			resp, err := http.Post(ts.URL+PathProcesses+"/ghost/start", "application/json", nil)
			require.NoError(t, err)
			var body domain.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.err.Error(), body.Error)

			err = gateway.StartProcess(context.Background(), "ghost")
			require.Error(t, err)
			assert.True(t, tt.check(err))
			assert.Equal(t, tt.err.Error(), err.Error())
		})
	}
}

func TestGateway_LogsAndHistoryQueries(t *testing.T) {
	contract := &MockContract{}
	contract.On("Logs", mock.Anything, domain.LogsRequest{Name: "web", Stream: "err", Lines: 5}).
		Return(&domain.LogsResponse{Name: "web", Stream: "err", Lines: []string{"a", "b"}}, nil)
	contract.On("History", mock.Anything, domain.HistoryRequest{Subject: "web", Kind: "process_exit", Limit: 3}).
		Return([]domain.HistoryEntry{{ID: 1, Subject: "web", Kind: "process_exit"}}, nil)
	_, gateway := newTestServer(t, contract, nil)

	logs, err := gateway.Logs(context.Background(), domain.LogsRequest{Name: "web", Stream: "err", Lines: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, logs.Lines)

	history, err := gateway.History(context.Background(), domain.HistoryRequest{Subject: "web", Kind: "process_exit", Limit: 3})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint(1), history[0].ID)
}

func TestLogs_DefaultStreamAndBadLines(t *testing.T) {
	contract := &MockContract{}
	contract.On("Logs", mock.Anything, domain.LogsRequest{Name: "web", Stream: "out"}).
		Return(&domain.LogsResponse{Name: "web", Stream: "out"}, nil)
	ts, _ := newTestServer(t, contract, nil)

	resp, err := http.Get(ts.URL + PathProcesses + "/web/logs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + PathProcesses + "/web/logs?lines=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	contract.AssertNumberOfCalls(t, "Logs", 1)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("memstack_process_up 1\n"))
	})
	ts, _ := newTestServer(t, &MockContract{}, metrics)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGateway_UnreachableDaemon(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	address := ts.URL
	ts.Close()

	gateway := NewHTTPClientGateway(address, logging.Nop())
	_, err := gateway.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
}

func TestGateway_DoesNotResendRequestsThatReachedDaemon(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// drop the connection without answering, as a daemon killed mid-stop would
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer ts.Close()

	gateway := NewHTTPClientGateway(ts.URL, logging.Nop())
	err := gateway.StopProcess(context.Background(), "api")
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
	assert.Equal(t, int32(1), calls.Load())

	_, err = gateway.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGateway_SlowOperationIsNotCutShort(t *testing.T) {
	contract := &MockContract{}
	contract.On("StopProcess", mock.Anything, "api").After(300 * time.Millisecond).Return(nil)
	_, gateway := newTestServer(t, contract, nil)

	require.NoError(t, gateway.StopProcess(context.Background(), "api"))
	contract.AssertNumberOfCalls(t, "StopProcess", 1)
}

func TestRetryConnectErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	_, dialErr := net.Dial("tcp", address)
	require.Error(t, dialErr)

	retry, err := retryConnectErrors(context.Background(), nil, &url.Error{Op: "Post", URL: "http://" + address, Err: dialErr})
	require.NoError(t, err)
	assert.True(t, retry)

	retry, _ = retryConnectErrors(context.Background(), nil, &url.Error{Op: "Post", URL: "http://" + address, Err: io.ErrUnexpectedEOF})
	assert.False(t, retry)

	retry, _ = retryConnectErrors(context.Background(), &http.Response{StatusCode: http.StatusInternalServerError}, nil)
	assert.False(t, retry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	retry, err = retryConnectErrors(ctx, nil, dialErr)
	assert.False(t, retry)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServer_StartAndShutdown(t *testing.T) {
	contract := &MockContract{}
	contract.On("Health", mock.Anything).Return(&domain.HealthResponse{Status: "ok"}, nil)

	server := NewServer(ServerOptions{Address: "127.0.0.1:0"}, contract, logging.Nop())
	address, err := server.Start()
	require.NoError(t, err)

	err = domain.RetryPing(context.Background(), NewHTTPClientGateway(address, logging.Nop()),
		domain.RetryPingOptions{RetryAttempts: 3}, logging.Nop())
	require.NoError(t, err)

	require.NoError(t, server.Shutdown(context.Background()))
}

func TestStatusCodeFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, StatusCodeFor(errors.NewPermissionError("denied", nil)))
	assert.Equal(t, http.StatusRequestTimeout, StatusCodeFor(errors.NewCancelledError("cancelled", nil)))
	assert.Equal(t, http.StatusInternalServerError, StatusCodeFor(assert.AnError))
}

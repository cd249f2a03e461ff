package control

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

const (
	defaultRetryMax     = 2
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = time.Second
	// bounds queries only; operations such as stop run as long as the
	// daemon's kill timeouts need and are bounded by the caller's context
	defaultQueryTimeout = 30 * time.Second
)

type gateway struct {
	baseURL string
	client  *retryablehttp.Client
	logger  logging.Logger
}

// NewHTTPClientGateway returns a domain.Contract talking to a daemon at
// baseURL. Only failures to connect are retried, so no request reaches the
// daemon twice; API errors come back as DomainErrors of the type the daemon
// reported.
func NewHTTPClientGateway(baseURL string, logger logging.Logger) domain.Contract {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = defaultRetryMax
	client.RetryWaitMin = defaultRetryWaitMin
	client.RetryWaitMax = defaultRetryWaitMax
	client.Logger = &leveledLogger{logger: logger}
	client.CheckRetry = retryConnectErrors
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// retryConnectErrors retries requests that never reached the daemon
func retryConnectErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return isConnectError(err), nil
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	return stderrors.As(err, &opErr) && opErr.Op == "dial"
}

func (g *gateway) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var health domain.HealthResponse
	// 503 still carries a health body
	if err := g.call(ctx, http.MethodGet, PathHealth, nil, &health, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

func (g *gateway) Status(ctx context.Context) (*domain.StatusResponse, error) {
	var status domain.StatusResponse
	if err := g.call(ctx, http.MethodGet, PathStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (g *gateway) StartProcess(ctx context.Context, name string) error {
	return g.call(ctx, http.MethodPost, processPath(name, "start"), nil, nil)
}

func (g *gateway) StopProcess(ctx context.Context, name string) error {
	return g.call(ctx, http.MethodPost, processPath(name, "stop"), nil, nil)
}

func (g *gateway) RestartProcess(ctx context.Context, name string, force bool) error {
	path := processPath(name, "restart") + "?force=" + strconv.FormatBool(force)
	return g.call(ctx, http.MethodPost, path, nil, nil)
}

func (g *gateway) DeleteProcess(ctx context.Context, name string) error {
	return g.call(ctx, http.MethodDelete, processPath(name, ""), nil, nil)
}

func (g *gateway) StartAll(ctx context.Context) error {
	return g.call(ctx, http.MethodPost, PathProcesses+"/start", nil, nil)
}

func (g *gateway) StopAll(ctx context.Context) error {
	return g.call(ctx, http.MethodPost, PathProcesses+"/stop", nil, nil)
}

func (g *gateway) Shutdown(ctx context.Context) error {
	return g.call(ctx, http.MethodPost, PathShutdown, nil, nil)
}

func (g *gateway) Logs(ctx context.Context, request domain.LogsRequest) (*domain.LogsResponse, error) {
	query := url.Values{}
	if request.Stream != "" {
		query.Set("stream", request.Stream)
	}
	if request.Lines > 0 {
		query.Set("lines", strconv.Itoa(request.Lines))
	}

	var response domain.LogsResponse
	if err := g.call(ctx, http.MethodGet, withQuery(processPath(request.Name, "logs"), query), nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (g *gateway) History(ctx context.Context, request domain.HistoryRequest) ([]domain.HistoryEntry, error) {
	query := url.Values{}
	if request.Subject != "" {
		query.Set("subject", request.Subject)
	}
	if request.Kind != "" {
		query.Set("kind", request.Kind)
	}
	if request.Limit > 0 {
		query.Set("limit", strconv.Itoa(request.Limit))
	}

	var entries []domain.HistoryEntry
	if err := g.call(ctx, http.MethodGet, withQuery(PathHistory, query), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ===== TRANSPORT =====

func (g *gateway) call(ctx context.Context, method, path string, body interface{}, out interface{}, acceptCodes ...int) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.NewInternalError("failed to encode request", err)
		}
		payload = data
	}

	requestCtx := ctx
	if method == http.MethodGet {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(requestCtx, method, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.NewInternalError("failed to build request", err).WithContext("path", path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelledError("request cancelled", ctx.Err()).WithContext("path", path)
		}
		if requestCtx.Err() != nil {
			return errors.NewTimeoutError("control API did not answer", requestCtx.Err()).WithContext("path", path)
		}
		return errors.NewNetworkError("control API unreachable", err).WithContext("url", g.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewNetworkError("failed to read response", err).WithContext("path", path)
	}

	if resp.StatusCode >= http.StatusBadRequest && !accepts(acceptCodes, resp.StatusCode) {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewInternalError("failed to decode response", err).WithContext("path", path)
	}
	return nil
}

func decodeError(code int, data []byte) error {
	var response domain.ErrorResponse
	if err := json.Unmarshal(data, &response); err != nil || response.Error == "" {
		return errors.NewInternalError(fmt.Sprintf("control API returned %d", code), nil).
			WithContext("body", strings.TrimSpace(string(data)))
	}

	errorType := errors.ErrorType(response.Type)
	if errorType == "" {
		errorType = errors.ErrorTypeInternal
	}
	// the daemon sends the full rendering, which already starts with the type
	message := strings.TrimPrefix(response.Error, string(errorType)+": ")
	return &errors.DomainError{Type: errorType, Message: message}
}

func accepts(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func processPath(name, action string) string {
	path := PathProcesses + "/" + url.PathEscape(name)
	if action != "" {
		path += "/" + action
	}
	return path
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// leveledLogger routes retryablehttp's key/value logging to our logger
type leveledLogger struct {
	logger logging.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("%s%s", msg, formatKeyValues(keysAndValues))
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infof("%s%s", msg, formatKeyValues(keysAndValues))
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugf("%s%s", msg, formatKeyValues(keysAndValues))
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnf("%s%s", msg, formatKeyValues(keysAndValues))
}

func formatKeyValues(keysAndValues []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, ", %v: %v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

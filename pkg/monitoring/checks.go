package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/processstate"
)

// Check runs one probe bounded by ctx and reports whether the target is healthy
func Check(ctx context.Context, config *HealthCheckConfig, pid int) (bool, string) {
	switch config.Type {
	case HealthCheckTypeHTTP:
		return checkHTTP(ctx, config.HTTP)
	case HealthCheckTypeGRPC:
		return checkGRPC(ctx, config.GRPC)
	case HealthCheckTypeTCP:
		return checkTCP(ctx, config.TCP)
	case HealthCheckTypeExec:
		return checkExec(ctx, config.Exec)
	case HealthCheckTypeProcess:
		return checkProcess(pid)
	case HealthCheckTypeRedis:
		return checkRedis(ctx, config.Redis)
	default:
		return false, "unknown health check type: " + string(config.Type)
	}
}

func checkHTTP(ctx context.Context, config HTTPHealthCheckConfig) (bool, string) {
	method := config.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("failed to create HTTP request: %v", err)
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if config.ExpectStatus != 0 {
		ok = resp.StatusCode == config.ExpectStatus
	}
	if ok {
		return true, fmt.Sprintf("HTTP %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func checkGRPC(ctx context.Context, config GRPCHealthCheckConfig) (bool, string) {
	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC client creation failed: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC service status: %s", resp.GetStatus())
	}
	return true, "gRPC service SERVING"
}

func checkTCP(ctx context.Context, config TCPHealthCheckConfig) (bool, string) {
	address := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return true, "TCP connection successful to " + address
}

func checkExec(ctx context.Context, config ExecHealthCheckConfig) (bool, string) {
	output, err := exec.CommandContext(ctx, config.Command, config.Args...).CombinedOutput()
	trimmed := strings.TrimSpace(string(output))
	if ctx.Err() == context.DeadlineExceeded {
		return false, "exec health check timed out"
	}
	if err != nil {
		return false, fmt.Sprintf("exec health check failed: %v, output: %s", err, trimmed)
	}
	return true, "exec health check passed: " + trimmed
}

func checkProcess(pid int) (bool, string) {
	if pid <= 0 {
		return false, "no process to check"
	}
	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return false, fmt.Sprintf("process check failed: %v", err)
	}
	if !running {
		return false, fmt.Sprintf("process not running: PID %d", pid)
	}
	return true, fmt.Sprintf("process is running: PID %d", pid)
}

func checkRedis(ctx context.Context, config RedisHealthCheckConfig) (bool, string) {
	client := redis.NewClient(&redis.Options{
		Addr:       config.Address,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: -1,
	})
	defer client.Close()

	reply, err := client.Ping(ctx).Result()
	if err != nil {
		return false, fmt.Sprintf("redis PING failed: %v", err)
	}
	return true, "redis PING: " + reply
}

// WaitHealthy polls the check every pollInterval until it passes or ctx ends.
// It returns a timeout error carrying the last failure message.
func WaitHealthy(ctx context.Context, config *HealthCheckConfig, pid int, pollInterval time.Duration, logger logging.Logger) error {
	if err := ValidateHealthCheckConfig(*config); err != nil {
		return err
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	attempt := 0
	lastMessage := ""
	for {
		attempt++
		probeCtx, cancel := context.WithTimeout(ctx, config.RunOptions.Timeout)
		healthy, message := Check(probeCtx, config, pid)
		cancel()
		if healthy {
			logger.Debugf("Readiness check passed, type: %s, attempt: %d, message: %s", config.Type, attempt, message)
			return nil
		}
		lastMessage = message
		logger.Debugf("Readiness check not yet passing, type: %s, attempt: %d, message: %s", config.Type, attempt, message)

		select {
		case <-ctx.Done():
			return errors.NewTimeoutError("readiness check did not pass", ctx.Err()).
				WithContext("type", string(config.Type)).
				WithContext("attempts", attempt).
				WithContext("last_message", lastMessage)
		case <-time.After(pollInterval):
		}
	}
}

package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeGRPC    HealthCheckType = "grpc"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
	HealthCheckTypeProcess HealthCheckType = "process"
	HealthCheckTypeRedis   HealthCheckType = "redis"
)

type HTTPHealthCheckConfig struct {
	URL          string            `yaml:"url"`
	Method       string            `yaml:"method,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ExpectStatus int               `yaml:"expect_status,omitempty"` // 0 accepts any 2xx
}

type GRPCHealthCheckConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"` // empty checks overall server health
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// RedisHealthCheckConfig probes a RESP server (FalkorDB, Redis) with PING
type RedisHealthCheckConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	HTTP  HTTPHealthCheckConfig  `yaml:"http,omitempty"`
	GRPC  GRPCHealthCheckConfig  `yaml:"grpc,omitempty"`
	TCP   TCPHealthCheckConfig   `yaml:"tcp,omitempty"`
	Exec  ExecHealthCheckConfig  `yaml:"exec,omitempty"`
	Redis RedisHealthCheckConfig `yaml:"redis,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	// Retries is the number of extra consecutive failures tolerated in
	// degraded state before the check is declared unhealthy
	Retries int `yaml:"retries,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthRestartCallback is invoked once each time the check turns unhealthy
type HealthRestartCallback func(reason string) error

// HealthRecoveryCallback is invoked when the check returns to healthy from degraded or unhealthy
type HealthRecoveryCallback func()

// HealthStatusCallback observes every status transition
type HealthStatusCallback func(status HealthCheckStatus, message string)

type HealthMonitor interface {
	Start(ctx context.Context) error
	Stop()
	State() *HealthCheckState
	SetRestartCallback(callback HealthRestartCallback)
	SetRecoveryCallback(callback HealthRecoveryCallback)
	SetStatusCallback(callback HealthStatusCallback)
}

type healthMonitor struct {
	config   *HealthCheckConfig
	id       string
	pid      int
	logger   logging.Logger
	state    *HealthCheckState
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mutex    sync.Mutex

	restartCallback  HealthRestartCallback
	recoveryCallback HealthRecoveryCallback
	statusCallback   HealthStatusCallback
}

// NewHealthMonitor builds a monitor for one process. pid feeds process checks.
func NewHealthMonitor(config *HealthCheckConfig, id string, pid int, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		config:   config,
		id:       id,
		pid:      pid,
		logger:   logger,
		state:    &HealthCheckState{Status: HealthCheckStatusUnknown},
		stopChan: make(chan struct{}),
	}
}

func (h *healthMonitor) Start(ctx context.Context) error {
	if err := ValidateHealthCheckConfig(*h.config); err != nil {
		h.logger.Errorf("Health check configuration validation failed, id: %s, error: %v", h.id, err)
		return errors.NewValidationError("invalid health check configuration", err).WithContext("id", h.id)
	}

	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.id, h.config.Type, h.config.RunOptions.Interval)
	h.wg.Add(1)
	go h.loop()
	return nil
}

// Stop is safe to call more than once
func (h *healthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	h.wg.Wait()
	h.logger.Debugf("Health monitor stopped, id: %s", h.id)
}

func (h *healthMonitor) State() *HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	stateCopy := *h.state
	return &stateCopy
}

func (h *healthMonitor) SetRestartCallback(callback HealthRestartCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.restartCallback = callback
}

func (h *healthMonitor) SetRecoveryCallback(callback HealthRecoveryCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.recoveryCallback = callback
}

func (h *healthMonitor) SetStatusCallback(callback HealthStatusCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.statusCallback = callback
}

func (h *healthMonitor) loop() {
	defer h.wg.Done()

	if delay := h.config.RunOptions.InitialDelay; delay > 0 {
		select {
		case <-time.After(delay):
		case <-h.stopChan:
			return
		}
	}

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.performCheck()
	for {
		select {
		case <-ticker.C:
			h.performCheck()
		case <-h.stopChan:
			return
		}
	}
}

func (h *healthMonitor) performCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RunOptions.Timeout)
	defer cancel()

	// abort an in-flight probe when the monitor is stopped
	go func() {
		select {
		case <-h.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	healthy, message := Check(ctx, h.config, h.pid)
	h.updateState(healthy, message)()
}

func (h *healthMonitor) unhealthyThreshold() int {
	if h.config.RunOptions.Retries > 0 {
		return h.config.RunOptions.Retries + 1
	}
	return 2
}

// updateState records one check result and hands back the callbacks it
// triggered. The caller runs them in order after the mutex is released.
func (h *healthMonitor) updateState(isHealthy bool, message string) func() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	previous := h.state.Status
	h.state.LastCheck = time.Now()
	h.state.Message = message

	if isHealthy {
		h.state.ConsecutiveSuccesses++
		h.state.ConsecutiveFailures = 0
		if previous == HealthCheckStatusHealthy {
			h.logger.Debugf("Health check passed, id: %s", h.id)
			return func() {}
		}
		h.state.Status = HealthCheckStatusHealthy
		h.logger.Infof("Health check healthy, id: %s, previous: %s", h.id, previous)

		statusCallback := h.statusCallback
		var recoveryCallback HealthRecoveryCallback
		if previous == HealthCheckStatusDegraded || previous == HealthCheckStatusUnhealthy {
			recoveryCallback = h.recoveryCallback
		}
		return func() {
			if statusCallback != nil {
				statusCallback(HealthCheckStatusHealthy, message)
			}
			if recoveryCallback != nil {
				recoveryCallback()
			}
		}
	}

	h.state.ConsecutiveFailures++
	h.state.ConsecutiveSuccesses = 0

	next := HealthCheckStatusDegraded
	if h.state.ConsecutiveFailures >= h.unhealthyThreshold() {
		next = HealthCheckStatusUnhealthy
	}
	if next == previous {
		h.logger.Warnf("Health check failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
			h.id, next, h.state.ConsecutiveFailures, message)
		return func() {}
	}

	h.state.Status = next
	h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
		h.id, previous, next, h.state.ConsecutiveFailures, message)

	statusCallback := h.statusCallback
	var restartCallback HealthRestartCallback
	if next == HealthCheckStatusUnhealthy {
		restartCallback = h.restartCallback
	}
	return func() {
		if statusCallback != nil {
			statusCallback(next, message)
		}
		// the restart stops this monitor and waits for its loop
		if restartCallback != nil {
			go func() {
				if err := restartCallback("health check failure: " + message); err != nil {
					h.logger.Errorf("Health restart failed, id: %s, error: %v", h.id, err)
				}
			}()
		}
	}
}

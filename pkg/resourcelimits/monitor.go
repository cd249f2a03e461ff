package resourcelimits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/processstate"
)

const DefaultCheckInterval = 30 * time.Second

type resourceMonitor struct {
	pid       int
	limits    *ResourceLimits
	maxMemory int64
	logger    logging.Logger

	usageCallback     ResourceUsageCallback
	violationCallback ResourceViolationCallback

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.RWMutex

	isRunning bool
	lastUsage *ResourceUsage

	platformMonitor PlatformResourceMonitor
}

// NewResourceMonitor creates a memory monitor for pid. The limits must have passed ValidateResourceLimits.
func NewResourceMonitor(pid int, limits *ResourceLimits, logger logging.Logger) (ResourceMonitor, error) {
	return newResourceMonitor(pid, limits, newPlatformResourceMonitor(logger), logger)
}

func newResourceMonitor(pid int, limits *ResourceLimits, platform PlatformResourceMonitor, logger logging.Logger) (*resourceMonitor, error) {
	if err := ValidateResourceLimits(limits); err != nil {
		return nil, err
	}
	limitsCopy := ResourceLimits{CheckInterval: DefaultCheckInterval}
	if limits != nil {
		limitsCopy = *limits
		if limitsCopy.CheckInterval == 0 {
			limitsCopy.CheckInterval = DefaultCheckInterval
		}
	}

	var maxMemory int64
	if limitsCopy.Enabled() {
		maxMemory, _ = ParseByteSize(limitsCopy.MaxMemory)
	}

	return &resourceMonitor{
		pid:             pid,
		limits:          &limitsCopy,
		maxMemory:       maxMemory,
		logger:          logger,
		platformMonitor: platform,
	}, nil
}

func (rm *resourceMonitor) Start(ctx context.Context) error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.isRunning {
		return errors.NewConflictError("resource monitor is already running", nil).WithContext("pid", rm.pid)
	}
	if !rm.platformMonitor.Supported() {
		rm.logger.Warnf("Resource monitoring is not supported on this platform, PID %d", rm.pid)
		return nil
	}

	running, err := processstate.IsProcessRunning(rm.pid)
	if !running {
		return errors.NewProcessError("process is not running", err).WithContext("pid", rm.pid)
	}

	rm.ctx, rm.cancel = context.WithCancel(ctx)
	rm.isRunning = true

	rm.logger.Infof("Starting resource monitoring for PID %d, max_memory: %s, interval: %v",
		rm.pid, rm.limits.MaxMemory, rm.limits.CheckInterval)

	rm.wg.Add(1)
	go rm.monitorLoop()
	return nil
}

func (rm *resourceMonitor) Stop() {
	rm.mutex.Lock()
	if !rm.isRunning {
		rm.mutex.Unlock()
		return
	}
	rm.cancel()
	rm.isRunning = false
	rm.mutex.Unlock()

	rm.wg.Wait()
	rm.logger.Debugf("Resource monitoring stopped for PID %d", rm.pid)
}

func (rm *resourceMonitor) GetCurrentUsage() (*ResourceUsage, error) {
	running, err := processstate.IsProcessRunning(rm.pid)
	if !running {
		return nil, errors.NewProcessError("process is not running", err).WithContext("pid", rm.pid)
	}
	usage, err := rm.platformMonitor.GetProcessUsage(rm.pid)
	if err != nil {
		return nil, errors.NewInternalError("failed to get resource usage", err).WithContext("pid", rm.pid)
	}
	return usage, nil
}

// LastUsage returns the most recent sample, nil before the first one
func (rm *resourceMonitor) LastUsage() *ResourceUsage {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	if rm.lastUsage == nil {
		return nil
	}
	usage := *rm.lastUsage
	return &usage
}

func (rm *resourceMonitor) SetUsageCallback(callback ResourceUsageCallback) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.usageCallback = callback
}

func (rm *resourceMonitor) SetViolationCallback(callback ResourceViolationCallback) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.violationCallback = callback
}

func (rm *resourceMonitor) monitorLoop() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.limits.CheckInterval)
	defer ticker.Stop()

	rm.collectUsage()
	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.collectUsage()
		}
	}
}

func (rm *resourceMonitor) collectUsage() {
	usage, err := rm.GetCurrentUsage()
	if err != nil {
		rm.logger.Debugf("Skipping resource sample for PID %d: %v", rm.pid, err)
		return
	}

	rm.logger.Debugf("Resource usage for PID %d: RSS %dMB, FDs %d", rm.pid, usage.MemoryRSS/(1024*1024), usage.OpenFileDescriptors)

	rm.mutex.Lock()
	rm.lastUsage = usage
	usageCallback := rm.usageCallback
	violationCallback := rm.violationCallback
	rm.mutex.Unlock()

	if usageCallback != nil {
		usageCallback(usage)
	}

	// at most one violation per sample
	if violation := CheckMemoryViolation(usage, rm.maxMemory, rm.limits.WarningThreshold); violation != nil {
		rm.logger.Warnf("Resource violation for PID %d: %s", rm.pid, violation.Message)
		if violationCallback != nil {
			violationCallback(violation)
		}
	}
}

// CheckMemoryViolation compares a sample against the limit. maxMemory <= 0 disables the check.
func CheckMemoryViolation(usage *ResourceUsage, maxMemory int64, warningThreshold float64) *ResourceViolation {
	if usage == nil || maxMemory <= 0 {
		return nil
	}

	if usage.MemoryRSS > maxMemory {
		return &ResourceViolation{
			LimitType:    ResourceLimitTypeMemory,
			CurrentValue: usage.MemoryRSS,
			LimitValue:   maxMemory,
			Severity:     ViolationSeverityCritical,
			Timestamp:    usage.Timestamp,
			Message:      fmt.Sprintf("memory RSS %d bytes exceeds limit %d bytes", usage.MemoryRSS, maxMemory),
		}
	}

	if warningThreshold > 0 {
		warnAt := int64(float64(maxMemory) * warningThreshold / 100)
		if usage.MemoryRSS > warnAt {
			return &ResourceViolation{
				LimitType:    ResourceLimitTypeMemory,
				CurrentValue: usage.MemoryRSS,
				LimitValue:   maxMemory,
				Severity:     ViolationSeverityWarning,
				Timestamp:    usage.Timestamp,
				Message: fmt.Sprintf("memory RSS %d bytes is above %.0f%% of limit %d bytes",
					usage.MemoryRSS, warningThreshold, maxMemory),
			}
		}
	}
	return nil
}

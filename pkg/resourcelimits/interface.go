package resourcelimits

import (
	"context"
	"time"
)

// ResourceMonitor samples a single process and reports limit violations
type ResourceMonitor interface {
	Start(ctx context.Context) error
	Stop()
	GetCurrentUsage() (*ResourceUsage, error)
	LastUsage() *ResourceUsage
	SetUsageCallback(callback ResourceUsageCallback)
	SetViolationCallback(callback ResourceViolationCallback)
}

// PlatformResourceMonitor reads usage figures from the operating system
type PlatformResourceMonitor interface {
	GetProcessUsage(pid int) (*ResourceUsage, error)
	Supported() bool
}

type ResourceLimitType string

const (
	ResourceLimitTypeMemory ResourceLimitType = "memory"
)

type ResourceUsage struct {
	Timestamp time.Time `json:"timestamp"`

	MemoryRSS     int64   `json:"memory_rss"`
	MemoryVirtual int64   `json:"memory_virtual"`
	CPUTime       float64 `json:"cpu_time"` // seconds

	OpenFileDescriptors int `json:"open_file_descriptors"`
}

type ViolationSeverity string

const (
	ViolationSeverityWarning  ViolationSeverity = "warning"
	ViolationSeverityCritical ViolationSeverity = "critical"
)

type ResourceViolation struct {
	LimitType    ResourceLimitType `json:"limit_type"`
	CurrentValue int64             `json:"current_value"`
	LimitValue   int64             `json:"limit_value"`
	Severity     ViolationSeverity `json:"severity"`
	Timestamp    time.Time         `json:"timestamp"`
	Message      string            `json:"message"`
}

// ResourceLimits is the per-process limits block of the stack file.
//
//	limits:
//	  max_memory: 512MB
//	  warning_threshold: 80
//	  check_interval: 30s
type ResourceLimits struct {
	MaxMemory        string        `yaml:"max_memory,omitempty"`
	WarningThreshold float64       `yaml:"warning_threshold,omitempty"` // percent of max_memory, 0 disables warnings
	CheckInterval    time.Duration `yaml:"check_interval,omitempty"`
}

// Enabled reports whether a memory limit is configured
func (l *ResourceLimits) Enabled() bool {
	return l != nil && l.MaxMemory != ""
}

type ResourceUsageCallback func(usage *ResourceUsage)
type ResourceViolationCallback func(violation *ResourceViolation)

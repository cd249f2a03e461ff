package resourcelimits

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type fakePlatformMonitor struct {
	rss atomic.Int64
}

func (f *fakePlatformMonitor) GetProcessUsage(pid int) (*ResourceUsage, error) {
	return &ResourceUsage{Timestamp: time.Now(), MemoryRSS: f.rss.Load()}, nil
}

func (f *fakePlatformMonitor) Supported() bool { return true }

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"512MB", 512 << 20, false},
		{"512mb", 512 << 20, false},
		{"1G", 1 << 30, false},
		{"1.5GB", 3 << 29, false},
		{"300K", 300 << 10, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"", 0, true},
		{"-5MB", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			value, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestValidateResourceLimits(t *testing.T) {
	assert.NoError(t, ValidateResourceLimits(nil))
	assert.NoError(t, ValidateResourceLimits(&ResourceLimits{}))
	assert.NoError(t, ValidateResourceLimits(&ResourceLimits{MaxMemory: "1G", WarningThreshold: 80}))
	assert.Error(t, ValidateResourceLimits(&ResourceLimits{MaxMemory: "1 bucket"}))
	assert.Error(t, ValidateResourceLimits(&ResourceLimits{MaxMemory: "1G", WarningThreshold: 120}))
}

func TestCheckMemoryViolation(t *testing.T) {
	usage := &ResourceUsage{MemoryRSS: 900}

	assert.Nil(t, CheckMemoryViolation(usage, 0, 80))
	assert.Nil(t, CheckMemoryViolation(usage, 2000, 80))
	assert.Nil(t, CheckMemoryViolation(nil, 100, 0))

	warning := CheckMemoryViolation(usage, 1000, 80)
	require.NotNil(t, warning)
	assert.Equal(t, ViolationSeverityWarning, warning.Severity)

	assert.Nil(t, CheckMemoryViolation(usage, 1000, 0))

	critical := CheckMemoryViolation(usage, 800, 80)
	require.NotNil(t, critical)
	assert.Equal(t, ViolationSeverityCritical, critical.Severity)
	assert.Equal(t, int64(900), critical.CurrentValue)
	assert.Equal(t, int64(800), critical.LimitValue)
}

func TestResourceMonitor_ReportsViolations(t *testing.T) {
	platform := &fakePlatformMonitor{}
	platform.rss.Store(10 << 20)

	monitor, err := newResourceMonitor(os.Getpid(), &ResourceLimits{MaxMemory: "1MB", CheckInterval: 10 * time.Millisecond}, platform, logging.Nop())
	require.NoError(t, err)

	violations := make(chan *ResourceViolation, 16)
	monitor.SetViolationCallback(func(v *ResourceViolation) {
		select {
		case violations <- v:
		default:
		}
	})

	require.NoError(t, monitor.Start(context.Background()))
	defer monitor.Stop()

	select {
	case v := <-violations:
		assert.Equal(t, ViolationSeverityCritical, v.Severity)
		assert.Equal(t, ResourceLimitTypeMemory, v.LimitType)
	case <-time.After(2 * time.Second):
		t.Fatal("no violation reported")
	}
	require.NotNil(t, monitor.LastUsage())
	assert.Equal(t, int64(10<<20), monitor.LastUsage().MemoryRSS)

	assert.True(t, errors.IsConflictError(monitor.Start(context.Background())))
}

func TestResourceMonitor_RejectsDeadProcess(t *testing.T) {
	monitor, err := newResourceMonitor(999999, &ResourceLimits{MaxMemory: "1MB"}, &fakePlatformMonitor{}, logging.Nop())
	require.NoError(t, err)

	err = monitor.Start(context.Background())
	assert.True(t, errors.IsProcessError(err))
	monitor.Stop()
}

func TestPlatformMonitor_SelfUsage(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs sampling is linux only")
	}
	monitor, err := NewResourceMonitor(os.Getpid(), &ResourceLimits{MaxMemory: "64GB"}, logging.Nop())
	require.NoError(t, err)

	usage, err := monitor.GetCurrentUsage()
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryRSS, int64(0))
	assert.Greater(t, usage.OpenFileDescriptors, 0)
}

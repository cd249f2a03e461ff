//go:build linux

package resourcelimits

import (
	"time"

	"github.com/prometheus/procfs"

	"github.com/core-tools/memstack/pkg/logging"
)

type linuxResourceMonitor struct {
	fs     procfs.FS
	err    error
	logger logging.Logger
}

func newPlatformResourceMonitor(logger logging.Logger) PlatformResourceMonitor {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		logger.Warnf("procfs is not available, resource monitoring disabled: %v", err)
	}
	return &linuxResourceMonitor{fs: fs, err: err, logger: logger}
}

func (l *linuxResourceMonitor) GetProcessUsage(pid int) (*ResourceUsage, error) {
	if l.err != nil {
		return nil, l.err
	}
	proc, err := l.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return nil, err
	}

	usage := &ResourceUsage{
		Timestamp:     time.Now(),
		MemoryRSS:     int64(stat.ResidentMemory()),
		MemoryVirtual: int64(stat.VirtualMemory()),
		CPUTime:       stat.CPUTime(),
	}
	if fds, err := proc.FileDescriptorsLen(); err == nil {
		usage.OpenFileDescriptors = fds
	}
	return usage, nil
}

func (l *linuxResourceMonitor) Supported() bool {
	return l.err == nil
}

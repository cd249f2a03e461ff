//go:build !linux

package resourcelimits

import (
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type unsupportedResourceMonitor struct{}

func newPlatformResourceMonitor(logger logging.Logger) PlatformResourceMonitor {
	return unsupportedResourceMonitor{}
}

func (unsupportedResourceMonitor) GetProcessUsage(pid int) (*ResourceUsage, error) {
	return nil, errors.NewInternalError("resource monitoring is not supported on this platform", nil)
}

func (unsupportedResourceMonitor) Supported() bool {
	return false
}

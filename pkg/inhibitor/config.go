package inhibitor

import (
	"os/exec"

	"github.com/core-tools/memstack/pkg/errors"
)

type Backend string

const (
	BackendAuto    Backend = "auto"
	BackendCommand Backend = "command"
	BackendLogind  Backend = "logind"
	BackendNone    Backend = "none"
)

const (
	DefaultWhy     = "memstack is running"
	PIDFileName    = "inhibitor.pid"
	inhibitorOwner = "memstack"
)

// InhibitorConfig is the inhibitor block of the stack file.
//
//	inhibitor:
//	  backend: auto
//	  command: [caffeinate, -i]
type InhibitorConfig struct {
	Backend Backend  `yaml:"backend,omitempty"`
	Command []string `yaml:"command,omitempty"` // command backend only, defaults per OS
	Why     string   `yaml:"why,omitempty"`

	// set by the supervisor to <state dir>/inhibitor.pid
	PIDFile string `yaml:"-"`
}

func (c *InhibitorConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	if c.Why == "" {
		c.Why = DefaultWhy
	}
}

func ValidateInhibitorConfig(c InhibitorConfig) error {
	switch c.Backend {
	case "", BackendAuto, BackendCommand, BackendLogind, BackendNone:
	default:
		return errors.NewValidationError("unsupported inhibitor backend: "+string(c.Backend), nil).
			WithContext("supported_backends", "auto, command, logind, none")
	}
	if c.Backend == BackendCommand && len(c.Command) > 0 && c.Command[0] == "" {
		return errors.NewValidationError("inhibitor command cannot be empty", nil)
	}
	return nil
}

// ResolveBackend maps auto to the natural backend of goos
func ResolveBackend(backend Backend, goos string) Backend {
	if backend != BackendAuto && backend != "" {
		return backend
	}
	switch goos {
	case "darwin":
		return BackendCommand
	case "linux":
		return BackendLogind
	default:
		return BackendNone
	}
}

// DefaultCommand is the inhibitor program for goos, nil when there is none
func DefaultCommand(goos string, why string) []string {
	switch goos {
	case "darwin":
		return []string{"caffeinate", "-i"}
	case "linux":
		return []string{"systemd-inhibit", "--what=sleep", "--who=" + inhibitorOwner, "--why=" + why, "--mode=block", "sleep", "infinity"}
	default:
		return nil
	}
}

func commandAvailable(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	_, err := exec.LookPath(argv[0])
	return err == nil
}

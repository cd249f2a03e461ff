package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

const DefaultAppName = "memstack"

// ProcessFileConfig controls where PID and address files are placed.
type ProcessFileConfig struct {
	// BaseDirectory wins over ServiceContext when set
	BaseDirectory string

	ServiceContext ServiceContext

	AppName string

	// UseSubdirectory nests files under <base>/<AppName>
	UseSubdirectory bool
}

type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// ProcessFileManager owns the small state files of a running stack:
// one PID file per supervised process, the supervisor's own PID file,
// the sleep inhibitor PID file and the control address file.
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// StateDirectory is the directory holding every file this manager writes
func (m *ProcessFileManager) StateDirectory() string {
	baseDir := m.getBaseDirectory()
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return baseDir
}

func (m *ProcessFileManager) GeneratePIDFilePath(id string) string {
	return filepath.Join(m.StateDirectory(), id+".pid")
}

func (m *ProcessFileManager) GenerateAddressFilePath(id string) string {
	return strings.TrimSuffix(m.GeneratePIDFilePath(id), ".pid") + ".addr"
}

func (m *ProcessFileManager) GenerateLogDirectoryPath() string {
	return filepath.Join(m.StateDirectory(), "logs")
}

func (m *ProcessFileManager) WritePIDFile(id string, pid int) error {
	path := m.GeneratePIDFilePath(id)
	m.logger.Debugf("Writing PID file, id: %s, pid: %d, path: %s", id, pid, path)

	if pid <= 0 {
		return errors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}
	if err := writeStateFile(path, strconv.Itoa(pid)); err != nil {
		m.logger.Errorf("Failed to write PID file, id: %s, path: %s, error: %v", id, path, err)
		return err
	}
	return nil
}

// ReadPIDFile returns a not-found error when the file is absent
func (m *ProcessFileManager) ReadPIDFile(id string) (int, error) {
	return ReadPIDFile(m.GeneratePIDFilePath(id))
}

// RemovePIDFile is idempotent
func (m *ProcessFileManager) RemovePIDFile(id string) error {
	return removeStateFile(m.GeneratePIDFilePath(id))
}

// WriteAddressFile records the control API address so the CLI can find a running daemon
func (m *ProcessFileManager) WriteAddressFile(id string, address string) error {
	path := m.GenerateAddressFilePath(id)
	m.logger.Debugf("Writing address file, id: %s, address: %s, path: %s", id, address, path)
	if strings.TrimSpace(address) == "" {
		return errors.NewValidationError("address cannot be empty", nil)
	}
	return writeStateFile(path, address)
}

func (m *ProcessFileManager) ReadAddressFile(id string) (string, error) {
	path := m.GenerateAddressFilePath(id)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("address file not found", err).WithContext("address_file", path)
		}
		return "", errors.NewIOError("failed to read address file", err).WithContext("address_file", path)
	}
	address := strings.TrimSpace(string(content))
	if address == "" {
		return "", errors.NewValidationError("address file is empty", nil).WithContext("address_file", path)
	}
	return address, nil
}

func (m *ProcessFileManager) RemoveAddressFile(id string) error {
	return removeStateFile(m.GenerateAddressFilePath(id))
}

// ReadPIDFile parses a PID file written by WritePIDFile or by any tool writing a bare number
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(content))
	if pidStr == "" {
		return 0, errors.NewValidationError("PID file is empty", nil).WithContext("pid_file", path)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path).WithContext("content", pidStr)
	}
	return pid, nil
}

// WritePIDFileAt writes a PID file at an explicit path
func WritePIDFileAt(path string, pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}
	return writeStateFile(path, strconv.Itoa(pid))
}

// RemoveFile removes a state file, treating a missing file as success
func RemoveFile(path string) error {
	return removeStateFile(path)
}

func writeStateFile(path string, content string) error {
	if err := ValidatePIDFileDirectory(path); err != nil {
		return errors.NewIOError("state file directory validation failed", err).WithContext("path", path)
	}
	// write-then-rename so readers never see a half written file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0644); err != nil {
		return errors.NewIOError("failed to write state file", err).WithContext("path", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.NewIOError("failed to move state file into place", err).WithContext("path", path)
	}
	return nil
}

func removeStateFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove state file", err).WithContext("path", path)
	}
	return nil
}

func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	switch m.config.ServiceContext {
	case SystemService:
		return systemServiceDirectory()
	case SessionService:
		return sessionServiceDirectory()
	default:
		return userServiceDirectory()
	}
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			return filepath.Join(userProfile, "AppData", "Local")
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return stateHome
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, ".local", "state")
		}
		return os.TempDir()
	}
}

func sessionServiceDirectory() string {
	if runtime.GOOS == "linux" {
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
	}
	return os.TempDir()
}

// ValidatePIDFileDirectory creates the parent directory of path when needed and checks it is writable
func ValidatePIDFileDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create state directory", err).WithContext("directory", dir)
		}
	case err != nil:
		return errors.NewIOError("failed to access state directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("state path is not a directory", nil).WithContext("path", dir)
	}

	probe, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return errors.NewPermissionError("state directory is not writable", err).WithContext("directory", dir)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

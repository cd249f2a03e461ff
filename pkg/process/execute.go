package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	domainerrors "github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

type ExecutionConfig struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"cwd,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	EnvFiles         []string          `yaml:"env_file,omitempty"`
	WaitDelay        time.Duration     `yaml:"wait_delay,omitempty"`
}

// OutputSink receives the stdout and stderr streams of one process run
type OutputSink interface {
	Stdout() io.Writer
	Stderr() io.Writer
	Close() error
}

// OpenOutputFunc opens fresh sinks for every spawn, so each run appends to the log files
type OpenOutputFunc func() (OutputSink, error)

type StdExecuteCmd func(ctx context.Context) (*Handle, error)

// NewStdExecuteCmd builds the spawn function for one supervised process.
// The child gets its own process group so termination reaches the whole tree.
func NewStdExecuteCmd(execution ExecutionConfig, openOutput OpenOutputFunc, id string, logger logging.Logger) StdExecuteCmd {
	return func(ctx context.Context) (*Handle, error) {
		if ctx == nil {
			return nil, domainerrors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}
		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, domainerrors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}
		if err := ctx.Err(); err != nil {
			return nil, domainerrors.NewCancelledError("spawn cancelled", err).WithContext("id", id)
		}

		workDir, err := resolveWorkingDirectory(execution.WorkingDirectory)
		if err != nil {
			return nil, err
		}
		executable, err := ResolveCommand(execution.Command, workDir)
		if err != nil {
			return nil, domainerrors.NewProcessError("failed to resolve command", err).WithContext("id", id).WithContext("command", execution.Command)
		}

		env, err := BuildEnvironment(os.Environ(), execution.EnvFiles, execution.Env, workDir)
		if err != nil {
			return nil, domainerrors.NewValidationError("failed to build environment", err).WithContext("id", id)
		}

		// not CommandContext: the process must outlive the request that started it
		cmd := exec.Command(executable, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = env
		cmd.WaitDelay = execution.WaitDelay
		setupProcessAttributes(cmd)

		var sink OutputSink
		if openOutput != nil {
			sink, err = openOutput()
			if err != nil {
				return nil, domainerrors.NewIOError("failed to open process logs", err).WithContext("id", id)
			}
			cmd.Stdout = sink.Stdout()
			cmd.Stderr = sink.Stderr()
		}

		logger.Debugf("Spawning process, id: %s, executable: '%s', args: %v, cwd: '%s'", id, executable, execution.Args, workDir)

		if err := cmd.Start(); err != nil {
			if sink != nil {
				sink.Close()
			}
			return nil, domainerrors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("command", executable)
		}

		logger.Infof("Process spawned, id: %s, PID: %d", id, cmd.Process.Pid)

		wait := func() (int, error) {
			err := cmd.Wait()
			code := -1
			if cmd.ProcessState != nil {
				code = cmd.ProcessState.ExitCode()
			}
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				return code, err
			}
			return code, nil
		}
		onExit := func() {
			if sink != nil {
				if err := sink.Close(); err != nil {
					logger.Warnf("Failed to close process logs, id: %s, error: %v", id, err)
				}
			}
		}
		return NewHandle(cmd.Process, false, wait, onExit), nil
	}
}

// ResolveCommand finds the executable: bare names go through PATH, relative
// paths are taken relative to the working directory.
func ResolveCommand(command string, workDir string) (string, error) {
	if command == "" {
		return "", domainerrors.NewValidationError("command cannot be empty", nil)
	}
	if !strings.ContainsRune(command, '/') && !strings.ContainsRune(command, filepath.Separator) {
		return exec.LookPath(command)
	}
	path := command
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	if err := ensureExecutable(path); err != nil {
		return "", err
	}
	return path, nil
}

func resolveWorkingDirectory(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", domainerrors.NewIOError("failed to get working directory", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", domainerrors.NewIOError("failed to get absolute path", err).WithContext("cwd", dir)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", domainerrors.NewIOError("working directory not accessible", err).WithContext("cwd", abs)
	}
	if !info.IsDir() {
		return "", domainerrors.NewValidationError("working directory is not a directory", nil).WithContext("cwd", abs)
	}
	return abs, nil
}

// ensureExecutable sets the execute bits on scripts checked out without them
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domainerrors.NewIOError("file does not exist", err).WithContext("path", path)
	}
	if info.IsDir() {
		return domainerrors.NewValidationError("command is a directory", nil).WithContext("path", path)
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return domainerrors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}

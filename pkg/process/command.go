package process

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

// Command is a one-shot command such as `docker compose up -d falkordb`
type Command struct {
	Argv []string
	Dir  string
	Env  map[string]string
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// RunCommand runs c to completion and returns its combined output. A non-zero
// exit is a process error carrying the exit code and trimmed output.
func RunCommand(ctx context.Context, c Command, logger logging.Logger) (string, error) {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return "", errors.NewValidationError("command cannot be empty", nil)
	}

	env, err := BuildEnvironment(os.Environ(), nil, c.Env, c.Dir)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debugf("Running command: %s (cwd: %q)", c, c.Dir)
	err = cmd.Run()
	output := strings.TrimSpace(out.String())
	if err == nil {
		return output, nil
	}

	if ctx.Err() != nil {
		return output, errors.NewTimeoutError("command did not finish in time", ctx.Err()).WithContext("command", c.String())
	}
	domainErr := errors.NewProcessError("command failed", err).WithContext("command", c.String())
	if cmd.ProcessState != nil {
		domainErr.WithContext("exit_code", cmd.ProcessState.ExitCode())
	}
	if output != "" {
		domainErr.WithContext("output", truncate(output, 512))
	}
	return output, domainErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

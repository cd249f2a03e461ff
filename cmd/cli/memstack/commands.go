package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/inhibitor"
	"github.com/core-tools/memstack/pkg/logcollection"
	"github.com/core-tools/memstack/pkg/process"
	"github.com/core-tools/memstack/pkg/processstate"
	"github.com/core-tools/memstack/pkg/supervisor"
)

const (
	serverBinary      = "memstacksrv"
	pollInterval      = 250 * time.Millisecond
	staleReapTimeout  = 5 * time.Second
	daemonLogFileName = "memstacksrv.log"
)

// ===== UP / DOWN =====

type upCommand struct {
	Server  string `long:"server" env:"MEMSTACK_SERVER" description:"Path to memstacksrv; defaults to the one next to this binary"`
	Timeout int    `long:"timeout" default:"120" description:"Seconds to wait for the stack to become healthy"`
}

func (c *upCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	if err := supervisor.ValidateConfig(cl.config); err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	if health, err := cl.contract.Health(ctx); err == nil {
		if health.Serving() {
			fmt.Println("memstack is already running")
			return printStatus(ctx, cl, false)
		}
		fmt.Printf("memstack is %s, waiting...\n", health.Status)
		return c.wait(ctx, cl, nil)
	}

	server, err := serverPath(c.Server)
	if err != nil {
		return err
	}
	configPath, err := filepath.Abs(globals.Config)
	if err != nil {
		return errors.NewIOError("failed to resolve configuration path", err)
	}

	serverArgs := []string{"--config", configPath}
	switch cl.config.Supervisor.LogOutput {
	case "stdout", "stderr":
		// the detached daemon has no terminal
		serverArgs = append(serverArgs, "--log-output", filepath.Join(cl.config.Supervisor.StateDir, daemonLogFileName))
	}

	spawn := process.NewStdExecuteCmd(process.ExecutionConfig{
		Command:          server,
		Args:             serverArgs,
		WorkingDirectory: cl.config.BaseDir,
	}, nil, serverBinary, cl.logger)
	handle, err := spawn(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Started %s, PID %d, waiting for the stack...\n", serverBinary, handle.Pid())
	return c.wait(ctx, cl, handle)
}

// wait polls health until the stack serves; a nil handle means the daemon
// was started elsewhere
func (c *upCommand) wait(ctx context.Context, cl *client, handle *process.Handle) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	if handle != nil {
		go func() {
			select {
			case <-handle.Done():
				cancelPing()
			case <-pingCtx.Done():
			}
		}()
	}

	interval := 500 * time.Millisecond
	err := domain.RetryPing(pingCtx, cl.contract, domain.RetryPingOptions{
		RetryAttempts: int(time.Duration(c.Timeout) * time.Second / interval),
		RetryInterval: interval,
	}, cl.logger)
	if err != nil {
		if handle != nil && handle.Exited() {
			return errors.NewProcessError(fmt.Sprintf("%s exited with code %d, check its log", serverBinary, handle.ExitCode()), nil)
		}
		return err
	}
	return printStatus(ctx, cl, false)
}

// serverPath prefers an explicit path, then the binary next to this one, then PATH
func serverPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	name := serverBinary
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.NewNotFoundError("cannot find "+serverBinary+", use --server", err)
	}
	return path, nil
}

type downCommand struct {
	Timeout int `long:"timeout" default:"60" description:"Seconds to wait for the supervisor to exit"`
}

func (c *downCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	daemonID := cl.config.Supervisor.Name
	pid, pidErr := cl.pidFiles.ReadPIDFile(daemonID)

	if err := cl.contract.Shutdown(ctx); err != nil {
		if !errors.IsNetworkError(err) {
			return err
		}
		fmt.Println("Supervisor is not reachable, cleaning up leftovers")
		cleanupStale(cl)
		return nil
	}
	fmt.Println("Shutdown requested, waiting for the stack to stop...")

	deadline := time.Now().Add(time.Duration(c.Timeout) * time.Second)
	for time.Now().Before(deadline) {
		if pidErr == nil {
			if running, _ := processstate.IsProcessRunning(pid); !running {
				fmt.Println("memstack is down")
				return nil
			}
		} else if _, err := cl.contract.Health(ctx); errors.IsNetworkError(err) {
			fmt.Println("memstack is down")
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.NewCancelledError("wait interrupted", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return errors.NewTimeoutError("supervisor did not exit in time", nil).WithContext("timeout", c.Timeout)
}

// cleanupStale reaps whatever a dead supervisor left behind. Every step is
// best effort.
func cleanupStale(cl *client) {
	daemonID := cl.config.Supervisor.Name
	if pid, err := process.ReapStale(cl.pidFiles.GeneratePIDFilePath(daemonID), staleReapTimeout, cl.logger); err != nil {
		cl.logger.Warnf("Supervisor cleanup: %v", err)
	} else if pid > 0 {
		fmt.Printf("Stopped unresponsive supervisor, PID %d\n", pid)
	}
	_ = cl.pidFiles.RemoveAddressFile(daemonID)

	for _, unit := range cl.config.Processes {
		name := unit.Metadata.Name
		pid, err := process.ReapStale(cl.pidFiles.GeneratePIDFilePath(name), unit.Restart.KillTimeout, cl.logger)
		if err != nil {
			cl.logger.Warnf("Process cleanup, name: %s, error: %v", name, err)
			continue
		}
		if pid > 0 {
			fmt.Printf("Stopped leftover process %s, PID %d\n", name, pid)
		}
	}

	if pid := inhibitor.ReleaseStale(cl.config.Inhibitor.PIDFile, cl.logger); pid > 0 {
		fmt.Printf("Released sleep inhibitor, PID %d\n", pid)
	}
}

// ===== PROCESS COMMANDS =====

type processArgs struct {
	Name string `positional-arg-name:"name"`
}

type startCommand struct {
	All  bool        `long:"all" description:"Start every enabled process"`
	Args processArgs `positional-args:"yes"`
}

func (c *startCommand) Execute(args []string) error {
	return runProcessCommand(c.All, c.Args.Name, "started",
		func(ctx context.Context, cl *client) error { return cl.contract.StartAll(ctx) },
		func(ctx context.Context, cl *client, name string) error { return cl.contract.StartProcess(ctx, name) })
}

type stopCommand struct {
	All  bool        `long:"all" description:"Stop every process"`
	Args processArgs `positional-args:"yes"`
}

func (c *stopCommand) Execute(args []string) error {
	return runProcessCommand(c.All, c.Args.Name, "stopped",
		func(ctx context.Context, cl *client) error { return cl.contract.StopAll(ctx) },
		func(ctx context.Context, cl *client, name string) error { return cl.contract.StopProcess(ctx, name) })
}

func runProcessCommand(all bool, name, done string,
	forAll func(context.Context, *client) error,
	forOne func(context.Context, *client, string) error) error {

	if all == (name != "") {
		return errors.NewValidationError("give a process name or --all", nil)
	}
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	if all {
		if err := forAll(ctx, cl); err != nil {
			return err
		}
		fmt.Printf("All processes %s\n", done)
		return printStatus(ctx, cl, false)
	}
	if err := forOne(ctx, cl, name); err != nil {
		return err
	}
	fmt.Printf("Process %s %s\n", name, done)
	return nil
}

type restartCommand struct {
	Force bool `long:"force" description:"Bypass the restart circuit breaker"`
	Args  struct {
		Name string `positional-arg-name:"name" required:"yes"`
	} `positional-args:"yes"`
}

func (c *restartCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	if err := cl.contract.RestartProcess(ctx, c.Args.Name, c.Force); err != nil {
		return err
	}
	fmt.Printf("Process %s restarted\n", c.Args.Name)
	return nil
}

type deleteCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"yes"`
	} `positional-args:"yes"`
}

func (c *deleteCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	if err := cl.contract.DeleteProcess(ctx, c.Args.Name); err != nil {
		return err
	}
	fmt.Printf("Process %s deleted\n", c.Args.Name)
	return nil
}

// ===== QUERIES =====

type statusCommand struct {
	JSON bool `long:"json" description:"Print the raw status document"`
}

func (c *statusCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()
	return printStatus(ctx, cl, c.JSON)
}

type logsCommand struct {
	Err    bool `long:"err" description:"Show stderr instead of stdout"`
	Lines  int  `short:"n" long:"lines" description:"Number of lines to show (default 100)"`
	Follow bool `short:"f" long:"follow" description:"Keep printing new lines"`
	Args   struct {
		Name string `positional-arg-name:"name" required:"yes"`
	} `positional-args:"yes"`
}

func (c *logsCommand) lineCount() int {
	if c.Lines <= 0 {
		return supervisor.DefaultLogLines
	}
	return c.Lines
}

func (c *logsCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	stream := string(logcollection.StdoutStream)
	if c.Err {
		stream = string(logcollection.StderrStream)
	}
	logs, err := cl.contract.Logs(ctx, domain.LogsRequest{Name: c.Args.Name, Stream: stream, Lines: c.lineCount()})
	if err != nil {
		return err
	}

	fmt.Printf("==> %s <==\n", logs.Path)
	for _, line := range logs.Lines {
		fmt.Println(line)
	}
	if !c.Follow {
		return nil
	}

	if err := logcollection.Follow(ctx, logs.Path, os.Stdout, cl.logger); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type historyCommand struct {
	Kind  string `long:"kind" description:"Only entries of this kind" choice:"process_state" choice:"process_restart" choice:"process_exit" choice:"health" choice:"inhibitor" choice:"dependency" choice:"supervisor"`
	Limit int    `short:"n" long:"limit" default:"20" description:"Number of entries to show"`
	Args  struct {
		Subject string `positional-arg-name:"name"`
	} `positional-args:"yes"`
}

func (c *historyCommand) Execute(args []string) error {
	cl, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := interruptible()
	defer cancel()

	entries, err := cl.contract.History(ctx, domain.HistoryRequest{
		Subject: c.Args.Subject,
		Kind:    c.Kind,
		Limit:   c.Limit,
	})
	if err != nil {
		return err
	}
	printHistory(os.Stdout, entries)
	return nil
}

type validateCommand struct {
	JSON bool `long:"json" description:"Print the configuration summary as JSON"`
}

func (c *validateCommand) Execute(args []string) error {
	config, err := supervisor.ValidateConfigFile(globals.Config)
	if err != nil {
		return err
	}
	summary := supervisor.GetConfigSummary(config)
	if c.JSON {
		return printJSON(os.Stdout, summary)
	}
	printSummary(os.Stdout, globals.Config, summary)
	return nil
}

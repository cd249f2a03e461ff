package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/memstack/pkg/control"
	"github.com/core-tools/memstack/pkg/domain"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/processfile"
	"github.com/core-tools/memstack/pkg/supervisor"
)

type globalOptions struct {
	Config  string `short:"c" long:"config" env:"MEMSTACK_CONFIG" default:"memstack.yaml" description:"Path to the stack file"`
	Address string `long:"addr" env:"MEMSTACK_ADDR" description:"Control API address; read from the state directory when empty"`
	Verbose bool   `short:"v" long:"verbose" description:"Log client diagnostics to stderr"`
}

var globals globalOptions

func main() {
	parser := flags.NewParser(&globals, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "memstack"
	parser.LongDescription = "memstack runs a memory service stack: container dependencies, supervised processes and a sleep inhibitor."

	parser.AddCommand("up", "Start the supervisor and the stack", "Starts memstacksrv in the background unless it is already answering, then waits for it to become healthy.", &upCommand{})
	parser.AddCommand("down", "Stop the stack and the supervisor", "Asks the supervisor to bring the stack down. When it is unreachable, leftover processes and the sleep inhibitor recorded in the state directory are cleaned up.", &downCommand{})
	parser.AddCommand("status", "Show stack status", "", &statusCommand{})
	parser.AddCommand("start", "Start a process", "", &startCommand{})
	parser.AddCommand("stop", "Stop a process", "", &stopCommand{})
	parser.AddCommand("restart", "Restart a process", "", &restartCommand{})
	parser.AddCommand("delete", "Stop tracking a stopped process", "", &deleteCommand{})
	parser.AddCommand("logs", "Show process logs", "", &logsCommand{})
	parser.AddCommand("history", "Show the lifecycle journal", "", &historyCommand{})
	parser.AddCommand("validate", "Validate the stack file", "", &validateCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "memstack: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode gives scripts something to branch on
func exitCode(err error) int {
	switch {
	case errors.IsNetworkError(err):
		return 3
	case errors.IsNotFoundError(err):
		return 4
	case errors.IsConflictError(err):
		return 5
	default:
		return 1
	}
}

// ===== CLIENT SETUP =====

type client struct {
	config   *supervisor.StackConfig
	pidFiles *processfile.ProcessFileManager
	contract domain.Contract
	logger   logging.Logger
}

func newLogger() logging.Logger {
	if !globals.Verbose {
		return logging.Nop()
	}
	config := logging.DefaultZapConfig()
	config.Level = "debug"
	config.Output = "stderr"
	logger, err := logging.NewZapLogger(config)
	if err != nil {
		return logging.Nop()
	}
	return logging.WithPrefix(logger, "cli", "")
}

// newClient loads the stack file and connects to the daemon it describes
func newClient() (*client, error) {
	logger := newLogger()

	config, err := supervisor.LoadConfigFromFile(globals.Config)
	if err != nil {
		return nil, err
	}
	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: config.Supervisor.StateDir,
		AppName:       config.Supervisor.Name,
	}, logger)

	address := globals.Address
	if address == "" {
		address, err = pidFiles.ReadAddressFile(config.Supervisor.Name)
		if err != nil {
			address = config.Supervisor.Listen
		}
	}
	logger.Debugf("Using control API address: %s", address)

	return &client{
		config:   config,
		pidFiles: pidFiles,
		contract: control.NewHTTPClientGateway(address, logger),
		logger:   logger,
	}, nil
}

// interruptible returns a context cancelled on Ctrl-C
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

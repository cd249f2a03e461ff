package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/memstack/pkg/supervisor"
)

type flagOptions struct {
	Config      string `short:"c" long:"config" env:"MEMSTACK_CONFIG" default:"memstack.yaml" description:"Path to the stack file"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the supervisor (debug feature)"`
	LogLevel    string `long:"log-level" description:"Override supervisor.log_level" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	LogOutput   string `long:"log-output" description:"Override supervisor.log_output (stdout, stderr, journal or a file path)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.Default)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	err = supervisor.Run(supervisor.RunOptions{
		ConfigFile:  opts.Config,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
		LogLevel:    opts.LogLevel,
		LogOutput:   opts.LogOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "memstacksrv: %v\n", err)
		os.Exit(1)
	}
}

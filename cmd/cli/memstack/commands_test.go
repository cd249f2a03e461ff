package main

import (
	"testing"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/memstack/pkg/supervisor"
)

func parseLogs(t *testing.T, args ...string) *logsCommand {
	t.Helper()
	command := &logsCommand{}
	parser := flags.NewNamedParser("memstack", flags.HelpFlag|flags.PassDoubleDash)
	_, err := parser.AddCommand("logs", "", "", command)
	require.NoError(t, err)

	// skip Execute, which would dial the daemon
	parser.CommandHandler = func(flags.Commander, []string) error { return nil }
	_, err = parser.ParseArgs(append([]string{"logs"}, args...))
	require.NoError(t, err)
	return command
}

func TestLogsCommand_LineCount(t *testing.T) {
	command := parseLogs(t, "memory-api")
	assert.Equal(t, "memory-api", command.Args.Name)
	assert.Equal(t, supervisor.DefaultLogLines, command.lineCount())

	command = parseLogs(t, "-n", "20", "--err", "memory-api")
	assert.Equal(t, 20, command.lineCount())
	assert.True(t, command.Err)
}

package supervisor

import (
	"context"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContext_CancelledByShutdownRequest(t *testing.T) {
	shutdown := make(chan struct{})
	ctx, cancel := runContext(context.Background(), shutdown, 0)
	defer cancel()

	assert.NoError(t, ctx.Err())
	close(shutdown)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by shutdown request")
	}
	assert.Equal(t, "shutdown requested", shutdownReason(ctx, shutdown))
}

func TestRunContext_CancelledByRunDuration(t *testing.T) {
	shutdown := make(chan struct{})
	ctx, cancel := runContext(context.Background(), shutdown, 50*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after run duration")
	}
	assert.Equal(t, "run duration elapsed", shutdownReason(ctx, shutdown))
}

func TestRunContext_CancelledBySignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM is not delivered on windows")
	}

	shutdown := make(chan struct{})
	ctx, cancel := runContext(context.Background(), shutdown, time.Hour)
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	assert.Equal(t, "signal received", shutdownReason(ctx, shutdown))
}

func TestRunContext_InterruptsUp(t *testing.T) {
	s := createTestSupervisor(t, `
dependencies:
  - name: db
    up: [/bin/sh, -c, "exit 0"]
    wait_delay: 30s
processes:
  - name: api
    execution: {command: uvicorn}
inhibitor: {backend: none}
journal: {enabled: false}
`, Options{})

	shutdown := make(chan struct{})
	ctx, cancel := runContext(context.Background(), shutdown, 0)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Up(ctx) }()

	time.Sleep(100 * time.Millisecond)
	close(shutdown)

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.NotContains(t, s.controls, "api")
	case <-time.After(5 * time.Second):
		t.Fatal("Up ignored the shutdown request")
	}
}

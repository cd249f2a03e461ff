package supervisor

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/core-tools/memstack/pkg/control"
	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/journal"
	"github.com/core-tools/memstack/pkg/logging"
	"github.com/core-tools/memstack/pkg/processstate"
)

type RunOptions struct {
	ConfigFile  string
	RunDuration time.Duration // stop after this long, zero runs until signalled
	LogLevel    string        // overrides supervisor.log_level when set
	LogOutput   string        // overrides supervisor.log_output when set
}

// Run is the daemon main loop: it brings the stack up, serves the control
// API and brings everything down on SIGINT/SIGTERM, on a Shutdown call or
// when RunDuration elapses.
func Run(options RunOptions) error {
	config, err := ValidateConfigFile(options.ConfigFile)
	if err != nil {
		return err
	}
	if options.LogLevel != "" {
		config.Supervisor.LogLevel = options.LogLevel
	}
	if options.LogOutput != "" {
		config.Supervisor.LogOutput = options.LogOutput
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Supervisor.LogLevel
	zapConfig.Format = config.Supervisor.LogFormat
	zapConfig.Output = config.Supervisor.LogOutput
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		return errors.NewInternalError("failed to create logger", err)
	}
	defer zapLogger.Close()
	logger := logging.WithPrefix(zapLogger, "supervisor", config.Supervisor.Name)

	logger.Infof("Using CONFIGURATION FILE: %s", options.ConfigFile)
	logger.Infof("Listen: %s, state dir: %s, processes: %d",
		config.Supervisor.Listen, config.Supervisor.StateDir, len(config.Processes))

	stackJournal := journal.Disabled()
	if config.Journal.Enabled {
		stackJournal, err = journal.Open(config.Journal.Path, logging.WithPrefix(logger, "journal", ""))
		if err != nil {
			return err
		}
		defer stackJournal.Close()

		pruned, err := stackJournal.Prune(context.Background(), time.Now().Add(-config.Journal.Retention))
		if err != nil {
			logger.Warnf("Failed to prune journal: %v", err)
		} else if pruned > 0 {
			logger.Infof("Pruned %d journal entries older than %v", pruned, config.Journal.Retention)
		}
	}

	supervisor, err := New(config, Options{Journal: stackJournal}, logger)
	if err != nil {
		return err
	}
	defer supervisor.Close()

	pidFiles := supervisor.PIDFiles()
	daemonID := config.Supervisor.Name
	if err := ensureNotRunning(daemonID, supervisor); err != nil {
		return err
	}

	handler := NewHandler(supervisor, logging.WithPrefix(logger, "handler", ""))
	server := control.NewServer(control.ServerOptions{
		Address: config.Supervisor.Listen,
		Metrics: supervisor.Metrics().Handler(),
	}, handler, logging.WithPrefix(logger, "control", ""))

	address, err := server.Start()
	if err != nil {
		return err
	}

	if err := pidFiles.WritePIDFile(daemonID, os.Getpid()); err != nil {
		_ = server.Shutdown(context.Background())
		return err
	}
	defer pidFiles.RemovePIDFile(daemonID)
	if err := pidFiles.WriteAddressFile(daemonID, address); err != nil {
		logger.Warnf("Failed to write address file: %v", err)
	}
	defer pidFiles.RemoveAddressFile(daemonID)

	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
	}
	ctx, cancelRun := runContext(context.Background(), handler.ShutdownRequested(), options.RunDuration)
	defer cancelRun()

	upErr := supervisor.Up(ctx)
	switch {
	case upErr != nil && ctx.Err() != nil:
		logger.Warnf("Stack start interrupted, reason: %s, error: %v", shutdownReason(ctx, handler.ShutdownRequested()), upErr)
		upErr = nil
	case upErr != nil:
		logger.Errorf("Stack failed to come up: %v", upErr)
	default:
		notify(logger, daemon.SdNotifyReady)
		logger.Infof("Supervisor is ready, run_id: %s", supervisor.RunID())

		<-ctx.Done()
		logger.Infof("Supervisor shutting down, reason: %s", shutdownReason(ctx, handler.ShutdownRequested()))
	}

	notify(logger, daemon.SdNotifyStopping)

	// fresh context so teardown is not cut short by the run duration
	downCtx, cancel := context.WithTimeout(context.Background(), config.Supervisor.ForceShutdownTimeout)
	defer cancel()
	downErr := supervisor.Down(downCtx)
	if downErr != nil {
		logger.Errorf("Stack teardown finished with errors: %v", downErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Control API shutdown: %v", err)
	}

	logger.Infof("Supervisor stopped")
	if upErr != nil {
		return upErr
	}
	return downErr
}

// runContext is cancelled on SIGINT/SIGTERM, once shutdown is closed or when
// duration elapses. A zero duration runs until one of the others.
func runContext(parent context.Context, shutdown <-chan struct{}, duration time.Duration) (context.Context, context.CancelFunc) {
	signals := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		signals = append(signals, syscall.SIGTERM)
	}
	ctx, stopSignals := signal.NotifyContext(parent, signals...)
	ctx, cancel := context.WithCancel(ctx)
	cancelDuration := context.CancelFunc(func() {})
	if duration > 0 {
		ctx, cancelDuration = context.WithTimeout(ctx, duration)
	}

	go func() {
		select {
		case <-shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		cancelDuration()
		cancel()
		stopSignals()
	}
}

func shutdownReason(ctx context.Context, shutdown <-chan struct{}) string {
	select {
	case <-shutdown:
		return "shutdown requested"
	default:
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "run duration elapsed"
	}
	return "signal received"
}

// ensureNotRunning refuses to start over a live daemon and clears a stale
// PID file left by a crashed one
func ensureNotRunning(daemonID string, supervisor *Supervisor) error {
	pidFiles := supervisor.PIDFiles()
	pid, err := pidFiles.ReadPIDFile(daemonID)
	if err != nil {
		return nil
	}
	if running, _ := processstate.IsProcessRunning(pid); running && pid != os.Getpid() {
		return errors.NewConflictError("supervisor is already running", nil).
			WithContext("pid", pid).
			WithContext("pid_file", pidFiles.GeneratePIDFilePath(daemonID))
	}
	supervisor.logger.Warnf("Removing stale supervisor PID file, pid: %d", pid)
	_ = pidFiles.RemovePIDFile(daemonID)
	_ = pidFiles.RemoveAddressFile(daemonID)
	return nil
}

func notify(logger logging.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warnf("systemd notify failed, state: %s, error: %v", state, err)
		return
	}
	if sent {
		logger.Debugf("systemd notified, state: %s", state)
	}
}

package logging

import (
	"os"

	"github.com/coreos/go-systemd/v22/journal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapConfig configures the zap backend behind Logger.
type ZapConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, journal or a file path
	Caller     bool
	MaxSizeMB  int // rotation for file output
	MaxBackups int
	MaxAgeDays int
}

func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// ZapLogger adapts a sugared zap logger to Logger.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	sink  *lumberjack.Logger
}

func NewZapLogger(config ZapConfig) (*ZapLogger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var sink *lumberjack.Logger
	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "journal":
		if journal.Enabled() {
			// journald stamps time and priority itself
			encoderConfig.TimeKey = ""
			encoderConfig.LevelKey = ""
			return newZapLogger(newJournalCore(zapcore.NewConsoleEncoder(encoderConfig), level), nil, config), nil
		}
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	case "stdout", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		sink = &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		writeSyncer = zapcore.AddSync(sink)
	}

	return newZapLogger(zapcore.NewCore(encoder, writeSyncer, level), sink, config), nil
}

func newZapLogger(core zapcore.Core, sink *lumberjack.Logger, config ZapConfig) *ZapLogger {
	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	base := zap.New(core, opts...)
	return &ZapLogger{
		base:  base,
		sugar: base.Sugar(),
		sink:  sink,
	}
}

func (z *ZapLogger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	case LogLevelError:
		z.sugar.Errorf(format, args...)
	default:
		z.sugar.Infof(format, args...)
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) { z.sugar.Debugf(format, args...) }
func (z *ZapLogger) Infof(format string, args ...interface{})  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warnf(format string, args ...interface{})  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Errorf(format string, args ...interface{}) { z.sugar.Errorf(format, args...) }

// Zap returns the underlying logger for libraries that want *zap.Logger.
func (z *ZapLogger) Zap() *zap.Logger {
	return z.base
}

// Close flushes buffered entries and closes the rotating file, if any.
func (z *ZapLogger) Close() error {
	_ = z.base.Sync()
	if z.sink != nil {
		return z.sink.Close()
	}
	return nil
}

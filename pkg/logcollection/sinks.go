package logcollection

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/logging"
)

// ProcessLogs holds the stdout and stderr writers of one process run.
// It satisfies process.OutputSink.
type ProcessLogs struct {
	name    string
	outFile string
	errFile string

	stdout *lineWriter
	stderr *lineWriter
	files  []*lumberjack.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenProcessLogs opens the log files of a process in append mode.
// Lines are also mirrored to logger at debug level.
func OpenProcessLogs(name string, config ProcessLogConfig, workDir string, logger logging.Logger) (*ProcessLogs, error) {
	config.ApplyDefaults(name)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}

	outPath, errPath := config.Paths(workDir)
	logs := &ProcessLogs{name: name, outFile: outPath, errFile: errPath}

	outSink, err := openRotatingFile(outPath, config)
	if err != nil {
		return nil, err
	}
	logs.files = append(logs.files, outSink)

	errSink := outSink
	if errPath != outPath {
		errSink, err = openRotatingFile(errPath, config)
		if err != nil {
			outSink.Close()
			return nil, err
		}
		logs.files = append(logs.files, errSink)
	}

	logs.stdout = newLineWriter(outSink, config.DateFormat, func(line string) {
		logger.Debugf("[%s:out] %s", name, line)
	})
	logs.stderr = newLineWriter(errSink, config.DateFormat, func(line string) {
		logger.Debugf("[%s:err] %s", name, line)
	})
	return logs, nil
}

func openRotatingFile(path string, config ProcessLogConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", path)
	}
	// probe once so permission problems surface at start instead of on first write
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
		LocalTime:  true,
	}, nil
}

func (l *ProcessLogs) Stdout() io.Writer { return l.stdout }
func (l *ProcessLogs) Stderr() io.Writer { return l.stderr }

func (l *ProcessLogs) OutFile() string { return l.outFile }
func (l *ProcessLogs) ErrFile() string { return l.errFile }

// Close flushes partial lines and closes the files. Safe to call more than once.
func (l *ProcessLogs) Close() error {
	l.closeOnce.Do(func() {
		collection := errors.NewErrorCollection()
		collection.Add(l.stdout.Flush())
		collection.Add(l.stderr.Flush())
		for _, f := range l.files {
			collection.Add(f.Close())
		}
		l.closeErr = collection.ToError()
	})
	return l.closeErr
}

// maxPendingLine caps a line held back waiting for its newline. Longer
// output is written out in pieces of this size.
const maxPendingLine = 64 * 1024

// lineWriter splits a byte stream into lines, optionally prefixing a timestamp
type lineWriter struct {
	dest       io.Writer
	dateFormat string
	mirror     func(line string)
	now        func() time.Time

	mutex   sync.Mutex
	pending []byte
}

func newLineWriter(dest io.Writer, dateFormat string, mirror func(line string)) *lineWriter {
	return &lineWriter{dest: dest, dateFormat: dateFormat, mirror: mirror, now: time.Now}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending[:idx])
		w.pending = w.pending[idx+1:]
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	for len(w.pending) >= maxPendingLine {
		line := string(w.pending[:maxPendingLine])
		w.pending = w.pending[maxPendingLine:]
		if err := w.emit(line); err != nil {
			return len(p), err
		}
	}
	if len(w.pending) == 0 {
		// drop the consumed backing array
		w.pending = nil
	}
	return len(p), nil
}

// Flush writes a trailing partial line, if any
func (w *lineWriter) Flush() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	line := string(w.pending)
	w.pending = nil
	return w.emit(line)
}

func (w *lineWriter) emit(line string) error {
	out := line
	if w.dateFormat != "" {
		out = w.now().Format(w.dateFormat) + ": " + line
	}
	if w.mirror != nil {
		w.mirror(line)
	}
	_, err := io.WriteString(w.dest, out+"\n")
	return err
}

package logging

import (
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"go.uber.org/zap/zapcore"
)

const journalIdentifier = "memstack"

// journalCore sends zap entries to the systemd journal with a matching priority
type journalCore struct {
	zapcore.LevelEnabler
	encoder zapcore.Encoder
}

func newJournalCore(encoder zapcore.Encoder, level zapcore.LevelEnabler) zapcore.Core {
	return &journalCore{LevelEnabler: level, encoder: encoder}
}

func (c *journalCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.encoder.Clone()
	for _, field := range fields {
		field.AddTo(clone)
	}
	return &journalCore{LevelEnabler: c.LevelEnabler, encoder: clone}
}

func (c *journalCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *journalCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	message := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()

	return journal.Send(message, journalPriority(entry.Level), map[string]string{
		"SYSLOG_IDENTIFIER": journalIdentifier,
	})
}

func (c *journalCore) Sync() error {
	return nil
}

func journalPriority(level zapcore.Level) journal.Priority {
	switch level {
	case zapcore.DebugLevel:
		return journal.PriDebug
	case zapcore.InfoLevel:
		return journal.PriInfo
	case zapcore.WarnLevel:
		return journal.PriWarning
	case zapcore.ErrorLevel:
		return journal.PriErr
	default:
		return journal.PriCrit
	}
}

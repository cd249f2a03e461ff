// Package journal persists supervisor lifecycle events in sqlite so that
// `memstack history` survives daemon restarts.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/core-tools/memstack/pkg/errors"
	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
)

const DefaultListLimit = 100

// Entry kinds
const (
	KindProcessState   = "process_state"
	KindProcessRestart = "process_restart"
	KindProcessExit    = "process_exit"
	KindHealth         = "health"
	KindInhibitor      = "inhibitor"
	KindDependency     = "dependency"
	KindSupervisor     = "supervisor"
)

type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     string    `gorm:"size:36;index" json:"run_id"`
	Kind      string    `gorm:"size:32;index" json:"kind"`
	Subject   string    `gorm:"size:64;index" json:"subject"`
	Message   string    `gorm:"type:text" json:"message"`
	Data      string    `gorm:"type:text" json:"data,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string {
	return "journal_entries"
}

type Filter struct {
	Subject string
	Kind    string
	RunID   string
	Limit   int
}

// Journal is safe for concurrent use. The zero value and Disabled() drop
// every write and list nothing.
type Journal struct {
	db     *gorm.DB
	logger logging.Logger

	mutex        sync.Mutex
	bus          *events.Bus
	unsubscribes []func()
}

// detachDrainTimeout bounds how long Detach waits for queued events
const detachDrainTimeout = 2 * time.Second

func Disabled() *Journal {
	return &Journal{logger: logging.Nop()}
}

// Open creates the database file and its directory if needed.
// ":memory:" gives a private in-memory journal.
func Open(path string, logger logging.Logger) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.NewIOError("failed to create journal directory", err).WithContext("path", path)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.NewIOError("failed to open journal", err).WithContext("path", path)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.NewInternalError("failed to access journal connection", err)
	}
	// sqlite takes one writer at a time; one connection also keeps :memory: shared
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		sqlDB.Close()
		return nil, errors.NewIOError("failed to migrate journal", err).WithContext("path", path)
	}

	logger.Debugf("Journal opened, path: %s", path)
	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Enabled() bool {
	return j != nil && j.db != nil
}

func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if !j.Enabled() {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.NewIOError("failed to record journal entry", err).WithContext("kind", entry.Kind)
	}
	return nil
}

// List returns the newest entries first
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if !j.Enabled() {
		return []Entry{}, nil
	}

	query := j.db.WithContext(ctx).Model(&Entry{})
	if filter.Subject != "" {
		query = query.Where("subject = ?", filter.Subject)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.RunID != "" {
		query = query.Where("run_id = ?", filter.RunID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	entries := []Entry{}
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, errors.NewIOError("failed to list journal entries", err)
	}
	return entries, nil
}

// Prune deletes entries created before cutoff and reports how many went
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if !j.Enabled() {
		return 0, nil
	}
	result := j.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Entry{})
	if result.Error != nil {
		return 0, errors.NewIOError("failed to prune journal", result.Error)
	}
	return result.RowsAffected, nil
}

// Attach records bus events under runID until Detach or Close.
// Memory samples are too frequent to journal and are skipped.
func (j *Journal) Attach(bus *events.Bus, runID string) {
	if !j.Enabled() {
		return
	}

	record := func(kind, subject, message string, event any) {
		entry := &Entry{RunID: runID, Kind: kind, Subject: subject, Message: message}
		if data, err := json.Marshal(event); err == nil {
			entry.Data = string(data)
		}
		if err := j.Record(context.Background(), entry); err != nil {
			j.logger.Warnf("Failed to journal event, kind: %s, subject: %s, error: %v", kind, subject, err)
		}
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.bus = bus
	j.unsubscribes = append(j.unsubscribes,
		bus.Subscribe(func(e events.ProcessStateChanged) {
			message := fmt.Sprintf("%s -> %s", e.From, e.To)
			if e.Reason != "" {
				message += ": " + e.Reason
			}
			record(KindProcessState, e.Name, message, e)
		}),
		bus.Subscribe(func(e events.ProcessRestarted) {
			record(KindProcessRestart, e.Name, fmt.Sprintf("restart #%d (%s)", e.Attempt, e.Trigger), e)
		}),
		bus.Subscribe(func(e events.ProcessExited) {
			record(KindProcessExit, e.Name, fmt.Sprintf("exited with code %d after %s", e.ExitCode, e.Uptime.Round(time.Millisecond)), e)
		}),
		bus.Subscribe(func(e events.HealthChanged) {
			message := e.Status
			if e.Message != "" {
				message += ": " + e.Message
			}
			record(KindHealth, e.Name, message, e)
		}),
		bus.Subscribe(func(e events.InhibitorChanged) {
			message := "released"
			if e.Held {
				message = "held"
			}
			if e.Message != "" {
				message += ": " + e.Message
			}
			record(KindInhibitor, "inhibitor", message, e)
		}),
		bus.Subscribe(func(e events.DependencyChanged) {
			message := e.Phase
			if e.Message != "" {
				message += ": " + e.Message
			}
			record(KindDependency, e.Name, message, e)
		}),
		bus.Subscribe(func(e events.SupervisorStateChanged) {
			record(KindSupervisor, "supervisor", fmt.Sprintf("%s -> %s", e.From, e.To), e)
		}),
	)
}

// Detach records the events already published to the attached bus, then
// stops listening.
func (j *Journal) Detach() {
	if j == nil {
		return
	}
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), detachDrainTimeout)
		if err := j.bus.Drain(ctx); err != nil {
			j.logger.Warnf("Journal detached with events still queued: %v", err)
		}
		cancel()
	}
	for _, unsubscribe := range j.unsubscribes {
		unsubscribe()
	}
	j.unsubscribes = nil
	j.bus = nil
}

func (j *Journal) Close() error {
	if !j.Enabled() {
		return nil
	}
	j.Detach()
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

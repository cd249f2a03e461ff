package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/memstack/pkg/events"
	"github.com/core-tools/memstack/pkg/logging"
)

func openTestJournal(t *testing.T) *Journal {
	j, err := Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndList_NewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, &Entry{RunID: "r1", Kind: KindProcessState, Subject: "api", Message: "first", CreatedAt: base}))
	require.NoError(t, j.Record(ctx, &Entry{RunID: "r1", Kind: KindProcessExit, Subject: "api", Message: "second", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, j.Record(ctx, &Entry{RunID: "r2", Kind: KindProcessState, Subject: "worker", Message: "third", CreatedAt: base.Add(2 * time.Minute)}))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Message)
	assert.Equal(t, "first", all[2].Message)

	api, err := j.List(ctx, Filter{Subject: "api"})
	require.NoError(t, err)
	assert.Len(t, api, 2)

	exits, err := j.List(ctx, Filter{Kind: KindProcessExit})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, "second", exits[0].Message)

	run2, err := j.List(ctx, Filter{RunID: "r2"})
	require.NoError(t, err)
	assert.Len(t, run2, 1)

	limited, err := j.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "third", limited[0].Message)
}

func TestRecord_StampsCreatedAt(t *testing.T) {
	j := openTestJournal(t)
	entry := &Entry{Kind: KindSupervisor, Subject: "supervisor"}
	require.NoError(t, j.Record(context.Background(), entry))
	assert.NotZero(t, entry.ID)
	assert.WithinDuration(t, time.Now(), entry.CreatedAt, 5*time.Second)
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, &Entry{Kind: KindHealth, Subject: "api", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, j.Record(ctx, &Entry{Kind: KindHealth, Subject: "api", CreatedAt: now}))

	removed, err := j.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", FileName)
	j, err := Open(path, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), &Entry{Kind: KindSupervisor, Subject: "supervisor"}))
	require.NoError(t, j.Close())
	assert.FileExists(t, path)

	// reopening keeps history
	j, err = Open(path, logging.Nop())
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAttach_RecordsBusEvents(t *testing.T) {
	j := openTestJournal(t)
	bus := events.New()
	j.Attach(bus, "run-1")

	bus.Publish(events.ProcessStateChanged{Name: "api", From: "launching", To: "online", At: time.Now()})
	bus.Publish(events.ProcessExited{Name: "api", PID: 42, ExitCode: 2, Uptime: time.Second, At: time.Now()})
	bus.Publish(events.InhibitorChanged{Held: true, Backend: "command", At: time.Now()})
	bus.Publish(events.MemorySampled{Name: "api", Bytes: 10, At: time.Now()})

	assert.Eventually(t, func() bool {
		entries, err := j.List(context.Background(), Filter{RunID: "run-1"})
		return err == nil && len(entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	exits, err := j.List(context.Background(), Filter{Kind: KindProcessExit})
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, "api", exits[0].Subject)
	assert.Contains(t, exits[0].Message, "code 2")
	assert.Contains(t, exits[0].Data, `"exit_code":2`)

	j.Detach()
}

func TestDetach_RecordsEventsPublishedBeforeIt(t *testing.T) {
	j := openTestJournal(t)
	bus := events.New()
	j.Attach(bus, "run-2")

	for i := 0; i < 20; i++ {
		bus.Publish(events.ProcessRestarted{Name: "api", Attempt: i + 1, Trigger: "manual", At: time.Now()})
	}
	bus.Publish(events.SupervisorStateChanged{From: "stopping", To: "stopped", At: time.Now()})
	j.Detach()

	entries, err := j.List(context.Background(), Filter{RunID: "run-2"})
	require.NoError(t, err)
	assert.Len(t, entries, 21)

	// nothing is recorded once detached
	bus.Publish(events.SupervisorStateChanged{From: "stopped", To: "running", At: time.Now()})
	time.Sleep(50 * time.Millisecond)
	entries, err = j.List(context.Background(), Filter{RunID: "run-2"})
	require.NoError(t, err)
	assert.Len(t, entries, 21)
}

func TestDisabledJournal(t *testing.T) {
	j := Disabled()
	assert.False(t, j.Enabled())
	assert.NoError(t, j.Record(context.Background(), &Entry{Kind: KindHealth}))

	entries, err := j.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	j.Attach(events.New(), "run")
	assert.NoError(t, j.Close())

	var zero *Journal
	assert.False(t, zero.Enabled())
	assert.NoError(t, zero.Close())
}

func TestJournalConfig(t *testing.T) {
	var config JournalConfig
	require.NoError(t, yaml.Unmarshal([]byte("path: /tmp/j.db\n"), &config))
	assert.True(t, config.Enabled)

	require.NoError(t, yaml.Unmarshal([]byte("enabled: false\n"), &config))
	assert.False(t, config.Enabled)

	config = JournalConfig{}
	config.SetDefaults("/var/lib/memstack")
	assert.Equal(t, filepath.Join("/var/lib/memstack", FileName), config.Path)
	assert.Equal(t, DefaultRetention, config.Retention)

	assert.Error(t, ValidateJournalConfig(JournalConfig{Retention: -time.Second}))
}

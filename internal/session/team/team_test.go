package team

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
)

type fakeTarget struct {
	mu      sync.Mutex
	active  bool
	emitted []Message
	pushed  []string
	exited  chan struct{}
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{exited: make(chan struct{})}
}

func (f *fakeTarget) SessionID() string { return "leader-1" }

func (f *fakeTarget) SetTeamActive(active bool) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

func (f *fakeTarget) EmitTeamMessage(from, text string, payload map[string]any) {
	f.mu.Lock()
	f.emitted = append(f.emitted, Message{From: from, Text: text, Payload: payload})
	f.mu.Unlock()
}

func (f *fakeTarget) PushMessage(text, imageB64 string) error {
	f.mu.Lock()
	f.pushed = append(f.pushed, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeTarget) Exited() <-chan struct{} { return f.exited }

func (f *fakeTarget) snapshot() (emitted []Message, pushed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.emitted...), append([]string(nil), f.pushed...)
}

func writeInbox(t *testing.T, path string, msgs []Message) {
	t.Helper()
	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeTeamConfig(t *testing.T, dir string, cfg *Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, cfg.Name+".json"), data, 0o644))
}

func TestLoadConfigsSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeTeamConfig(t, dir, &Config{Name: "alpha", LeaderSessionID: "s1", InboxPath: "/tmp/a.json"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "incomplete.json"), []byte(`{"name":"x"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	cfgs := LoadConfigs(dir, logger.Default())
	require.Len(t, cfgs, 1)
	assert.Equal(t, "alpha", cfgs[0].Name)
}

func TestConfigForLeader(t *testing.T) {
	dir := t.TempDir()
	writeTeamConfig(t, dir, &Config{Name: "alpha", LeaderSessionID: "s1", InboxPath: "/tmp/a.json"})
	writeTeamConfig(t, dir, &Config{Name: "beta", LeaderSessionID: "s2", InboxPath: "/tmp/b.json"})

	cfg, ok := ConfigForLeader(dir, "s2", logger.Default())
	require.True(t, ok)
	assert.Equal(t, "beta", cfg.Name)

	_, ok = ConfigForLeader(dir, "s9", logger.Default())
	assert.False(t, ok)
}

func newTestMonitor(t *testing.T, inbox string) (*Monitor, *fakeTarget) {
	t.Helper()
	target := newFakeTarget()
	m := NewMonitor(
		&Config{Name: "alpha", LeaderSessionID: "leader-1", InboxPath: inbox},
		target,
		config.TeamsConfig{PollIntervalSec: 1},
		logger.Default(),
	)
	t.Cleanup(func() { close(target.exited) })
	return m, target
}

func TestMonitorSkipsHistoryOnAttach(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.json")
	writeInbox(t, inbox, []Message{{From: "bob", Text: "old news"}})

	m, target := newTestMonitor(t, inbox)
	m.Start()

	m.poll()
	emitted, pushed := target.snapshot()
	assert.Empty(t, emitted)
	assert.Empty(t, pushed)
	assert.True(t, target.active)
}

func TestMonitorDeliversNewMessages(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.json")
	writeInbox(t, inbox, []Message{{From: "bob", Text: "old"}})

	m, target := newTestMonitor(t, inbox)
	m.Start()

	writeInbox(t, inbox, []Message{
		{From: "bob", Text: "old"},
		{From: "carol", Text: "new finding", Payload: map[string]any{"file": "main.go"}},
	})
	m.poll()

	emitted, pushed := target.snapshot()
	require.Len(t, emitted, 1)
	assert.Equal(t, "carol", emitted[0].From)
	assert.Equal(t, "new finding", emitted[0].Text)
	require.Len(t, pushed, 1)
	assert.Equal(t, "[Team message from carol] new finding", pushed[0])

	// No redelivery on an unchanged inbox.
	m.poll()
	emitted, _ = target.snapshot()
	assert.Len(t, emitted, 1)
}

func TestMonitorPayloadOnlyMessage(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.json")
	writeInbox(t, inbox, nil)

	m, target := newTestMonitor(t, inbox)
	m.Start()

	writeInbox(t, inbox, []Message{{From: "dave", Payload: map[string]any{"status": "done"}}})
	m.poll()

	emitted, pushed := target.snapshot()
	require.Len(t, emitted, 1)
	require.Len(t, pushed, 1)
	assert.Contains(t, pushed[0], `"status":"done"`)
}

func TestMonitorResetsOnShrunkInbox(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.json")
	writeInbox(t, inbox, []Message{{From: "a", Text: "1"}, {From: "b", Text: "2"}})

	m, target := newTestMonitor(t, inbox)
	m.Start()

	writeInbox(t, inbox, []Message{{From: "a", Text: "1"}})
	m.poll()

	writeInbox(t, inbox, []Message{{From: "a", Text: "1"}, {From: "c", Text: "fresh"}})
	m.poll()

	emitted, _ := target.snapshot()
	require.Len(t, emitted, 1)
	assert.Equal(t, "fresh", emitted[0].Text)
}

func TestMonitorStopsWhenLeaderExits(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.json")
	writeInbox(t, inbox, nil)

	target := newFakeTarget()
	m := NewMonitor(
		&Config{Name: "alpha", LeaderSessionID: "leader-1", InboxPath: inbox},
		target,
		config.TeamsConfig{PollIntervalSec: 1},
		logger.Default(),
	)
	m.Start()

	close(target.exited)
	// The loop observes the exit and returns; nothing to assert beyond no
	// panic and no delivery afterwards.
	time.Sleep(50 * time.Millisecond)
	writeInbox(t, inbox, []Message{{From: "x", Text: "late"}})
	time.Sleep(50 * time.Millisecond)

	emitted, _ := target.snapshot()
	assert.Empty(t, emitted)
}

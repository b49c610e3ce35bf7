package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/store"
	"github.com/agendo/agendo/internal/session/supervisor"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(&Request{SessionID: "low", Priority: 1}))
	require.NoError(t, q.Enqueue(&Request{SessionID: "high", Priority: 5}))
	require.NoError(t, q.Enqueue(&Request{SessionID: "mid", Priority: 3}))

	assert.Equal(t, "high", q.Dequeue().SessionID)
	assert.Equal(t, "mid", q.Dequeue().SessionID)
	assert.Equal(t, "low", q.Dequeue().SessionID)
	assert.Nil(t, q.Dequeue())
}

func TestQueueEqualPriorityIsFIFO(t *testing.T) {
	q := NewQueue(0)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Request{
			SessionID: fmt.Sprintf("s%d", i),
			QueuedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("s%d", i), q.Dequeue().SessionID)
	}
}

func TestQueueRejectsDuplicateSession(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(&Request{SessionID: "s1"}))
	assert.ErrorIs(t, q.Enqueue(&Request{SessionID: "s1"}), ErrSessionQueued)

	// After dequeue the session may be queued again.
	q.Dequeue()
	assert.NoError(t, q.Enqueue(&Request{SessionID: "s1"}))
}

func TestQueueBounded(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(&Request{SessionID: "s1"}))
	require.NoError(t, q.Enqueue(&Request{SessionID: "s2"}))
	assert.ErrorIs(t, q.Enqueue(&Request{SessionID: "s3"}), ErrQueueFull)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(&Request{SessionID: "s1"}))
	require.NoError(t, q.Enqueue(&Request{SessionID: "s2"}))

	assert.True(t, q.Remove("s1"))
	assert.False(t, q.Remove("s1"))
	assert.Equal(t, "s2", q.Dequeue().SessionID)
}

// runnerAdapter is a minimal scripted adapter for runner tests; the child is
// cat so the handle stays alive until signaled.
type runnerAdapter struct {
	adapter.Base
}

func (f *runnerAdapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return adapter.StartChild("cat", nil, adapter.ChildOptions{
		OnData:   f.DataSink(),
		OnStderr: f.StderrSink(),
		OnExit:   f.ExitSink(),
		Logger:   logger.Default(),
	})
}

func (f *runnerAdapter) Resume(ctx context.Context, ref, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return f.Spawn(ctx, prompt, opts)
}

func (f *runnerAdapter) SendMessage(ctx context.Context, text, imageB64 string) error { return nil }
func (f *runnerAdapter) Interrupt(ctx context.Context) error                          { return nil }
func (f *runnerAdapter) SetPermissionMode(ctx context.Context, mode string) error     { return nil }
func (f *runnerAdapter) SetModel(ctx context.Context, model string) (bool, error)     { return true, nil }
func (f *runnerAdapter) IsAlive() bool                                                { return true }
func (f *runnerAdapter) MapJSONToEvents(line []byte) []session.Event                  { return nil }

type runnerFixture struct {
	store  store.Store
	bus    bus.Bus
	runner *Runner

	mu       sync.Mutex
	adapters map[string]*runnerAdapter
}

func newRunnerFixture(t *testing.T, slots int) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		store:    store.NewMemoryStore(),
		bus:      bus.NewMemoryBus(logger.Default()),
		adapters: make(map[string]*runnerAdapter),
	}
	t.Cleanup(f.bus.Close)

	cfg := config.SessionConfig{
		Slots:          slots,
		QueueSize:      16,
		LogDir:         t.TempDir(),
		IdleTimeoutSec: 3600,
		HeartbeatSec:   30,
		KillGraceSec:   1,
		DeltaFlushMS:   20,
	}

	f.runner = New(cfg, func(ctx context.Context, sessionID string) (*supervisor.Supervisor, error) {
		fa := &runnerAdapter{}
		f.mu.Lock()
		f.adapters[sessionID] = fa
		f.mu.Unlock()
		return supervisor.New(supervisor.Options{
			SessionID: sessionID,
			WorkerID:  "worker-test",
			Store:     f.store,
			Bus:       f.bus,
			Adapter:   fa,
			Config:    cfg,
			Logger:    logger.Default(),
		}), nil
	}, logger.Default())
	f.runner.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.runner.Shutdown(ctx)
	})
	return f
}

func (f *runnerFixture) createSession(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateSession(context.Background(), &session.Session{
		ID:             id,
		AgentID:        "agent-1",
		Status:         session.StatusIdle,
		PermissionMode: session.PermissionDefault,
		InitialPrompt:  "prompt",
	}))
}

func (f *runnerFixture) adapterFor(id string) *runnerAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[id]
}

func (f *runnerFixture) statusOf(t *testing.T, id string) session.Status {
	t.Helper()
	row, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return row.Status
}

func TestRunnerRunsSubmittedSession(t *testing.T) {
	f := newRunnerFixture(t, 2)
	f.createSession(t, "s1")

	require.NoError(t, f.runner.Submit(&Request{SessionID: "s1"}))

	require.Eventually(t, func() bool {
		return f.statusOf(t, "s1") == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.runner.ActiveCount())
}

func TestRunnerSlotGating(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.createSession(t, "s1")
	f.createSession(t, "s2")

	require.NoError(t, f.runner.Submit(&Request{SessionID: "s1"}))
	require.Eventually(t, func() bool {
		return f.statusOf(t, "s1") == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.runner.Submit(&Request{SessionID: "s2"}))

	// The single slot is held; s2 must wait.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, session.StatusIdle, f.statusOf(t, "s2"))
	assert.True(t, f.runner.Queued("s2"))

	// Pausing s1 frees the slot without ending the child.
	fa := f.adapterFor("s1")
	fa.EmitThinking(true)
	fa.EmitThinking(false)

	require.Eventually(t, func() bool {
		return f.statusOf(t, "s2") == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StatusAwaitingInput, f.statusOf(t, "s1"))
}

func TestRunnerFactoryErrorReleasesSlot(t *testing.T) {
	cfg := config.SessionConfig{Slots: 1, QueueSize: 4, LogDir: t.TempDir(), KillGraceSec: 1}
	calls := 0
	var mu sync.Mutex
	r := New(cfg, func(ctx context.Context, sessionID string) (*supervisor.Supervisor, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, fmt.Errorf("no adapter for session")
	}, logger.Default())
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	require.NoError(t, r.Submit(&Request{SessionID: "s1"}))
	require.NoError(t, r.Submit(&Request{SessionID: "s2"}))

	// Both requests are attempted: the failed first run released its slot.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRunnerClaimConflictFreesSlot(t *testing.T) {
	f := newRunnerFixture(t, 1)
	f.createSession(t, "s1")
	f.createSession(t, "s2")

	// s1 is already owned elsewhere; its claim fails and must not wedge the slot.
	_, err := f.store.ClaimSession(context.Background(), "s1", "other-worker")
	require.NoError(t, err)

	require.NoError(t, f.runner.Submit(&Request{SessionID: "s1"}))
	require.NoError(t, f.runner.Submit(&Request{SessionID: "s2"}))

	require.Eventually(t, func() bool {
		return f.statusOf(t, "s2") == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRunnerShutdownLeavesSessionsResumable(t *testing.T) {
	f := newRunnerFixture(t, 2)
	f.createSession(t, "s1")
	require.NoError(t, f.runner.Submit(&Request{SessionID: "s1"}))
	require.Eventually(t, func() bool {
		return f.statusOf(t, "s1") == session.StatusActive
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.runner.Shutdown(ctx)

	assert.Equal(t, session.StatusIdle, f.statusOf(t, "s1"))
}

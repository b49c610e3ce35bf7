package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/session"
)

func newRow(t *testing.T, m *MemoryStore, id string) *session.Session {
	t.Helper()
	row := &session.Session{ID: id, AgentID: "claude", InitialPrompt: "p"}
	require.NoError(t, m.CreateSession(context.Background(), row))
	return row
}

func TestClaimFromIdleAndEnded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	claimed, err := m.ClaimSession(ctx, "s1", "w1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	assert.Nil(t, claimed.EndedAt)

	require.NoError(t, m.ReleaseSession(ctx, "s1", "w1", session.StatusEnded))
	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)

	// An ended session can be claimed again; ended_at is cleared.
	claimed, err = m.ClaimSession(ctx, "s1", "w2")
	require.NoError(t, err)
	assert.Nil(t, claimed.EndedAt)
}

func TestClaimConflictsOnLiveSession(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	_, err := m.ClaimSession(ctx, "s1", "w1")
	require.NoError(t, err)

	_, err = m.ClaimSession(ctx, "s1", "w2")
	assert.Equal(t, ErrClaimConflict, err)
}

func TestReleaseRequiresOwningWorker(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")
	_, err := m.ClaimSession(ctx, "s1", "w1")
	require.NoError(t, err)

	assert.Equal(t, ErrClaimConflict, m.ReleaseSession(ctx, "s1", "w2", session.StatusIdle))
	assert.Equal(t, ErrClaimConflict, m.UpdateStatus(ctx, "s1", "w2", session.StatusEnded))
}

func TestReleaseClearsWorkerAndPID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")
	_, err := m.ClaimSession(ctx, "s1", "w1")
	require.NoError(t, err)
	require.NoError(t, m.UpdatePID(ctx, "s1", 4242))

	require.NoError(t, m.ReleaseSession(ctx, "s1", "w1", session.StatusIdle))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Zero(t, got.PID)
	assert.Nil(t, got.EndedAt)
}

func TestSessionRefSetOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	require.NoError(t, m.SetSessionRef(ctx, "s1", "ref-a"))
	// Idempotent for the same value.
	require.NoError(t, m.SetSessionRef(ctx, "s1", "ref-a"))
	assert.Equal(t, ErrSessionRefSet, m.SetSessionRef(ctx, "s1", "ref-b"))

	require.NoError(t, m.ClearSessionRef(ctx, "s1"))
	require.NoError(t, m.SetSessionRef(ctx, "s1", "ref-b"))
}

func TestEventSeqIsMonotonic(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	require.NoError(t, m.UpdateEventSeq(ctx, "s1", 10))
	// A stale write never moves the cursor backwards.
	require.NoError(t, m.UpdateEventSeq(ctx, "s1", 5))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.EventSeq)
}

func TestAppendAllowedToolIsIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	require.NoError(t, m.AppendAllowedTool(ctx, "s1", "Bash"))
	require.NoError(t, m.AppendAllowedTool(ctx, "s1", "Bash"))
	require.NoError(t, m.AppendAllowedTool(ctx, "s1", "Edit"))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash", "Edit"}, got.AllowedTools)
}

func TestSetTitleKeepsFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	require.NoError(t, m.SetTitle(ctx, "s1", "first"))
	require.NoError(t, m.SetTitle(ctx, "s1", "second"))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
}

func TestRecoveryCounter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")

	n, err := m.IncrementRecoveryCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.IncrementRecoveryCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.ResetRecoveryCount(ctx, "s1"))
	n, err = m.IncrementRecoveryCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindZombiesScopedToWorker(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "mine-live")
	newRow(t, m, "mine-idle")
	newRow(t, m, "theirs-live")

	_, err := m.ClaimSession(ctx, "mine-live", "w1")
	require.NoError(t, err)
	_, err = m.ClaimSession(ctx, "theirs-live", "w2")
	require.NoError(t, err)

	zombies, err := m.FindZombies(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, zombies, 1)
	assert.Equal(t, "mine-live", zombies[0].ID)
}

func TestExecutionTransitions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	exec := &session.Execution{SessionID: "s1", WorkerID: "w1"}
	require.NoError(t, m.CreateExecution(ctx, exec))
	assert.Equal(t, session.ExecutionQueued, exec.Status)

	require.NoError(t, m.TransitionExecution(ctx, exec.ID, session.ExecutionQueued, session.ExecutionRunning, ""))
	// A CAS from the wrong source state is rejected.
	assert.Equal(t, ErrClaimConflict,
		m.TransitionExecution(ctx, exec.ID, session.ExecutionQueued, session.ExecutionRunning, ""))

	require.NoError(t, m.TransitionExecution(ctx, exec.ID, session.ExecutionRunning, session.ExecutionFailed, "boom"))
}

func TestFailOrphanedExecutions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	running := &session.Execution{SessionID: "s1", WorkerID: "w1"}
	require.NoError(t, m.CreateExecution(ctx, running))
	require.NoError(t, m.TransitionExecution(ctx, running.ID, session.ExecutionQueued, session.ExecutionRunning, ""))

	queued := &session.Execution{SessionID: "s2", WorkerID: "w1"}
	require.NoError(t, m.CreateExecution(ctx, queued))

	other := &session.Execution{SessionID: "s3", WorkerID: "w2"}
	require.NoError(t, m.CreateExecution(ctx, other))
	require.NoError(t, m.TransitionExecution(ctx, other.ID, session.ExecutionQueued, session.ExecutionRunning, ""))

	count, err := m.FailOrphanedExecutions(ctx, "w1", "worker restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetSessionReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newRow(t, m, "s1")
	require.NoError(t, m.AppendAllowedTool(ctx, "s1", "Bash"))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.AllowedTools[0] = "mutated"
	got.Status = session.StatusEnded

	again, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash"}, again.AllowedTools)
	assert.Equal(t, session.StatusIdle, again.Status)
}

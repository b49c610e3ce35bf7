package reconcile

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/runner"
	"github.com/agendo/agendo/internal/session/store"
)

type fakeSubmitter struct {
	requests []*runner.Request
}

func (f *fakeSubmitter) Submit(req *runner.Request) error {
	f.requests = append(f.requests, req)
	return nil
}

func newReconciler(t *testing.T, limit int) (*Reconciler, store.Store, *fakeSubmitter) {
	t.Helper()
	st := store.NewMemoryStore()
	sub := &fakeSubmitter{}
	cfg := config.SessionConfig{KillGraceSec: 1, RecoveryLimit: limit}
	return New(st, sub, cfg, "worker-1", logger.Default()), st, sub
}

func createZombie(t *testing.T, st store.Store, id, ref string, recoveries int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, &session.Session{
		ID:            id,
		AgentID:       "agent-1",
		Status:        session.StatusIdle,
		InitialPrompt: "p",
	}))
	_, err := st.ClaimSession(ctx, id, "worker-1")
	require.NoError(t, err)
	if ref != "" {
		require.NoError(t, st.SetSessionRef(ctx, id, ref))
	}
	for i := 0; i < recoveries; i++ {
		_, err := st.IncrementRecoveryCount(ctx, id)
		require.NoError(t, err)
	}
}

func TestRunRequeuesResumableZombie(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	createZombie(t, st, "s1", "ref-1", 0)

	require.NoError(t, r.Run(context.Background()))

	row, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, row.Status)
	assert.Equal(t, 1, row.RecoveryCount)

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, "s1", req.SessionID)
	assert.Equal(t, "recovery", req.Reason)
	assert.Equal(t, "ref-1", req.Start.ResumeRef)
	assert.Equal(t, RecoveryPrompt, req.Start.InitialPrompt)
}

func TestRunReleasesZombieWithoutRefToIdle(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	createZombie(t, st, "s1", "", 0)

	require.NoError(t, r.Run(context.Background()))

	row, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, row.Status)
	assert.Empty(t, row.WorkerID)
	assert.Empty(t, sub.requests)
}

func TestRunEnforcesRecoveryLimit(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	createZombie(t, st, "s1", "ref-1", 3)

	require.NoError(t, r.Run(context.Background()))

	row, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, row.Status)
	assert.Empty(t, sub.requests)
}

func TestRunLeavesLiveChildAlone(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	createZombie(t, st, "s1", "ref-1", 0)
	// Our own pid always passes the liveness probe.
	require.NoError(t, st.UpdatePID(context.Background(), "s1", os.Getpid()))

	require.NoError(t, r.Run(context.Background()))

	row, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, row.Status)
	assert.Equal(t, "worker-1", row.WorkerID)
	assert.Empty(t, sub.requests)
}

func TestRunDoesNotRequeueAwaitingInputZombie(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	createZombie(t, st, "s1", "ref-1", 0)
	require.NoError(t, st.UpdateStatus(context.Background(), "s1", "worker-1", session.StatusAwaitingInput))

	require.NoError(t, r.Run(context.Background()))

	row, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, row.Status)
	assert.Zero(t, row.RecoveryCount)
	assert.Empty(t, sub.requests)
}

func TestRunIgnoresOtherWorkersSessions(t *testing.T) {
	r, st, sub := newReconciler(t, 3)
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, &session.Session{
		ID: "s-other", AgentID: "agent-1", Status: session.StatusIdle, InitialPrompt: "p",
	}))
	_, err := st.ClaimSession(ctx, "s-other", "worker-2")
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx))

	row, err := st.GetSession(ctx, "s-other")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, row.Status)
	assert.Empty(t, sub.requests)
}

func TestRunFailsOrphanedExecutions(t *testing.T) {
	r, st, _ := newReconciler(t, 3)
	ctx := context.Background()
	require.NoError(t, st.CreateExecution(ctx, &session.Execution{
		ID: "e1", AgentID: "agent-1", WorkerID: "worker-1", Status: session.ExecutionRunning,
	}))
	require.NoError(t, st.CreateExecution(ctx, &session.Execution{
		ID: "e2", AgentID: "agent-1", WorkerID: "worker-2", Status: session.ExecutionRunning,
	}))

	require.NoError(t, r.Run(ctx))

	failed, err := st.FailOrphanedExecutions(ctx, "worker-1", "x")
	require.NoError(t, err)
	assert.Zero(t, failed)
}

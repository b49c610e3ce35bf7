// Package reconcile repairs session state after a worker restart: rows still
// marked live under this worker id belong to supervisors that no longer
// exist. Their children are orphans; the rows are zombies.
package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/runner"
	"github.com/agendo/agendo/internal/session/store"
)

// RecoveryPrompt is pushed into a resumed session so the agent knows its
// previous turn was cut short.
const RecoveryPrompt = "Your previous run was interrupted by a worker restart. Review your recent steps and continue where you left off."

// Submitter enqueues recovery runs; satisfied by *runner.Runner.
type Submitter interface {
	Submit(req *runner.Request) error
}

// Reconciler runs the boot zombie pass for one worker id.
type Reconciler struct {
	store    store.Store
	runner   Submitter
	cfg      config.SessionConfig
	workerID string
	logger   *logger.Logger
}

// New creates a reconciler.
func New(st store.Store, sub Submitter, cfg config.SessionConfig, workerID string, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:    st,
		runner:   sub,
		cfg:      cfg,
		workerID: workerID,
		logger:   log.WithFields(zap.String("component", "reconcile")),
	}
}

// Run executes the boot pass: release zombie rows whose children are gone,
// re-enqueue resumable sessions within the recovery budget, and fail
// executions orphaned by the restart.
func (r *Reconciler) Run(ctx context.Context) error {
	zombies, err := r.store.FindZombies(ctx, r.workerID)
	if err != nil {
		return err
	}
	if len(zombies) > 0 {
		r.logger.Info("found zombie sessions", zap.Int("count", len(zombies)))
	}

	for _, z := range zombies {
		r.reconcileSession(ctx, z)
	}

	failed, err := r.store.FailOrphanedExecutions(ctx, r.workerID, "worker restarted")
	if err != nil {
		r.logger.Error("failed to fail orphaned executions", zap.Error(err))
	} else if failed > 0 {
		r.logger.Info("failed orphaned executions", zap.Int("count", failed))
	}
	return nil
}

func (r *Reconciler) reconcileSession(ctx context.Context, z *session.Session) {
	log := r.logger.WithFields(zap.String("session_id", z.ID), zap.Int("pid", z.PID))

	// A live pid under our worker id means another instance of this worker
	// still owns the child. Leave the row alone.
	if adapter.ProcessAlive(z.PID) {
		log.Warn("zombie candidate has a live child, leaving it")
		return
	}

	resumable := z.Status == session.StatusActive && z.SessionRef != ""

	if err := r.store.ReleaseSession(ctx, z.ID, r.workerID, session.StatusIdle); err != nil {
		log.Error("failed to release zombie session", zap.Error(err))
		return
	}

	// Only sessions cut down mid-turn get an automatic recovery run; rows
	// that were awaiting input simply resume when the user next writes.
	if !resumable {
		log.Info("zombie released to idle")
		return
	}

	count, err := r.store.IncrementRecoveryCount(ctx, z.ID)
	if err != nil {
		log.Error("failed to bump recovery count", zap.Error(err))
		return
	}
	if r.cfg.RecoveryLimit > 0 && count > r.cfg.RecoveryLimit {
		log.Warn("recovery limit exceeded, leaving session idle", zap.Int("count", count))
		return
	}

	err = r.runner.Submit(&runner.Request{
		SessionID: z.ID,
		Priority:  5,
		Reason:    "recovery",
		Start: runner.StartParams{
			ResumeRef:     z.SessionRef,
			InitialPrompt: RecoveryPrompt,
			DisplayText:   "[Session recovered after worker restart]",
		},
	})
	if err != nil {
		log.Error("failed to enqueue recovery run", zap.Error(err))
		return
	}
	log.Info("zombie session queued for recovery", zap.Int("recovery_count", count))
}

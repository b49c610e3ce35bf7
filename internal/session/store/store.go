// Package store defines the persistence interface for session rows and
// one-shot executions, with memory, SQLite, and Postgres implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agendo/agendo/internal/session"
)

// Common errors.
var (
	// ErrNotFound is returned when a session or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when a compare-and-set claim affects zero rows.
	ErrClaimConflict = errors.New("session already claimed")
	// ErrSessionRefSet is returned when SetSessionRef finds a ref already set.
	ErrSessionRefSet = errors.New("session ref already set")
)

// Store defines session and execution persistence. All lifecycle mutations
// on a claimed session are performed only by the supervisor holding the claim.
type Store interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *session.Session) error

	// GetSession returns the session by id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// ListSessions returns all sessions (for status endpoints).
	ListSessions(ctx context.Context) ([]*session.Session, error)

	// ClaimSession atomically transitions status from idle|ended to active and
	// records the worker id, started-at and heartbeat timestamps. Returns the
	// claimed row, or ErrClaimConflict when the CAS affects zero rows.
	ClaimSession(ctx context.Context, id, workerID string) (*session.Session, error)

	// ReleaseSession CASes the session from the worker's ownership into the
	// given terminal-or-idle status with workerId nulled.
	ReleaseSession(ctx context.Context, id, workerID string, status session.Status) error

	// UpdateStatus sets the status for a session owned by workerID.
	UpdateStatus(ctx context.Context, id, workerID string, status session.Status) error

	// SetSessionRef records the adapter-assigned reference. Set exactly once;
	// returns ErrSessionRefSet if a different non-empty ref exists.
	SetSessionRef(ctx context.Context, id, ref string) error

	// ClearSessionRef nulls the ref to force a fresh spawn on the next run.
	ClearSessionRef(ctx context.Context, id string) error

	// UpdateEventSeq persists the last assigned event sequence. The value
	// never decreases; lower values are ignored.
	UpdateEventSeq(ctx context.Context, id string, seq int64) error

	// UpdateHeartbeat bumps heartbeat_at to now.
	UpdateHeartbeat(ctx context.Context, id string) error

	// UpdatePID records the child pid.
	UpdatePID(ctx context.Context, id string, pid int) error

	// UpdateLogPath persists the session log file path.
	UpdateLogPath(ctx context.Context, id, path string) error

	// TouchActivity bumps last_active_at to now.
	TouchActivity(ctx context.Context, id string) error

	// AppendAllowedTool adds a tool name to the session allowlist. Idempotent.
	AppendAllowedTool(ctx context.Context, id, toolName string) error

	// SetInitialPrompt replaces the initial prompt (clear-context restart).
	SetInitialPrompt(ctx context.Context, id, prompt string) error

	// SetPermissionMode persists the permission mode.
	SetPermissionMode(ctx context.Context, id string, mode session.PermissionMode) error

	// SetModel persists the model selection.
	SetModel(ctx context.Context, id, model string) error

	// SetTitle persists a derived session title; a no-op if already set.
	SetTitle(ctx context.Context, id, title string) error

	// SetPlanFilePath persists the captured plan file path.
	SetPlanFilePath(ctx context.Context, id, path string) error

	// IncrementRecoveryCount bumps and returns the crash-recovery counter.
	IncrementRecoveryCount(ctx context.Context, id string) (int, error)

	// ResetRecoveryCount zeroes the crash-recovery counter.
	ResetRecoveryCount(ctx context.Context, id string) error

	// FindZombies returns sessions marked live under the given worker id.
	FindZombies(ctx context.Context, workerID string) ([]*session.Session, error)

	// CreateExecution inserts a one-shot execution row.
	CreateExecution(ctx context.Context, e *session.Execution) error

	// TransitionExecution CASes an execution from one status to another.
	// Returns ErrClaimConflict when the row is not in the expected status.
	TransitionExecution(ctx context.Context, id string, from, to session.ExecutionStatus, errMsg string) error

	// FailOrphanedExecutions CASes running|cancelling executions under the
	// worker id to failed with the given error. Returns the count.
	FailOrphanedExecutions(ctx context.Context, workerID, errMsg string) (int, error)

	// Close closes the store (for database connections).
	Close() error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

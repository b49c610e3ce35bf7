package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agendo/agendo/internal/session"
)

// sqlStore holds the Store implementation shared by the SQLite and Postgres
// backends. Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db *sqlx.DB
}

var _ Store = (*sqlStore)(nil)

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *sqlStore) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *sqlStore) sel(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	session.Session
	AllowedToolsJSON string       `db:"allowed_tools"`
	StartedAt        sql.NullTime `db:"started_at"`
	HeartbeatAt      sql.NullTime `db:"heartbeat_at"`
	LastActiveAt     sql.NullTime `db:"last_active_at"`
	EndedAt          sql.NullTime `db:"ended_at"`
}

func (r *sessionRow) toSession() *session.Session {
	out := r.Session
	_ = json.Unmarshal([]byte(r.AllowedToolsJSON), &out.AllowedTools)
	if r.StartedAt.Valid {
		out.StartedAt = r.StartedAt.Time
	}
	if r.HeartbeatAt.Valid {
		out.HeartbeatAt = r.HeartbeatAt.Time
	}
	if r.LastActiveAt.Valid {
		out.LastActiveAt = r.LastActiveAt.Time
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		out.EndedAt = &t
	}
	return &out
}

// CreateSession inserts a new session row.
func (s *sqlStore) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := nowUTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = session.StatusIdle
	}
	tools, err := json.Marshal(sess.AllowedTools)
	if err != nil {
		tools = []byte("[]")
	}
	_, err = s.exec(ctx, `
		INSERT INTO sessions (id, agent_id, capability_id, project_id, task_id, session_ref,
			status, permission_mode, model, allowed_tools, initial_prompt, title,
			worker_id, pid, log_file_path, event_seq, idle_timeout_sec, plan_file_path,
			recovery_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentID, sess.CapabilityID, sess.ProjectID, sess.TaskID, sess.SessionRef,
		sess.Status, sess.PermissionMode, sess.Model, string(tools), sess.InitialPrompt, sess.Title,
		sess.WorkerID, sess.PID, sess.LogFilePath, sess.EventSeq, sess.IdleTimeoutSec, sess.PlanFilePath,
		sess.RecoveryCount, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// GetSession returns the session by id, or ErrNotFound.
func (s *sqlStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	err := s.get(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toSession(), nil
}

// ListSessions returns all sessions.
func (s *sqlStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	var rows []sessionRow
	if err := s.sel(ctx, &rows, `SELECT * FROM sessions ORDER BY created_at`); err != nil {
		return nil, err
	}
	result := make([]*session.Session, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toSession())
	}
	return result, nil
}

// ClaimSession atomically claims an idle|ended session for the worker.
func (s *sqlStore) ClaimSession(ctx context.Context, id, workerID string) (*session.Session, error) {
	now := nowUTC()
	res, err := s.exec(ctx, `
		UPDATE sessions
		SET status = ?, worker_id = ?, started_at = ?, heartbeat_at = ?, last_active_at = ?,
			ended_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		session.StatusActive, workerID, now, now, now, now,
		id, session.StatusIdle, session.StatusEnded)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrClaimConflict
	}
	return s.GetSession(ctx, id)
}

// ReleaseSession releases the worker's claim into the given status.
func (s *sqlStore) ReleaseSession(ctx context.Context, id, workerID string, status session.Status) error {
	now := nowUTC()
	var endedAt any
	if status == session.StatusEnded {
		endedAt = now
	}
	res, err := s.exec(ctx, `
		UPDATE sessions
		SET status = ?, worker_id = '', pid = 0, last_active_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ?`,
		status, now, endedAt, now, id, workerID)
	if err != nil {
		return err
	}
	return casResult(res)
}

// UpdateStatus sets the status for a session owned by the worker.
func (s *sqlStore) UpdateStatus(ctx context.Context, id, workerID string, status session.Status) error {
	res, err := s.exec(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND worker_id = ?`,
		status, nowUTC(), id, workerID)
	if err != nil {
		return err
	}
	return casResult(res)
}

// SetSessionRef records the adapter-assigned reference exactly once.
func (s *sqlStore) SetSessionRef(ctx context.Context, id, ref string) error {
	res, err := s.exec(ctx, `
		UPDATE sessions SET session_ref = ?, updated_at = ?
		WHERE id = ? AND (session_ref = '' OR session_ref = ?)`,
		ref, nowUTC(), id, ref)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrSessionRefSet
	}
	return nil
}

// ClearSessionRef nulls the ref to force a fresh spawn.
func (s *sqlStore) ClearSessionRef(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET session_ref = '', updated_at = ? WHERE id = ?`, nowUTC(), id)
	return err
}

// UpdateEventSeq persists the last assigned event sequence, monotonically.
func (s *sqlStore) UpdateEventSeq(ctx context.Context, id string, seq int64) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET event_seq = ?, updated_at = ? WHERE id = ? AND event_seq < ?`,
		seq, nowUTC(), id, seq)
	return err
}

// UpdateHeartbeat bumps heartbeat_at.
func (s *sqlStore) UpdateHeartbeat(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET heartbeat_at = ? WHERE id = ?`, nowUTC(), id)
	return err
}

// UpdatePID records the child pid.
func (s *sqlStore) UpdatePID(ctx context.Context, id string, pid int) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET pid = ?, updated_at = ? WHERE id = ?`, pid, nowUTC(), id)
	return err
}

// UpdateLogPath persists the session log file path.
func (s *sqlStore) UpdateLogPath(ctx context.Context, id, path string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET log_file_path = ?, updated_at = ? WHERE id = ?`, path, nowUTC(), id)
	return err
}

// TouchActivity bumps last_active_at.
func (s *sqlStore) TouchActivity(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, nowUTC(), id)
	return err
}

// AppendAllowedTool adds a tool name to the allowlist, idempotently.
// Read-modify-write is safe: only the claim-holding supervisor writes it.
func (s *sqlStore) AppendAllowedTool(ctx context.Context, id, toolName string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.HasAllowedTool(toolName) {
		return nil
	}
	tools, err := json.Marshal(append(sess.AllowedTools, toolName))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`UPDATE sessions SET allowed_tools = ?, updated_at = ? WHERE id = ?`,
		string(tools), nowUTC(), id)
	return err
}

// SetInitialPrompt replaces the initial prompt.
func (s *sqlStore) SetInitialPrompt(ctx context.Context, id, prompt string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET initial_prompt = ?, updated_at = ? WHERE id = ?`, prompt, nowUTC(), id)
	return err
}

// SetPermissionMode persists the permission mode.
func (s *sqlStore) SetPermissionMode(ctx context.Context, id string, mode session.PermissionMode) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET permission_mode = ?, updated_at = ? WHERE id = ?`, mode, nowUTC(), id)
	return err
}

// SetModel persists the model selection.
func (s *sqlStore) SetModel(ctx context.Context, id, model string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?`, model, nowUTC(), id)
	return err
}

// SetTitle persists a derived title unless one is already set.
func (s *sqlStore) SetTitle(ctx context.Context, id, title string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND title = ''`, title, nowUTC(), id)
	return err
}

// SetPlanFilePath persists the captured plan file path.
func (s *sqlStore) SetPlanFilePath(ctx context.Context, id, path string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET plan_file_path = ?, updated_at = ? WHERE id = ?`, path, nowUTC(), id)
	return err
}

// IncrementRecoveryCount bumps and returns the crash-recovery counter.
func (s *sqlStore) IncrementRecoveryCount(ctx context.Context, id string) (int, error) {
	_, err := s.exec(ctx,
		`UPDATE sessions SET recovery_count = recovery_count + 1, updated_at = ? WHERE id = ?`, nowUTC(), id)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.get(ctx, &count, `SELECT recovery_count FROM sessions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// ResetRecoveryCount zeroes the crash-recovery counter.
func (s *sqlStore) ResetRecoveryCount(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET recovery_count = 0 WHERE id = ?`, id)
	return err
}

// FindZombies returns sessions marked live under the given worker id.
func (s *sqlStore) FindZombies(ctx context.Context, workerID string) ([]*session.Session, error) {
	var rows []sessionRow
	err := s.sel(ctx, &rows,
		`SELECT * FROM sessions WHERE worker_id = ? AND status IN (?, ?)`,
		workerID, session.StatusActive, session.StatusAwaitingInput)
	if err != nil {
		return nil, err
	}
	result := make([]*session.Session, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toSession())
	}
	return result, nil
}

// CreateExecution inserts a one-shot execution row.
func (s *sqlStore) CreateExecution(ctx context.Context, e *session.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = nowUTC()
	if e.Status == "" {
		e.Status = session.ExecutionQueued
	}
	_, err := s.exec(ctx, `
		INSERT INTO executions (id, session_id, agent_id, worker_id, pid, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.AgentID, e.WorkerID, e.PID, e.Status, e.Error, e.CreatedAt)
	return err
}

// TransitionExecution CASes an execution between statuses.
func (s *sqlStore) TransitionExecution(ctx context.Context, id string, from, to session.ExecutionStatus, errMsg string) error {
	var finishedAt any
	switch to {
	case session.ExecutionSucceeded, session.ExecutionFailed, session.ExecutionCancelled, session.ExecutionTimedOut:
		finishedAt = nowUTC()
	}
	res, err := s.exec(ctx, `
		UPDATE executions SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
		to, errMsg, finishedAt, id, from)
	if err != nil {
		return err
	}
	return casResult(res)
}

// FailOrphanedExecutions fails running|cancelling executions under the worker.
func (s *sqlStore) FailOrphanedExecutions(ctx context.Context, workerID, errMsg string) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE executions SET status = ?, error = ?, finished_at = ?
		WHERE worker_id = ? AND status IN (?, ?)`,
		session.ExecutionFailed, errMsg, nowUTC(),
		workerID, session.ExecutionRunning, session.ExecutionCancelling)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func casResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimConflict
	}
	return nil
}

package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/agendo/agendo/internal/session"
)

// MemoryStore is an in-memory Store for tests and ephemeral single-node runs.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*session.Session
	executions map[string]*session.Execution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*session.Session),
		executions: make(map[string]*session.Execution),
	}
}

func copySession(s *session.Session) *session.Session {
	cp := *s
	cp.AllowedTools = append([]string(nil), s.AllowedTools...)
	return &cp
}

// CreateSession inserts a new session row.
func (m *MemoryStore) CreateSession(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := nowUTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = session.StatusIdle
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession returns a copy of the session by id.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessions returns copies of all sessions.
func (m *MemoryStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, copySession(s))
	}
	return result, nil
}

// ClaimSession atomically claims an idle|ended session for the worker.
func (m *MemoryStore) ClaimSession(ctx context.Context, id, workerID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != session.StatusIdle && s.Status != session.StatusEnded {
		return nil, ErrClaimConflict
	}
	now := nowUTC()
	s.Status = session.StatusActive
	s.WorkerID = workerID
	s.StartedAt = now
	s.HeartbeatAt = now
	s.LastActiveAt = now
	s.EndedAt = nil
	s.UpdatedAt = now
	return copySession(s), nil
}

// ReleaseSession releases the worker's claim into the given status.
func (m *MemoryStore) ReleaseSession(ctx context.Context, id, workerID string, status session.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.WorkerID != workerID {
		return ErrClaimConflict
	}
	now := nowUTC()
	s.Status = status
	s.WorkerID = ""
	s.PID = 0
	s.LastActiveAt = now
	if status == session.StatusEnded {
		s.EndedAt = &now
	}
	s.UpdatedAt = now
	return nil
}

// UpdateStatus sets the status for a session owned by the worker.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id, workerID string, status session.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.WorkerID != workerID {
		return ErrClaimConflict
	}
	s.Status = status
	s.UpdatedAt = nowUTC()
	return nil
}

// SetSessionRef records the adapter-assigned reference exactly once.
func (m *MemoryStore) SetSessionRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.SessionRef != "" && s.SessionRef != ref {
		return ErrSessionRefSet
	}
	s.SessionRef = ref
	s.UpdatedAt = nowUTC()
	return nil
}

// ClearSessionRef nulls the ref to force a fresh spawn.
func (m *MemoryStore) ClearSessionRef(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.SessionRef = ""
	s.UpdatedAt = nowUTC()
	return nil
}

// UpdateEventSeq persists the last assigned event sequence, monotonically.
func (m *MemoryStore) UpdateEventSeq(ctx context.Context, id string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if seq > s.EventSeq {
		s.EventSeq = seq
		s.UpdatedAt = nowUTC()
	}
	return nil
}

// UpdateHeartbeat bumps heartbeat_at.
func (m *MemoryStore) UpdateHeartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.HeartbeatAt = nowUTC()
	return nil
}

// UpdatePID records the child pid.
func (m *MemoryStore) UpdatePID(ctx context.Context, id string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.PID = pid
	s.UpdatedAt = nowUTC()
	return nil
}

// UpdateLogPath persists the session log file path.
func (m *MemoryStore) UpdateLogPath(ctx context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LogFilePath = path
	s.UpdatedAt = nowUTC()
	return nil
}

// TouchActivity bumps last_active_at.
func (m *MemoryStore) TouchActivity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = nowUTC()
	return nil
}

// AppendAllowedTool adds a tool name to the session allowlist, idempotently.
func (m *MemoryStore) AppendAllowedTool(ctx context.Context, id, toolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.HasAllowedTool(toolName) {
		return nil
	}
	s.AllowedTools = append(s.AllowedTools, toolName)
	s.UpdatedAt = nowUTC()
	return nil
}

// SetInitialPrompt replaces the initial prompt.
func (m *MemoryStore) SetInitialPrompt(ctx context.Context, id, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.InitialPrompt = prompt
	s.UpdatedAt = nowUTC()
	return nil
}

// SetPermissionMode persists the permission mode.
func (m *MemoryStore) SetPermissionMode(ctx context.Context, id string, mode session.PermissionMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.PermissionMode = mode
	s.UpdatedAt = nowUTC()
	return nil
}

// SetModel persists the model selection.
func (m *MemoryStore) SetModel(ctx context.Context, id, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Model = model
	s.UpdatedAt = nowUTC()
	return nil
}

// SetTitle persists a derived title unless one is already set.
func (m *MemoryStore) SetTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Title != "" {
		return nil
	}
	s.Title = title
	s.UpdatedAt = nowUTC()
	return nil
}

// SetPlanFilePath persists the captured plan file path.
func (m *MemoryStore) SetPlanFilePath(ctx context.Context, id, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.PlanFilePath = path
	s.UpdatedAt = nowUTC()
	return nil
}

// IncrementRecoveryCount bumps and returns the crash-recovery counter.
func (m *MemoryStore) IncrementRecoveryCount(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	s.RecoveryCount++
	s.UpdatedAt = nowUTC()
	return s.RecoveryCount, nil
}

// ResetRecoveryCount zeroes the crash-recovery counter.
func (m *MemoryStore) ResetRecoveryCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.RecoveryCount = 0
	return nil
}

// FindZombies returns sessions marked live under the given worker id.
func (m *MemoryStore) FindZombies(ctx context.Context, workerID string) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*session.Session
	for _, s := range m.sessions {
		if s.WorkerID == workerID && s.Status.IsLive() {
			result = append(result, copySession(s))
		}
	}
	return result, nil
}

// CreateExecution inserts a one-shot execution row.
func (m *MemoryStore) CreateExecution(ctx context.Context, e *session.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = nowUTC()
	if e.Status == "" {
		e.Status = session.ExecutionQueued
	}
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

// TransitionExecution CASes an execution between statuses.
func (m *MemoryStore) TransitionExecution(ctx context.Context, id string, from, to session.ExecutionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrClaimConflict
	}
	e.Status = to
	e.Error = errMsg
	if to == session.ExecutionSucceeded || to == session.ExecutionFailed ||
		to == session.ExecutionCancelled || to == session.ExecutionTimedOut {
		now := nowUTC()
		e.FinishedAt = &now
	}
	return nil
}

// FailOrphanedExecutions fails running|cancelling executions under the worker.
func (m *MemoryStore) FailOrphanedExecutions(ctx context.Context, workerID, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := nowUTC()
	for _, e := range m.executions {
		if e.WorkerID != workerID {
			continue
		}
		if e.Status == session.ExecutionRunning || e.Status == session.ExecutionCancelling {
			e.Status = session.ExecutionFailed
			e.Error = errMsg
			e.FinishedAt = &now
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

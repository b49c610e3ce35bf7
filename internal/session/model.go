// Package session defines the core entities of the Agendo worker: the
// session row, the canonical event stream, and the inbound control messages.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusIdle means the session is resumable but no supervisor owns it.
	StatusIdle Status = "idle"
	// StatusActive means a supervisor owns the session and the child is working.
	StatusActive Status = "active"
	// StatusAwaitingInput means the child is alive but waiting for the next user turn.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusEnded is terminal for the run.
	StatusEnded Status = "ended"
)

// IsLive reports whether a supervisor should currently own the session.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusAwaitingInput
}

// PermissionMode mirrors the agent CLI permission modes.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionPlan              PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// Session is the persistent session row. The row is the source of truth for
// the session lifecycle; the supervisor holding the claim has exclusive write
// rights to the lifecycle columns.
type Session struct {
	ID           string `json:"id" db:"id"`
	AgentID      string `json:"agent_id" db:"agent_id"`
	CapabilityID string `json:"capability_id" db:"capability_id"`
	ProjectID    string `json:"project_id,omitempty" db:"project_id"`
	TaskID       string `json:"task_id,omitempty" db:"task_id"`

	// SessionRef is the adapter-assigned identity used for resume.
	// Null until the first init; deliberately nulled by clear-context restart.
	SessionRef string `json:"session_ref,omitempty" db:"session_ref"`

	Status         Status         `json:"status" db:"status"`
	PermissionMode PermissionMode `json:"permission_mode" db:"permission_mode"`
	Model          string         `json:"model,omitempty" db:"model"`
	AllowedTools   []string       `json:"allowed_tools,omitempty" db:"-"`
	InitialPrompt  string         `json:"initial_prompt" db:"initial_prompt"`
	Title          string         `json:"title,omitempty" db:"title"`

	WorkerID string `json:"worker_id,omitempty" db:"worker_id"`
	PID      int    `json:"pid,omitempty" db:"pid"`

	StartedAt    time.Time  `json:"started_at,omitempty" db:"started_at"`
	HeartbeatAt  time.Time  `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	LastActiveAt time.Time  `json:"last_active_at,omitempty" db:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	LogFilePath string `json:"log_file_path,omitempty" db:"log_file_path"`

	// EventSeq is the last assigned canonical event id. It never decreases;
	// subsequent runs of the same session resume numbering from it.
	EventSeq int64 `json:"event_seq" db:"event_seq"`

	IdleTimeoutSec int    `json:"idle_timeout_sec" db:"idle_timeout_sec"`
	PlanFilePath   string `json:"plan_file_path,omitempty" db:"plan_file_path"`

	// RecoveryCount bounds automatic re-enqueues after crashes. Reset on each
	// successful transition into awaiting_input.
	RecoveryCount int `json:"recovery_count" db:"recovery_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasAllowedTool reports whether the tool is on the session-scoped allowlist.
func (s *Session) HasAllowedTool(name string) bool {
	for _, t := range s.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ExecutionStatus is the lifecycle state of a one-shot execution.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionTimedOut   ExecutionStatus = "timed_out"
)

// Execution is a one-shot agent run (adapter variant C).
type Execution struct {
	ID         string          `json:"id" db:"id"`
	SessionID  string          `json:"session_id,omitempty" db:"session_id"`
	AgentID    string          `json:"agent_id" db:"agent_id"`
	WorkerID   string          `json:"worker_id,omitempty" db:"worker_id"`
	PID        int             `json:"pid,omitempty" db:"pid"`
	Status     ExecutionStatus `json:"status" db:"status"`
	Error      string          `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

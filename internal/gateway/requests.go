package gateway

import (
	"time"

	"github.com/agendo/agendo/internal/session"
)

// CreateSessionRequest starts a new session.
type CreateSessionRequest struct {
	AgentID        string   `json:"agent_id" binding:"required"`
	Prompt         string   `json:"prompt" binding:"required"`
	CWD            string   `json:"cwd,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	Model          string   `json:"model,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	IdleTimeoutSec int      `json:"idle_timeout_sec,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
}

// MessageRequest pushes one user turn.
type MessageRequest struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref,omitempty"`
}

// ApprovalRequest answers a pending tool approval.
type ApprovalRequest struct {
	ApprovalID          string         `json:"approval_id" binding:"required"`
	Decision            string         `json:"decision" binding:"required"`
	UpdatedInput        map[string]any `json:"updated_input,omitempty"`
	PermissionMode      string         `json:"permission_mode,omitempty"`
	PostApprovalCompact bool           `json:"post_approval_compact,omitempty"`
}

// AnswerRequest answers an ask-user approval.
type AnswerRequest struct {
	ApprovalID string         `json:"approval_id" binding:"required"`
	Answers    map[string]any `json:"answers" binding:"required"`
}

// ToolResultRequest settles a client-executed tool.
type ToolResultRequest struct {
	ToolUseID  string `json:"tool_use_id" binding:"required"`
	ToolResult any    `json:"tool_result"`
}

// PermissionModeRequest switches the permission mode.
type PermissionModeRequest struct {
	PermissionMode string `json:"permission_mode" binding:"required"`
}

// ModelRequest switches the model.
type ModelRequest struct {
	Model string `json:"model" binding:"required"`
}

// SessionResponse is the outbound session shape.
type SessionResponse struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Status         string    `json:"status"`
	PermissionMode string    `json:"permission_mode"`
	Model          string    `json:"model,omitempty"`
	Title          string    `json:"title,omitempty"`
	EventSeq       int64     `json:"event_seq"`
	PID            int       `json:"pid,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionsListResponse wraps the session list.
type SessionsListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// StatusResponse reports worker health and load.
type StatusResponse struct {
	Status         string `json:"status"`
	WorkerID       string `json:"worker_id"`
	ActiveSessions int    `json:"active_sessions"`
	QueuedSessions int    `json:"queued_sessions"`
	BusConnected   bool   `json:"bus_connected"`
}

func sessionToResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		AgentID:        s.AgentID,
		TaskID:         s.TaskID,
		Status:         string(s.Status),
		PermissionMode: string(s.PermissionMode),
		Model:          s.Model,
		Title:          s.Title,
		EventSeq:       s.EventSeq,
		PID:            s.PID,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

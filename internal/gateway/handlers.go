// Package gateway exposes the worker's HTTP surface: session lifecycle
// endpoints, the control channel, and the SSE/WebSocket stream bridges.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/runner"
	"github.com/agendo/agendo/internal/session/store"
)

// Scheduler is the gateway's view of the run scheduler.
type Scheduler interface {
	Submit(req *runner.Request) error
	CancelQueued(sessionID string) bool
	Queued(sessionID string) bool
	ActiveCount() int
	QueueLen() int
}

// Handler contains the HTTP handlers for the worker API.
type Handler struct {
	store     store.Store
	bus       bus.Bus
	scheduler Scheduler
	workerID  string
	logger    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(st store.Store, b bus.Bus, sched Scheduler, workerID string, log *logger.Logger) *Handler {
	return &Handler{
		store:     st,
		bus:       b,
		scheduler: sched,
		workerID:  workerID,
		logger:    log.WithFields(zap.String("component", "gateway")),
	}
}

// CreateSession creates a session row and queues its first run.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	mode := session.PermissionMode(req.PermissionMode)
	if mode == "" {
		mode = session.PermissionDefault
	}

	row := &session.Session{
		ID:             uuid.New().String(),
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		Status:         session.StatusIdle,
		PermissionMode: mode,
		Model:          req.Model,
		AllowedTools:   req.AllowedTools,
		InitialPrompt:  req.Prompt,
		IdleTimeoutSec: req.IdleTimeoutSec,
	}
	if err := h.store.CreateSession(c.Request.Context(), row); err != nil {
		appErr := errors.InternalError("failed to create session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := h.scheduler.Submit(&runner.Request{
		SessionID: row.ID,
		Priority:  req.Priority,
		Reason:    "user",
		Start:     runner.StartParams{CWD: req.CWD},
	})
	if err != nil {
		h.logger.Error("failed to queue session run", zap.String("session_id", row.ID), zap.Error(err))
		appErr := errors.ServiceUnavailable("run queue")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(row))
}

// ListSessions returns all sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	rows, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		appErr := errors.InternalError("failed to list sessions", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sessions := make([]SessionResponse, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionToResponse(row))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession returns one session.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(row))
}

// PostMessage delivers a user turn. A live session receives it over the
// control channel; an idle session is queued for a resume run carrying the
// message as its prompt.
// POST /api/v1/sessions/:sessionId/message
func (h *Handler) PostMessage(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Text == "" && req.ImageRef == "" {
		appErr := errors.BadRequest("text or image_ref is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	switch {
	case row.Status.IsLive():
		h.publishControl(c, row.ID, &session.Control{
			Type:     session.ControlMessage,
			Text:     req.Text,
			ImageRef: req.ImageRef,
		})
	case row.Status == session.StatusIdle:
		err := h.scheduler.Submit(&runner.Request{
			SessionID: row.ID,
			Reason:    "user",
			Start: runner.StartParams{
				ResumeRef:     row.SessionRef,
				InitialPrompt: req.Text,
				DisplayText:   req.Text,
			},
		})
		if err != nil {
			appErr := errors.ServiceUnavailable("run queue")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message": "session queued for resume"})
	default:
		appErr := errors.Conflict("session has ended")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// CancelSession stops a session wherever it is: dequeued if waiting,
// cancelled over the control channel if live, ended directly if idle.
// POST /api/v1/sessions/:sessionId/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}

	if h.scheduler.CancelQueued(row.ID) {
		if err := h.store.UpdateStatus(c.Request.Context(), row.ID, row.WorkerID, session.StatusEnded); err != nil {
			h.logger.Error("failed to end dequeued session", zap.String("session_id", row.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"message": "queued run cancelled"})
		return
	}

	switch {
	case row.Status.IsLive():
		h.publishControl(c, row.ID, &session.Control{Type: session.ControlCancel})
	case row.Status == session.StatusIdle:
		if err := h.store.UpdateStatus(c.Request.Context(), row.ID, row.WorkerID, session.StatusEnded); err != nil {
			appErr := errors.InternalError("failed to end session", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "session ended"})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "session already ended"})
	}
}

// InterruptSession soft-cancels the current turn.
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	h.liveControl(c, &session.Control{Type: session.ControlInterrupt})
}

// RedirectSession interrupts the turn and delivers a new instruction.
// POST /api/v1/sessions/:sessionId/redirect
func (h *Handler) RedirectSession(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Text == "" && req.ImageRef == "") {
		appErr := errors.BadRequest("text or image_ref is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{
		Type:     session.ControlRedirect,
		Text:     req.Text,
		ImageRef: req.ImageRef,
	})
}

// PostApproval answers a pending tool approval.
// POST /api/v1/sessions/:sessionId/approval
func (h *Handler) PostApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{
		Type:                session.ControlToolApproval,
		ApprovalID:          req.ApprovalID,
		Decision:            session.ApprovalDecision(req.Decision),
		UpdatedInput:        req.UpdatedInput,
		PermissionMode:      session.PermissionMode(req.PermissionMode),
		PostApprovalCompact: req.PostApprovalCompact,
	})
}

// PostAnswer answers an ask-user approval.
// POST /api/v1/sessions/:sessionId/answer
func (h *Handler) PostAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{
		Type:       session.ControlAnswerQuestion,
		ApprovalID: req.ApprovalID,
		Answers:    req.Answers,
	})
}

// PostToolResult settles a client-executed tool.
// POST /api/v1/sessions/:sessionId/tool-result
func (h *Handler) PostToolResult(c *gin.Context) {
	var req ToolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{
		Type:       session.ControlToolResult,
		ToolUseID:  req.ToolUseID,
		ToolResult: req.ToolResult,
	})
}

// SetPermissionMode switches the permission mode.
// POST /api/v1/sessions/:sessionId/permission-mode
func (h *Handler) SetPermissionMode(c *gin.Context) {
	var req PermissionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{
		Type:           session.ControlSetPermissionMode,
		PermissionMode: session.PermissionMode(req.PermissionMode),
	})
}

// SetModel switches the model.
// POST /api/v1/sessions/:sessionId/model
func (h *Handler) SetModel(c *gin.Context) {
	var req ModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.liveControl(c, &session.Control{Type: session.ControlSetModel, Model: req.Model})
}

// GetStatus reports worker load.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:         "healthy",
		WorkerID:       h.workerID,
		ActiveSessions: h.scheduler.ActiveCount(),
		QueuedSessions: h.scheduler.QueueLen(),
		BusConnected:   h.bus.IsConnected(),
	})
}

// HealthCheck returns liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// loadSession fetches the path session or writes the error response.
func (h *Handler) loadSession(c *gin.Context) (*session.Session, bool) {
	id := c.Param("sessionId")
	if id == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}
	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			appErr := errors.NotFound("session", id)
			c.JSON(appErr.HTTPStatus, appErr)
			return nil, false
		}
		appErr := errors.InternalError("failed to load session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}
	return row, true
}

// liveControl validates the session is live and publishes the control.
func (h *Handler) liveControl(c *gin.Context, ctrl *session.Control) {
	row, ok := h.loadSession(c)
	if !ok {
		return
	}
	if !row.Status.IsLive() {
		appErr := errors.Conflict("session is not running")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.publishControl(c, row.ID, ctrl)
}

func (h *Handler) publishControl(c *gin.Context, sessionID string, ctrl *session.Control) {
	if err := ctrl.Validate(); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	data, err := json.Marshal(ctrl)
	if err != nil {
		appErr := errors.InternalError("failed to encode control", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.bus.Publish(context.Background(), bus.SessionControlSubject(sessionID), data); err != nil {
		appErr := errors.InternalError("failed to publish control", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "control accepted"})
}

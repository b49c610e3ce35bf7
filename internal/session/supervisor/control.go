package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/session"
)

// onControl is the bus handler for the session's control subject. Controls
// are dispatched one at a time; a panicking handler poisons neither the
// subscription nor the session.
func (s *Supervisor) onControl(ctx context.Context, subject string, data []byte) error {
	ctrl, err := session.ParseControl(data)
	if err != nil {
		s.logger.Warn("dropping invalid control message", zap.Error(err))
		return nil
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control handler panicked",
				zap.String("control", string(ctrl.Type)),
				zap.Any("panic", r))
		}
	}()

	s.logger.Debug("control received", zap.String("control", string(ctrl.Type)))

	switch ctrl.Type {
	case session.ControlMessage:
		s.handleMessage(ctrl)
	case session.ControlCancel:
		s.Cancel()
	case session.ControlInterrupt:
		s.InterruptTurn()
	case session.ControlRedirect:
		s.InterruptTurn()
		s.handleMessage(ctrl)
	case session.ControlToolApproval:
		s.gates.Resolve(ctrl)
	case session.ControlAnswerQuestion:
		s.gates.Answer(ctrl)
	case session.ControlToolResult:
		s.handleToolResult(ctrl)
	case session.ControlSetPermissionMode:
		s.handleSetPermissionMode(ctrl)
	case session.ControlSetModel:
		s.handleSetModel(ctrl)
	}
	return nil
}

func (s *Supervisor) handleMessage(ctrl *session.Control) {
	image := ""
	if ctrl.ImageRef != "" {
		image = s.readImageRef(ctrl.ImageRef)
	}
	if err := s.PushMessage(ctrl.Text, image); err != nil {
		s.logger.Warn("message rejected", zap.Error(err))
	}
}

// handleToolResult settles a client-executed tool: the result is forwarded
// to adapters that model it as a wire message, and the active tool entry is
// closed locally with the supplied content.
func (s *Supervisor) handleToolResult(ctrl *session.Control) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != session.StatusActive && status != session.StatusAwaitingInput {
		s.logger.Warn("dropping tool result for inactive session",
			zap.String("tool_use_id", ctrl.ToolUseID),
			zap.String("status", string(status)))
		return
	}

	if fwd, ok := s.adapter.(adapter.ToolResultForwarder); ok {
		if err := fwd.SendToolResult(context.Background(), ctrl.ToolUseID, ctrl.ToolResult); err != nil {
			s.logger.Warn("failed to forward tool result", zap.Error(err))
		}
	}

	content := ""
	switch v := ctrl.ToolResult.(type) {
	case string:
		content = v
	default:
		if data, err := json.Marshal(v); err == nil {
			content = string(data)
		}
	}
	s.dispatch([]session.Event{{
		Type:      session.EventAgentToolEnd,
		ToolUseID: ctrl.ToolUseID,
		Content:   content,
	}})
}

// handleSetPermissionMode switches the mode in band. When the adapter cannot
// switch a live child, the session restarts under the new mode instead.
func (s *Supervisor) handleSetPermissionMode(ctrl *session.Control) {
	ctx := context.Background()
	if err := s.adapter.SetPermissionMode(ctx, string(ctrl.PermissionMode)); err != nil {
		s.logger.Warn("in-band permission mode change failed, restarting", zap.Error(err))
		if perr := s.store.SetPermissionMode(ctx, s.sessionID, ctrl.PermissionMode); perr != nil {
			s.logger.Error("failed to persist permission mode", zap.Error(perr))
			return
		}
		s.setFlag(&s.modeChangeRestart)
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()
		if h != nil {
			_ = h.Terminate()
			h.ScheduleKill(s.cfg.KillGrace())
		}
		return
	}

	s.mu.Lock()
	s.permMode = ctrl.PermissionMode
	s.mu.Unlock()
	if err := s.store.SetPermissionMode(ctx, s.sessionID, ctrl.PermissionMode); err != nil {
		s.logger.Error("failed to persist permission mode", zap.Error(err))
	}
	s.emit(session.Event{Type: session.EventSystemInfo, Text: "Permission mode set to " + string(ctrl.PermissionMode)})
}

// handleSetModel switches the model. Adapters that relaunch their child
// report whether the session reference survived; either way the new pid is
// picked up from the current handle.
func (s *Supervisor) handleSetModel(ctrl *session.Control) {
	ctx := context.Background()
	refPreserved, err := s.adapter.SetModel(ctx, ctrl.Model)
	if err != nil {
		s.logger.Error("model switch failed", zap.String("model", ctrl.Model), zap.Error(err))
		s.emit(session.Event{Type: session.EventSystemError, Text: "Failed to switch model"})
		return
	}

	if err := s.store.SetModel(ctx, s.sessionID, ctrl.Model); err != nil {
		s.logger.Error("failed to persist model", zap.Error(err))
	}

	text := "Model switched to " + ctrl.Model
	if !refPreserved {
		text += " (conversation history was not carried over)"
	}
	s.emit(session.Event{Type: session.EventSystemInfo, Text: text})
}

// readImageRef loads and base64-encodes the referenced image file, then
// unlinks it. Best effort: a missing file yields an empty image.
func (s *Supervisor) readImageRef(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read image ref", zap.String("path", path), zap.Error(err))
		return ""
	}
	if err := os.Remove(path); err != nil {
		s.logger.Debug("failed to unlink image ref", zap.String("path", path), zap.Error(err))
	}
	return base64.StdEncoding.EncodeToString(data)
}

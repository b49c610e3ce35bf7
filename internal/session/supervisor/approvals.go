package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/session"
)

// exitPlanTool is the tool name whose approval carries the plan-exit options.
const exitPlanTool = "ExitPlanMode"

// gate is one pending approval: the adapter blocks on resolve until the user
// decides or the gate is drained.
type gate struct {
	req     adapter.ApprovalRequest
	resolve chan adapter.ApprovalResponse
	once    sync.Once
}

func (g *gate) settle(resp adapter.ApprovalResponse) {
	g.once.Do(func() { g.resolve <- resp })
}

// gateSet holds the pending approval gates for one session run.
type gateSet struct {
	sup   *Supervisor
	mu    sync.Mutex
	gates map[string]*gate
}

func newGateSet(sup *Supervisor) *gateSet {
	return &gateSet{sup: sup, gates: make(map[string]*gate)}
}

// Handle is the adapter's approval callback. It blocks until the user
// decides, the gate is drained, or the context ends.
func (g *gateSet) Handle(ctx context.Context, req adapter.ApprovalRequest) adapter.ApprovalResponse {
	s := g.sup

	if !req.IsAskUser && s.isToolAllowed(req.ToolName) {
		return adapter.ApprovalResponse{Behavior: adapter.BehaviorAllow}
	}

	if req.ApprovalID == "" {
		req.ApprovalID = uuid.NewString()
	}

	gt := &gate{req: req, resolve: make(chan adapter.ApprovalResponse, 1)}
	g.mu.Lock()
	g.gates[req.ApprovalID] = gt
	g.mu.Unlock()

	s.emit(session.Event{
		Type: session.EventAgentToolApproval,
		Approval: &session.ApprovalPayload{
			ApprovalID:  req.ApprovalID,
			ToolName:    req.ToolName,
			ToolInput:   req.ToolInput,
			DangerLevel: session.ClassifyTool(req.ToolName),
			IsAskUser:   req.IsAskUser,
			Questions:   req.Questions,
		},
	})

	defer func() {
		g.mu.Lock()
		delete(g.gates, req.ApprovalID)
		g.mu.Unlock()
	}()

	select {
	case resp := <-gt.resolve:
		return resp
	case <-ctx.Done():
		return adapter.ApprovalResponse{Behavior: adapter.BehaviorDeny, Message: "Session ended before decision"}
	}
}

// Resolve settles one pending gate from a tool-approval control. Unknown
// approval ids are ignored: the gate may have been drained already.
func (g *gateSet) Resolve(ctrl *session.Control) {
	g.mu.Lock()
	gt, ok := g.gates[ctrl.ApprovalID]
	g.mu.Unlock()
	if !ok {
		g.sup.logger.Warn("approval decision for unknown gate", zap.String("approval_id", ctrl.ApprovalID))
		return
	}

	s := g.sup

	if gt.req.ToolName == exitPlanTool && ctrl.PermissionMode != "" {
		g.resolvePlanExit(gt, ctrl)
		return
	}

	switch ctrl.Decision {
	case session.DecisionAllow:
		gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorAllow, UpdatedInput: ctrl.UpdatedInput})
	case session.DecisionAllowSession:
		s.allowToolForSession(gt.req.ToolName)
		gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorAllow, UpdatedInput: ctrl.UpdatedInput})
	case session.DecisionDeny:
		gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorDeny, Message: "User denied this tool use"})
	}
}

// resolvePlanExit handles the two plan-exit options. Deny plus a mode means
// restart with a clean context and the plan as the new prompt; allow plus a
// mode means continue in place under the new mode.
func (g *gateSet) resolvePlanExit(gt *gate, ctrl *session.Control) {
	s := g.sup

	if ctrl.Decision == session.DecisionDeny {
		s.mu.Lock()
		s.pendingMode = ctrl.PermissionMode
		s.mu.Unlock()
		if path := s.capturePlan(gt.req.ToolInput); path != "" {
			s.mu.Lock()
			s.planPath = path
			s.mu.Unlock()
		}
		gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorDeny, Message: "Restarting with a fresh context"})
		s.setFlag(&s.clearContextRestart)
		s.mu.Lock()
		h := s.handle
		s.mu.Unlock()
		if h != nil {
			_ = h.Terminate()
			h.ScheduleKill(s.cfg.KillGrace())
		}
		return
	}

	gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorAllow, UpdatedInput: ctrl.UpdatedInput})

	ctx := context.Background()
	if err := s.adapter.SetPermissionMode(ctx, string(ctrl.PermissionMode)); err != nil {
		s.logger.Error("failed to switch permission mode after plan exit", zap.Error(err))
	} else {
		s.mu.Lock()
		s.permMode = ctrl.PermissionMode
		s.mu.Unlock()
		if err := s.store.SetPermissionMode(ctx, s.sessionID, ctrl.PermissionMode); err != nil {
			s.logger.Error("failed to persist permission mode", zap.Error(err))
		}
	}

	if ctrl.PostApprovalCompact {
		go func() {
			if err := s.adapter.SendMessage(context.Background(), "/compact", ""); err != nil {
				s.logger.Warn("failed to push compact command", zap.Error(err))
			}
		}()
	}
}

// Answer settles an ask-user gate with the user's answers.
func (g *gateSet) Answer(ctrl *session.Control) {
	g.mu.Lock()
	gt, ok := g.gates[ctrl.ApprovalID]
	g.mu.Unlock()
	if !ok {
		g.sup.logger.Warn("answer for unknown gate", zap.String("approval_id", ctrl.ApprovalID))
		return
	}
	gt.settle(adapter.ApprovalResponse{
		Behavior: adapter.BehaviorAllow,
		UpdatedInput: map[string]any{
			"questions": gt.req.Questions,
			"answers":   ctrl.Answers,
		},
	})
}

// DrainAll denies every pending gate. Used on interrupt, cancel, and exit so
// no adapter goroutine stays blocked on a decision that will never come.
func (g *gateSet) DrainAll() {
	g.mu.Lock()
	gates := make([]*gate, 0, len(g.gates))
	for id, gt := range g.gates {
		gates = append(gates, gt)
		delete(g.gates, id)
	}
	g.mu.Unlock()

	for _, gt := range gates {
		gt.settle(adapter.ApprovalResponse{Behavior: adapter.BehaviorDeny, Message: "Interrupted before decision"})
	}
}

// Pending returns the number of unresolved gates.
func (g *gateSet) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}

// isToolAllowed checks the session-scoped allowlist.
func (s *Supervisor) isToolAllowed(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.allowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// allowToolForSession adds the tool to the allowlist, in memory and in the row.
func (s *Supervisor) allowToolForSession(toolName string) {
	s.mu.Lock()
	found := false
	for _, t := range s.allowedTools {
		if t == toolName {
			found = true
			break
		}
	}
	if !found {
		s.allowedTools = append(s.allowedTools, toolName)
	}
	s.mu.Unlock()

	if err := s.store.AppendAllowedTool(context.Background(), s.sessionID, toolName); err != nil {
		s.logger.Error("failed to persist allowed tool", zap.String("tool", toolName), zap.Error(err))
	}
}

// capturePlan writes the plan text from the tool input to a file next to the
// session log and persists the path.
func (s *Supervisor) capturePlan(input map[string]any) string {
	plan, _ := input["plan"].(string)
	if plan == "" {
		if data, err := json.Marshal(input); err == nil {
			plan = string(data)
		}
	}
	if plan == "" {
		return ""
	}

	dir := filepath.Join(s.cfg.LogDir, "plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("failed to create plan directory", zap.Error(err))
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.md", s.sessionID, uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		s.logger.Error("failed to write plan file", zap.Error(err))
		return ""
	}
	if err := s.store.SetPlanFilePath(context.Background(), s.sessionID, path); err != nil {
		s.logger.Warn("failed to persist plan path", zap.Error(err))
	}
	return path
}

// readPlanFile loads a captured plan; empty on any error.
func readPlanFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

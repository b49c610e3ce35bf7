package session

import (
	"encoding/json"
	"fmt"
)

// ControlType discriminates inbound control messages.
type ControlType string

const (
	ControlMessage           ControlType = "message"
	ControlCancel            ControlType = "cancel"
	ControlInterrupt         ControlType = "interrupt"
	ControlRedirect          ControlType = "redirect"
	ControlToolApproval      ControlType = "tool-approval"
	ControlToolResult        ControlType = "tool-result"
	ControlAnswerQuestion    ControlType = "answer-question"
	ControlSetPermissionMode ControlType = "set-permission-mode"
	ControlSetModel          ControlType = "set-model"
)

// ApprovalDecision is the user's answer to a tool-approval request.
type ApprovalDecision string

const (
	DecisionAllow        ApprovalDecision = "allow"
	DecisionAllowSession ApprovalDecision = "allow-session"
	DecisionDeny         ApprovalDecision = "deny"
)

// Control is an inbound control-channel message. Controls carry no sequence
// number; latest-wins per variant where appropriate.
type Control struct {
	Type ControlType `json:"type"`

	// For message / redirect.
	Text string `json:"text,omitempty"`
	// ImageRef names a file the supervisor reads (best-effort base64) and unlinks.
	ImageRef string `json:"imageRef,omitempty"`

	// For tool-approval.
	ApprovalID   string           `json:"approvalId,omitempty"`
	Decision     ApprovalDecision `json:"decision,omitempty"`
	UpdatedInput map[string]any   `json:"updatedInput,omitempty"`
	// PostApprovalCompact requests a /compact push after an ExitPlanMode
	// continue-with-mode-change approval settles.
	PostApprovalCompact bool `json:"postApprovalCompact,omitempty"`

	// For answer-question (ask-user approvals).
	Answers map[string]any `json:"answers,omitempty"`

	// For tool-result pushback.
	ToolUseID  string `json:"toolUseId,omitempty"`
	ToolResult any    `json:"toolResult,omitempty"`

	// For set-permission-mode.
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`

	// For set-model.
	Model string `json:"model,omitempty"`
}

// ParseControl decodes and validates an inbound control message.
func ParseControl(data []byte) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks per-variant required fields.
func (c *Control) Validate() error {
	switch c.Type {
	case ControlMessage, ControlRedirect:
		if c.Text == "" && c.ImageRef == "" {
			return fmt.Errorf("%s control requires text or imageRef", c.Type)
		}
	case ControlCancel, ControlInterrupt:
	case ControlToolApproval:
		if c.ApprovalID == "" {
			return fmt.Errorf("tool-approval control requires approvalId")
		}
		switch c.Decision {
		case DecisionAllow, DecisionAllowSession, DecisionDeny:
		default:
			return fmt.Errorf("tool-approval control has invalid decision %q", c.Decision)
		}
	case ControlAnswerQuestion:
		if c.ApprovalID == "" {
			return fmt.Errorf("answer-question control requires approvalId")
		}
	case ControlToolResult:
		if c.ToolUseID == "" {
			return fmt.Errorf("tool-result control requires toolUseId")
		}
	case ControlSetPermissionMode:
		if c.PermissionMode == "" {
			return fmt.Errorf("set-permission-mode control requires permissionMode")
		}
	case ControlSetModel:
		if c.Model == "" {
			return fmt.Errorf("set-model control requires model")
		}
	default:
		return fmt.Errorf("unknown control type %q", c.Type)
	}
	return nil
}

// Package codex integrates agent CLIs that speak the Agent Client Protocol:
// JSON-RPC 2.0 over stdio with session/update notifications and
// server-initiated permission and filesystem requests.
package codex

import "encoding/json"

// JSON-RPC methods the client calls on the agent.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"
	// MethodSessionCancel and MethodSessionToolResult are notifications,
	// not requests.
	MethodSessionCancel     = "session/cancel"
	MethodSessionToolResult = "session/tool_result"
	MethodSessionSetModel   = "session/set_model"
)

// Methods the agent calls on the client.
const (
	MethodRequestPermission = "session/request_permission"
	MethodFSReadTextFile    = "fs/read_text_file"
	MethodFSWriteTextFile   = "fs/write_text_file"
)

// NotificationSessionUpdate carries streamed turn updates.
const NotificationSessionUpdate = "session/update"

// Permission option kinds.
const (
	KindAllowOnce   = "allow_once"
	KindAllowAlways = "allow_always"
	KindRejectOnce  = "reject_once"
)

// InitializeParams is the handshake request.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"clientCapabilities"`
}

// ClientInfo identifies this host to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the host serves.
type ClientCapabilities struct {
	FS FSCapabilities `json:"fs"`
}

// FSCapabilities advertises filesystem serving.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// AgentCapabilities reports what the agent supports.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

// SessionNewParams creates a fresh agent session.
type SessionNewParams struct {
	CWD        string      `json:"cwd,omitempty"`
	MCPServers []MCPServer `json:"mcpServers,omitempty"`
}

// MCPServer describes one MCP server for session/new.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// SessionNewResult returns the agent-assigned session id.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams resumes a prior agent session.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd,omitempty"`
}

// SessionPromptParams sends one user turn.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult reports how the turn ended.
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"`
}

// SessionCancelParams soft-cancels the current turn.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionToolResultParams settles a client-executed tool call.
type SessionToolResultParams struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result,omitempty"`
}

// ContentBlock is a prompt or update content element.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// For image blocks
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// SessionUpdateParams is the body of a session/update notification. The
// update object is discriminated by its sessionUpdate field.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed update within a turn.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// For agent_message_chunk / agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// For tool_call / tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   map[string]any  `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

// RequestPermissionParams is a server request gating one tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionToolCall identifies the gated tool invocation.
type PermissionToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

// PermissionOption is one selectable decision.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"`
}

// RequestPermissionResult answers a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome selects an option or reports cancellation.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// FSReadParams asks the host to read a file for the agent.
type FSReadParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// FSReadResult returns file content.
type FSReadResult struct {
	Content string `json:"content"`
}

// FSWriteParams asks the host to write a file for the agent.
type FSWriteParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

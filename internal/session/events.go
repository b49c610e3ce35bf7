package session

import (
	"encoding/json"
	"time"
)

// EventType discriminates canonical events.
type EventType string

// Canonical event types. Every adapter funnels its wire format into these.
const (
	EventAgentText         EventType = "agent:text"
	EventAgentTextDelta    EventType = "agent:text-delta"
	EventAgentThinking     EventType = "agent:thinking"
	EventAgentThinkingDelta EventType = "agent:thinking-delta"
	EventAgentToolStart    EventType = "agent:tool-start"
	EventAgentToolEnd      EventType = "agent:tool-end"
	EventAgentToolApproval EventType = "agent:tool-approval"
	EventAgentResult       EventType = "agent:result"
	EventAgentActivity     EventType = "agent:activity"
	EventSessionInit       EventType = "session:init"
	EventSessionState      EventType = "session:state"
	EventUserMessage       EventType = "user:message"
	EventSystemInfo        EventType = "system:info"
	EventSystemError       EventType = "system:error"
	EventSystemMCPStatus   EventType = "system:mcp-status"
	EventSystemRateLimit   EventType = "system:rate-limit"
	EventTeamMessage       EventType = "team:message"
)

// DangerLevel classifies how risky an intercepted tool use is.
type DangerLevel string

const (
	DangerLow    DangerLevel = "low"
	DangerMedium DangerLevel = "medium"
	DangerHigh   DangerLevel = "high"
)

// Event is a canonical, append-only event on a session's stream.
// ID is the session's monotonic event sequence; events are immutable once
// published. Variant payloads are carried on optional sub-structs
// discriminated by Type.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	TS        int64     `json:"ts"` // unix milliseconds
	Type      EventType `json:"type"`

	// Text payload for agent:text, agent:text-delta, agent:thinking,
	// agent:thinking-delta, user:message, system:info, system:error.
	Text string `json:"text,omitempty"`

	// FromDelta marks an agent:text / agent:thinking event that replaces
	// previously streamed deltas on the consumer side.
	FromDelta bool `json:"fromDelta,omitempty"`

	// Image payload for user:message (base64).
	Image string `json:"image,omitempty"`

	// Tool payload for agent:tool-start / agent:tool-end.
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	// Tool-end extras.
	Content    string `json:"content,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	FileCount  int    `json:"fileCount,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	IsError    bool   `json:"isError,omitempty"`

	Approval  *ApprovalPayload  `json:"approval,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
	Init      *InitPayload      `json:"init,omitempty"`
	State     *StatePayload     `json:"state,omitempty"`
	Activity  *ActivityPayload  `json:"activity,omitempty"`
	MCPStatus *MCPStatusPayload `json:"mcpStatus,omitempty"`
	RateLimit *RateLimitPayload `json:"rateLimit,omitempty"`
	Team      *TeamPayload      `json:"team,omitempty"`
}

// ApprovalPayload is the outbound shape for agent:tool-approval.
type ApprovalPayload struct {
	ApprovalID  string         `json:"approvalId"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	DangerLevel DangerLevel    `json:"dangerLevel"`
	// IsAskUser marks the ask-user variant carrying questions for the user.
	IsAskUser bool             `json:"isAskUser,omitempty"`
	Questions []map[string]any `json:"questions,omitempty"`
}

// ResultPayload is the per-turn result for agent:result.
type ResultPayload struct {
	IsError           bool                  `json:"isError"`
	Subtype           string                `json:"subtype,omitempty"`
	Turns             int                   `json:"turns,omitempty"`
	DurationMS        int64                 `json:"durationMs,omitempty"`
	DurationAPIMS     int64                 `json:"durationApiMs,omitempty"`
	CostUSD           float64               `json:"costUsd,omitempty"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	PermissionDenials []string              `json:"permissionDenials,omitempty"`
	WebSearchRequests int                   `json:"webSearchRequests,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
	Text              string                `json:"text,omitempty"`
}

// ModelUsage is the per-model token accounting inside a result. Unknown model
// names key the map; absent cache fields default to zero.
type ModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
	ContextWindow            int64   `json:"contextWindow,omitempty"`
	MaxOutputTokens          int64   `json:"maxOutputTokens,omitempty"`
}

// InitPayload carries session:init details from the adapter's init record.
type InitPayload struct {
	SessionRef     string      `json:"sessionRef"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	APIKeySource   string      `json:"apiKeySource,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	SlashCommands  []string    `json:"slashCommands,omitempty"`
	MCPServers     []MCPServer `json:"mcpServers,omitempty"`
}

// MCPServer describes one MCP server entry from the init record.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// StatePayload carries session:state transitions.
type StatePayload struct {
	Status Status `json:"status"`
}

// ActivityPayload carries agent:activity (thinking on/off).
type ActivityPayload struct {
	Thinking bool `json:"thinking"`
}

// MCPStatusPayload carries system:mcp-status health changes.
type MCPStatusPayload struct {
	Servers []MCPServer `json:"servers"`
}

// RateLimitPayload carries system:rate-limit records.
type RateLimitPayload struct {
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	Status        string `json:"status,omitempty"`
	ResetsAt      int64  `json:"resetsAt,omitempty"`
}

// TeamPayload carries team:message events from the team inbox.
type TeamPayload struct {
	From              string         `json:"from,omitempty"`
	Text              string         `json:"text,omitempty"`
	StructuredPayload map[string]any `json:"structuredPayload,omitempty"`
}

// Usage is the non-event accounting callback payload from message_start
// records. Absent cache fields are coerced to zero.
type Usage struct {
	InputTokens              int64 `json:"inputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

// NowMillis returns the current wall clock in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Marshal serializes the event as a single JSON object.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent parses a canonical event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ClassifyTool derives a danger level from the tool name. Command execution
// and file mutation rank high, read-only inspection ranks low.
func ClassifyTool(toolName string) DangerLevel {
	switch toolName {
	case "Bash", "Write", "Edit", "NotebookEdit", "KillShell":
		return DangerHigh
	case "Read", "Glob", "Grep", "WebSearch", "TodoWrite", "TaskList":
		return DangerLow
	default:
		return DangerMedium
	}
}

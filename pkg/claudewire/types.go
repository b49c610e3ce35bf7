// Package claudewire provides types for the Claude CLI stream-json protocol.
// The CLI speaks newline-delimited JSON over stdin/stdout with control
// requests for permissions and in-band control responses.
package claudewire

import (
	"encoding/json"
	"strings"
)

// Message types on the CLI's stdout
const (
	// MessageTypeSystem is the system message (init, status)
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking and tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks echoed back by the CLI
	MessageTypeUser = "user"
	// MessageTypeResult is the final per-turn result message
	MessageTypeResult = "result"
	// MessageTypeStreamEvent is a partial content update
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers an SDK control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeRateLimit carries rate limit status updates
	MessageTypeRateLimit = "rate_limit_event"
)

// System message subtypes
const (
	SubtypeInit = "init"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeSetModel switches the model in-band
	SubtypeSetModel = "set_model"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message represents one line from the CLI's stdout. The type field
// determines which of the remaining fields are populated.
type Message struct {
	Type string `json:"type"`

	// For system messages
	Subtype       string      `json:"subtype,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	SlashCommands []string    `json:"slash_commands,omitempty"`
	MCPServers    []MCPServer `json:"mcp_servers,omitempty"`
	Tools         []string    `json:"tools,omitempty"`
	CWD           string      `json:"cwd,omitempty"`
	APIKeySource  string      `json:"apiKeySource,omitempty"`
	Model         string      `json:"model,omitempty"`

	// For assistant/user messages
	Message *ChatMessage `json:"message,omitempty"`

	// For user messages echoing a tool result: per-call execution metadata.
	ToolUseResult *ToolUseResult `json:"toolUseResult,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages
	Response *ControlResponse `json:"response,omitempty"`

	// For result messages. Result can be a string (error) or an object.
	Result            json.RawMessage            `json:"result,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	TotalCostUSD      float64                    `json:"total_cost_usd,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"modelUsage,omitempty"`
	PermissionDenials []PermissionDenial         `json:"permission_denials,omitempty"`
	ServerToolUse     *ServerToolUse             `json:"server_tool_use,omitempty"`
	Errors            []string                   `json:"errors,omitempty"`

	// For rate_limit_event messages
	RateLimit *RateLimitStatus `json:"rate_limit,omitempty"`

	// Also present on system messages after /model
	PermissionMode string `json:"permissionMode,omitempty"`
}

// MCPServer describes one MCP server entry from the init message.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// ToolUseResult carries execution metadata the CLI attaches to a tool
// result echo. The shape varies per tool; only the common fields are
// decoded, and non-object payloads (some tools report a bare string) are
// ignored rather than failing the whole record.
type ToolUseResult struct {
	DurationMS int64 `json:"durationMs,omitempty"`
	NumFiles   int   `json:"numFiles,omitempty"`
	Truncated  bool  `json:"truncated,omitempty"`
}

func (r *ToolUseResult) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	type plain ToolUseResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	*r = ToolUseResult(p)
	return nil
}

// ChatMessage contains content blocks for assistant and user messages.
type ChatMessage struct {
	Role       string         `json:"role,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content may be a string or an array of
	// content blocks; use ResultText to extract.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText extracts the text of a tool_result block. String content is
// returned as is; array content joins text-typed blocks with newlines; any
// other shape falls back to the raw JSON.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Type == "text" && blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(b.Content)
}

// Usage contains token usage from a message_start record.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage from the result message. Cache
// token fields may be absent on older CLI versions and default to zero.
type ModelUsageStats struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
	ContextWindow            int64   `json:"contextWindow,omitempty"`
	MaxOutputTokens          int64   `json:"maxOutputTokens,omitempty"`
	WebSearchRequests        int64   `json:"webSearchRequests,omitempty"`
}

// PermissionDenial records a tool call the CLI refused during the turn.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// ServerToolUse counts server-side tool invocations for the turn.
type ServerToolUse struct {
	WebSearchRequests int64 `json:"web_search_requests,omitempty"`
}

// RateLimitStatus is the payload of a rate_limit_event message.
type RateLimitStatus struct {
	Status       string `json:"status,omitempty"`
	ResetsAt     int64  `json:"resetsAt,omitempty"`
	RateLimitHit bool   `json:"rateLimitHit,omitempty"`
}

// GetResultString returns the Result field when it is an error string.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// StreamEvent is a partial content update from --include-partial-messages.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_delta events
	Delta *Delta `json:"delta,omitempty"`

	// For message_start events
	Message *ChatMessage `json:"message,omitempty"`
}

// Delta contains a partial text or thinking update.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ControlRequest represents a control request from the CLI, used for
// permission requests (can_use_tool).
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Permission suggestions from the agent
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Type        string   `json:"type,omitempty"`
	Rules       []Rule   `json:"rules,omitempty"`
	Behavior    string   `json:"behavior,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Directories []string `json:"directories,omitempty"`
}

// Rule is a single permission rule.
type Rule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// ControlResponseMessage is sent on stdin to answer a control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	// Subtype is "success" or "error"
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id,omitempty"`

	// For success responses to can_use_tool
	Response *PermissionResult `json:"response,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the decision for a can_use_tool request.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput replaces the tool input on allow
	UpdatedInput any `json:"updatedInput,omitempty"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt bool `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI on stdin, used for
// interrupt, set_permission_mode and set_model.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`

	// For set_model requests
	Model string `json:"model,omitempty"`
}

// UserMessage provides one user turn on stdin.
type UserMessage struct {
	Type      string          `json:"type"` // "user"
	Message   UserMessageBody `json:"message"`
	SessionID string          `json:"session_id,omitempty"`
}

// UserMessageBody contains the user turn content. Content is a string for
// plain text or an array of blocks when an image is attached.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}

// ImageBlock is a base64 image content block for user messages.
type ImageBlock struct {
	Type   string      `json:"type"` // "image"
	Source ImageSource `json:"source"`
}

// ImageSource holds the base64 payload of an image block.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock is a plain text content block for user messages.
type TextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

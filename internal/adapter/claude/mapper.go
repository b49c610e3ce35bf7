package claude

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/pkg/claudewire"
)

// MapJSONToEvents translates one stream-json record into canonical events.
// The returned events lack id/sessionId/ts (the supervisor stamps them).
// Permission control requests are dispatched to the approval handler and
// produce no events here; the handler emits agent:tool-approval itself.
func (a *Adapter) MapJSONToEvents(line []byte) []session.Event {
	var msg claudewire.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		a.logger.Debug("unparseable stream-json record", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case claudewire.MessageTypeSystem:
		return a.mapSystem(&msg)
	case claudewire.MessageTypeAssistant:
		return a.mapAssistant(&msg)
	case claudewire.MessageTypeUser:
		return a.mapToolResults(&msg)
	case claudewire.MessageTypeStreamEvent:
		return a.mapStreamEvent(&msg)
	case claudewire.MessageTypeResult:
		return a.mapResult(&msg)
	case claudewire.MessageTypeRateLimit:
		return a.mapRateLimit(&msg)
	case claudewire.MessageTypeControlRequest:
		a.handleControlRequest(msg.RequestID, msg.Request)
		return nil
	case claudewire.MessageTypeControlResponse:
		// Acks for interrupt / set_permission_mode / set_model.
		return nil
	default:
		return nil
	}
}

// mapSystem handles init records. The CLI re-emits init on resume and on
// some mode changes; only the first one per child produces a session:init.
func (a *Adapter) mapSystem(msg *claudewire.Message) []session.Event {
	if msg.Subtype != claudewire.SubtypeInit {
		return nil
	}
	a.EmitSessionRef(msg.SessionID)
	if a.initSeen {
		return nil
	}
	a.initSeen = true

	servers := make([]session.MCPServer, 0, len(msg.MCPServers))
	for _, s := range msg.MCPServers {
		servers = append(servers, session.MCPServer{Name: s.Name, Status: s.Status})
	}
	return []session.Event{{
		Type: session.EventSessionInit,
		Init: &session.InitPayload{
			SessionRef:     msg.SessionID,
			Model:          msg.Model,
			CWD:            msg.CWD,
			PermissionMode: msg.PermissionMode,
			APIKeySource:   msg.APIKeySource,
			Tools:          msg.Tools,
			SlashCommands:  msg.SlashCommands,
			MCPServers:     servers,
		},
	}}
}

func (a *Adapter) mapAssistant(msg *claudewire.Message) []session.Event {
	if msg.Message == nil {
		return nil
	}
	a.EmitThinking(true)

	var events []session.Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, session.Event{
				Type:      session.EventAgentText,
				Text:      block.Text,
				FromDelta: a.sawTextDelta,
			})
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			events = append(events, session.Event{
				Type:      session.EventAgentThinking,
				Text:      block.Thinking,
				FromDelta: a.sawThinkingDelta,
			})
		case "tool_use":
			events = append(events, session.Event{
				Type:      session.EventAgentToolStart,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}
	}
	return events
}

// mapToolResults handles user records echoed by the CLI carrying tool_result
// blocks for completed tool calls.
func (a *Adapter) mapToolResults(msg *claudewire.Message) []session.Event {
	if msg.Message == nil {
		return nil
	}
	var events []session.Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		ev := session.Event{
			Type:      session.EventAgentToolEnd,
			ToolUseID: block.ToolUseID,
			Content:   block.ResultText(),
			IsError:   block.IsError,
		}
		// Execution metadata rides next to the echoed result when the CLI
		// reports it.
		if r := msg.ToolUseResult; r != nil {
			ev.DurationMS = r.DurationMS
			ev.FileCount = r.NumFiles
			ev.Truncated = r.Truncated
		}
		events = append(events, ev)
	}
	return events
}

func (a *Adapter) mapStreamEvent(msg *claudewire.Message) []session.Event {
	ev := msg.Event
	if ev == nil {
		return nil
	}
	switch ev.Type {
	case "message_start":
		if ev.Message != nil && ev.Message.Usage != nil {
			u := ev.Message.Usage
			a.EmitUsage(session.Usage{
				InputTokens:              u.InputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
			})
		}
		return nil
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		a.EmitThinking(true)
		switch ev.Delta.Type {
		case "text_delta":
			a.sawTextDelta = true
			return []session.Event{{Type: session.EventAgentTextDelta, Text: ev.Delta.Text}}
		case "thinking_delta":
			a.sawThinkingDelta = true
			return []session.Event{{Type: session.EventAgentThinkingDelta, Text: ev.Delta.Thinking}}
		}
		return nil
	default:
		return nil
	}
}

func (a *Adapter) mapResult(msg *claudewire.Message) []session.Event {
	defer a.EmitThinking(false)
	a.sawTextDelta = false
	a.sawThinkingDelta = false

	result := &session.ResultPayload{
		IsError:       msg.IsError,
		Subtype:       msg.Subtype,
		Turns:         msg.NumTurns,
		DurationMS:    msg.DurationMS,
		DurationAPIMS: msg.DurationAPIMS,
		CostUSD:       msg.TotalCostUSD,
		Errors:        msg.Errors,
		Text:          msg.GetResultString(),
	}
	if len(msg.ModelUsage) > 0 {
		result.ModelUsage = make(map[string]session.ModelUsage, len(msg.ModelUsage))
		for model, u := range msg.ModelUsage {
			result.ModelUsage[model] = session.ModelUsage{
				InputTokens:              u.InputTokens,
				OutputTokens:             u.OutputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
				CostUSD:                  u.CostUSD,
				ContextWindow:            u.ContextWindow,
				MaxOutputTokens:          u.MaxOutputTokens,
			}
		}
	}
	for _, d := range msg.PermissionDenials {
		result.PermissionDenials = append(result.PermissionDenials, d.ToolName)
	}
	if msg.ServerToolUse != nil {
		result.WebSearchRequests = int(msg.ServerToolUse.WebSearchRequests)
	}

	return []session.Event{{Type: session.EventAgentResult, Result: result}}
}

func (a *Adapter) mapRateLimit(msg *claudewire.Message) []session.Event {
	if msg.RateLimit == nil {
		return nil
	}
	return []session.Event{{
		Type: session.EventSystemRateLimit,
		RateLimit: &session.RateLimitPayload{
			Status:   msg.RateLimit.Status,
			ResetsAt: msg.RateLimit.ResetsAt,
		},
	}}
}

package codex

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
)

func newTestAdapter(t *testing.T) (*Adapter, *[]session.Event) {
	t.Helper()
	a := New("", logger.Default())
	var events []session.Event
	a.OnEvents(func(evs []session.Event) {
		events = append(events, evs...)
	})
	return a, &events
}

func TestMessageChunksAccumulateAndFlush(t *testing.T) {
	a, events := newTestAdapter(t)

	chunk := func(text string) {
		params, _ := json.Marshal(SessionUpdateParams{
			SessionID: "ref-1",
			Update: SessionUpdate{
				SessionUpdate: "agent_message_chunk",
				Content:       &ContentBlock{Type: "text", Text: text},
			},
		})
		a.handleNotification(NotificationSessionUpdate, params)
	}
	chunk("hel")
	chunk("lo")

	require.Len(t, *events, 2)
	assert.Equal(t, session.EventAgentTextDelta, (*events)[0].Type)
	assert.Equal(t, "hel", (*events)[0].Text)

	a.finishTurn("end_turn", nil)

	require.Len(t, *events, 4)
	final := (*events)[2]
	assert.Equal(t, session.EventAgentText, final.Type)
	assert.Equal(t, "hello", final.Text)
	assert.True(t, final.FromDelta)

	result := (*events)[3]
	assert.Equal(t, session.EventAgentResult, result.Type)
	require.NotNil(t, result.Result)
	assert.False(t, result.Result.IsError)
	assert.Equal(t, "end_turn", result.Result.Subtype)
}

func TestThoughtChunksFlushAsThinking(t *testing.T) {
	a, events := newTestAdapter(t)

	params, _ := json.Marshal(SessionUpdateParams{
		Update: SessionUpdate{
			SessionUpdate: "agent_thought_chunk",
			Content:       &ContentBlock{Type: "text", Text: "pondering"},
		},
	})
	a.handleNotification(NotificationSessionUpdate, params)
	a.finishTurn("end_turn", nil)

	require.Len(t, *events, 3)
	assert.Equal(t, session.EventAgentThinkingDelta, (*events)[0].Type)
	assert.Equal(t, session.EventAgentThinking, (*events)[1].Type)
	assert.Equal(t, "pondering", (*events)[1].Text)
}

func TestToolCallUpdates(t *testing.T) {
	a, events := newTestAdapter(t)

	start, _ := json.Marshal(SessionUpdateParams{
		Update: SessionUpdate{
			SessionUpdate: "tool_call",
			ToolCallID:    "tc1",
			Title:         "read file",
			Kind:          "read",
			RawInput:      map[string]any{"path": "main.go"},
		},
	})
	a.handleNotification(NotificationSessionUpdate, start)

	pending, _ := json.Marshal(SessionUpdateParams{
		Update: SessionUpdate{SessionUpdate: "tool_call_update", ToolCallID: "tc1", Status: "in_progress"},
	})
	a.handleNotification(NotificationSessionUpdate, pending)

	done, _ := json.Marshal(SessionUpdateParams{
		Update: SessionUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallID:    "tc1",
			Status:        "completed",
			RawOutput:     json.RawMessage(`{"output":"package main"}`),
		},
	})
	a.handleNotification(NotificationSessionUpdate, done)

	require.Len(t, *events, 2)
	assert.Equal(t, session.EventAgentToolStart, (*events)[0].Type)
	assert.Equal(t, "tc1", (*events)[0].ToolUseID)
	assert.Equal(t, "read file", (*events)[0].ToolName)
	assert.Equal(t, session.EventAgentToolEnd, (*events)[1].Type)
	assert.Equal(t, "package main", (*events)[1].Content)
	assert.False(t, (*events)[1].IsError)
}

func TestTurnErrorSurfacedWithoutRetry(t *testing.T) {
	a, events := newTestAdapter(t)

	a.finishTurn("", assert.AnError)

	require.Len(t, *events, 1)
	result := (*events)[0]
	assert.Equal(t, session.EventAgentResult, result.Type)
	require.NotNil(t, result.Result)
	assert.True(t, result.Result.IsError)
	assert.Equal(t, "error", result.Result.Subtype)
	assert.Contains(t, result.Result.Text, assert.AnError.Error())
}

func TestPermissionApprovalFramesToolCard(t *testing.T) {
	a, events := newTestAdapter(t)
	a.SetApprovalHandler(func(ctx context.Context, req adapter.ApprovalRequest) adapter.ApprovalResponse {
		assert.Equal(t, "tc9", req.ApprovalID)
		assert.Equal(t, "run tests", req.ToolName)
		return adapter.ApprovalResponse{Behavior: "allow"}
	})

	params, _ := json.Marshal(RequestPermissionParams{
		ToolCall: PermissionToolCall{ToolCallID: "tc9", Title: "run tests", Kind: "execute"},
		Options: []PermissionOption{
			{OptionID: "approve", Kind: KindAllowOnce},
			{OptionID: "reject", Kind: KindRejectOnce},
		},
	})
	a.handlePermission(1, params)

	require.Len(t, *events, 2)
	assert.Equal(t, session.EventAgentToolStart, (*events)[0].Type)
	assert.Equal(t, session.EventAgentToolEnd, (*events)[1].Type)
	assert.Equal(t, "Approved", (*events)[1].Content)
}

func TestPermissionDenyMarksError(t *testing.T) {
	a, events := newTestAdapter(t)
	a.SetApprovalHandler(func(ctx context.Context, req adapter.ApprovalRequest) adapter.ApprovalResponse {
		return adapter.ApprovalResponse{Behavior: "deny", Message: "not allowed"}
	})

	params, _ := json.Marshal(RequestPermissionParams{
		ToolCall: PermissionToolCall{ToolCallID: "tc2", Kind: "execute"},
		Options:  []PermissionOption{{OptionID: "reject", Kind: KindRejectOnce}},
	})
	a.handlePermission(2, params)

	require.Len(t, *events, 2)
	assert.Equal(t, "Denied", (*events)[1].Content)
	assert.True(t, (*events)[1].IsError)
}

func TestPickOption(t *testing.T) {
	options := []PermissionOption{
		{OptionID: "a", Kind: KindAllowOnce},
		{OptionID: "b", Kind: KindAllowAlways},
		{OptionID: "c", Kind: KindRejectOnce},
	}

	assert.Equal(t, "a", pickOption(options, KindAllowOnce))
	assert.Equal(t, "c", pickOption(options, KindRejectOnce))
	// Unknown kind falls back to the first option.
	assert.Equal(t, "a", pickOption(options, "unknown"))
	assert.Equal(t, "", pickOption(nil, KindAllowOnce))
}

func TestSliceLines(t *testing.T) {
	content := "a\nb\nc\nd"

	assert.Equal(t, "b\nc", sliceLines(content, 2, 2))
	assert.Equal(t, "a\nb\nc\nd", sliceLines(content, 0, 0))
	assert.Equal(t, "d", sliceLines(content, 4, 10))
	assert.Equal(t, "", sliceLines(content, 9, 1))
}

func TestRawOutputText(t *testing.T) {
	assert.Equal(t, "plain", rawOutputText(json.RawMessage(`"plain"`)))
	assert.Equal(t, "out", rawOutputText(json.RawMessage(`{"output":"out"}`)))
	assert.Equal(t, `{"other":1}`, rawOutputText(json.RawMessage(`{"other":1}`)))
	assert.Equal(t, "", rawOutputText(nil))
}

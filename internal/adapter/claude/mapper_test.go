package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New("", logger.Default())
}

func TestMapInit(t *testing.T) {
	a := newTestAdapter(t)

	var gotRef string
	a.OnSessionRef(func(ref string) { gotRef = ref })

	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-abc","slash_commands":["compact","clear"],"mcp_servers":[{"name":"fs","status":"connected"}],"model":"M1","cwd":"/work"}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, session.EventSessionInit, events[0].Type)
	require.NotNil(t, events[0].Init)
	assert.Equal(t, "sess-abc", events[0].Init.SessionRef)
	assert.Equal(t, "M1", events[0].Init.Model)
	assert.Equal(t, []string{"compact", "clear"}, events[0].Init.SlashCommands)
	assert.Equal(t, "sess-abc", gotRef)
}

func TestMapInitDuplicateSuppressed(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-abc","model":"M1"}`)
	first := a.MapJSONToEvents(line)
	second := a.MapJSONToEvents(line)

	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestSessionRefFiresOnce(t *testing.T) {
	a := newTestAdapter(t)

	calls := 0
	a.OnSessionRef(func(string) { calls++ })

	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-abc"}`)
	a.MapJSONToEvents(line)
	a.MapJSONToEvents(line)

	assert.Equal(t, 1, calls)
}

func TestMapAssistantBlocks(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"hi"},{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls"}}]}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 3)
	assert.Equal(t, session.EventAgentThinking, events[0].Type)
	assert.Equal(t, "hmm", events[0].Text)
	assert.Equal(t, session.EventAgentText, events[1].Type)
	assert.Equal(t, "hi", events[1].Text)
	assert.False(t, events[1].FromDelta)
	assert.Equal(t, session.EventAgentToolStart, events[2].Type)
	assert.Equal(t, "tu1", events[2].ToolUseID)
	assert.Equal(t, "Bash", events[2].ToolName)
	assert.Equal(t, "ls", events[2].ToolInput["command"])
}

func TestMapTextAfterDeltaMarksFromDelta(t *testing.T) {
	a := newTestAdapter(t)

	deltas := a.MapJSONToEvents([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"h"}}}`))
	require.Len(t, deltas, 1)
	assert.Equal(t, session.EventAgentTextDelta, deltas[0].Type)

	events := a.MapJSONToEvents([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`))
	require.Len(t, events, 1)
	assert.True(t, events[0].FromDelta)

	// The result record resets delta tracking for the next turn.
	a.MapJSONToEvents([]byte(`{"type":"result","subtype":"success"}`))
	events = a.MapJSONToEvents([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"next"}]}}`))
	require.Len(t, events, 1)
	assert.False(t, events[0].FromDelta)
}

func TestMapToolResultString(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"file.txt"}]}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, session.EventAgentToolEnd, events[0].Type)
	assert.Equal(t, "tu1", events[0].ToolUseID)
	assert.Equal(t, "file.txt", events[0].Content)
}

func TestMapToolResultBlockArray(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}]}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, "one\ntwo", events[0].Content)
}

func TestMapToolResultCarriesExecutionMetadata(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"ok"}]},"toolUseResult":{"durationMs":420,"numFiles":12,"truncated":true}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, int64(420), events[0].DurationMS)
	assert.Equal(t, 12, events[0].FileCount)
	assert.True(t, events[0].Truncated)
}

func TestMapToolResultStringMetadataIgnored(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"err"}]},"toolUseResult":"Error: exit 1"}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, "err", events[0].Content)
	assert.Zero(t, events[0].DurationMS)
}

func TestMapToolResultOtherShapeFallsBackToJSON(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":[{"type":"image","source":{"type":"base64"}}]}]}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, `"image"`)
}

func TestMapResult(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"result","subtype":"success","duration_ms":1000,"duration_api_ms":900,"num_turns":1,"total_cost_usd":0.01,"modelUsage":{"M1":{"inputTokens":10,"outputTokens":2,"costUSD":0.01,"contextWindow":200000}}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, session.EventAgentResult, events[0].Type)
	r := events[0].Result
	require.NotNil(t, r)
	assert.False(t, r.IsError)
	assert.Equal(t, 1, r.Turns)
	assert.Equal(t, int64(1000), r.DurationMS)
	assert.Equal(t, 0.01, r.CostUSD)

	usage, ok := r.ModelUsage["M1"]
	require.True(t, ok)
	assert.Equal(t, int64(10), usage.InputTokens)
	assert.Equal(t, int64(200000), usage.ContextWindow)
	// Absent cache fields default to zero.
	assert.Zero(t, usage.CacheReadInputTokens)
	assert.Zero(t, usage.CacheCreationInputTokens)
}

func TestResultClearsThinking(t *testing.T) {
	a := newTestAdapter(t)

	var transitions []bool
	a.OnThinkingChange(func(thinking bool) { transitions = append(transitions, thinking) })

	a.MapJSONToEvents([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`))
	a.MapJSONToEvents([]byte(`{"type":"result","subtype":"success"}`))

	assert.Equal(t, []bool{true, false}, transitions)
}

func TestMapMessageStartUsageCallback(t *testing.T) {
	a := newTestAdapter(t)

	var got session.Usage
	a.OnUsage(func(u session.Usage) { got = u })

	line := []byte(`{"type":"stream_event","event":{"type":"message_start","message":{"usage":{"input_tokens":100,"cache_read_input_tokens":40}}}}`)
	events := a.MapJSONToEvents(line)

	assert.Empty(t, events)
	assert.Equal(t, int64(100), got.InputTokens)
	assert.Equal(t, int64(40), got.CacheReadInputTokens)
	assert.Zero(t, got.CacheCreationInputTokens)
}

func TestMapRateLimit(t *testing.T) {
	a := newTestAdapter(t)

	line := []byte(`{"type":"rate_limit_event","rate_limit":{"status":"allowed_warning","resetsAt":1700000000}}`)
	events := a.MapJSONToEvents(line)

	require.Len(t, events, 1)
	assert.Equal(t, session.EventSystemRateLimit, events[0].Type)
	require.NotNil(t, events[0].RateLimit)
	assert.Equal(t, "allowed_warning", events[0].RateLimit.Status)
}

func TestMapUnknownRecordProducesNothing(t *testing.T) {
	a := newTestAdapter(t)

	assert.Empty(t, a.MapJSONToEvents([]byte(`{"type":"keepalive"}`)))
	assert.Empty(t, a.MapJSONToEvents([]byte(`not json`)))
}

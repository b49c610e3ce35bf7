package logfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/session"
)

func TestPathLayout(t *testing.T) {
	now := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	got := Path("/var/lib/agendo", "sess-1", now)
	assert.Equal(t, filepath.Join("/var/lib/agendo", "sessions", "2026", "03", "sess-1.log"), got)
}

func TestWriteRawRoundTrip(t *testing.T) {
	w, err := Open(t.TempDir(), "sess-1", time.Now())
	require.NoError(t, err)

	require.NoError(t, w.WriteRaw(StreamStdout, "first line"))
	require.NoError(t, w.WriteRaw(StreamStderr, "oops"))
	require.NoError(t, w.Close())

	content, offset, err := ReadFrom(w.FilePath(), 0)
	require.NoError(t, err)
	assert.Equal(t, "[stdout] first line\n[stderr] oops\n", content)
	assert.Equal(t, int64(len(content)), offset)

	// Resuming from the end reads nothing; appended content reads from there.
	tail, same, err := ReadFrom(w.FilePath(), offset)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.Equal(t, offset, same)
}

func TestOpenPathAppends(t *testing.T) {
	w, err := Open(t.TempDir(), "sess-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, w.WriteRaw(StreamSystem, "run one"))
	require.NoError(t, w.Close())

	w2, err := OpenPath(w.FilePath())
	require.NoError(t, err)
	require.NoError(t, w2.WriteRaw(StreamSystem, "run two"))
	require.NoError(t, w2.Close())

	content, _, err := ReadFrom(w.FilePath(), 0)
	require.NoError(t, err)
	assert.Equal(t, "[system] run one\n[system] run two\n", content)
}

func TestReplayEventsAfterCursor(t *testing.T) {
	w, err := Open(t.TempDir(), "sess-1", time.Now())
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		ev := &session.Event{ID: i, SessionID: "sess-1", TS: 1000 + i, Type: session.EventAgentText, Text: "t"}
		require.NoError(t, w.WriteEvent(StreamStdout, ev))
	}
	// Raw lines interleave with events and are not replayed.
	require.NoError(t, w.WriteRaw(StreamStdout, "plain child output"))
	require.NoError(t, w.Close())

	events, err := ReplayEvents(w.FilePath(), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, int64(4), events[1].ID)
	assert.Equal(t, session.EventAgentText, events[0].Type)
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	w, err := Open(t.TempDir(), "sess-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, w.WriteEvent(StreamStdout, &session.Event{ID: 1, Type: session.EventAgentText, Text: "x"}))
	require.NoError(t, w.Close())

	// Simulate a torn write after a crash.
	f, err := os.OpenFile(w.FilePath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage without a stream tag\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReplayEvents(w.FilePath(), 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestParseLine(t *testing.T) {
	line, err := ParseLine("[stderr] something broke")
	require.NoError(t, err)
	assert.Equal(t, StreamStderr, line.Stream)
	assert.Equal(t, "something broke", line.Body)
	assert.Nil(t, line.Event)

	line, err = ParseLine(`[stdout] [7|agent:text] {"id":7,"sessionId":"s1","ts":1,"type":"agent:text","text":"hi"}`)
	require.NoError(t, err)
	require.NotNil(t, line.Event)
	assert.Equal(t, int64(7), line.Event.ID)
	assert.Equal(t, "hi", line.Event.Text)

	_, err = ParseLine("no tag at all")
	assert.Error(t, err)
}

func TestParseOffset(t *testing.T) {
	assert.Equal(t, int64(0), ParseOffset(""))
	assert.Equal(t, int64(0), ParseOffset("not-a-number"))
	assert.Equal(t, int64(0), ParseOffset("-5"))
	assert.Equal(t, int64(42), ParseOffset(" 42 "))
}

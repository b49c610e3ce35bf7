package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestCallResolvesOnResponse(t *testing.T) {
	stdin := &lockedBuffer{}
	c := NewClient(stdin, logger.Default())
	defer c.Close()

	done := make(chan *Response, 1)
	go func() {
		resp, err := c.Call(context.Background(), "initialize", map[string]string{"a": "b"})
		require.NoError(t, err)
		done <- resp
	}()

	// Wait until the request hits stdin, then feed the matching response.
	var id float64
	require.Eventually(t, func() bool {
		lines := stdin.Lines(t)
		if len(lines) == 0 {
			return false
		}
		id = lines[0]["id"].(float64)
		return true
	}, time.Second, 5*time.Millisecond)

	consumed := c.HandleMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, int64(id))))
	assert.True(t, consumed)

	select {
	case resp := <-done:
		assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	case <-time.After(time.Second):
		t.Fatal("call did not resolve")
	}
}

func TestCallTimesOut(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "session/prompt", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailAllResolvesPending(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	defer c.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "session/prompt", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)

	c.FailAll(fmt.Errorf("agent exited with code 1"))

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent exited")
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	c.Close()

	_, err := c.Call(context.Background(), "initialize", nil)
	assert.Error(t, err)
}

func TestHandleMessageRoutesNotification(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	defer c.Close()

	var gotMethod string
	var gotParams json.RawMessage
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		gotMethod = method
		gotParams = params
	})

	consumed := c.HandleMessage([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1"}}`))

	assert.True(t, consumed)
	assert.Equal(t, "session/update", gotMethod)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(gotParams))
}

func TestHandleMessageRoutesServerRequest(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	defer c.Close()

	var gotID int64
	var gotMethod string
	c.SetRequestHandler(func(id int64, method string, params json.RawMessage) {
		gotID = id
		gotMethod = method
	})

	consumed := c.HandleMessage([]byte(`{"jsonrpc":"2.0","id":7,"method":"fs/read_text_file","params":{"path":"/tmp/x"}}`))

	assert.True(t, consumed)
	assert.Equal(t, int64(7), gotID)
	assert.Equal(t, "fs/read_text_file", gotMethod)
}

func TestRespondWritesServerResponse(t *testing.T) {
	stdin := &lockedBuffer{}
	c := NewClient(stdin, logger.Default())
	defer c.Close()

	require.NoError(t, c.Respond(7, map[string]string{"content": "x"}, nil))

	lines := stdin.Lines(t)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(7), lines[0]["id"])
}

func TestHandleMessageUnknownFormat(t *testing.T) {
	c := NewClient(&lockedBuffer{}, logger.Default())
	defer c.Close()

	assert.False(t, c.HandleMessage([]byte(`{"neither":"response nor notification"}`)))
}

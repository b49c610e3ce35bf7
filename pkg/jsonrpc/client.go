package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// Client handles JSON-RPC 2.0 communication over a child's stdin/stdout.
// The client does not read stdout itself: the session pipeline owns the
// stdout stream and feeds complete lines in via HandleMessage, so raw lines
// are logged exactly once before any routing happens.
type Client struct {
	stdin io.Writer

	requestID atomic.Int64
	pending   map[int64]chan *Response
	mu        sync.Mutex
	closed    bool

	// onNotification receives server-initiated notifications.
	onNotification func(method string, params json.RawMessage)
	// onRequest receives server-initiated requests (permissions, fs access).
	onRequest func(id int64, method string, params json.RawMessage)

	logger *logger.Logger
	done   chan struct{}
}

// NewClient creates a new JSON-RPC client writing to the given stdin.
func NewClient(stdin io.Writer, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming server requests.
func (c *Client) SetRequestHandler(handler func(id int64, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// Close fails all pending calls and stops the client.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.FailAll(fmt.Errorf("client closed"))
}

// FailAll resolves every pending request with the given error. Called when
// the child process exits with requests in flight.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.mu.Unlock()

	for id, ch := range pending {
		resp := &Response{
			ID:    &id,
			Error: &Error{Code: -32000, Message: err.Error()},
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

// Call sends a request and waits for its response. The context bounds the
// wait; callers choose the timeout class (handshake, prompt, unbounded).
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.send(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	})
}

// Respond answers a server-initiated request.
func (c *Client) Respond(id int64, result any, rpcErr *Error) error {
	return c.send(&ServerResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

// HandleMessage routes one complete line from the child's stdout. Returns
// true when the line was consumed as a response to a pending request;
// notifications and server requests are dispatched to their handlers.
func (c *Client) HandleMessage(line []byte) bool {
	// Response: has an id and result/error but no method.
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(line, &probe)
		if probe.Method == "" {
			c.handleResponse(&resp)
			return true
		}
		// Server-initiated request.
		if c.onRequest != nil {
			c.onRequest(*resp.ID, probe.Method, extractParams(line))
		}
		return true
	}

	var notif Notification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		if c.onNotification != nil {
			c.onNotification(notif.Method, notif.Params)
		}
		return true
	}

	c.logger.Warn("received unknown message format", zap.ByteString("data", line))
	return false
}

func extractParams(line []byte) json.RawMessage {
	var probe struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(line, &probe)
	return probe.Params
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Int64("id", *resp.ID))
	}
}

package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/pkg/jsonrpc"
)

// DefaultBinary is the CLI executable name.
const DefaultBinary = "codex"

const (
	// handshakeTimeout bounds initialize and session/new|load calls.
	handshakeTimeout = 30 * time.Second
	// promptTimeout bounds one full session/prompt round-trip.
	promptTimeout = 10 * time.Minute
	// killGrace is the SIGTERM to SIGKILL delay on restart.
	killGrace = 5 * time.Second
)

// Adapter drives one ACP agent child over JSON-RPC stdio.
type Adapter struct {
	adapter.Base

	bin    string
	logger *logger.Logger

	mu          sync.Mutex
	handle      *adapter.Handle
	client      *jsonrpc.Client
	sessionRef  string
	loadSession bool
	opts        adapter.SpawnOptions
	model       string
	permMode    string

	restarting atomic.Bool

	turnMu       sync.Mutex
	turnText     strings.Builder
	turnThinking strings.Builder
}

// New creates a codex adapter. An empty bin uses DefaultBinary.
func New(bin string, log *logger.Logger) *Adapter {
	if bin == "" {
		bin = DefaultBinary
	}
	return &Adapter{
		bin:    bin,
		logger: log.WithFields(zap.String("component", "codex-adapter")),
	}
}

// Spawn starts the agent, performs the handshake and pushes the initial
// prompt on its own goroutine (prompt round-trips can run for minutes).
func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return a.start(ctx, "", prompt, opts)
}

// Resume restarts from a prior agent session via session/load when the
// agent advertises the capability, else falls back to a fresh session.
func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return a.start(ctx, sessionRef, prompt, opts)
}

func (a *Adapter) start(ctx context.Context, resumeRef, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	a.mu.Lock()
	a.opts = opts
	a.model = opts.Model
	a.permMode = opts.PermissionMode
	a.mu.Unlock()

	if err := a.launch(opts.Model); err != nil {
		return nil, err
	}
	if err := a.handshake(ctx, resumeRef); err != nil {
		a.teardownChild()
		return nil, err
	}

	if prompt != "" {
		go a.runPrompt(prompt, opts.InitialImage)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle, nil
}

// launch spawns the child and wires the JSON-RPC client to its stdin.
func (a *Adapter) launch(model string) error {
	args := []string{"acp"}
	if model != "" {
		args = append(args, "-m", model)
	}
	a.mu.Lock()
	args = append(args, a.opts.ExtraArgs...)
	cwd := a.opts.CWD
	env := a.opts.Env
	a.mu.Unlock()

	exitSink := a.ExitSink()
	h, err := adapter.StartChild(a.bin, args, adapter.ChildOptions{
		CWD:      cwd,
		Env:      env,
		OnData:   a.DataSink(),
		OnStderr: a.StderrSink(),
		OnExit: func(code int) {
			a.mu.Lock()
			client := a.client
			a.mu.Unlock()
			if client != nil {
				client.FailAll(fmt.Errorf("agent exited with code %d", code))
			}
			// Restarts replace the child in place; the supervisor only
			// hears about terminal exits.
			if a.restarting.Load() {
				return
			}
			if exitSink != nil {
				exitSink(code)
			}
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	client := jsonrpc.NewClient(h.Stdin(), a.logger)
	client.SetNotificationHandler(a.handleNotification)
	client.SetRequestHandler(a.handleServerRequest)

	a.mu.Lock()
	a.handle = h
	a.client = client
	a.mu.Unlock()
	return nil
}

// handshake runs initialize and establishes the agent session.
func (a *Adapter) handshake(ctx context.Context, resumeRef string) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resp, err := a.call(hctx, MethodInitialize, InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      ClientInfo{Name: "agendo", Version: "0.1.0"},
		Capabilities: ClientCapabilities{
			FS: FSCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	var initResult InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	a.mu.Lock()
	a.loadSession = initResult.AgentCapabilities.LoadSession
	cwd := a.opts.CWD
	loadSupported := a.loadSession
	a.mu.Unlock()

	if resumeRef != "" && loadSupported {
		if _, err := a.call(hctx, MethodSessionLoad, SessionLoadParams{SessionID: resumeRef, CWD: cwd}); err != nil {
			return fmt.Errorf("session/load failed: %w", err)
		}
		a.setSessionRef(resumeRef)
		a.EmitSessionRef(resumeRef)
		return nil
	}

	resp, err = a.call(hctx, MethodSessionNew, SessionNewParams{CWD: cwd})
	if err != nil {
		return fmt.Errorf("session/new failed: %w", err)
	}
	var newResult SessionNewResult
	if err := json.Unmarshal(resp.Result, &newResult); err != nil {
		return fmt.Errorf("failed to parse session/new result: %w", err)
	}
	a.setSessionRef(newResult.SessionID)
	a.EmitSessionRef(newResult.SessionID)
	return nil
}

func (a *Adapter) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("no agent running")
	}
	return client.Call(ctx, method, params)
}

func (a *Adapter) setSessionRef(ref string) {
	a.mu.Lock()
	a.sessionRef = ref
	a.mu.Unlock()
}

// SendMessage pushes one user turn and blocks through the full round-trip.
// A 429-style prompt error is surfaced without retry: this agent appends
// the message to history before the model call, so a retry duplicates it.
func (a *Adapter) SendMessage(ctx context.Context, text, imageB64 string) error {
	a.runPrompt(text, imageB64)
	return nil
}

// runPrompt performs one session/prompt round-trip and emits the turn's
// terminal events.
func (a *Adapter) runPrompt(text, imageB64 string) {
	a.mu.Lock()
	ref := a.sessionRef
	a.mu.Unlock()

	blocks := []ContentBlock{}
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
	}
	if imageB64 != "" {
		blocks = append(blocks, ContentBlock{Type: "image", MimeType: "image/png", Data: imageB64})
	}

	ctx, cancel := context.WithTimeout(context.Background(), promptTimeout)
	defer cancel()

	resp, err := a.call(ctx, MethodSessionPrompt, SessionPromptParams{SessionID: ref, Prompt: blocks})
	if err != nil {
		a.finishTurn("error", err)
		return
	}
	var result SessionPromptResult
	if len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &result)
	}
	a.finishTurn(result.StopReason, nil)
}

// finishTurn flushes accumulated chunks as complete events and emits the
// per-turn result.
func (a *Adapter) finishTurn(stopReason string, turnErr error) {
	a.turnMu.Lock()
	thinking := a.turnThinking.String()
	text := a.turnText.String()
	a.turnThinking.Reset()
	a.turnText.Reset()
	a.turnMu.Unlock()

	var events []session.Event
	if thinking != "" {
		events = append(events, session.Event{
			Type:      session.EventAgentThinking,
			Text:      thinking,
			FromDelta: true,
		})
	}
	if text != "" {
		events = append(events, session.Event{
			Type:      session.EventAgentText,
			Text:      text,
			FromDelta: true,
		})
	}

	result := &session.ResultPayload{Subtype: stopReason}
	if turnErr != nil {
		result.IsError = true
		if result.Subtype == "" {
			result.Subtype = "error"
		}
		result.Text = turnErr.Error()
	}
	events = append(events, session.Event{Type: session.EventAgentResult, Result: result})

	a.EmitEvents(events...)
	a.EmitThinking(false)
}

// Interrupt delivers the in-band cancel notification.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	ref := a.sessionRef
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("no agent running")
	}
	return client.Notify(MethodSessionCancel, SessionCancelParams{SessionID: ref, Reason: "user interrupt"})
}

// SendToolResult forwards a client-executed tool result to the agent.
func (a *Adapter) SendToolResult(ctx context.Context, toolUseID string, result any) error {
	a.mu.Lock()
	client := a.client
	ref := a.sessionRef
	a.mu.Unlock()
	if client == nil {
		return fmt.Errorf("no agent running")
	}
	return client.Notify(MethodSessionToolResult, SessionToolResultParams{
		SessionID:  ref,
		ToolCallID: toolUseID,
		Result:     result,
	})
}

// SetPermissionMode records the mode; it is applied locally when serving
// permission requests (bypass auto-allows) and on the next restart.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode string) error {
	a.mu.Lock()
	a.permMode = mode
	a.mu.Unlock()
	return nil
}

// SetModel relaunches the agent with the new model. The session reference
// survives when the agent supports session/load; otherwise a fresh session
// is established and the reference is reset.
func (a *Adapter) SetModel(ctx context.Context, model string) (bool, error) {
	a.restarting.Store(true)
	defer a.restarting.Store(false)

	a.teardownChild()

	a.mu.Lock()
	a.model = model
	a.opts.Model = model
	ref := a.sessionRef
	a.mu.Unlock()

	if err := a.launch(model); err != nil {
		return false, err
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resp, err := a.call(hctx, MethodInitialize, InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      ClientInfo{Name: "agendo", Version: "0.1.0"},
		Capabilities: ClientCapabilities{
			FS: FSCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return false, fmt.Errorf("initialize failed after model switch: %w", err)
	}
	var initResult InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		return false, fmt.Errorf("failed to parse initialize result: %w", err)
	}

	a.mu.Lock()
	a.loadSession = initResult.AgentCapabilities.LoadSession
	cwd := a.opts.CWD
	loadSupported := a.loadSession
	a.mu.Unlock()

	if ref != "" && loadSupported {
		if _, err := a.call(hctx, MethodSessionLoad, SessionLoadParams{SessionID: ref, CWD: cwd}); err != nil {
			return false, fmt.Errorf("session/load failed after model switch: %w", err)
		}
		return true, nil
	}

	resp, err = a.call(hctx, MethodSessionNew, SessionNewParams{CWD: cwd})
	if err != nil {
		return false, fmt.Errorf("session/new failed after model switch: %w", err)
	}
	var newResult SessionNewResult
	if err := json.Unmarshal(resp.Result, &newResult); err != nil {
		return false, fmt.Errorf("failed to parse session/new result: %w", err)
	}
	a.setSessionRef(newResult.SessionID)
	a.ResetSessionRef()
	a.EmitSessionRef(newResult.SessionID)
	return false, nil
}

// teardownChild stops the current child with the usual signal ladder and
// waits for it to exit.
func (a *Adapter) teardownChild() {
	a.mu.Lock()
	h := a.handle
	client := a.client
	a.mu.Unlock()
	if client != nil {
		client.Close()
	}
	if h == nil {
		return
	}
	_ = h.Terminate()
	h.ScheduleKill(killGrace)
	<-h.Done()
}

// IsAlive reports whether the agent's stdin is still writable.
func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	return h != nil && h.StdinWritable()
}

// CurrentHandle returns the live child handle; it changes across model
// switch restarts.
func (a *Adapter) CurrentHandle() *adapter.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// MapJSONToEvents routes one stdout line into the JSON-RPC client. All
// canonical events for this variant are emitted via the OnEvents path from
// the notification and request handlers, which run synchronously here, so
// per-session ordering is preserved.
func (a *Adapter) MapJSONToEvents(line []byte) []session.Event {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	client.HandleMessage(line)
	return nil
}

// handleNotification maps session/update notifications to canonical events.
func (a *Adapter) handleNotification(method string, params json.RawMessage) {
	if method != NotificationSessionUpdate {
		a.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}
	var update SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		a.logger.Warn("malformed session/update", zap.Error(err))
		return
	}

	u := update.Update
	switch u.SessionUpdate {
	case "agent_message_chunk":
		if u.Content == nil || u.Content.Text == "" {
			return
		}
		a.turnMu.Lock()
		a.turnText.WriteString(u.Content.Text)
		a.turnMu.Unlock()
		a.EmitThinking(true)
		a.EmitEvents(session.Event{Type: session.EventAgentTextDelta, Text: u.Content.Text})

	case "agent_thought_chunk":
		if u.Content == nil || u.Content.Text == "" {
			return
		}
		a.turnMu.Lock()
		a.turnThinking.WriteString(u.Content.Text)
		a.turnMu.Unlock()
		a.EmitThinking(true)
		a.EmitEvents(session.Event{Type: session.EventAgentThinkingDelta, Text: u.Content.Text})

	case "tool_call":
		name := u.Title
		if name == "" {
			name = u.Kind
		}
		a.EmitThinking(true)
		a.EmitEvents(session.Event{
			Type:      session.EventAgentToolStart,
			ToolUseID: u.ToolCallID,
			ToolName:  name,
			ToolInput: u.RawInput,
		})

	case "tool_call_update":
		if u.Status != "completed" && u.Status != "failed" {
			return
		}
		a.EmitEvents(session.Event{
			Type:      session.EventAgentToolEnd,
			ToolUseID: u.ToolCallID,
			Content:   rawOutputText(u.RawOutput),
			IsError:   u.Status == "failed",
		})

	default:
		a.logger.Debug("ignoring session update", zap.String("kind", u.SessionUpdate))
	}
}

func rawOutputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Output != "" {
		return obj.Output
	}
	return string(raw)
}

// handleServerRequest serves agent-initiated requests: permission gating and
// filesystem access. Runs on a goroutine per request so a pending approval
// does not stall the pipeline.
func (a *Adapter) handleServerRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case MethodRequestPermission:
		go a.handlePermission(id, params)
	case MethodFSReadTextFile:
		go a.handleFSRead(id, params)
	case MethodFSWriteTextFile:
		go a.handleFSWrite(id, params)
	default:
		a.respond(id, nil, &jsonrpc.Error{Code: -32601, Message: "method not found"})
	}
}

func (a *Adapter) respond(id int64, result any, rpcErr *jsonrpc.Error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.Respond(id, result, rpcErr); err != nil {
		a.logger.Warn("failed to answer agent request", zap.Int64("id", id), zap.Error(err))
	}
}

// handlePermission gates one tool call. Synthetic tool-start and tool-end
// events frame the approval round-trip so the stream shows a tool card
// even when the agent never emits a tool_call for a denied invocation.
func (a *Adapter) handlePermission(id int64, params json.RawMessage) {
	var req RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		a.respond(id, nil, &jsonrpc.Error{Code: -32602, Message: "invalid params"})
		return
	}

	a.mu.Lock()
	bypass := a.permMode == string(session.PermissionBypassPermissions)
	a.mu.Unlock()
	if bypass {
		a.respond(id, RequestPermissionResult{
			Outcome: PermissionOutcome{Outcome: "selected", OptionID: pickOption(req.Options, KindAllowOnce)},
		}, nil)
		return
	}

	name := req.ToolCall.Title
	if name == "" {
		name = req.ToolCall.Kind
	}
	a.EmitEvents(session.Event{
		Type:      session.EventAgentToolStart,
		ToolUseID: req.ToolCall.ToolCallID,
		ToolName:  name,
		ToolInput: req.ToolCall.RawInput,
	})

	resp := a.Approve(context.Background(), adapter.ApprovalRequest{
		ApprovalID: req.ToolCall.ToolCallID,
		ToolUseID:  req.ToolCall.ToolCallID,
		ToolName:   name,
		ToolInput:  req.ToolCall.RawInput,
	})

	kind := KindRejectOnce
	content := "Denied"
	if resp.Behavior == adapter.BehaviorAllow {
		kind = KindAllowOnce
		content = "Approved"
	}
	a.EmitEvents(session.Event{
		Type:      session.EventAgentToolEnd,
		ToolUseID: req.ToolCall.ToolCallID,
		Content:   content,
		IsError:   resp.Behavior != adapter.BehaviorAllow,
	})

	a.respond(id, RequestPermissionResult{
		Outcome: PermissionOutcome{Outcome: "selected", OptionID: pickOption(req.Options, kind)},
	}, nil)
}

// pickOption selects the option matching the desired kind, falling back to
// the first option.
func pickOption(options []PermissionOption, kind string) string {
	for _, opt := range options {
		if opt.Kind == kind {
			return opt.OptionID
		}
	}
	if len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}

// handleFSRead serves fs/read_text_file. Read errors return empty content
// rather than an error; the agent treats missing files as empty.
func (a *Adapter) handleFSRead(id int64, params json.RawMessage) {
	var req FSReadParams
	if err := json.Unmarshal(params, &req); err != nil {
		a.respond(id, FSReadResult{}, nil)
		return
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		a.logger.Debug("fs read failed", zap.String("path", req.Path), zap.Error(err))
		a.respond(id, FSReadResult{}, nil)
		return
	}
	content := string(data)
	if req.Line > 0 || req.Limit > 0 {
		content = sliceLines(content, req.Line, req.Limit)
	}
	a.respond(id, FSReadResult{Content: content}, nil)
}

// handleFSWrite serves fs/write_text_file. Write errors are ignored and
// reported as success; the agent has no recovery path for them.
func (a *Adapter) handleFSWrite(id int64, params json.RawMessage) {
	var req FSWriteParams
	if err := json.Unmarshal(params, &req); err == nil {
		if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
			a.logger.Warn("fs write failed", zap.String("path", req.Path), zap.Error(err))
		}
	}
	a.respond(id, struct{}{}, nil)
}

// sliceLines returns limit lines starting at 1-based line.
func sliceLines(content string, line, limit int) string {
	lines := strings.Split(content, "\n")
	if line < 1 {
		line = 1
	}
	if line > len(lines) {
		return ""
	}
	lines = lines[line-1:]
	if limit > 0 && limit < len(lines) {
		lines = lines[:limit]
	}
	return strings.Join(lines, "\n")
}

// Package claude integrates the Claude CLI over its stream-json protocol:
// NDJSON records on stdout, user turns and control responses on stdin.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/pkg/claudewire"
)

// DefaultBinary is the CLI executable name.
const DefaultBinary = "claude"

// Adapter drives one Claude CLI child process.
type Adapter struct {
	adapter.Base

	bin    string
	logger *logger.Logger

	mu        sync.Mutex
	handle    *adapter.Handle
	sessionID string

	requestID atomic.Int64

	// mapper state, touched only from the supervisor's pipeline goroutine
	initSeen         bool
	sawTextDelta     bool
	sawThinkingDelta bool
}

// New creates a Claude adapter. An empty bin uses DefaultBinary.
func New(bin string, log *logger.Logger) *Adapter {
	if bin == "" {
		bin = DefaultBinary
	}
	return &Adapter{
		bin:    bin,
		logger: log.WithFields(zap.String("component", "claude-adapter")),
	}
}

func (a *Adapter) buildArgs(resumeRef string, opts adapter.SpawnOptions) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
		if opts.StrictMCPConfig {
			args = append(args, "--strict-mcp-config")
		}
	}
	args = append(args, opts.ExtraArgs...)
	return args
}

// Spawn starts a fresh CLI child and pushes the initial prompt.
func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return a.start(ctx, "", prompt, opts)
}

// Resume restarts from a prior session reference. The resume flag is passed
// on this spawn only; the CLI assigns the same reference on init.
func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return a.start(ctx, sessionRef, prompt, opts)
}

func (a *Adapter) start(ctx context.Context, resumeRef, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	a.mu.Lock()
	if a.handle != nil && a.handle.Alive() {
		a.mu.Unlock()
		return nil, fmt.Errorf("child already running")
	}
	a.sessionID = opts.SessionID
	a.mu.Unlock()

	h, err := adapter.StartChild(a.bin, a.buildArgs(resumeRef, opts), adapter.ChildOptions{
		CWD:      opts.CWD,
		Env:      opts.Env,
		OnData:   a.DataSink(),
		OnStderr: a.StderrSink(),
		OnExit:   a.ExitSink(),
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()

	if prompt != "" {
		if err := a.writeUserMessage(prompt, opts.InitialImage); err != nil {
			h.ScheduleKill(0)
			return nil, fmt.Errorf("failed to send initial prompt: %w", err)
		}
	}
	return h, nil
}

// SendMessage pushes one user turn. Slash commands are plain user messages;
// the CLI interprets the leading slash itself. Returns after the stdin write.
func (a *Adapter) SendMessage(ctx context.Context, text, imageB64 string) error {
	return a.writeUserMessage(text, imageB64)
}

func (a *Adapter) writeUserMessage(text, imageB64 string) error {
	var content any = text
	if imageB64 != "" {
		blocks := []any{
			claudewire.ImageBlock{
				Type: "image",
				Source: claudewire.ImageSource{
					Type:      "base64",
					MediaType: "image/png",
					Data:      imageB64,
				},
			},
		}
		if text != "" {
			blocks = append(blocks, claudewire.TextBlock{Type: "text", Text: text})
		}
		content = blocks
	}

	msg := claudewire.UserMessage{
		Type:    claudewire.MessageTypeUser,
		Message: claudewire.UserMessageBody{Role: "user", Content: content},
	}
	return a.writeJSON(msg)
}

func (a *Adapter) writeJSON(msg any) error {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no child running")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return h.WriteLine(data)
}

func (a *Adapter) sendControlRequest(body claudewire.SDKControlRequestBody) error {
	return a.writeJSON(claudewire.SDKControlRequest{
		Type:      claudewire.MessageTypeControlRequest,
		RequestID: fmt.Sprintf("req_%d", a.requestID.Add(1)),
		Request:   body,
	})
}

// Interrupt delivers the in-band cancel control request.
func (a *Adapter) Interrupt(ctx context.Context) error {
	return a.sendControlRequest(claudewire.SDKControlRequestBody{
		Subtype: claudewire.SubtypeInterrupt,
	})
}

// SetPermissionMode changes the permission mode in-band.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode string) error {
	return a.sendControlRequest(claudewire.SDKControlRequestBody{
		Subtype: claudewire.SubtypeSetPermissionMode,
		Mode:    mode,
	})
}

// SetModel switches the model in-band; the session reference is preserved.
func (a *Adapter) SetModel(ctx context.Context, model string) (bool, error) {
	err := a.sendControlRequest(claudewire.SDKControlRequestBody{
		Subtype: claudewire.SubtypeSetModel,
		Model:   model,
	})
	return true, err
}

// IsAlive reports whether stdin is still writable.
func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	return h != nil && h.StdinWritable()
}

// handleControlRequest resolves a can_use_tool request through the wired
// approval handler and writes the decision back on stdin. Runs on its own
// goroutine so the pipeline is not blocked while the user decides.
func (a *Adapter) handleControlRequest(requestID string, req *claudewire.ControlRequest) {
	if req == nil || req.Subtype != claudewire.SubtypeCanUseTool {
		return
	}

	go func() {
		isAskUser := req.ToolName == "AskUserQuestion"
		resp := a.Approve(context.Background(), adapter.ApprovalRequest{
			ApprovalID: requestID,
			ToolUseID:  req.ToolUseID,
			ToolName:   req.ToolName,
			ToolInput:  req.Input,
			IsAskUser:  isAskUser,
		})

		result := &claudewire.PermissionResult{Behavior: resp.Behavior}
		if resp.Behavior == claudewire.BehaviorAllow {
			result.UpdatedInput = resp.UpdatedInput
			if result.UpdatedInput == nil {
				result.UpdatedInput = req.Input
			}
		} else {
			result.Message = resp.Message
		}

		err := a.writeJSON(claudewire.ControlResponseMessage{
			Type:      claudewire.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claudewire.ControlResponse{
				Subtype:   "success",
				RequestID: requestID,
				Response:  result,
			},
		})
		if err != nil {
			a.logger.Warn("failed to answer permission request",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}()
}

// Package gemini integrates template-invoked one-shot CLIs: the prompt is
// rendered into the argv template, the child runs once, and its plain-text
// stdout becomes the turn. No multi-turn, no approval gate, no session ref.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
)

// DefaultBinary is the CLI executable name.
const DefaultBinary = "gemini"

// PromptPlaceholder marks where the prompt lands in the argv template.
const PromptPlaceholder = "{prompt}"

// DefaultArgsTemplate is used when no template is configured.
var DefaultArgsTemplate = []string{"-p", PromptPlaceholder}

// Adapter runs one one-shot CLI invocation per session run.
type Adapter struct {
	adapter.Base

	bin          string
	argsTemplate []string
	logger       *logger.Logger

	mu     sync.Mutex
	handle *adapter.Handle
}

// New creates a gemini adapter. Empty bin and template use the defaults.
func New(bin string, argsTemplate []string, log *logger.Logger) *Adapter {
	if bin == "" {
		bin = DefaultBinary
	}
	if len(argsTemplate) == 0 {
		argsTemplate = DefaultArgsTemplate
	}
	return &Adapter{
		bin:          bin,
		argsTemplate: argsTemplate,
		logger:       log.WithFields(zap.String("component", "gemini-adapter")),
	}
}

// renderArgs substitutes the prompt into the argv template. A template
// without the placeholder gets the prompt appended.
func (a *Adapter) renderArgs(prompt, model string) []string {
	args := make([]string, 0, len(a.argsTemplate)+2)
	substituted := false
	for _, arg := range a.argsTemplate {
		if strings.Contains(arg, PromptPlaceholder) {
			arg = strings.ReplaceAll(arg, PromptPlaceholder, prompt)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, prompt)
	}
	if model != "" {
		args = append([]string{"-m", model}, args...)
	}
	return args
}

// Spawn runs the CLI once with the prompt rendered into argv. The exit hook
// emits the agent:result before the supervisor sees the exit.
func (a *Adapter) Spawn(ctx context.Context, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	a.mu.Lock()
	if a.handle != nil && a.handle.Alive() {
		a.mu.Unlock()
		return nil, fmt.Errorf("child already running")
	}
	a.mu.Unlock()

	a.EmitThinking(true)
	exitSink := a.ExitSink()
	h, err := adapter.StartChild(a.bin, a.renderArgs(prompt, opts.Model), adapter.ChildOptions{
		CWD:      opts.CWD,
		Env:      opts.Env,
		OnData:   a.DataSink(),
		OnStderr: a.StderrSink(),
		OnExit: func(code int) {
			a.EmitEvents(session.Event{
				Type:   session.EventAgentResult,
				Result: &session.ResultPayload{IsError: code != 0, Turns: 1},
			})
			a.EmitThinking(false)
			if exitSink != nil {
				exitSink(code)
			}
		},
		Logger: a.logger,
	})
	if err != nil {
		a.EmitThinking(false)
		return nil, err
	}

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	return h, nil
}

// Resume is not supported: one-shot runs carry no session reference.
func (a *Adapter) Resume(ctx context.Context, sessionRef, prompt string, opts adapter.SpawnOptions) (*adapter.Handle, error) {
	return nil, fmt.Errorf("one-shot adapter does not support resume")
}

// SendMessage is not supported: there is no second turn.
func (a *Adapter) SendMessage(ctx context.Context, text, imageB64 string) error {
	return fmt.Errorf("one-shot adapter does not support follow-up messages")
}

// Interrupt signals the process group.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no child running")
	}
	return h.Interrupt()
}

// SetPermissionMode is a no-op: there is no approval gate.
func (a *Adapter) SetPermissionMode(ctx context.Context, mode string) error {
	return nil
}

// SetModel is not supported mid-run; the model is fixed at spawn.
func (a *Adapter) SetModel(ctx context.Context, model string) (bool, error) {
	return false, fmt.Errorf("one-shot adapter cannot switch model mid-run")
}

// IsAlive reports whether the child is still running.
func (a *Adapter) IsAlive() bool {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	return h != nil && h.Alive()
}

// MapJSONToEvents passes JSON lines through as plain text: the CLI's output
// has no wire protocol, so everything it prints belongs in the transcript.
func (a *Adapter) MapJSONToEvents(line []byte) []session.Event {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return nil
	}
	return []session.Event{{Type: session.EventAgentText, Text: text}}
}

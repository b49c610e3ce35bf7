package adapter

import (
	"context"
	"sync"

	"github.com/agendo/agendo/internal/session"
)

// Base carries the callback plumbing shared by all adapter variants.
// Variants embed it and use the emit helpers; the supervisor uses the
// setters before spawning.
type Base struct {
	mu           sync.Mutex
	onData       func(chunk []byte)
	onStderr     func(line string)
	onExit       func(code int)
	onThinking   func(thinking bool)
	onSessionRef func(ref string)
	onUsage      func(u session.Usage)
	onEvents     func(events []session.Event)
	approval     ApprovalHandler

	thinking bool
	refFired bool
}

func (b *Base) OnData(fn func(chunk []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onData = fn
}

func (b *Base) OnStderr(fn func(line string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStderr = fn
}

func (b *Base) OnExit(fn func(code int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExit = fn
}

func (b *Base) OnThinkingChange(fn func(thinking bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onThinking = fn
}

func (b *Base) OnSessionRef(fn func(ref string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionRef = fn
}

func (b *Base) OnUsage(fn func(u session.Usage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUsage = fn
}

func (b *Base) OnEvents(fn func(events []session.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvents = fn
}

func (b *Base) SetApprovalHandler(fn ApprovalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approval = fn
}

// DataSink returns the wired stdout callback (may be nil).
func (b *Base) DataSink() func([]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onData
}

// StderrSink returns the wired stderr callback (may be nil).
func (b *Base) StderrSink() func(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onStderr
}

// ExitSink returns the wired exit callback (may be nil).
func (b *Base) ExitSink() func(int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onExit
}

// EmitThinking fires the thinking callback on actual transitions only.
func (b *Base) EmitThinking(thinking bool) {
	b.mu.Lock()
	if b.thinking == thinking {
		b.mu.Unlock()
		return
	}
	b.thinking = thinking
	fn := b.onThinking
	b.mu.Unlock()
	if fn != nil {
		fn(thinking)
	}
}

// EmitSessionRef fires the session-ref callback at most once.
func (b *Base) EmitSessionRef(ref string) {
	b.mu.Lock()
	if b.refFired || ref == "" {
		b.mu.Unlock()
		return
	}
	b.refFired = true
	fn := b.onSessionRef
	b.mu.Unlock()
	if fn != nil {
		fn(ref)
	}
}

// ResetSessionRef re-arms the once guard, used when a restart assigns a new
// reference (model switch without session-load support).
func (b *Base) ResetSessionRef() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refFired = false
}

// EmitUsage forwards token accounting to the wired callback.
func (b *Base) EmitUsage(u session.Usage) {
	b.mu.Lock()
	fn := b.onUsage
	b.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// EmitEvents forwards adapter-originated canonical events for stamping
// and publication.
func (b *Base) EmitEvents(events ...session.Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	fn := b.onEvents
	b.mu.Unlock()
	if fn != nil {
		fn(events)
	}
}

// Approve runs the wired approval handler; denies when none is wired.
func (b *Base) Approve(ctx context.Context, req ApprovalRequest) ApprovalResponse {
	b.mu.Lock()
	fn := b.approval
	b.mu.Unlock()
	if fn == nil {
		return ApprovalResponse{Behavior: BehaviorDeny, Message: "no approval handler"}
	}
	return fn(ctx, req)
}

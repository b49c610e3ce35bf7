// Package adapter defines the contract every agent CLI integration satisfies
// and the shared child-process plumbing (process groups, signal escalation,
// environment construction).
package adapter

import (
	"context"

	"github.com/agendo/agendo/internal/session"
)

// SpawnOptions carries everything needed to start an agent child process.
type SpawnOptions struct {
	SessionID   string
	ExecutionID string
	AgentID     string
	TaskID      string

	CWD string
	// Env is the fully built child environment (see BuildEnv).
	Env []string

	PermissionMode string
	AllowedTools   []string
	Model          string
	FallbackModel  string

	MCPConfigPath   string
	MCPServers      []string
	StrictMCPConfig bool

	InitialImage string // base64 payload attached to the first turn
	ExtraArgs    []string

	TimeoutSec        int
	MaxOutputBytes    int64
	MaxBudgetUSD      float64
	PersistentSession bool
}

// ApprovalRequest is handed to the supervisor when the agent asks to use a
// tool. The handler blocks until the user decides or the gate is drained.
type ApprovalRequest struct {
	ApprovalID string
	ToolUseID  string
	ToolName   string
	ToolInput  map[string]any
	// IsAskUser marks AskUserQuestion-style requests whose decision carries
	// answers rather than a plain allow.
	IsAskUser bool
	Questions []map[string]any
}

// Approval behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// ApprovalResponse is the resolved decision for one ApprovalRequest.
type ApprovalResponse struct {
	// Behavior is BehaviorAllow or BehaviorDeny.
	Behavior string
	// UpdatedInput, when non-nil, replaces the tool input on allow.
	UpdatedInput any
	// Message is optional feedback to the model on deny.
	Message string
}

// ApprovalHandler gates one tool invocation. Implementations must be safe
// to call from the adapter's read path and must eventually return.
type ApprovalHandler func(ctx context.Context, req ApprovalRequest) ApprovalResponse

// ToolResultForwarder is implemented by adapters whose wire protocol carries
// client-executed tool results as a separate inbound message.
type ToolResultForwarder interface {
	SendToolResult(ctx context.Context, toolUseID string, result any) error
}

// Adapter is the stable interface each agent CLI integration implements.
// One adapter instance serves one session run; the supervisor owns it.
// The supervisor wires all callbacks before calling Spawn or Resume.
type Adapter interface {
	// OnData receives raw stdout chunks from the child.
	OnData(fn func(chunk []byte))

	// OnStderr receives complete stderr lines from the child.
	OnStderr(fn func(line string))

	// OnExit fires once when the child exits, after output is drained.
	OnExit(fn func(code int))

	// Spawn starts a fresh child process for the session.
	Spawn(ctx context.Context, prompt string, opts SpawnOptions) (*Handle, error)

	// Resume restarts from the agent's notion of a prior session.
	Resume(ctx context.Context, sessionRef, prompt string, opts SpawnOptions) (*Handle, error)

	// SendMessage pushes one user turn into the running child. May block
	// until the round-trip completes depending on the wire protocol.
	SendMessage(ctx context.Context, text, imageB64 string) error

	// Interrupt delivers a soft cancel (in-band where supported, signal
	// otherwise).
	Interrupt(ctx context.Context) error

	// SetPermissionMode sends the in-band permission mode change.
	SetPermissionMode(ctx context.Context, mode string) error

	// SetModel switches the model. Adapters that must restart the child
	// report whether the session reference survived the switch.
	SetModel(ctx context.Context, model string) (refPreserved bool, err error)

	// OnThinkingChange fires true when the child starts producing output
	// for a turn and false when the turn finishes.
	OnThinkingChange(fn func(thinking bool))

	// OnSessionRef fires exactly once per agent-assigned reference.
	OnSessionRef(fn func(ref string))

	// OnUsage receives token accounting from message_start style records.
	OnUsage(fn func(u session.Usage))

	// SetApprovalHandler wires per-tool gating.
	SetApprovalHandler(fn ApprovalHandler)

	// OnEvents receives canonical events the adapter originates outside the
	// line-mapping path (protocol clients emit from notification handlers
	// and turn completions). Events lack id/sessionId/ts.
	OnEvents(fn func(events []session.Event))

	// MapJSONToEvents is the pure wire-to-canonical transformation. The
	// line is known to be JSON; the returned events lack id/sessionId/ts,
	// which the supervisor stamps. An empty slice means the record was
	// bookkeeping only.
	MapJSONToEvents(line []byte) []session.Event

	// IsAlive reports whether the child's stdin is still writable.
	IsAlive() bool
}

// Restarter is implemented by adapters that replace their child process
// in-flight (model switches that require a relaunch). The supervisor
// re-reads the handle after such operations to track the new pid.
type Restarter interface {
	CurrentHandle() *Handle
}

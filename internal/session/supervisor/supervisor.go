// Package supervisor implements the session supervisor: the entity that
// claims a session row, spawns or resumes the agent child, turns its output
// into the canonical event stream, serves the control channel, and
// reconciles state on exit.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/logfile"
	"github.com/agendo/agendo/internal/session/store"
)

// Options wires a supervisor to its collaborators.
type Options struct {
	SessionID string
	WorkerID  string

	Store   store.Store
	Bus     bus.Bus
	Adapter adapter.Adapter
	Config  config.SessionConfig
	Logger  *logger.Logger

	// BaseEnv is merged under StartOptions.EnvOverrides when the child env
	// is built. The worker factory injects resolved agent credentials here.
	BaseEnv map[string]string

	// Requeue re-enqueues the session after restart-flagged exits. Optional.
	Requeue func(sessionID string)

	// TeamAttach starts the team inbox monitor when a team claims this
	// session as leader. Called once after spawn; optional.
	TeamAttach func(sup *Supervisor)

	// TeamIdleTimeout overrides the session idle timeout while a team
	// monitor is attached.
	TeamIdleTimeout time.Duration
}

// StartOptions carries the per-run spawn parameters.
type StartOptions struct {
	InitialPrompt string
	ResumeRef     string
	// DisplayText replaces InitialPrompt in the user:message emitted on
	// resume; empty means use the prompt itself.
	DisplayText   string
	CWD           string
	EnvOverrides  map[string]string
	MCPConfigPath string
	MCPServers    []string
	InitialImage  string
}

// Supervisor owns one session run: the adapter, the approval gates, the
// activity timers, the log writer, and the event sequence.
type Supervisor struct {
	sessionID string
	workerID  string
	agentID   string
	taskID    string

	store   store.Store
	bus     bus.Bus
	adapter adapter.Adapter
	cfg     config.SessionConfig
	logger  *logger.Logger

	baseEnv         map[string]string
	requeue         func(string)
	teamAttach      func(*Supervisor)
	teamIdleTimeout time.Duration

	// seqMu serializes event id assignment, row update, and publish.
	seqMu    sync.Mutex
	eventSeq int64

	mu           sync.Mutex
	status       session.Status
	handle       *adapter.Handle
	logw         *logfile.Writer
	ctrlSub      bus.Subscription
	allowedTools []string
	permMode     session.PermissionMode
	idleTimeout  time.Duration
	planPath     string
	pendingMode  session.PermissionMode
	teamActive   bool

	// exit flag taxonomy, inspected once by the exit handler
	flagMu              sync.Mutex
	cancelKilled        bool
	terminateKilled     bool
	modeChangeRestart   bool
	clearContextRestart bool
	exitHandled         bool

	// pipeline state, owned by the stdout pump goroutine
	lineMu  sync.Mutex
	lineBuf []byte

	toolsMu     sync.Mutex
	activeTools map[string]string // toolUseID -> toolName
	suppressed  map[string]bool   // toolUseIDs with a synthetic tool-end

	// MCP server health, fed by init/status records and checked by the
	// heartbeat probe.
	mcpMu       sync.Mutex
	mcpServers  []session.MCPServer
	mcpReported map[string]string // server name -> last reported bad status

	gates    *gateSet
	activity *tracker

	// dispatchMu serializes control handling: one message at a time.
	dispatchMu sync.Mutex

	slotOnce sync.Once
	slotDone chan struct{}
	exitOnce sync.Once
	exitDone chan struct{}
}

// New creates a supervisor for one session run.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		sessionID:       opts.SessionID,
		workerID:        opts.WorkerID,
		store:           opts.Store,
		bus:             opts.Bus,
		adapter:         opts.Adapter,
		cfg:             opts.Config,
		baseEnv:         opts.BaseEnv,
		requeue:         opts.Requeue,
		teamAttach:      opts.TeamAttach,
		teamIdleTimeout: opts.TeamIdleTimeout,
		activeTools:     make(map[string]string),
		suppressed:      make(map[string]bool),
		mcpReported:     make(map[string]string),
		slotDone:        make(chan struct{}),
		exitDone:        make(chan struct{}),
		logger: opts.Logger.WithFields(
			zap.String("component", "supervisor"),
			zap.String("session_id", opts.SessionID),
		),
	}
	s.gates = newGateSet(s)
	s.activity = newTracker(s)
	return s
}

// Start claims the session and brings up the child. On a claim race the
// futures are resolved and Start returns nil so callers never hang.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) error {
	claimed, err := s.store.ClaimSession(ctx, s.sessionID, s.workerID)
	if err != nil {
		if err == store.ErrClaimConflict {
			s.logger.Info("session already claimed, skipping run")
			s.releaseSlot()
			s.resolveExit()
			return nil
		}
		s.releaseSlot()
		s.resolveExit()
		return fmt.Errorf("failed to claim session: %w", err)
	}

	s.mu.Lock()
	s.status = session.StatusActive
	s.agentID = claimed.AgentID
	s.taskID = claimed.TaskID
	s.allowedTools = append([]string(nil), claimed.AllowedTools...)
	s.permMode = claimed.PermissionMode
	s.idleTimeout = time.Duration(claimed.IdleTimeoutSec) * time.Second
	if s.idleTimeout <= 0 {
		s.idleTimeout = time.Duration(s.cfg.IdleTimeoutSec) * time.Second
	}
	s.mu.Unlock()

	// Monotonic continuation across runs.
	s.seqMu.Lock()
	s.eventSeq = claimed.EventSeq
	s.seqMu.Unlock()

	logw, err := s.openLog(claimed)
	if err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to open session log: %w", err))
	}
	s.mu.Lock()
	s.logw = logw
	s.mu.Unlock()
	if err := s.store.UpdateLogPath(ctx, s.sessionID, logw.FilePath()); err != nil {
		s.logger.Warn("failed to persist log path", zap.Error(err))
	}

	ctrlSub, err := s.bus.Subscribe(bus.SessionControlSubject(s.sessionID), s.onControl)
	if err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to subscribe to control channel: %w", err))
	}
	s.mu.Lock()
	s.ctrlSub = ctrlSub
	s.mu.Unlock()

	overrides := make(map[string]string, len(s.baseEnv)+len(opts.EnvOverrides))
	for k, v := range s.baseEnv {
		overrides[k] = v
	}
	for k, v := range opts.EnvOverrides {
		overrides[k] = v
	}
	env := adapter.BuildEnv(overrides, s.sessionID, s.agentID, s.taskID)

	s.adapter.OnData(s.onData)
	s.adapter.OnStderr(s.onStderr)
	s.adapter.OnExit(s.onExit)
	s.adapter.OnEvents(s.onAdapterEvents)
	s.adapter.OnThinkingChange(s.onThinkingChange)
	s.adapter.OnSessionRef(s.onSessionRef)
	s.adapter.OnUsage(s.onUsage)
	s.adapter.SetApprovalHandler(s.gates.Handle)

	spawnOpts := adapter.SpawnOptions{
		SessionID:         s.sessionID,
		AgentID:           s.agentID,
		TaskID:            s.taskID,
		CWD:               opts.CWD,
		Env:               env,
		PermissionMode:    string(claimed.PermissionMode),
		AllowedTools:      claimed.AllowedTools,
		Model:             claimed.Model,
		MCPConfigPath:     opts.MCPConfigPath,
		MCPServers:        opts.MCPServers,
		StrictMCPConfig:   opts.MCPConfigPath != "",
		InitialImage:      opts.InitialImage,
		PersistentSession: true,
	}

	prompt := opts.InitialPrompt
	if prompt == "" {
		prompt = claimed.InitialPrompt
	}

	var handle *adapter.Handle
	if opts.ResumeRef != "" {
		display := opts.DisplayText
		if display == "" {
			display = prompt
		}
		s.emit(session.Event{Type: session.EventUserMessage, Text: display})
		handle, err = s.adapter.Resume(ctx, opts.ResumeRef, prompt, spawnOpts)
	} else {
		handle, err = s.adapter.Spawn(ctx, prompt, spawnOpts)
	}
	if err != nil {
		return s.failStart(ctx, fmt.Errorf("failed to start agent: %w", err))
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if err := s.store.UpdatePID(ctx, s.sessionID, handle.PID()); err != nil {
		s.logger.Warn("failed to persist pid", zap.Error(err))
	}

	if claimed.Title == "" && prompt != "" {
		if err := s.store.SetTitle(ctx, s.sessionID, deriveTitle(prompt)); err != nil {
			s.logger.Warn("failed to persist title", zap.Error(err))
		}
	}

	s.activity.Start()

	if s.teamAttach != nil {
		s.teamAttach(s)
	}

	s.logger.Info("session started",
		zap.Int("pid", handle.PID()),
		zap.Bool("resumed", opts.ResumeRef != ""))
	return nil
}

func (s *Supervisor) openLog(claimed *session.Session) (*logfile.Writer, error) {
	if claimed.LogFilePath != "" {
		return logfile.OpenPath(claimed.LogFilePath)
	}
	return logfile.Open(s.cfg.LogDir, s.sessionID, time.Now())
}

// failStart handles AdapterSpawnFailure and setup errors after a successful
// claim: surface a system:error, mark the session ended, release everything.
func (s *Supervisor) failStart(ctx context.Context, cause error) error {
	msg := cause.Error()
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		if tail := h.StderrTail(); tail != "" {
			msg = msg + "\n" + tail
		}
	}
	s.emit(session.Event{Type: session.EventSystemError, Text: msg})

	if err := s.store.ReleaseSession(ctx, s.sessionID, s.workerID, session.StatusEnded); err != nil {
		s.logger.Error("failed to release session after start failure", zap.Error(err))
	}
	s.teardown()
	s.releaseSlot()
	s.resolveExit()
	s.logger.Error("session start failed", zap.Error(cause))
	return cause
}

// PushMessage delivers one user turn. The user:message event and the active
// transition are emitted before the adapter send: blocking adapters would
// otherwise observe a stale status for the whole round-trip.
func (s *Supervisor) PushMessage(text, imageB64 string) error {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if !status.IsLive() {
		return fmt.Errorf("cannot push message in status %q", status)
	}

	s.emit(session.Event{Type: session.EventUserMessage, Text: text, Image: imageB64})
	s.setStatus(session.StatusActive)
	s.activity.Record()

	go func() {
		if err := s.adapter.SendMessage(context.Background(), text, imageB64); err != nil {
			s.logger.Error("adapter send failed", zap.Error(err))
			s.emit(session.Event{Type: session.EventSystemError, Text: "Failed to deliver message to agent"})
		}
	}()
	return nil
}

// InterruptTurn soft-cancels the current turn: synthetic tool-ends for every
// active tool, approval drain, in-band cancel, and a bounded kill ladder
// that is disarmed if the turn completes.
func (s *Supervisor) InterruptTurn() {
	s.drainActiveTools("[Interrupted by user]")
	s.gates.DrainAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if err := s.adapter.Interrupt(ctx); err != nil {
		s.logger.Warn("in-band interrupt failed, signaling", zap.Error(err))
		if h != nil {
			_ = h.Interrupt()
		}
	}
	// The ladder always arms; the next agent:result disarms it. A child
	// that swallows the in-band cancel is still escalated.
	if h != nil {
		h.ScheduleKill(s.cfg.KillGrace())
	}
}

// Cancel hard-stops the session: interrupt semantics plus the signal ladder
// and a terminal ended status decided by the exit handler.
func (s *Supervisor) Cancel() {
	s.setFlag(&s.cancelKilled)
	s.drainActiveTools("[Interrupted by user]")
	s.gates.DrainAll()

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		s.onExit(-1)
		return
	}
	_ = h.Interrupt()
	h.ScheduleKill(s.cfg.KillGrace())
}

// Terminate gracefully shuts the run down; the exit handler will mark the
// session idle (resumable).
func (s *Supervisor) Terminate() {
	s.setFlag(&s.terminateKilled)
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		s.onExit(0)
		return
	}
	_ = h.Terminate()
	h.ScheduleKill(s.cfg.KillGrace())
}

// MarkTerminating records the graceful-shutdown intent without signaling.
// Used when a process-group signal may already be reaching the child
// concurrently with worker shutdown.
func (s *Supervisor) MarkTerminating() {
	s.setFlag(&s.terminateKilled)
}

// WaitForExit blocks until the child has exited and the run is reconciled.
func (s *Supervisor) WaitForExit(ctx context.Context) error {
	select {
	case <-s.exitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForSlotRelease blocks until the scheduling slot is free: the first of
// awaiting_input or exit.
func (s *Supervisor) WaitForSlotRelease(ctx context.Context) error {
	select {
	case <-s.slotDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlotReleased exposes the slot future to the runner.
func (s *Supervisor) SlotReleased() <-chan struct{} {
	return s.slotDone
}

// Exited exposes the exit future.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exitDone
}

// SessionID returns the supervised session id.
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// SetTeamActive marks the session as a team leader, which switches the idle
// timeout to the team value.
func (s *Supervisor) SetTeamActive(active bool) {
	s.mu.Lock()
	s.teamActive = active
	s.mu.Unlock()
}

// teamCreateTool is the tool whose completion writes a team config to disk.
const teamCreateTool = "TeamCreate"

// maybeAttachTeam retries the team monitor attach after a TeamCreate tool
// run. No-op when a monitor already claimed the session.
func (s *Supervisor) maybeAttachTeam() {
	s.mu.Lock()
	active := s.teamActive
	s.mu.Unlock()
	if active || s.teamAttach == nil {
		return
	}
	go s.teamAttach(s)
}

// recordMCPServers remembers the latest MCP server states from init or
// status records for the heartbeat health probe. reported marks unhealthy
// entries as already surfaced so the probe does not repeat them.
func (s *Supervisor) recordMCPServers(servers []session.MCPServer, reported bool) {
	if len(servers) == 0 {
		return
	}
	s.mcpMu.Lock()
	s.mcpServers = append([]session.MCPServer(nil), servers...)
	if reported {
		for _, srv := range servers {
			if !mcpHealthy(srv.Status) {
				s.mcpReported[srv.Name] = srv.Status
			}
		}
	}
	s.mcpMu.Unlock()
}

// EmitTeamMessage publishes a teammate's inbox entry on the event stream.
func (s *Supervisor) EmitTeamMessage(from, text string, payload map[string]any) {
	s.activity.Record()
	s.emit(session.Event{
		Type: session.EventTeamMessage,
		Team: &session.TeamPayload{From: from, Text: text, StructuredPayload: payload},
	})
}

func (s *Supervisor) releaseSlot() {
	s.slotOnce.Do(func() { close(s.slotDone) })
}

func (s *Supervisor) resolveExit() {
	s.exitOnce.Do(func() { close(s.exitDone) })
}

func (s *Supervisor) setFlag(flag *bool) {
	s.flagMu.Lock()
	*flag = true
	s.flagMu.Unlock()
}

// setStatus transitions the local and persisted status and emits a
// session:state event for live transitions.
func (s *Supervisor) setStatus(status session.Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if err := s.store.UpdateStatus(context.Background(), s.sessionID, s.workerID, status); err != nil {
		s.logger.Error("failed to persist status", zap.String("status", string(status)), zap.Error(err))
	}
	if status.IsLive() {
		s.emit(session.Event{Type: session.EventSessionState, State: &session.StatePayload{Status: status}})
	}
}

// enterAwaitingInput is the pause transition: flush the line buffer and
// pending deltas, free the scheduling slot, reset the crash counter.
func (s *Supervisor) enterAwaitingInput() {
	s.flushLineBuffer()
	s.activity.FlushDeltas()
	s.setStatus(session.StatusAwaitingInput)
	s.releaseSlot()
	if err := s.store.ResetRecoveryCount(context.Background(), s.sessionID); err != nil {
		s.logger.Warn("failed to reset recovery count", zap.Error(err))
	}
}

// onThinkingChange tracks turn boundaries: thinking false means the turn
// finished and the session pauses for the next user input.
func (s *Supervisor) onThinkingChange(thinking bool) {
	s.emit(session.Event{Type: session.EventAgentActivity, Activity: &session.ActivityPayload{Thinking: thinking}})
	if thinking {
		s.activity.Record()
		return
	}
	s.mu.Lock()
	live := s.status.IsLive()
	s.mu.Unlock()
	if live {
		s.enterAwaitingInput()
	}
}

// onSessionRef persists the adapter-assigned reference. A ref conflict after
// a model-switch restart replaces the identity deliberately.
func (s *Supervisor) onSessionRef(ref string) {
	ctx := context.Background()
	err := s.store.SetSessionRef(ctx, s.sessionID, ref)
	if err == store.ErrSessionRefSet {
		if cerr := s.store.ClearSessionRef(ctx, s.sessionID); cerr == nil {
			err = s.store.SetSessionRef(ctx, s.sessionID, ref)
		}
	}
	if err != nil {
		s.logger.Error("failed to persist session ref", zap.String("ref", ref), zap.Error(err))
		return
	}
	s.logger.Info("session ref assigned", zap.String("ref", ref))
}

func (s *Supervisor) onUsage(u session.Usage) {
	// Accounting only; context-window tracking feeds no event today.
	s.logger.Debug("usage",
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("cache_read", u.CacheReadInputTokens),
		zap.Int64("cache_creation", u.CacheCreationInputTokens))
}

// onExit reconciles the run when the child dies. Idempotent: the liveness
// probe and the process reaper may both deliver it.
func (s *Supervisor) onExit(code int) {
	s.flagMu.Lock()
	if s.exitHandled {
		s.flagMu.Unlock()
		return
	}
	s.exitHandled = true
	cancelKilled := s.cancelKilled
	terminateKilled := s.terminateKilled
	modeChange := s.modeChangeRestart
	clearContext := s.clearContextRestart
	s.flagMu.Unlock()

	s.logger.Info("child exited", zap.Int("code", code),
		zap.Bool("cancel", cancelKilled),
		zap.Bool("terminate", terminateKilled),
		zap.Bool("mode_change", modeChange),
		zap.Bool("clear_context", clearContext))

	s.activity.Stop()
	s.gates.DrainAll()
	s.flushLineBuffer()
	s.activity.FlushDeltas()

	ctx := context.Background()
	final := session.StatusIdle
	requeue := false

	switch {
	case cancelKilled:
		s.emit(session.Event{Type: session.EventSystemInfo, Text: "Session cancelled"})
		final = session.StatusEnded
	case clearContext:
		s.prepareClearContextRestart(ctx)
		requeue = true
	case modeChange:
		requeue = true
	case terminateKilled:
	case code != 0:
		s.emit(session.Event{Type: session.EventSystemError, Text: "Session ended unexpectedly"})
		final = session.StatusEnded
	}

	s.mu.Lock()
	s.status = final
	s.mu.Unlock()
	if err := s.store.ReleaseSession(ctx, s.sessionID, s.workerID, final); err != nil {
		s.logger.Error("failed to release session", zap.Error(err))
	}

	s.teardown()
	s.releaseSlot()
	s.resolveExit()

	if requeue && s.requeue != nil {
		s.requeue(s.sessionID)
	}
}

// prepareClearContextRestart rewires the row for a fresh spawn: no session
// ref, the captured plan as the new initial prompt, the requested mode.
func (s *Supervisor) prepareClearContextRestart(ctx context.Context) {
	if err := s.store.ClearSessionRef(ctx, s.sessionID); err != nil {
		s.logger.Error("failed to clear session ref", zap.Error(err))
	}

	s.mu.Lock()
	planPath := s.planPath
	mode := s.pendingMode
	s.mu.Unlock()

	if planPath != "" {
		if content := readPlanFile(planPath); content != "" {
			if err := s.store.SetInitialPrompt(ctx, s.sessionID, content); err != nil {
				s.logger.Error("failed to replace initial prompt", zap.Error(err))
			}
		}
	}
	if mode != "" {
		if err := s.store.SetPermissionMode(ctx, s.sessionID, mode); err != nil {
			s.logger.Error("failed to persist permission mode", zap.Error(err))
		}
	}
}

// teardown closes the log and control subscription. Safe to call twice.
func (s *Supervisor) teardown() {
	s.mu.Lock()
	logw := s.logw
	sub := s.ctrlSub
	s.logw = nil
	s.ctrlSub = nil
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe control channel", zap.Error(err))
		}
	}
	if logw != nil {
		if err := logw.Close(); err != nil {
			s.logger.Warn("failed to close session log", zap.Error(err))
		}
	}
}

// SynthesizeExit injects an exit for silent crashes detected by the
// liveness probe.
func (s *Supervisor) SynthesizeExit(code int) {
	s.onExit(code)
}

// drainActiveTools emits a synthetic tool-end for every active tool-use id
// and marks them suppressed so late wire tool-ends do not duplicate.
func (s *Supervisor) drainActiveTools(content string) {
	s.toolsMu.Lock()
	active := s.activeTools
	s.activeTools = make(map[string]string)
	for id := range active {
		s.suppressed[id] = true
	}
	s.toolsMu.Unlock()

	for id := range active {
		s.emit(session.Event{
			Type:      session.EventAgentToolEnd,
			ToolUseID: id,
			Content:   content,
		})
	}
}

// deriveTitle builds a session title from the first prompt.
func deriveTitle(prompt string) string {
	const max = 80
	title := prompt
	if idx := indexByteAny(title, "\n\r"); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > max {
		title = title[:max-3] + "..."
	}
	return title
}

func indexByteAny(s, chars string) int {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(chars); j++ {
			if s[i] == chars[j] {
				return i
			}
		}
	}
	return -1
}

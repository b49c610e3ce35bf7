package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/session"
)

// tracker owns the run's timers: the heartbeat with its liveness probe, the
// idle shutdown, and the streaming-delta coalescer.
type tracker struct {
	sup *Supervisor

	mu         sync.Mutex
	lastActive time.Time
	dirty      bool
	stopped    bool
	stop       chan struct{}

	deltaMu    sync.Mutex
	deltaType  session.EventType
	deltaText  strings.Builder
	deltaTimer *time.Timer
}

func newTracker(sup *Supervisor) *tracker {
	return &tracker{sup: sup, stop: make(chan struct{}), lastActive: time.Now()}
}

// Start launches the heartbeat loop.
func (t *tracker) Start() {
	go t.loop()
}

// Stop terminates the loop and disarms the delta timer.
func (t *tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stop)
	t.mu.Unlock()

	t.deltaMu.Lock()
	if t.deltaTimer != nil {
		t.deltaTimer.Stop()
		t.deltaTimer = nil
	}
	t.deltaMu.Unlock()
}

// Record notes session activity and resets the idle clock.
func (t *tracker) Record() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.dirty = true
	t.mu.Unlock()
}

func (t *tracker) loop() {
	s := t.sup
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		ctx := context.Background()
		if err := s.store.UpdateHeartbeat(ctx, s.sessionID); err != nil {
			s.logger.Warn("heartbeat update failed", zap.Error(err))
		}

		t.mu.Lock()
		dirty := t.dirty
		t.dirty = false
		idleFor := time.Since(t.lastActive)
		t.mu.Unlock()
		if dirty {
			if err := s.store.TouchActivity(ctx, s.sessionID); err != nil {
				s.logger.Warn("activity update failed", zap.Error(err))
			}
		}

		t.probeLiveness()
		t.probeMCPHealth()
		t.checkIdle(idleFor)
	}
}

// probeLiveness detects silent child deaths the reaper could not report. A
// model switch replaces the child, so the current handle is re-read from
// adapters that restart in place.
func (t *tracker) probeLiveness() {
	s := t.sup

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()

	if r, ok := s.adapter.(adapter.Restarter); ok {
		if cur := r.CurrentHandle(); cur != nil {
			if cur != h {
				s.mu.Lock()
				s.handle = cur
				s.mu.Unlock()
				if err := s.store.UpdatePID(context.Background(), s.sessionID, cur.PID()); err != nil {
					s.logger.Warn("failed to persist pid after restart", zap.Error(err))
				}
			}
			h = cur
		}
	}

	if h == nil {
		return
	}
	if !h.Alive() && !s.adapter.IsAlive() {
		s.logger.Warn("liveness probe found child dead, synthesizing exit", zap.Int("pid", h.PID()))
		s.SynthesizeExit(-1)
	}
}

// probeMCPHealth emits system:mcp-status for servers that left the healthy
// state since the last probe. Recovered servers are cleared so a relapse
// reports again.
func (t *tracker) probeMCPHealth() {
	s := t.sup

	s.mcpMu.Lock()
	var unhealthy []session.MCPServer
	for _, srv := range s.mcpServers {
		if mcpHealthy(srv.Status) {
			delete(s.mcpReported, srv.Name)
			continue
		}
		if s.mcpReported[srv.Name] == srv.Status {
			continue
		}
		s.mcpReported[srv.Name] = srv.Status
		unhealthy = append(unhealthy, srv)
	}
	s.mcpMu.Unlock()

	if len(unhealthy) > 0 {
		s.emit(session.Event{
			Type:      session.EventSystemMCPStatus,
			MCPStatus: &session.MCPStatusPayload{Servers: unhealthy},
		})
	}
}

func mcpHealthy(status string) bool {
	return status == "" || status == "connected"
}

// checkIdle shuts a paused session down after its idle timeout, announcing
// the suspension on the stream. Team-attached sessions use the longer team
// timeout.
func (t *tracker) checkIdle(idleFor time.Duration) {
	s := t.sup

	s.mu.Lock()
	status := s.status
	timeout := s.idleTimeout
	team := s.teamActive
	s.mu.Unlock()

	if status != session.StatusAwaitingInput || timeout <= 0 {
		return
	}
	if team && s.teamIdleTimeout > 0 {
		timeout = s.teamIdleTimeout
	}
	if idleFor < timeout {
		return
	}

	s.logger.Info("idle timeout reached, terminating child", zap.Duration("idle", idleFor))
	text := fmt.Sprintf("Idle timeout after %ds. Suspending session.", int(timeout.Seconds()))
	if team {
		text = fmt.Sprintf("Team idle timeout after %ds with no teammate activity. Suspending session.", int(timeout.Seconds()))
	}
	s.emit(session.Event{Type: session.EventSystemInfo, Text: text})
	s.Terminate()
}

// AddDelta buffers one streaming delta. Consecutive deltas of the same type
// coalesce into a single event per flush window; a type switch flushes
// immediately to preserve ordering.
func (t *tracker) AddDelta(ev session.Event) {
	t.deltaMu.Lock()
	if t.deltaType != "" && t.deltaType != ev.Type {
		t.flushLocked()
	}
	t.deltaType = ev.Type
	t.deltaText.WriteString(ev.Text)
	if t.deltaTimer == nil {
		t.deltaTimer = time.AfterFunc(t.sup.cfg.DeltaFlush(), t.FlushDeltas)
	}
	t.deltaMu.Unlock()

	t.Record()
}

// FlushDeltas emits the pending coalesced delta, if any.
func (t *tracker) FlushDeltas() {
	t.deltaMu.Lock()
	t.flushLocked()
	t.deltaMu.Unlock()
}

func (t *tracker) flushLocked() {
	if t.deltaTimer != nil {
		t.deltaTimer.Stop()
		t.deltaTimer = nil
	}
	if t.deltaType == "" || t.deltaText.Len() == 0 {
		t.deltaType = ""
		t.deltaText.Reset()
		return
	}
	ev := session.Event{Type: t.deltaType, Text: t.deltaText.String()}
	t.deltaType = ""
	t.deltaText.Reset()
	t.sup.emit(ev)
}

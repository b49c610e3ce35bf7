package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/session/logfile"
)

// emit assigns the next sequence id, persists it, appends the event to the
// session log, and publishes it on the bus. The whole cycle runs under seqMu
// so consumers never observe ids out of order.
func (s *Supervisor) emit(ev session.Event) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.emitLocked(ev)
}

func (s *Supervisor) emitLocked(ev session.Event) {
	s.eventSeq++
	ev.ID = s.eventSeq
	ev.SessionID = s.sessionID
	ev.TS = session.NowMillis()

	if err := s.store.UpdateEventSeq(context.Background(), s.sessionID, ev.ID); err != nil {
		s.logger.Error("failed to persist event seq", zap.Int64("id", ev.ID), zap.Error(err))
	}

	// Deltas are transient: they reach live subscribers but not the log,
	// where the consolidated event lands instead.
	if !isDelta(ev.Type) {
		s.mu.Lock()
		logw := s.logw
		s.mu.Unlock()
		if logw != nil {
			if err := logw.WriteEvent(streamFor(ev.Type), &ev); err != nil {
				s.logger.Error("failed to append event to log", zap.Error(err))
			}
		}
	}

	data, err := ev.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(context.Background(), bus.SessionEventsSubject(s.sessionID), data); err != nil {
		s.logger.Warn("failed to publish event", zap.Int64("id", ev.ID), zap.Error(err))
	}
}

func isDelta(t session.EventType) bool {
	return t == session.EventAgentTextDelta || t == session.EventAgentThinkingDelta
}

// streamFor maps an event type to its log stream tag.
func streamFor(t session.EventType) logfile.Stream {
	switch {
	case t == session.EventUserMessage:
		return logfile.StreamUser
	case strings.HasPrefix(string(t), "system:"),
		strings.HasPrefix(string(t), "session:"),
		strings.HasPrefix(string(t), "team:"):
		return logfile.StreamSystem
	default:
		return logfile.StreamStdout
	}
}

// dispatch routes mapped events through the delta coalescer and the tool
// tracker before emission. Non-delta events flush pending deltas first so
// ordering is preserved.
func (s *Supervisor) dispatch(events []session.Event) {
	for _, ev := range events {
		if isDelta(ev.Type) {
			s.activity.AddDelta(ev)
			continue
		}
		s.activity.FlushDeltas()

		switch ev.Type {
		case session.EventAgentToolStart:
			s.toolsMu.Lock()
			s.activeTools[ev.ToolUseID] = ev.ToolName
			s.toolsMu.Unlock()
		case session.EventAgentToolEnd:
			s.toolsMu.Lock()
			if s.suppressed[ev.ToolUseID] {
				delete(s.suppressed, ev.ToolUseID)
				s.toolsMu.Unlock()
				continue
			}
			name := s.activeTools[ev.ToolUseID]
			delete(s.activeTools, ev.ToolUseID)
			s.toolsMu.Unlock()
			if name == teamCreateTool || ev.ToolName == teamCreateTool {
				s.maybeAttachTeam()
			}
		case session.EventSessionInit:
			if ev.Init != nil {
				s.recordMCPServers(ev.Init.MCPServers, false)
			}
		case session.EventSystemMCPStatus:
			if ev.MCPStatus != nil {
				s.recordMCPServers(ev.MCPStatus.Servers, true)
			}
		case session.EventAgentResult:
			s.mu.Lock()
			h := s.handle
			s.mu.Unlock()
			if h != nil {
				// A completed turn disarms any interrupt kill ladder.
				h.CancelScheduledKill()
			}
		}

		s.activity.Record()
		s.emit(ev)
	}
}

// onAdapterEvents receives events emitted by the adapter outside the
// line-mapping path (protocol notifications, approval framing, exit results).
func (s *Supervisor) onAdapterEvents(events []session.Event) {
	s.dispatch(events)
}

// onData buffers raw stdout chunks and processes complete lines.
func (s *Supervisor) onData(chunk []byte) {
	s.lineMu.Lock()
	s.lineBuf = append(s.lineBuf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, s.lineBuf[:idx])
		s.lineBuf = s.lineBuf[idx+1:]
		lines = append(lines, line)
	}
	s.lineMu.Unlock()

	for _, line := range lines {
		s.processLine(line)
	}
}

// flushLineBuffer processes a trailing partial line. Called on pause and exit
// so the last unterminated output is not lost.
func (s *Supervisor) flushLineBuffer() {
	s.lineMu.Lock()
	rest := s.lineBuf
	s.lineBuf = nil
	s.lineMu.Unlock()

	if len(bytes.TrimSpace(rest)) > 0 {
		s.processLine(rest)
	}
}

// processLine turns one stdout line into canonical events. The raw line is
// logged first; MCP relay prefixes of the form "/<server>[stdout] " are
// stripped before classification.
func (s *Supervisor) processLine(line []byte) {
	s.mu.Lock()
	logw := s.logw
	s.mu.Unlock()
	if logw != nil && len(bytes.TrimSpace(line)) > 0 {
		if err := logw.WriteRaw(logfile.StreamStdout, string(line)); err != nil {
			s.logger.Warn("failed to log stdout line", zap.Error(err))
		}
	}

	line = bytes.TrimSpace(stripRelayPrefix(line))
	if len(line) == 0 {
		return
	}

	if line[0] == '{' {
		if !json.Valid(line) {
			s.dispatch([]session.Event{{Type: session.EventSystemInfo, Text: string(line)}})
			return
		}
		s.dispatch(s.adapter.MapJSONToEvents(line))
		return
	}

	s.dispatch([]session.Event{{Type: session.EventAgentText, Text: string(line)}})
}

// stripRelayPrefix removes a leading "/<server>[stdout] " marker that MCP
// relays prepend to forwarded child output.
func stripRelayPrefix(line []byte) []byte {
	if len(line) == 0 || line[0] != '/' {
		return line
	}
	const marker = "[stdout] "
	idx := bytes.Index(line, []byte(marker))
	if idx < 0 {
		return line
	}
	// The prefix must not contain spaces before the marker.
	if bytes.IndexByte(line[:idx], ' ') >= 0 {
		return line
	}
	return line[idx+len(marker):]
}

// onStderr appends child stderr to the log under its own stream tag.
func (s *Supervisor) onStderr(line string) {
	s.mu.Lock()
	logw := s.logw
	s.mu.Unlock()
	if logw != nil {
		if err := logw.WriteRaw(logfile.StreamStderr, line); err != nil {
			s.logger.Warn("failed to log stderr line", zap.Error(err))
		}
	}
	s.logger.Debug("child stderr", zap.String("line", line))
}

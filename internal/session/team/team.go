// Package team monitors team inbox files: a session acting as team leader
// receives its teammates' messages as team:message events and forwarded
// user turns.
package team

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
)

// Config describes one team: who leads it and where its inbox lives.
type Config struct {
	Name            string   `json:"name"`
	LeaderSessionID string   `json:"leaderSessionId"`
	InboxPath       string   `json:"inboxPath"`
	Members         []string `json:"members,omitempty"`
}

// Message is one entry in a team inbox file. The inbox is a JSON array that
// teammates append to; entries are never removed or reordered.
type Message struct {
	From    string         `json:"from"`
	Text    string         `json:"text"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  int64          `json:"sentAt,omitempty"`
}

// LoadConfigs reads every team config under dir. Unparseable files are
// skipped, not fatal: one broken team must not take the worker down.
func LoadConfigs(dir string, log *logger.Logger) []*Config {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []*Config
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to read team config", zap.String("path", path), zap.Error(err))
			continue
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warn("skipping malformed team config", zap.String("path", path), zap.Error(err))
			continue
		}
		if cfg.LeaderSessionID == "" || cfg.InboxPath == "" {
			log.Warn("skipping incomplete team config", zap.String("path", path))
			continue
		}
		out = append(out, &cfg)
	}
	return out
}

// ConfigForLeader finds the team config that names the session as leader.
func ConfigForLeader(dir, sessionID string, log *logger.Logger) (*Config, bool) {
	for _, cfg := range LoadConfigs(dir, log) {
		if cfg.LeaderSessionID == sessionID {
			return cfg, true
		}
	}
	return nil, false
}

// Target is the monitor's view of a session supervisor.
type Target interface {
	SessionID() string
	SetTeamActive(active bool)
	EmitTeamMessage(from, text string, payload map[string]any)
	PushMessage(text, imageB64 string) error
	Exited() <-chan struct{}
}

// Monitor polls one team inbox and forwards new entries to the leader.
type Monitor struct {
	cfg      *Config
	target   Target
	interval time.Duration
	logger   *logger.Logger

	mu   sync.Mutex
	seen int
}

// NewMonitor creates a monitor for one leader session.
func NewMonitor(cfg *Config, target Target, teams config.TeamsConfig, log *logger.Logger) *Monitor {
	interval := time.Duration(teams.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		target:   target,
		interval: interval,
		logger: log.WithFields(
			zap.String("component", "team-monitor"),
			zap.String("team", cfg.Name),
			zap.String("session_id", target.SessionID()),
		),
	}
}

// Start snapshots the inbox and begins polling. Entries that predate the
// attach are history and are not redelivered.
func (m *Monitor) Start() {
	m.target.SetTeamActive(true)
	history := 0
	if msgs, err := m.readInbox(); err == nil {
		history = len(msgs)
	}
	m.mu.Lock()
	m.seen = history
	m.mu.Unlock()
	m.logger.Info("team monitor attached", zap.Int("inbox_history", history))
	go m.loop()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.target.Exited():
			m.logger.Debug("leader exited, monitor stopping")
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll delivers inbox entries past the high-water mark. The inbox only ever
// grows; a shrink means the file was replaced and the mark resets.
func (m *Monitor) poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.readInbox()
	if err != nil {
		m.logger.Debug("inbox read failed", zap.Error(err))
		return
	}
	if len(msgs) < m.seen {
		m.logger.Warn("inbox shrank, resetting high-water mark",
			zap.Int("seen", m.seen), zap.Int("len", len(msgs)))
		m.seen = len(msgs)
		return
	}

	for _, msg := range msgs[m.seen:] {
		m.deliver(msg)
	}
	m.seen = len(msgs)
}

func (m *Monitor) deliver(msg Message) {
	m.target.EmitTeamMessage(msg.From, msg.Text, msg.Payload)

	text := msg.Text
	if text == "" && msg.Payload != nil {
		if data, err := json.Marshal(msg.Payload); err == nil {
			text = string(data)
		}
	}
	if text == "" {
		return
	}
	forwarded := fmt.Sprintf("[Team message from %s] %s", msg.From, text)
	if err := m.target.PushMessage(forwarded, ""); err != nil {
		m.logger.Warn("failed to forward team message", zap.String("from", msg.From), zap.Error(err))
	}
}

func (m *Monitor) readInbox() ([]Message, error) {
	data, err := os.ReadFile(m.cfg.InboxPath)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("malformed inbox %s: %w", m.cfg.InboxPath, err)
	}
	return msgs, nil
}

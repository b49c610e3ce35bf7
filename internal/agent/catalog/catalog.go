// Package catalog maps agent ids to launchable CLI definitions and builds
// the matching adapter for each.
package catalog

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/adapter/claude"
	"github.com/agendo/agendo/internal/adapter/codex"
	"github.com/agendo/agendo/internal/adapter/gemini"
	"github.com/agendo/agendo/internal/common/logger"
)

// Kind selects the wire protocol an agent CLI speaks.
type Kind string

const (
	// KindClaude is the NDJSON stream-json protocol.
	KindClaude Kind = "claude"
	// KindCodex is the JSON-RPC stdio protocol.
	KindCodex Kind = "codex"
	// KindGemini is the template-invoked one-shot protocol.
	KindGemini Kind = "gemini"
)

// Definition describes one launchable agent CLI.
type Definition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Bin is the executable; empty means the kind's default binary.
	Bin string `json:"bin,omitempty"`
	// ArgsTemplate is the one-shot invocation template ({prompt} is
	// replaced per run). Only meaningful for KindGemini.
	ArgsTemplate []string `json:"argsTemplate,omitempty"`

	// CredentialEnv names environment variables injected into the child
	// when a credential provider can resolve them. Missing keys are not an
	// error; the CLI may be authenticated through its own login flow.
	CredentialEnv []string `json:"credentialEnv,omitempty"`

	Enabled bool `json:"enabled"`
}

// Defaults returns the built-in agent definitions.
func Defaults() []*Definition {
	return []*Definition{
		{
			ID:            "claude",
			Name:          "Claude Code",
			Kind:          KindClaude,
			CredentialEnv: []string{"ANTHROPIC_API_KEY"},
			Enabled:       true,
		},
		{
			ID:            "codex",
			Name:          "Codex CLI",
			Kind:          KindCodex,
			CredentialEnv: []string{"OPENAI_API_KEY"},
			Enabled:       true,
		},
		{
			ID:            "gemini",
			Name:          "Gemini CLI",
			Kind:          KindGemini,
			CredentialEnv: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
			Enabled:       true,
		},
	}
}

// Catalog is the registry of agent definitions.
type Catalog struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	logger *logger.Logger
}

// New creates an empty catalog.
func New(log *logger.Logger) *Catalog {
	return &Catalog{
		defs:   make(map[string]*Definition),
		logger: log.WithFields(zap.String("component", "catalog")),
	}
}

// LoadDefaults registers the built-in definitions.
func (c *Catalog) LoadDefaults() {
	for _, def := range Defaults() {
		if err := c.Register(def); err != nil {
			c.logger.Warn("skipping default agent", zap.String("id", def.ID), zap.Error(err))
		}
	}
}

// Register adds or replaces a definition.
func (c *Catalog) Register(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("agent definition requires an id")
	}
	switch def.Kind {
	case KindClaude, KindCodex, KindGemini:
	default:
		return fmt.Errorf("agent %q has unknown kind %q", def.ID, def.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.ID] = def
	return nil
}

// Lookup resolves an agent id to its definition. Ids carrying a variant
// suffix fall back to their kind prefix, so "claude-opus" resolves to the
// "claude" definition.
func (c *Catalog) Lookup(agentID string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if def, ok := c.defs[agentID]; ok && def.Enabled {
		return def, nil
	}
	if prefix, _, ok := strings.Cut(agentID, "-"); ok {
		if def, found := c.defs[prefix]; found && def.Enabled {
			return def, nil
		}
	}
	return nil, fmt.Errorf("unknown agent %q", agentID)
}

// List returns all registered definitions.
func (c *Catalog) List() []*Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	return out
}

// NewAdapter builds the adapter for a definition. One adapter serves one
// session run.
func (c *Catalog) NewAdapter(def *Definition, log *logger.Logger) (adapter.Adapter, error) {
	switch def.Kind {
	case KindClaude:
		return claude.New(def.Bin, log), nil
	case KindCodex:
		return codex.New(def.Bin, log), nil
	case KindGemini:
		return gemini.New(def.Bin, def.ArgsTemplate, log), nil
	default:
		return nil, fmt.Errorf("agent %q has unknown kind %q", def.ID, def.Kind)
	}
}

// Package credentials resolves API keys for agent child processes from the
// worker's environment or a credentials file.
package credentials

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// Provider resolves one credential key to its value.
type Provider interface {
	Name() string
	Lookup(key string) (string, bool)
}

// Resolver fans a lookup across providers in registration order; the first
// hit wins.
type Resolver struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *logger.Logger
}

// NewResolver creates an empty resolver.
func NewResolver(log *logger.Logger) *Resolver {
	return &Resolver{logger: log.WithFields(zap.String("component", "credentials"))}
}

// AddProvider appends a provider.
func (r *Resolver) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Resolve returns the subset of keys a provider could answer. Missing keys
// are skipped; the agent CLI may carry its own login state.
func (r *Resolver) Resolve(keys []string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		for _, p := range r.providers {
			if value, ok := p.Lookup(key); ok {
				out[key] = value
				break
			}
		}
	}
	return out
}

// EnvProvider reads credentials from the worker's own environment,
// optionally trying a prefixed variant first (AGENDO_ANTHROPIC_API_KEY
// before ANTHROPIC_API_KEY).
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment provider with an optional prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "environment" }

func (p *EnvProvider) Lookup(key string) (string, bool) {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return value, true
		}
	}
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	return "", false
}

// FileProvider reads credentials from a JSON object of key to value.
type FileProvider struct {
	path string

	once sync.Once
	vals map[string]string
	err  error
}

// NewFileProvider creates a file provider. The file is read lazily on first
// lookup.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Lookup(key string) (string, bool) {
	p.once.Do(func() {
		data, err := os.ReadFile(p.path)
		if err != nil {
			p.err = err
			return
		}
		p.err = json.Unmarshal(data, &p.vals)
	})
	if p.err != nil {
		return "", false
	}
	value, ok := p.vals[key]
	return value, ok && value != ""
}

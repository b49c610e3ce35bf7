package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

func TestEnvProviderPrefixedWins(t *testing.T) {
	t.Setenv("TEST_API_KEY", "bare")
	t.Setenv("AGENDO_TEST_API_KEY", "prefixed")

	p := NewEnvProvider("AGENDO_")
	value, ok := p.Lookup("TEST_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "prefixed", value)
}

func TestEnvProviderFallsBackToBareKey(t *testing.T) {
	t.Setenv("TEST_API_KEY", "bare")

	p := NewEnvProvider("AGENDO_")
	value, ok := p.Lookup("TEST_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "bare", value)
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ANTHROPIC_API_KEY":"sk-file"}`), 0o600))

	p := NewFileProvider(path)
	value, ok := p.Lookup("ANTHROPIC_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "sk-file", value)

	_, ok = p.Lookup("OPENAI_API_KEY")
	assert.False(t, ok)
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "absent.json"))
	_, ok := p.Lookup("ANTHROPIC_API_KEY")
	assert.False(t, ok)
}

func TestResolverFirstProviderWins(t *testing.T) {
	t.Setenv("SHARED_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"SHARED_KEY":"from-file","FILE_ONLY":"x"}`), 0o600))

	r := NewResolver(logger.Default())
	r.AddProvider(NewEnvProvider(""))
	r.AddProvider(NewFileProvider(path))

	resolved := r.Resolve([]string{"SHARED_KEY", "FILE_ONLY", "MISSING"})
	assert.Equal(t, map[string]string{
		"SHARED_KEY": "from-env",
		"FILE_ONLY":  "x",
	}, resolved)
}

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := New(logger.Default())
	c.LoadDefaults()
	return c
}

func TestLookupExact(t *testing.T) {
	c := newCatalog(t)

	def, err := c.Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, KindClaude, def.Kind)
}

func TestLookupVariantFallsBackToKindPrefix(t *testing.T) {
	c := newCatalog(t)

	def, err := c.Lookup("claude-opus")
	require.NoError(t, err)
	assert.Equal(t, "claude", def.ID)

	def, err = c.Lookup("gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "gemini", def.ID)
}

func TestLookupUnknownAgent(t *testing.T) {
	c := newCatalog(t)

	_, err := c.Lookup("cursor")
	assert.Error(t, err)
}

func TestLookupSkipsDisabled(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.Register(&Definition{ID: "codex", Kind: KindCodex}))

	_, err := c.Lookup("codex")
	assert.Error(t, err)
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	c := New(logger.Default())

	assert.Error(t, c.Register(&Definition{ID: "x", Kind: "cobol"}))
	assert.Error(t, c.Register(&Definition{Kind: KindClaude}))
}

func TestNewAdapterPerKind(t *testing.T) {
	c := newCatalog(t)

	for _, id := range []string{"claude", "codex", "gemini"} {
		def, err := c.Lookup(id)
		require.NoError(t, err)
		ad, err := c.NewAdapter(def, logger.Default())
		require.NoError(t, err)
		assert.NotNil(t, ad)
	}
}

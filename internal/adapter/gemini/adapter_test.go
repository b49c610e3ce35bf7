package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session"
)

func TestRenderArgsSubstitutesPrompt(t *testing.T) {
	a := New("", nil, logger.Default())
	assert.Equal(t, []string{"-p", "do the thing"}, a.renderArgs("do the thing", ""))
}

func TestRenderArgsAppendsWithoutPlaceholder(t *testing.T) {
	a := New("runner", []string{"--quiet"}, logger.Default())
	assert.Equal(t, []string{"--quiet", "hello"}, a.renderArgs("hello", ""))
}

func TestRenderArgsPrependsModel(t *testing.T) {
	a := New("", nil, logger.Default())
	assert.Equal(t, []string{"-m", "M2", "-p", "hi"}, a.renderArgs("hi", "M2"))
}

func TestMapJSONToEventsIsPlainText(t *testing.T) {
	a := New("", nil, logger.Default())

	events := a.MapJSONToEvents([]byte(`{"looks":"like json"}`))
	require.Len(t, events, 1)
	assert.Equal(t, session.EventAgentText, events[0].Type)
	assert.Equal(t, `{"looks":"like json"}`, events[0].Text)

	assert.Empty(t, a.MapJSONToEvents([]byte("  \n")))
}

func TestOneShotRejectsMultiTurn(t *testing.T) {
	a := New("", nil, logger.Default())

	assert.Error(t, a.SendMessage(context.Background(), "more", ""))

	_, err := a.Resume(context.Background(), "ref", "p", adapter.SpawnOptions{})
	assert.Error(t, err)

	_, err = a.SetModel(context.Background(), "M2")
	assert.Error(t, err)
}

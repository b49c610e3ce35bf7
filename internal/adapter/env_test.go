package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvStripsGuardVars(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CODEX_SANDBOX", "seatbelt")
	t.Setenv("KEEP_ME", "yes")

	env := BuildEnv(nil, "s1", "a1", "")

	assert.NotContains(t, env, "CLAUDECODE=1")
	assert.NotContains(t, env, "CODEX_SANDBOX=seatbelt")
	assert.Contains(t, env, "KEEP_ME=yes")
}

func TestBuildEnvInjectsIdentity(t *testing.T) {
	env := BuildEnv(nil, "s1", "a1", "t1")

	assert.Contains(t, env, "AGENDO_SESSION_ID=s1")
	assert.Contains(t, env, "AGENDO_AGENT_ID=a1")
	assert.Contains(t, env, "AGENDO_TASK_ID=t1")
}

func TestBuildEnvOmitsEmptyTaskID(t *testing.T) {
	env := BuildEnv(nil, "s1", "a1", "")

	for _, kv := range env {
		assert.NotContains(t, kv, "AGENDO_TASK_ID")
	}
}

func TestBuildEnvOverridesWin(t *testing.T) {
	t.Setenv("EDITOR", "vi")

	env := BuildEnv(map[string]string{"EDITOR": "emacs", "EXTRA": "1"}, "s1", "a1", "")

	assert.Contains(t, env, "EDITOR=emacs")
	assert.NotContains(t, env, "EDITOR=vi")
	assert.Contains(t, env, "EXTRA=1")
}

func TestTailBufferBounded(t *testing.T) {
	b := newTailBuffer(3)
	for _, line := range []string{"one", "two", "three", "four"} {
		b.Append(line)
	}

	assert.Equal(t, "two\nthree\nfour", b.String())
}

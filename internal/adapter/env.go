package adapter

import (
	"fmt"
	"os"
	"strings"
)

// guardVars are environment variables that make an agent CLI detect a nested
// session and refuse to start. They are stripped from every child env.
var guardVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_SSE_PORT",
	"CLAUDE_CODE_ENTRYPOINT",
	"CODEX_SANDBOX",
	"GEMINI_CLI",
}

// BuildEnv constructs a child environment: the worker's own env minus the
// guard variables, with overrides applied on top and session identity
// variables injected last.
func BuildEnv(overrides map[string]string, sessionID, agentID, taskID string) []string {
	env := make([]string, 0, len(os.Environ())+len(overrides)+3)
	for _, kv := range os.Environ() {
		if isGuardVar(kv) {
			continue
		}
		if name, _, ok := strings.Cut(kv, "="); ok {
			if _, overridden := overrides[name]; overridden {
				continue
			}
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	env = append(env, "AGENDO_SESSION_ID="+sessionID)
	env = append(env, "AGENDO_AGENT_ID="+agentID)
	if taskID != "" {
		env = append(env, "AGENDO_TASK_ID="+taskID)
	}
	return env
}

func isGuardVar(kv string) bool {
	name, _, ok := strings.Cut(kv, "=")
	if !ok {
		return false
	}
	for _, g := range guardVars {
		if name == g {
			return true
		}
	}
	return false
}

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/common/logger"
)

const (
	hookScriptName = "cowork-approval.sh"
	hookMatcher    = "*"
)

// hookScriptTemplate is the PreToolUse hook installed into each working
// directory. It forwards the tool payload to the loopback approval server
// and blocks until a decision comes back. When the server is unreachable
// or the request times out the script approves, so a crashed orchestrator
// never wedges the agent.
const hookScriptTemplate = `#!/bin/sh
# Forwards PreToolUse payloads to the local approval server.
# Installed by cowork; edits will be overwritten.

if [ -z "$COWORK_APPROVAL_PORT" ]; then
  echo '{"approved": true}'
  exit 0
fi

payload=$(cat)
response=$(curl -s --max-time %d \
  -X POST "http://127.0.0.1:${COWORK_APPROVAL_PORT}/approval" \
  -H 'Content-Type: application/json' \
  -d "$payload")

if [ -z "$response" ]; then
  echo '{"approved": true}'
  exit 0
fi

echo "$response"
`

// HookInstaller writes the approval hook script into a working directory
// and registers it in the project's local agent settings.
type HookInstaller struct {
	hookTimeout time.Duration
	logger      *logger.Logger
}

// NewHookInstaller creates an installer. hookTimeout becomes the script's
// curl --max-time and must stay below the registry's approval timeout.
func NewHookInstaller(hookTimeout time.Duration, log *logger.Logger) *HookInstaller {
	return &HookInstaller{
		hookTimeout: hookTimeout,
		logger:      log.WithFields(zap.String("component", "hook-installer")),
	}
}

// Install writes the hook script and merges the PreToolUse entry into
// {workdir}/.claude/settings.local.json. Idempotent; existing unrelated
// settings and hooks are preserved.
func (h *HookInstaller) Install(workdir string) error {
	hooksDir := filepath.Join(workdir, ".claude", "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("failed to create hooks dir: %w", err)
	}

	scriptPath := filepath.Join(hooksDir, hookScriptName)
	script := fmt.Sprintf(hookScriptTemplate, int(h.hookTimeout.Seconds()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write hook script: %w", err)
	}

	if err := h.mergeSettings(workdir, scriptPath); err != nil {
		return err
	}

	h.logger.Info("Approval hook installed", zap.String("workdir", workdir))
	return nil
}

// mergeSettings adds the PreToolUse hook entry to settings.local.json,
// creating the file if needed.
func (h *HookInstaller) mergeSettings(workdir, scriptPath string) error {
	settingsPath := filepath.Join(workdir, ".claude", "settings.local.json")

	settings := map[string]any{}
	if raw, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("existing settings file is not valid JSON: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	preToolUse, _ := hooks["PreToolUse"].([]any)

	if !hasHookEntry(preToolUse, scriptPath) {
		entry := map[string]any{
			"matcher": hookMatcher,
			"hooks": []any{
				map[string]any{
					"type":    "command",
					"command": scriptPath,
					"timeout": int(h.hookTimeout.Seconds()),
				},
			},
		}
		preToolUse = append(preToolUse, entry)
	}

	hooks["PreToolUse"] = preToolUse
	settings["hooks"] = hooks

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// hasHookEntry reports whether any PreToolUse entry already invokes the
// given script.
func hasHookEntry(entries []any, scriptPath string) bool {
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		inner, _ := entry["hooks"].([]any)
		for _, hk := range inner {
			hook, ok := hk.(map[string]any)
			if !ok {
				continue
			}
			if cmd, _ := hook["command"].(string); cmd == scriptPath {
				return true
			}
		}
	}
	return false
}

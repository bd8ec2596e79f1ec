package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// autoApprovedTools never prompt: read-only, task-management, and UI-only
// tools cannot modify the working tree or reach outside it destructively.
var autoApprovedTools = map[string]bool{
	// Read-only tools
	"Read": true, "Glob": true, "Grep": true, "WebFetch": true, "WebSearch": true,
	// Task management
	"Task": true, "TaskOutput": true, "TodoWrite": true, "TaskStop": true,
	// UI-only tools
	"AskUserQuestion": true, "EnterPlanMode": true, "ExitPlanMode": true, "Skill": true,
}

// mcpReadMarkers identify read-style MCP tools by name fragment.
var mcpReadMarkers = []string{
	"read", "list", "get", "find", "search", "think", "check",
	"initial_instructions", "overview",
}

// safeBashCommands are read-only shell commands approved without prompting.
var safeBashCommands = map[string]bool{
	"ls": true, "dir": true, "pwd": true, "echo": true, "cat": true,
	"head": true, "tail": true, "whoami": true, "hostname": true,
	"date": true, "which": true, "where": true, "type": true,
	"find": true, "wc": true, "sort": true, "uniq": true,
	"diff": true, "tree": true,
}

var safeGitPrefixes = []string{
	"git status", "git log", "git diff", "git branch", "git show", "git remote",
}

// AutoApproved reports whether a tool invocation is safe to approve
// without prompting the user.
func AutoApproved(toolName string, input map[string]any) bool {
	if autoApprovedTools[toolName] {
		return true
	}

	if strings.HasPrefix(toolName, "mcp__") {
		for _, marker := range mcpReadMarkers {
			if strings.Contains(toolName, marker) {
				return true
			}
		}
		return false
	}

	if toolName == "Bash" {
		cmd, _ := input["command"].(string)
		return isSafeBashCommand(cmd)
	}

	return false
}

func isSafeBashCommand(cmd string) bool {
	trimmed := strings.TrimSpace(cmd)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return false
	}
	if safeBashCommands[fields[0]] {
		return true
	}
	for _, prefix := range safeGitPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Details builds the extra lines shown under the approval prompt, giving
// the user concrete paths for filesystem operations.
func Details(toolName string, input map[string]any) []string {
	var details []string

	switch toolName {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			details = bashDetails(cmd)
		}
	case "Write":
		if path, ok := input["file_path"].(string); ok {
			details = append(details, "Path: "+friendlyPath(path))
		}
	case "Edit":
		if path, ok := input["file_path"].(string); ok {
			details = append(details, "Path: "+friendlyPath(path))
		}
		if old, ok := input["old_string"].(string); ok && old != "" {
			runes := []rune(old)
			if len(runes) > 80 {
				runes = runes[:80]
			}
			details = append(details, fmt.Sprintf("Replacing: %s...", string(runes)))
		}
	case "NotebookEdit":
		if path, ok := input["notebook_path"].(string); ok {
			details = append(details, "Path: "+friendlyPath(path))
		}
	default:
		if raw, err := json.MarshalIndent(input, "", "  "); err == nil {
			runes := []rune(string(raw))
			if len(runes) > 300 {
				runes = runes[:300]
			}
			details = append(details, string(runes))
		}
	}

	return details
}

func bashDetails(cmd string) []string {
	trimmed := strings.TrimSpace(cmd)
	var details []string

	switch {
	case strings.HasPrefix(trimmed, "mkdir"):
		args := pathArgs(trimmed)
		if len(args) > 0 {
			details = append(details, "Path: "+friendlyPath(args[len(args)-1]))
		}
	case strings.HasPrefix(trimmed, "cp "):
		if args := pathArgs(trimmed); len(args) >= 2 {
			details = append(details,
				"From: "+friendlyPath(args[len(args)-2]),
				"To: "+friendlyPath(args[len(args)-1]))
		}
	case strings.HasPrefix(trimmed, "mv "):
		if args := pathArgs(trimmed); len(args) >= 2 {
			details = append(details,
				"From: "+friendlyPath(args[len(args)-2]),
				"To: "+friendlyPath(args[len(args)-1]))
		}
	case strings.HasPrefix(trimmed, "rm "):
		for _, arg := range pathArgs(trimmed) {
			details = append(details, "Deleting: "+friendlyPath(arg))
		}
	default:
		details = append(details, "Command: "+cmd)
	}

	return details
}

// pathArgs extracts non-flag arguments from a shell command, honoring
// single and double quotes so paths with spaces survive.
func pathArgs(cmd string) []string {
	var args []string
	var current strings.Builder
	var quote rune
	first := true

	flush := func() {
		s := current.String()
		current.Reset()
		if s == "" {
			return
		}
		if first {
			first = false
			return
		}
		if !strings.HasPrefix(s, "-") {
			args = append(args, s)
		}
	}

	for _, c := range cmd {
		switch {
		case c == '"' || c == '\'':
			switch quote {
			case 0:
				quote = c
			case c:
				quote = 0
			default:
				current.WriteRune(c)
			}
		case c == ' ' && quote == 0:
			flush()
		default:
			current.WriteRune(c)
		}
	}
	flush()

	return args
}

// friendlyPath shortens paths under the user's home directory to ~/.
func friendlyPath(path string) string {
	cleaned := strings.Trim(path, `"'`)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if strings.HasPrefix(cleaned, home) {
			return "~" + cleaned[len(home):]
		}
	}
	return cleaned
}

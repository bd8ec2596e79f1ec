package claude

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDescription is a human-readable rendering of a tool invocation,
// shown in the activity panel and approval dialogs. Raw keeps the exact
// invocation for a debug view.
type ToolDescription struct {
	Description string
	Raw         string
}

// Describe renders a one-line description of a tool invocation.
func Describe(toolName string, input map[string]any) ToolDescription {
	rawInput, _ := json.Marshal(input)
	raw := fmt.Sprintf("%s(%s)", toolName, rawInput)

	var description string
	switch toolName {
	case "Bash":
		description = describeBash(stringField(input, "command"))
	case "Read":
		description = fmt.Sprintf("Reading %s", baseNameOr(input, "file_path", "a file"))
	case "Write":
		description = fmt.Sprintf("Writing %s", baseNameOr(input, "file_path", "a file"))
	case "Edit":
		description = fmt.Sprintf("Editing %s", baseNameOr(input, "file_path", "a file"))
	case "Glob":
		pattern := stringField(input, "pattern")
		if pattern == "" {
			pattern = "*"
		}
		description = fmt.Sprintf("Searching for files matching %s", pattern)
	case "Grep":
		description = fmt.Sprintf("Searching file contents for %q", truncate(stringField(input, "pattern"), 40))
	case "TodoWrite":
		description = "Updating the todo list"
	case "WebFetch":
		url := stringField(input, "url")
		if url == "" {
			url = "a URL"
		}
		description = fmt.Sprintf("Fetching %s", truncate(url, 50))
	case "WebSearch":
		description = fmt.Sprintf("Searching the web for %q", truncate(stringField(input, "query"), 40))
	case "Task":
		desc := stringField(input, "description")
		if desc == "" {
			desc = "a subtask"
		}
		description = fmt.Sprintf("Running subtask: %s", truncate(desc, 50))
	case "NotebookEdit":
		description = fmt.Sprintf("Editing notebook %s", baseNameOr(input, "notebook_path", "a notebook"))
	default:
		description = fmt.Sprintf("Running tool %s", toolName)
	}

	return ToolDescription{Description: description, Raw: raw}
}

func describeBash(cmd string) string {
	switch {
	case strings.HasPrefix(cmd, "mv ") || strings.Contains(cmd, " mv "):
		return describeFileOp(cmd, "Moving")
	case strings.HasPrefix(cmd, "cp ") || strings.Contains(cmd, " cp "):
		return describeFileOp(cmd, "Copying")
	case strings.HasPrefix(cmd, "mkdir ") || strings.Contains(cmd, " mkdir "):
		return describeMkdir(cmd)
	case strings.HasPrefix(cmd, "rm ") || strings.Contains(cmd, " rm "):
		return fmt.Sprintf("Deleting files: %s", summarizePaths(cmd))
	case strings.HasPrefix(cmd, "git "):
		return describeGit(cmd)
	case strings.HasPrefix(cmd, "curl ") || strings.HasPrefix(cmd, "wget "):
		return "Connecting to an external service"
	case strings.HasPrefix(cmd, "npm ") || strings.HasPrefix(cmd, "npx ") || strings.HasPrefix(cmd, "node "):
		return fmt.Sprintf("Running command: %s", truncate(cmd, 60))
	case strings.HasPrefix(cmd, "python") || strings.HasPrefix(cmd, "pip"):
		return fmt.Sprintf("Running Python command: %s", truncate(cmd, 60))
	case cmd == "ls" || strings.HasPrefix(cmd, "ls "):
		return "Listing directory contents"
	default:
		return fmt.Sprintf("Running command: %s", truncate(cmd, 60))
	}
}

func describeGit(cmd string) string {
	switch {
	case strings.Contains(cmd, "status"):
		return "Checking git status"
	case strings.Contains(cmd, "diff"):
		return "Reviewing changes"
	case strings.Contains(cmd, "log"):
		return "Reading commit history"
	case strings.Contains(cmd, "add"):
		return "Staging changes"
	case strings.Contains(cmd, "commit"):
		return "Committing changes"
	case strings.Contains(cmd, "push"):
		return "Pushing changes to the remote"
	case strings.Contains(cmd, "pull"), strings.Contains(cmd, "fetch"):
		return "Fetching the latest changes"
	case strings.Contains(cmd, "checkout"), strings.Contains(cmd, "switch"):
		return "Switching branches"
	default:
		return fmt.Sprintf("Running git operation: %s", truncate(cmd, 50))
	}
}

func describeFileOp(cmd, verb string) string {
	parts := strings.Fields(cmd)
	if len(parts) >= 3 {
		src := baseName(parts[len(parts)-2])
		dst := baseName(parts[len(parts)-1])
		return fmt.Sprintf("%s %s to %s", verb, src, dst)
	}
	return verb + " files"
}

func describeMkdir(cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) > 1 {
		return fmt.Sprintf("Creating directory %s", baseName(parts[len(parts)-1]))
	}
	return "Creating a directory"
}

// summarizePaths lists the non-flag arguments of a command by basename.
func summarizePaths(cmd string) string {
	parts := strings.Fields(cmd)
	var names []string
	for i, p := range parts {
		if i == 0 || strings.HasPrefix(p, "-") {
			continue
		}
		names = append(names, baseName(p))
	}
	return strings.Join(names, ", ")
}

func baseNameOr(input map[string]any, key, fallback string) string {
	if path := stringField(input, key); path != "" {
		return baseName(path)
	}
	return fallback
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/\\")
	if idx := strings.LastIndexAny(path, "/\\"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

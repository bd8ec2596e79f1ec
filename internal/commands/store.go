// Package commands manages reusable instructions stored as markdown files
// under {workdir}/.claude/commands/. Each file carries optional YAML
// frontmatter with a description; the body is the instruction text, with
// $ARGUMENTS as the substitution point for run-time arguments.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cowork/cowork/internal/common/errors"
	"github.com/cowork/cowork/internal/common/logger"
)

// Command is one stored instruction.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

// frontmatter is the YAML header of a command file.
type frontmatter struct {
	Description string `yaml:"description"`
}

// Store reads and writes command files for a working directory.
type Store struct {
	logger *logger.Logger
}

// NewStore creates a command store.
func NewStore(log *logger.Logger) *Store {
	return &Store{logger: log.WithFields(zap.String("component", "command-store"))}
}

func commandsDir(workdir string) string {
	return filepath.Join(workdir, ".claude", "commands")
}

// commandPath maps a stored name to its file. Names that would escape the
// commands directory are rejected.
func commandPath(workdir, name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", false
	}
	return filepath.Join(commandsDir(workdir), name+".md"), true
}

// List returns all commands in the working directory, sorted by name.
// A missing commands directory is an empty list, not an error.
func (s *Store) List(workdir string) ([]Command, error) {
	entries, err := os.ReadDir(commandsDir(workdir))
	if os.IsNotExist(err) {
		return []Command{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read commands dir: %w", err)
	}

	commands := make([]Command, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		cmd, err := s.Get(workdir, name)
		if err != nil {
			s.logger.Warn("Skipping unreadable command file",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		commands = append(commands, cmd)
	}

	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands, nil
}

// Get loads one command by its stored filename (without the .md suffix).
// Files created outside Save keep whatever name they carry on disk.
func (s *Store) Get(workdir, name string) (Command, error) {
	path, ok := commandPath(workdir, name)
	if !ok {
		return Command{}, errors.NotFound("command", name)
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Command{}, errors.NotFound("command", name)
	}
	if err != nil {
		return Command{}, fmt.Errorf("failed to read command file: %w", err)
	}

	cmd, err := parseCommand(string(raw))
	if err != nil {
		return Command{}, fmt.Errorf("command %q: %w", name, err)
	}
	cmd.Name = name
	return cmd, nil
}

// Save writes a command file, creating the directory as needed. The name
// is sanitized into a filesystem-safe filename.
func (s *Store) Save(workdir string, cmd Command) error {
	dir := commandsDir(workdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create commands dir: %w", err)
	}

	path := filepath.Join(dir, SanitizeName(cmd.Name)+".md")
	if err := os.WriteFile(path, []byte(serializeCommand(cmd)), 0o644); err != nil {
		return fmt.Errorf("failed to write command file: %w", err)
	}

	s.logger.Info("Command saved", zap.String("name", cmd.Name))
	return nil
}

// Delete removes a command file. Deleting a missing command is a no-op.
func (s *Store) Delete(workdir, name string) error {
	path, ok := commandPath(workdir, name)
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete command file: %w", err)
	}
	return nil
}

// Expand substitutes run-time arguments into a command body.
func Expand(body, arguments string) string {
	return strings.ReplaceAll(body, "$ARGUMENTS", arguments)
}

// parseCommand splits optional YAML frontmatter from the body.
func parseCommand(content string) (Command, error) {
	trimmed := strings.TrimSpace(content)

	if !strings.HasPrefix(trimmed, "---") {
		return Command{Body: trimmed}, nil
	}

	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Command{}, fmt.Errorf("unterminated YAML frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Command{}, fmt.Errorf("invalid frontmatter: %w", err)
	}

	body := strings.TrimSpace(rest[end+4:])
	return Command{Description: fm.Description, Body: body}, nil
}

// serializeCommand renders a command file, emitting frontmatter only when
// there is a description.
func serializeCommand(cmd Command) string {
	var b strings.Builder

	if cmd.Description != "" {
		fm, _ := yaml.Marshal(frontmatter{Description: cmd.Description})
		b.WriteString("---\n")
		b.Write(fm)
		b.WriteString("---\n\n")
	}

	b.WriteString(cmd.Body)
	if !strings.HasSuffix(cmd.Body, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// SanitizeName maps a command name to a safe filename: alphanumerics,
// hyphens, underscores, and non-ASCII pass through; spaces become hyphens;
// everything else becomes an underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c == ' ':
			b.WriteRune('-')
		case c == '-' || c == '_' || c > 127,
			c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unnamed-command"
	}
	return b.String()
}

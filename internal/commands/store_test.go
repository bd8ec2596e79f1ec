package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cowork/cowork/internal/common/errors"
	"github.com/cowork/cowork/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewStore(log)
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	cmd := Command{
		Name:        "organize",
		Description: "Organize downloaded files",
		Body:        "Organize the files in $ARGUMENTS by type.",
	}
	if err := s.Save(workdir, cmd); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(workdir, "organize")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Description != cmd.Description {
		t.Errorf("description = %q, want %q", got.Description, cmd.Description)
	}
	if got.Body != cmd.Body {
		t.Errorf("body = %q, want %q", got.Body, cmd.Body)
	}
}

func TestGetMissingCommand(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(t.TempDir(), "nope")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestParseWithoutFrontmatter(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	dir := filepath.Join(workdir, ".claude", "commands")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plain.md"), []byte("Just do the thing.\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := s.Get(workdir, "plain")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Description != "" {
		t.Errorf("expected empty description, got %q", got.Description)
	}
	if got.Body != "Just do the thing." {
		t.Errorf("unexpected body: %q", got.Body)
	}
}

func TestGetRejectsUnterminatedFrontmatter(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	dir := filepath.Join(workdir, ".claude", "commands")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.md"), []byte("---\ndescription: x\nno end"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := s.Get(workdir, "bad"); err == nil {
		t.Error("expected error for unterminated frontmatter")
	}
}

func TestListSortsAndSkipsNonMarkdown(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	for _, name := range []string{"zeta", "alpha"} {
		if err := s.Save(workdir, Command{Name: name, Body: "body"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(commandsDir(workdir), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	list, err := s.List(workdir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("expected sorted names, got %s, %s", list[0].Name, list[1].Name)
	}
}

func TestExternallyCreatedFileIsListedAndGettable(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	dir := filepath.Join(workdir, ".claude", "commands")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// A file named outside Save's sanitization, e.g. dropped in by hand.
	if err := os.WriteFile(filepath.Join(dir, "my cmd.md"), []byte("Do it.\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	list, err := s.List(workdir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "my cmd" {
		t.Fatalf("expected [my cmd], got %+v", list)
	}

	got, err := s.Get(workdir, "my cmd")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Body != "Do it." {
		t.Errorf("unexpected body: %q", got.Body)
	}
}

func TestGetRejectsPathEscapes(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"../escape", "a/b", `a\b`} {
		if _, err := s.Get(t.TempDir(), name); !errors.IsNotFound(err) {
			t.Errorf("Get(%q): expected NotFound, got %v", name, err)
		}
	}
}

func TestListMissingDirIsEmpty(t *testing.T) {
	s := newTestStore(t)

	list, err := s.List(t.TempDir())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d", len(list))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	workdir := t.TempDir()

	if err := s.Save(workdir, Command{Name: "tmp", Body: "x"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete(workdir, "tmp"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(workdir, "tmp"); err != nil {
		t.Errorf("second Delete should be a no-op: %v", err)
	}
	if _, err := s.Get(workdir, "tmp"); !errors.IsNotFound(err) {
		t.Error("command should be gone")
	}
}

func TestExpandArguments(t *testing.T) {
	body := "Summarize $ARGUMENTS and file $ARGUMENTS under reports."
	got := Expand(body, "the Q3 numbers")
	if strings.Contains(got, "$ARGUMENTS") {
		t.Errorf("placeholder left behind: %q", got)
	}
	if !strings.Contains(got, "the Q3 numbers") {
		t.Errorf("arguments not substituted: %q", got)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"organize files", "organize-files"},
		{"safe-name_1", "safe-name_1"},
		{"../escape", "___escape"},
		{"", "unnamed-command"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

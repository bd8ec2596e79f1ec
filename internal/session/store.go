// Package session persists chat history per working directory. Each
// directory gets one JSON document holding the transcript and the CLI's
// resume session id; writes are debounced so bursts of messages coalesce
// into a single write.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/claude"
	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
)

// File is the persisted session document.
type File struct {
	WorkingDir     string               `json:"working_dir"`
	AgentSessionID string               `json:"agent_session_id,omitempty"`
	Messages       []events.ChatMessage `json:"messages"`
}

// Store holds the session for the currently selected working directory.
type Store struct {
	dataDir  string
	debounce time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	current File
	loaded  bool
	dirty   bool
	timer   *time.Timer
}

// NewStore creates a store rooted at dataDir. Session files live under
// {dataDir}/sessions/.
func NewStore(dataDir string, debounce time.Duration, log *logger.Logger) *Store {
	return &Store{
		dataDir:  dataDir,
		debounce: debounce,
		logger:   log.WithFields(zap.String("component", "session-store")),
	}
}

// sessionPath keys the file by a hash of the working directory, keeping
// filenames filesystem-safe regardless of the directory's own name.
func (s *Store) sessionPath(workdir string) string {
	sum := sha256.Sum256([]byte(workdir))
	return filepath.Join(s.dataDir, "sessions", hex.EncodeToString(sum[:8])+".json")
}

// Load switches the store to a working directory, flushing any pending
// write for the previous one first. A missing file yields an empty session.
func (s *Store) Load(workdir string) error {
	if err := s.Flush(); err != nil {
		s.logger.Warn("Flush before load failed", zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = File{WorkingDir: workdir}
	s.loaded = true
	s.dirty = false

	raw, err := os.ReadFile(s.sessionPath(workdir))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}

	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		// A corrupt file should not brick the session; start fresh.
		s.logger.Warn("Session file is corrupt, starting fresh",
			zap.String("workdir", workdir), zap.Error(err))
		return nil
	}
	file.WorkingDir = workdir
	s.current = file

	s.logger.Info("Session loaded",
		zap.String("workdir", workdir),
		zap.Int("messages", len(file.Messages)),
		zap.Bool("resumable", file.AgentSessionID != ""))
	return nil
}

// WorkingDir returns the directory of the loaded session, or "".
func (s *Store) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.WorkingDir
}

// Loaded reports whether a session has been selected.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Messages returns a copy of the transcript.
func (s *Store) Messages() []events.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.ChatMessage, len(s.current.Messages))
	copy(out, s.current.Messages)
	return out
}

// Append adds a message to the transcript, coalescing consecutive
// assistant messages, and schedules a save.
func (s *Store) Append(msg events.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Messages = claude.Coalesce(s.current.Messages, msg)
	s.markDirtyLocked()
}

// AgentSessionID returns the CLI resume id for the loaded session, or "".
func (s *Store) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.AgentSessionID
}

// SetAgentSessionID records the CLI's session id for future --resume.
func (s *Store) SetAgentSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.AgentSessionID == id {
		return
	}
	s.current.AgentSessionID = id
	s.markDirtyLocked()
}

// ResetAgentSession drops the resume id; the next turn starts a fresh CLI
// conversation while keeping the visible transcript.
func (s *Store) ResetAgentSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.AgentSessionID == "" {
		return
	}
	s.current.AgentSessionID = ""
	s.markDirtyLocked()
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Messages = nil
	s.markDirtyLocked()
}

// markDirtyLocked arms the trailing debounce timer. Callers hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, func() {
			if err := s.Flush(); err != nil {
				s.logger.WithError(err).Error("Debounced save failed")
			}
		})
	}
}

// Flush writes the session immediately if anything changed. Safe to call
// at any time; used on shutdown and before switching directories.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty || !s.loaded {
		s.mu.Unlock()
		return nil
	}
	file := s.current
	file.Messages = make([]events.ChatMessage, len(s.current.Messages))
	copy(file.Messages, s.current.Messages)
	s.dirty = false
	s.mu.Unlock()

	return s.write(file)
}

// write persists the document atomically via temp file + rename.
func (s *Store) write(file File) error {
	path := s.sessionPath(file.WorkingDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.Debug("Session saved",
		zap.String("workdir", file.WorkingDir),
		zap.Int("messages", len(file.Messages)))
	return nil
}

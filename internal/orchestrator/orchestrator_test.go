package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cowork/cowork/internal/agent"
	"github.com/cowork/cowork/internal/approval"
	"github.com/cowork/cowork/internal/claude"
	"github.com/cowork/cowork/internal/commands"
	"github.com/cowork/cowork/internal/common/errors"
	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
	"github.com/cowork/cowork/internal/events/bus"
	"github.com/cowork/cowork/internal/session"
)

// fakeRunner scripts the agent subprocess for tests.
type fakeRunner struct {
	mu      sync.Mutex
	lastReq agent.RunRequest
	script  func(ctx context.Context, emit agent.EmitFunc) error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest, emit agent.EmitFunc) error {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.script == nil {
		return nil
	}
	return f.script(ctx, emit)
}

func (f *fakeRunner) request() agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeHooks struct {
	mu       sync.Mutex
	installs []string
}

func (f *fakeHooks) Install(workdir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, workdir)
	return nil
}

type fixture struct {
	orch   *Orchestrator
	runner *fakeRunner
	hooks  *fakeHooks
	store  *session.Store
	bus    *bus.MemoryEventBus
	done   chan string // receives run.finished / run.failed event types
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	store := session.NewStore(t.TempDir(), time.Hour, log)
	registry := approval.NewRegistry(time.Minute, log)
	runner := &fakeRunner{}
	hooks := &fakeHooks{}

	orch := New(runner, hooks, store, registry, commands.NewStore(log), eventBus, 4242, log)

	done := make(chan string, 16)
	for _, subject := range []string{events.SubjectRunFinished, events.SubjectRunFailed} {
		if _, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			done <- e.Type
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	return &fixture{orch: orch, runner: runner, hooks: hooks, store: store, bus: eventBus, done: done}
}

func (f *fixture) setWorkdir(t *testing.T) string {
	t.Helper()
	wd := t.TempDir()
	if err := f.orch.SetWorkingDir(wd); err != nil {
		t.Fatalf("SetWorkingDir failed: %v", err)
	}
	return wd
}

func (f *fixture) waitDone(t *testing.T) string {
	t.Helper()
	select {
	case typ := <-f.done:
		// The terminal event fires just before state flips to idle on the
		// same goroutine; give the flip a moment.
		deadline := time.Now().Add(time.Second)
		for f.orch.State() != StateIdle && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return typ
	case <-time.After(5 * time.Second):
		t.Fatal("turn never finished")
		return ""
	}
}

func TestSendMessageRequiresWorkdir(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SendMessage("hello")
	if errors.GetHTTPStatus(err) != 400 {
		t.Errorf("expected bad request, got %v", err)
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	if _, err := f.orch.SendMessage("   "); err == nil {
		t.Error("expected error for blank message")
	}
}

func TestTurnCommitsMessagesOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.SessionStarted{SessionID: "sess-7"})
		emit(claude.Message{Message: events.ChatMessage{ID: "a1", Role: events.RoleAssistant, Text: "partial"}})
		emit(claude.Message{Message: events.ChatMessage{ID: "a2", Role: events.RoleAssistant, Text: "done"}})
		emit(claude.RunDone{Result: "done"})
		return nil
	}

	if _, err := f.orch.SendMessage("do the thing"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if typ := f.waitDone(t); typ != "run.finished" {
		t.Fatalf("expected run.finished, got %s", typ)
	}

	msgs := f.store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + coalesced assistant message, got %d", len(msgs))
	}
	if msgs[0].Role != events.RoleUser || msgs[0].Text != "do the thing" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].ID != "a2" {
		t.Errorf("expected final assistant message a2, got %s", msgs[1].ID)
	}
	if f.store.AgentSessionID() != "sess-7" {
		t.Errorf("resume id not captured: %q", f.store.AgentSessionID())
	}
}

func TestSecondMessageWhileRunningConflicts(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	release := make(chan struct{})
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		<-release
		emit(claude.RunDone{})
		return nil
	}

	if _, err := f.orch.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	_, err := f.orch.SendMessage("second")
	if !errors.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	close(release)
	f.waitDone(t)
}

func TestCancelDiscardsTurn(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	started := make(chan struct{})
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.Message{Message: events.ChatMessage{ID: "a1", Role: events.RoleAssistant, Text: "partial"}})
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	if _, err := f.orch.SendMessage("long job"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	<-started

	if err := f.orch.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if typ := f.waitDone(t); typ != "run.cancelled" {
		t.Errorf("expected run.cancelled, got %s", typ)
	}

	if len(f.store.Messages()) != 0 {
		t.Error("cancelled turn must not touch the transcript")
	}
	if f.orch.State() != StateIdle {
		t.Errorf("expected idle after cancel, got %s", f.orch.State())
	}
}

func TestCancelReturnsToIdleBeforeTeardown(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		close(started)
		<-ctx.Done()
		// Hold the child in its termination grace window until released.
		<-release
		return ctx.Err()
	}

	if _, err := f.orch.SendMessage("long job"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	<-started

	if err := f.orch.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got := f.orch.State(); got != StateIdle {
		t.Fatalf("expected idle immediately after Cancel, got %s", got)
	}
	if typ := f.waitDone(t); typ != "run.cancelled" {
		t.Fatalf("expected run.cancelled, got %s", typ)
	}

	// A new turn is accepted while the old child is still tearing down.
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.RunDone{})
		return nil
	}
	if _, err := f.orch.SendMessage("next"); err != nil {
		t.Fatalf("SendMessage during teardown failed: %v", err)
	}
	if typ := f.waitDone(t); typ != "run.finished" {
		t.Fatalf("expected run.finished, got %s", typ)
	}
	close(release)

	msgs := f.store.Messages()
	if len(msgs) != 1 || msgs[0].Text != "next" {
		t.Errorf("expected only the new turn's message, got %+v", msgs)
	}
}

func TestCancelWithoutTurnConflicts(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Cancel(); !errors.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestRunErrorLeavesTranscriptUntouched(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.Message{Message: events.ChatMessage{ID: "a1", Role: events.RoleAssistant, Text: "partial"}})
		emit(claude.RunError{Message: "boom"})
		return nil
	}

	if _, err := f.orch.SendMessage("x"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if typ := f.waitDone(t); typ != "run.failed" {
		t.Fatalf("expected run.failed, got %s", typ)
	}

	if len(f.store.Messages()) != 0 {
		t.Error("failed turn must not touch the transcript")
	}
}

func TestResumeIDPassedToRunner(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.SessionStarted{SessionID: "sess-1"})
		emit(claude.RunDone{})
		return nil
	}
	if _, err := f.orch.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.waitDone(t)

	if _, err := f.orch.SendMessage("second"); err != nil {
		t.Fatalf("second SendMessage failed: %v", err)
	}
	f.waitDone(t)

	req := f.runner.request()
	if req.ResumeSessionID != "sess-1" {
		t.Errorf("expected resume id sess-1, got %q", req.ResumeSessionID)
	}
	if req.ApprovalPort != 4242 {
		t.Errorf("expected approval port 4242, got %d", req.ApprovalPort)
	}
}

func TestSetWorkingDirRejectedWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	release := make(chan struct{})
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		<-release
		return nil
	}
	if _, err := f.orch.SendMessage("x"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	err := f.orch.SetWorkingDir(t.TempDir())
	if !errors.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}

	close(release)
	f.waitDone(t)
}

func TestSetWorkingDirValidatesPath(t *testing.T) {
	f := newFixture(t)

	err := f.orch.SetWorkingDir("/definitely/not/a/dir")
	if errors.GetHTTPStatus(err) != 400 {
		t.Errorf("expected bad request, got %v", err)
	}
}

func TestHookInstalledOncePerWorkdir(t *testing.T) {
	f := newFixture(t)
	wd := f.setWorkdir(t)

	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.RunDone{})
		return nil
	}
	for i := 0; i < 3; i++ {
		if _, err := f.orch.SendMessage("go"); err != nil {
			t.Fatalf("SendMessage %d failed: %v", i, err)
		}
		f.waitDone(t)
	}

	f.hooks.mu.Lock()
	defer f.hooks.mu.Unlock()
	if len(f.hooks.installs) != 1 {
		t.Errorf("expected 1 hook install, got %d", len(f.hooks.installs))
	}
	if len(f.hooks.installs) > 0 && f.hooks.installs[0] != wd {
		t.Errorf("hook installed into %s, want %s", f.hooks.installs[0], wd)
	}
}

func TestRunCommandExpandsArguments(t *testing.T) {
	f := newFixture(t)
	wd := f.setWorkdir(t)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	cmdStore := commands.NewStore(log)
	if err := cmdStore.Save(wd, commands.Command{Name: "organize", Body: "Organize $ARGUMENTS by type."}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.RunDone{})
		return nil
	}
	if _, err := f.orch.RunCommand("organize", "the downloads folder"); err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	f.waitDone(t)

	if got := f.runner.request().Instruction; got != "Organize the downloads folder by type." {
		t.Errorf("unexpected instruction: %q", got)
	}
}

func TestSnapshotIncludesStagedTurn(t *testing.T) {
	f := newFixture(t)
	f.setWorkdir(t)

	streaming := make(chan struct{})
	release := make(chan struct{})
	f.runner.script = func(ctx context.Context, emit agent.EmitFunc) error {
		emit(claude.TextDelta{Text: "thinking..."})
		emit(claude.ActivityStarted{Activity: events.Activity{ID: "t1", Tool: "Bash", Description: "Running command: make"}})
		close(streaming)
		<-release
		emit(claude.RunDone{})
		return nil
	}

	if _, err := f.orch.SendMessage("build it"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	<-streaming

	snap := f.orch.Snapshot()
	if snap.State != StateRunning {
		t.Errorf("expected running state, got %s", snap.State)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "build it" {
		t.Errorf("expected staged user message in snapshot, got %+v", snap.Messages)
	}
	if snap.StreamText != "thinking..." {
		t.Errorf("expected stream buffer, got %q", snap.StreamText)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].ID != "t1" {
		t.Errorf("expected active activity, got %+v", snap.Activities)
	}

	close(release)
	f.waitDone(t)
}

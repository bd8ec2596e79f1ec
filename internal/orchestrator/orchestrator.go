// Package orchestrator owns the turn lifecycle: it accepts user messages,
// spawns the agent for one turn at a time, fans decoded stream events out
// to the event bus, and commits the transcript when a turn completes.
package orchestrator

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

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

// EventSource names this component in published events.
const EventSource = "orchestrator"

// State is the orchestrator's turn state.
type State string

const (
	// StateIdle means no turn is active; messages are accepted.
	StateIdle State = "idle"
	// StateRunning means the agent subprocess is live.
	StateRunning State = "running"
	// StateCompleting means the turn ended and its messages are being
	// committed to the session.
	StateCompleting State = "completing"
	// StateCancelling means a cancel is being applied: open approvals are
	// denied and the subprocess group is signalled. The state returns to
	// idle without waiting for the child's teardown; the turn's messages
	// are discarded.
	StateCancelling State = "cancelling"
)

// AgentRunner is the subprocess interface, satisfied by *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest, emit agent.EmitFunc) error
}

// HookInstaller prepares a working directory for approval interception,
// satisfied by *agent.HookInstaller.
type HookInstaller interface {
	Install(workdir string) error
}

// turn is the in-flight turn's accumulator. Its messages reach the session
// store only if the turn completes.
type turn struct {
	id          string
	cancel      context.CancelFunc
	userMessage events.ChatMessage
	assistant   []events.ChatMessage
	streamText  strings.Builder
	activities  map[string]events.Activity
	failure     string
	cancelled   bool
}

// Snapshot is the full UI-facing view of the session.
type Snapshot struct {
	State            State                    `json:"state"`
	WorkingDir       string                   `json:"working_dir"`
	AgentSessionID   string                   `json:"agent_session_id,omitempty"`
	Messages         []events.ChatMessage     `json:"messages"`
	StreamText       string                   `json:"stream_text,omitempty"`
	Activities       []events.Activity        `json:"activities"`
	PendingApprovals []events.ApprovalRequest `json:"pending_approvals"`
}

// Orchestrator mediates between the UI gateway and the agent subprocess.
type Orchestrator struct {
	runner       AgentRunner
	hooks        HookInstaller
	sessions     *session.Store
	registry     *approval.Registry
	commands     *commands.Store
	bus          bus.EventBus
	approvalPort int
	logger       *logger.Logger

	mu            sync.Mutex
	state         State
	active        *turn
	hookInstalled map[string]bool
}

// New creates an orchestrator in the idle state.
func New(
	runner AgentRunner,
	hooks HookInstaller,
	sessions *session.Store,
	registry *approval.Registry,
	cmdStore *commands.Store,
	eventBus bus.EventBus,
	approvalPort int,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		runner:        runner,
		hooks:         hooks,
		sessions:      sessions,
		registry:      registry,
		commands:      cmdStore,
		bus:           eventBus,
		approvalPort:  approvalPort,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		state:         StateIdle,
		hookInstalled: make(map[string]bool),
	}
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// WorkingDir returns the selected working directory, or "" before
// SetWorkingDir.
func (o *Orchestrator) WorkingDir() string {
	return o.sessions.WorkingDir()
}

// SetWorkingDir selects the working directory the agent is scoped to,
// switching the persisted session view. Rejected while a turn is active.
func (o *Orchestrator) SetWorkingDir(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return errors.BadRequest("working directory does not exist: " + path)
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return errors.Conflict("cannot change working directory while a turn is active")
	}
	o.mu.Unlock()

	if err := o.sessions.Load(path); err != nil {
		return errors.InternalError("failed to load session", err)
	}

	o.publish(events.SubjectWorkdirChanged, "workdir.changed", map[string]any{"working_dir": path})
	o.logger.Info("Working directory set", zap.String("workdir", path))
	return nil
}

// SendMessage starts a turn for the given user content. Returns the turn
// id, or Conflict while another turn is active.
func (o *Orchestrator) SendMessage(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errors.BadRequest("message content is empty")
	}
	if !o.sessions.Loaded() || o.sessions.WorkingDir() == "" {
		return "", errors.BadRequest("no working directory selected")
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return "", errors.Conflict("a turn is already active")
	}

	t := &turn{
		id:     uuid.New().String(),
		userMessage: events.ChatMessage{
			ID:        uuid.New().String(),
			Role:      events.RoleUser,
			Text:      content,
			Timestamp: time.Now().UTC(),
		},
		activities: make(map[string]events.Activity),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	o.state = StateRunning
	o.active = t
	o.mu.Unlock()

	workdir := o.sessions.WorkingDir()
	if err := o.ensureHook(workdir); err != nil {
		o.logger.Warn("Hook installation failed, tool approvals will not prompt",
			zap.String("workdir", workdir), zap.Error(err))
	}

	o.publish(events.SubjectRunStarted, "run.started", events.RunStatus{TurnID: t.id, State: string(StateRunning)})
	o.publish(events.SubjectMessageUpdated, "message.updated", t.userMessage)

	go o.runTurn(ctx, t, workdir, content)

	o.logger.Info("Turn started", zap.String("turn_id", t.id))
	return t.id, nil
}

// RunCommand expands a stored command with arguments and starts a turn
// with the result.
func (o *Orchestrator) RunCommand(name, arguments string) (string, error) {
	if !o.sessions.Loaded() {
		return "", errors.BadRequest("no working directory selected")
	}
	cmd, err := o.commands.Get(o.sessions.WorkingDir(), name)
	if err != nil {
		return "", err
	}
	return o.SendMessage(commands.Expand(cmd.Body, arguments))
}

// Cancel aborts the active turn. The subprocess group is signalled, open
// approvals are denied, and the turn's messages are discarded. The
// orchestrator is idle again when Cancel returns; the child's teardown
// finishes in the background and its remaining output is dropped.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	if o.state != StateRunning || o.active == nil {
		o.mu.Unlock()
		return errors.Conflict("no active turn to cancel")
	}
	t := o.active
	o.state = StateCancelling
	o.active = nil
	t.cancelled = true
	o.mu.Unlock()

	o.registry.ResolveAll(false)
	t.cancel()

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()

	o.publish(events.SubjectRunFinished, "run.cancelled", events.RunStatus{
		TurnID: t.id, State: string(StateIdle),
	})
	o.logger.Info("Turn cancelled", zap.String("turn_id", t.id))
	return nil
}

// RespondApproval forwards a human decision to the registry. Unknown or
// already-resolved ids are no-ops.
func (o *Orchestrator) RespondApproval(id string, approved bool) {
	o.registry.Resolve(id, approved)
}

// ClearHistory empties the persisted transcript. Rejected while running.
func (o *Orchestrator) ClearHistory() error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return errors.Conflict("cannot clear history while a turn is active")
	}
	o.mu.Unlock()

	o.sessions.Clear()
	o.publish(events.SubjectSessionReset, "session.cleared", nil)
	return nil
}

// ResetAgentSession drops the CLI resume id so the next turn starts a
// fresh agent conversation.
func (o *Orchestrator) ResetAgentSession() error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return errors.Conflict("cannot reset the session while a turn is active")
	}
	o.mu.Unlock()

	o.sessions.ResetAgentSession()
	o.publish(events.SubjectSessionReset, "session.reset", nil)
	return nil
}

// Snapshot returns the UI view: committed transcript plus the active
// turn's staged user message and streaming assistant buffer.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		State:            o.state,
		WorkingDir:       o.sessions.WorkingDir(),
		AgentSessionID:   o.sessions.AgentSessionID(),
		Messages:         o.sessions.Messages(),
		Activities:       []events.Activity{},
		PendingApprovals: o.registry.Pending(),
	}

	if t := o.active; t != nil {
		snap.Messages = append(snap.Messages, t.userMessage)
		snap.Messages = append(snap.Messages, t.assistant...)
		snap.StreamText = t.streamText.String()
		for _, a := range t.activities {
			snap.Activities = append(snap.Activities, a)
		}
		sort.Slice(snap.Activities, func(i, j int) bool {
			return snap.Activities[i].StartedAt.Before(snap.Activities[j].StartedAt)
		})
	}
	return snap
}

// Shutdown cancels any active turn and flushes the session to disk.
func (o *Orchestrator) Shutdown() {
	if err := o.Cancel(); err == nil {
		// Give the runner a moment to observe the cancellation.
		time.Sleep(100 * time.Millisecond)
	}
	if err := o.sessions.Flush(); err != nil {
		o.logger.Error("Session flush on shutdown failed", zap.Error(err))
	}
}

// runTurn drives one agent run to completion on its own goroutine.
func (o *Orchestrator) runTurn(ctx context.Context, t *turn, workdir, instruction string) {
	err := o.runner.Run(ctx, agent.RunRequest{
		Instruction:     instruction,
		WorkingDir:      workdir,
		ResumeSessionID: o.sessions.AgentSessionID(),
		ApprovalPort:    o.approvalPort,
	}, func(ev claude.StreamEvent) {
		o.handleStreamEvent(t, ev)
	})

	o.mu.Lock()
	if t.cancelled {
		// Cancel already returned the orchestrator to idle and published
		// run.cancelled; the child's late exit is a no-op.
		o.mu.Unlock()
		return
	}
	if err != nil && t.failure == "" {
		// Spawn failure: the runner emitted nothing, surface it here.
		t.failure = err.Error()
	}
	o.state = StateCompleting
	o.mu.Unlock()

	o.finishCompleted(t)
}

// finishCompleted commits the turn's messages and returns to idle. This is
// the only path that mutates the persisted transcript.
func (o *Orchestrator) finishCompleted(t *turn) {
	o.mu.Lock()
	assistant := t.assistant
	failure := t.failure
	o.mu.Unlock()

	// Failed turns leave the transcript untouched, same as cancellation.
	if failure == "" {
		o.sessions.Append(t.userMessage)
		for _, msg := range assistant {
			o.sessions.Append(msg)
		}
	}

	o.mu.Lock()
	o.state = StateIdle
	o.active = nil
	o.mu.Unlock()

	if failure != "" {
		o.publish(events.SubjectRunFailed, "run.failed", events.RunStatus{
			TurnID: t.id, State: string(StateIdle), Error: failure,
		})
		o.logger.Warn("Turn failed", zap.String("turn_id", t.id), zap.String("error", failure))
		return
	}
	o.publish(events.SubjectRunFinished, "run.finished", events.RunStatus{
		TurnID: t.id, State: string(StateIdle),
	})
	o.logger.Info("Turn completed", zap.String("turn_id", t.id))
}

// handleStreamEvent folds one decoded event into the turn and republishes
// it on the bus. Called on the runner's emit goroutine, in stream order.
func (o *Orchestrator) handleStreamEvent(t *turn, ev claude.StreamEvent) {
	switch e := ev.(type) {
	case claude.SessionStarted:
		// Recorded immediately so a crash mid-turn can still resume.
		o.sessions.SetAgentSessionID(e.SessionID)

	case claude.TextDelta:
		o.mu.Lock()
		t.streamText.WriteString(e.Text)
		o.mu.Unlock()
		o.publish(events.SubjectMessageDelta, "message.delta", events.TextDelta{Text: e.Text})

	case claude.Message:
		o.mu.Lock()
		t.assistant = claude.Coalesce(t.assistant, e.Message)
		t.streamText.Reset()
		o.mu.Unlock()
		o.publish(events.SubjectMessageUpdated, "message.updated", e.Message)

	case claude.ActivityStarted:
		o.mu.Lock()
		t.activities[e.Activity.ID] = e.Activity
		o.mu.Unlock()
		o.publish(events.SubjectActivityStarted, "activity.started", e.Activity)

	case claude.ActivityFinished:
		o.mu.Lock()
		delete(t.activities, e.ActivityID)
		o.mu.Unlock()
		o.publish(events.SubjectActivityFinished, "activity.finished", map[string]any{"id": e.ActivityID})

	case claude.RunDone:
		// Terminal; completion is published after the process exits.

	case claude.RunError:
		o.mu.Lock()
		t.failure = e.Message
		o.mu.Unlock()
	}
}

// ensureHook installs the approval hook into a working directory once per
// process lifetime.
func (o *Orchestrator) ensureHook(workdir string) error {
	o.mu.Lock()
	installed := o.hookInstalled[workdir]
	o.mu.Unlock()
	if installed {
		return nil
	}

	if err := o.hooks.Install(workdir); err != nil {
		return err
	}

	o.mu.Lock()
	o.hookInstalled[workdir] = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) publish(subject, eventType string, data any) {
	ev := bus.NewEvent(eventType, EventSource, data)
	if err := o.bus.Publish(context.Background(), subject, ev); err != nil {
		o.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

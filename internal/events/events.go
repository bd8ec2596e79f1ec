// Package events defines the domain model shared between the agent runner,
// the session store, and the UI gateway, plus the bus subjects they use.
package events

import "time"

// Bus subjects. The WebSocket hub subscribes to SubjectAll and forwards
// everything to connected clients.
const (
	SubjectAll = "session.>"

	SubjectMessageDelta      = "session.message.delta"
	SubjectMessageUpdated    = "session.message.updated"
	SubjectActivityStarted   = "session.activity.started"
	SubjectActivityFinished  = "session.activity.finished"
	SubjectApprovalRequested = "session.approval.requested"
	SubjectApprovalResolved  = "session.approval.resolved"
	SubjectRunStarted        = "session.run.started"
	SubjectRunFinished       = "session.run.finished"
	SubjectRunFailed         = "session.run.failed"
	SubjectSessionReset      = "session.reset"
	SubjectWorkdirChanged    = "session.workdir.changed"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in the conversation transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Activity describes a tool invocation the agent is performing. The
// description is a human-readable summary derived from the tool input.
type Activity struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

// ApprovalRequest is a pending permission prompt raised by the agent's
// pre-tool-use hook. The hook blocks until the request is resolved.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Description string    `json:"description"`
	RawInput    string    `json:"raw_input"`
	Details     []string  `json:"details,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ApprovalDecision records the outcome of an approval request.
type ApprovalDecision struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	// Reason distinguishes user decisions from timeouts and shutdown denials.
	Reason string `json:"reason,omitempty"`
}

// TextDelta is an incremental chunk of assistant text within the current turn.
type TextDelta struct {
	Text string `json:"text"`
}

// RunStatus is published on run start/finish/failure subjects.
type RunStatus struct {
	TurnID string `json:"turn_id"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

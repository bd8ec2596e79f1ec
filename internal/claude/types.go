// Package claude provides types and an incremental decoder for the Claude
// Code CLI stream-json protocol. The CLI emits one JSON object per stdout
// line; the decoder turns those lines into typed stream events.
package claude

import "encoding/json"

// Message types from the CLI stream
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool_use blocks from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks back to the model
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps low-level API events, including text deltas
	MessageTypeStreamEvent = "stream_event"
)

// Content block types within assistant/user messages
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// CLIMessage represents one line of CLI stdout. The message type determines
// which fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`

	// For assistant and user messages
	Message *StreamMessage `json:"message,omitempty"`

	// For result messages. Result is usually a string but kept raw to
	// tolerate object-shaped results from newer CLI versions.
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// For stream_event messages
	Event json.RawMessage `json:"event,omitempty"`
}

// StreamMessage is the message envelope inside assistant and user lines.
type StreamMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock represents a block of content in a stream message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
}

// APIEvent is the payload of a stream_event line. Only text deltas are
// interesting here; everything else is ignored.
type APIEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

// GetResultString returns the result payload as a string, or "" when the
// result is absent or not string-shaped.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

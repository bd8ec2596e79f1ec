package claude

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
)

// StreamEvent is the decoder's typed output. Exactly one concrete type per
// decoded occurrence; consumers switch on the concrete type.
type StreamEvent interface {
	streamEvent()
}

// SessionStarted carries the CLI's own session id, captured from the
// initial system line and used for --resume on the next turn.
type SessionStarted struct {
	SessionID string
}

// TextDelta is an incremental chunk of the assistant text being streamed.
type TextDelta struct {
	Text string
}

// Message is a complete assistant message. Consecutive Message events
// within one turn supersede each other (see Coalesce).
type Message struct {
	Message events.ChatMessage
}

// ActivityStarted signals a tool invocation beginning.
type ActivityStarted struct {
	Activity events.Activity
}

// ActivityFinished signals the tool result arriving for an earlier
// ActivityStarted with the same id.
type ActivityFinished struct {
	ActivityID string
}

// RunDone is the turn's terminal success event.
type RunDone struct {
	Result string
}

// RunError is the turn's terminal failure event.
type RunError struct {
	Message string
}

func (SessionStarted) streamEvent()   {}
func (TextDelta) streamEvent()        {}
func (Message) streamEvent()          {}
func (ActivityStarted) streamEvent()  {}
func (ActivityFinished) streamEvent() {}
func (RunDone) streamEvent()          {}
func (RunError) streamEvent()         {}

// Decoder turns CLI stdout lines into StreamEvents. It is stateful per
// turn: the last assistant text is tracked so the final result line does
// not duplicate a message already emitted.
type Decoder struct {
	logger   *logger.Logger
	lastText string
}

// NewDecoder creates a decoder for a single turn.
func NewDecoder(log *logger.Logger) *Decoder {
	return &Decoder{logger: log}
}

// DecodeLine parses one stdout line and returns the events it yields.
// Blank and unparseable lines yield nothing; unparseable lines are logged
// at debug level so a protocol drift is visible without breaking the turn.
func (d *Decoder) DecodeLine(line []byte) []StreamEvent {
	if len(line) == 0 {
		return nil
	}

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		d.logger.Debug("Dropping unparseable stream line",
			zap.Error(err),
			zap.Int("length", len(line)))
		return nil
	}

	switch msg.Type {
	case MessageTypeSystem:
		if msg.SessionID != "" {
			return []StreamEvent{SessionStarted{SessionID: msg.SessionID}}
		}
		return nil

	case MessageTypeStreamEvent:
		return d.decodeStreamEvent(msg.Event)

	case MessageTypeAssistant:
		return d.decodeAssistant(msg.Message)

	case MessageTypeUser:
		return decodeToolResults(msg.Message)

	case MessageTypeResult:
		return d.decodeResult(&msg)

	default:
		d.logger.Debug("Ignoring stream line", zap.String("type", msg.Type))
		return nil
	}
}

func (d *Decoder) decodeStreamEvent(raw json.RawMessage) []StreamEvent {
	if len(raw) == 0 {
		return nil
	}
	var ev APIEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.logger.Debug("Dropping unparseable stream_event payload", zap.Error(err))
		return nil
	}
	if ev.Delta == nil || ev.Delta.Text == "" {
		return nil
	}
	return []StreamEvent{TextDelta{Text: ev.Delta.Text}}
}

func (d *Decoder) decodeAssistant(msg *StreamMessage) []StreamEvent {
	if msg == nil {
		return nil
	}

	var out []StreamEvent
	for _, block := range msg.Content {
		switch block.Type {
		case BlockTypeText:
			d.lastText = block.Text
			out = append(out, Message{Message: events.ChatMessage{
				ID:        uuid.New().String(),
				Role:      events.RoleAssistant,
				Text:      block.Text,
				Timestamp: time.Now().UTC(),
			}})
		case BlockTypeToolUse:
			desc := Describe(block.Name, block.Input)
			out = append(out, ActivityStarted{Activity: events.Activity{
				ID:          block.ID,
				Tool:        block.Name,
				Description: desc.Description,
				StartedAt:   time.Now().UTC(),
			}})
		}
	}
	return out
}

// decodeToolResults maps tool_result blocks in a user line to
// ActivityFinished events keyed by the originating tool_use id.
func decodeToolResults(msg *StreamMessage) []StreamEvent {
	if msg == nil {
		return nil
	}

	var out []StreamEvent
	for _, block := range msg.Content {
		if block.Type == BlockTypeToolResult && block.ToolUseID != "" {
			out = append(out, ActivityFinished{ActivityID: block.ToolUseID})
		}
	}
	return out
}

func (d *Decoder) decodeResult(msg *CLIMessage) []StreamEvent {
	if msg.IsError {
		text := msg.GetResultString()
		if text == "" {
			text = "agent reported an error"
		}
		return []StreamEvent{RunError{Message: text}}
	}

	var out []StreamEvent
	text := msg.GetResultString()
	// The result line repeats the final assistant text; only emit a
	// message when it differs from what was already streamed.
	if text != "" && text != d.lastText {
		out = append(out, Message{Message: events.ChatMessage{
			ID:        uuid.New().String(),
			Role:      events.RoleAssistant,
			Text:      text,
			Timestamp: time.Now().UTC(),
		}})
	}
	return append(out, RunDone{Result: text})
}

// Coalesce merges an incoming message into a transcript. Consecutive
// assistant messages within a turn are revisions of the same reply, so an
// assistant message arriving on top of an assistant message replaces it.
// Everything else appends. The input slice is not mutated.
func Coalesce(history []events.ChatMessage, incoming events.ChatMessage) []events.ChatMessage {
	if n := len(history); n > 0 &&
		incoming.Role == events.RoleAssistant &&
		history[n-1].Role == events.RoleAssistant {
		out := make([]events.ChatMessage, n)
		copy(out, history)
		out[n-1] = incoming
		return out
	}

	out := make([]events.ChatMessage, 0, len(history)+1)
	out = append(out, history...)
	return append(out, incoming)
}

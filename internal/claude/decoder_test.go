package claude

import (
	"testing"
	"time"

	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewDecoder(log)
}

func TestDecodeSystemLineCapturesSessionID(t *testing.T) {
	d := newTestDecoder(t)

	evts := d.DecodeLine([]byte(`{"type":"system","subtype":"init","session_id":"sess-123"}`))
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	started, ok := evts[0].(SessionStarted)
	if !ok {
		t.Fatalf("expected SessionStarted, got %T", evts[0])
	}
	if started.SessionID != "sess-123" {
		t.Errorf("expected session id sess-123, got %s", started.SessionID)
	}
}

func TestDecodeTextDelta(t *testing.T) {
	d := newTestDecoder(t)

	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}}`
	evts := d.DecodeLine([]byte(line))
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	delta, ok := evts[0].(TextDelta)
	if !ok {
		t.Fatalf("expected TextDelta, got %T", evts[0])
	}
	if delta.Text != "hel" {
		t.Errorf("expected delta text 'hel', got %q", delta.Text)
	}
}

func TestDecodeAssistantTextAndToolUse(t *testing.T) {
	d := newTestDecoder(t)

	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"working on it"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}`
	evts := d.DecodeLine([]byte(line))
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}

	msg, ok := evts[0].(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", evts[0])
	}
	if msg.Message.Role != events.RoleAssistant {
		t.Errorf("expected assistant role, got %s", msg.Message.Role)
	}
	if msg.Message.Text != "working on it" {
		t.Errorf("unexpected message text: %q", msg.Message.Text)
	}
	if msg.Message.ID == "" {
		t.Error("expected generated message id")
	}

	act, ok := evts[1].(ActivityStarted)
	if !ok {
		t.Fatalf("expected ActivityStarted, got %T", evts[1])
	}
	if act.Activity.ID != "toolu_1" {
		t.Errorf("expected activity id toolu_1, got %s", act.Activity.ID)
	}
	if act.Activity.Tool != "Read" {
		t.Errorf("expected tool Read, got %s", act.Activity.Tool)
	}
	if act.Activity.Description == "" {
		t.Error("expected a description")
	}
}

func TestDecodeToolResultFinishesActivity(t *testing.T) {
	d := newTestDecoder(t)

	line := `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}]}}`
	evts := d.DecodeLine([]byte(line))
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	fin, ok := evts[0].(ActivityFinished)
	if !ok {
		t.Fatalf("expected ActivityFinished, got %T", evts[0])
	}
	if fin.ActivityID != "toolu_1" {
		t.Errorf("expected activity id toolu_1, got %s", fin.ActivityID)
	}
}

func TestDecodeResultEmitsRunDone(t *testing.T) {
	d := newTestDecoder(t)

	evts := d.DecodeLine([]byte(`{"type":"result","subtype":"success","result":"all done"}`))
	if len(evts) != 2 {
		t.Fatalf("expected Message + RunDone, got %d events", len(evts))
	}
	msg, ok := evts[0].(Message)
	if !ok {
		t.Fatalf("expected Message first, got %T", evts[0])
	}
	if msg.Message.Text != "all done" {
		t.Errorf("unexpected result message text: %q", msg.Message.Text)
	}
	done, ok := evts[1].(RunDone)
	if !ok {
		t.Fatalf("expected RunDone, got %T", evts[1])
	}
	if done.Result != "all done" {
		t.Errorf("unexpected result: %q", done.Result)
	}
}

func TestDecodeResultSkipsDuplicateText(t *testing.T) {
	d := newTestDecoder(t)

	// Stream the assistant text first, then a result repeating it.
	d.DecodeLine([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"final answer"}]}}`))
	evts := d.DecodeLine([]byte(`{"type":"result","subtype":"success","result":"final answer"}`))

	if len(evts) != 1 {
		t.Fatalf("expected only RunDone, got %d events", len(evts))
	}
	if _, ok := evts[0].(RunDone); !ok {
		t.Fatalf("expected RunDone, got %T", evts[0])
	}
}

func TestDecodeErrorResult(t *testing.T) {
	d := newTestDecoder(t)

	evts := d.DecodeLine([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limited"}`))
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	runErr, ok := evts[0].(RunError)
	if !ok {
		t.Fatalf("expected RunError, got %T", evts[0])
	}
	if runErr.Message != "rate limited" {
		t.Errorf("unexpected error message: %q", runErr.Message)
	}
}

func TestDecodeDropsGarbageLines(t *testing.T) {
	d := newTestDecoder(t)

	for _, line := range []string{"", "not json", `{"type":"unknown_kind"}`} {
		if evts := d.DecodeLine([]byte(line)); len(evts) != 0 {
			t.Errorf("line %q: expected no events, got %d", line, len(evts))
		}
	}
}

func TestCoalesce(t *testing.T) {
	now := time.Now().UTC()
	user := events.ChatMessage{ID: "u1", Role: events.RoleUser, Text: "hi", Timestamp: now}
	a1 := events.ChatMessage{ID: "a1", Role: events.RoleAssistant, Text: "partial", Timestamp: now}
	a2 := events.ChatMessage{ID: "a2", Role: events.RoleAssistant, Text: "complete", Timestamp: now}

	history := Coalesce(nil, user)
	history = Coalesce(history, a1)
	history = Coalesce(history, a2)

	if len(history) != 2 {
		t.Fatalf("expected 2 messages after coalescing, got %d", len(history))
	}
	if history[0].ID != "u1" {
		t.Errorf("expected user message first, got %s", history[0].ID)
	}
	if history[1].ID != "a2" || history[1].Text != "complete" {
		t.Errorf("expected latest assistant message to replace the prior one, got %+v", history[1])
	}

	// A user message after an assistant message appends.
	u2 := events.ChatMessage{ID: "u2", Role: events.RoleUser, Text: "more", Timestamp: now}
	history = Coalesce(history, u2)
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
}

func TestCoalesceDoesNotMutateInput(t *testing.T) {
	a1 := events.ChatMessage{ID: "a1", Role: events.RoleAssistant, Text: "partial"}
	a2 := events.ChatMessage{ID: "a2", Role: events.RoleAssistant, Text: "complete"}

	history := []events.ChatMessage{a1}
	_ = Coalesce(history, a2)

	if history[0].ID != "a1" {
		t.Errorf("input slice was mutated: %+v", history[0])
	}
}

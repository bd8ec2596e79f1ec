package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cowork/cowork/internal/common/logger"
	"github.com/cowork/cowork/internal/events"
	"github.com/cowork/cowork/internal/events/bus"
)

func startTestServer(t *testing.T, timeout time.Duration) (*Server, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	eventBus := bus.NewMemoryEventBus(log)
	registry := NewRegistry(timeout, log)
	srv := NewServer(registry, eventBus, log)
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start approval server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, eventBus
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return out
}

func TestAutoApprovedToolAnswersImmediately(t *testing.T) {
	srv, _ := startTestServer(t, time.Minute)
	url := fmt.Sprintf("http://127.0.0.1:%d/approval", srv.Port())

	out := postJSON(t, url, map[string]any{
		"tool_name":  "Read",
		"tool_input": map[string]any{"file_path": "/tmp/x"},
	})
	if out["approved"] != true {
		t.Errorf("expected auto-approval, got %v", out)
	}
	if len(srv.registry.Pending()) != 0 {
		t.Error("auto-approval should not register a request")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	srv, eventBus := startTestServer(t, time.Minute)

	var requested events.ApprovalRequest
	gotRequest := make(chan struct{})
	_, err := eventBus.Subscribe(events.SubjectApprovalRequested, func(ctx context.Context, e *bus.Event) error {
		requested = e.Data.(events.ApprovalRequest)
		close(gotRequest)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	approvalURL := fmt.Sprintf("http://127.0.0.1:%d/approval", srv.Port())
	result := make(chan map[string]any, 1)
	go func() {
		result <- postJSON(t, approvalURL, map[string]any{
			"tool_name":   "Bash",
			"tool_input":  map[string]any{"command": "rm -rf build"},
			"tool_use_id": "toolu_99",
		})
	}()

	select {
	case <-gotRequest:
	case <-time.After(2 * time.Second):
		t.Fatal("no ApprovalRequested event published")
	}
	if requested.ID != "toolu_99" {
		t.Errorf("expected registry id from tool_use_id, got %s", requested.ID)
	}
	if requested.Description == "" || requested.RawInput == "" {
		t.Errorf("expected described request, got %+v", requested)
	}

	respondURL := fmt.Sprintf("http://127.0.0.1:%d/respond", srv.Port())
	out := postJSON(t, respondURL, map[string]any{"id": "toolu_99", "approved": true})
	if out["ok"] != true {
		t.Errorf("expected ok response, got %v", out)
	}

	select {
	case hookAnswer := <-result:
		if hookAnswer["approved"] != true {
			t.Errorf("hook should see approval, got %v", hookAnswer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook request did not unblock")
	}
}

func TestApprovalTimeoutDenies(t *testing.T) {
	srv, _ := startTestServer(t, 50*time.Millisecond)
	url := fmt.Sprintf("http://127.0.0.1:%d/approval", srv.Port())

	out := postJSON(t, url, map[string]any{
		"tool_name":  "Write",
		"tool_input": map[string]any{"file_path": "/tmp/x"},
	})
	if out["approved"] != false {
		t.Errorf("expected timeout denial, got %v", out)
	}
}

func TestRespondUnknownIDIsAcknowledged(t *testing.T) {
	srv, _ := startTestServer(t, time.Minute)
	url := fmt.Sprintf("http://127.0.0.1:%d/respond", srv.Port())

	out := postJSON(t, url, map[string]any{"id": "nope", "approved": true})
	if out["ok"] != true {
		t.Errorf("unknown id should be an acknowledged no-op, got %v", out)
	}
}

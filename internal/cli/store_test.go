package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// echoScript is a tiny shell agent stand-in: for every line of stdin it
// writes one newline-delimited response record, ignoring the prompt text.
const echoScript = `while IFS= read -r line; do printf '{"type":"response","text":"ack"}\n'; done`

func newEchoStore(t *testing.T, timeout time.Duration) *Store {
	t.Helper()
	return New("sh", []string{"-c", echoScript}, timeout, 200*time.Millisecond)
}

func TestEnsureAndInject(t *testing.T) {
	s := newEchoStore(t, 2*time.Second)
	tenantID := uuid.New()

	if err := s.Ensure(tenantID, "alice", t.TempDir()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !s.Has(tenantID, "alice") {
		t.Fatalf("expected session to exist after Ensure")
	}

	resp, err := s.Inject(context.Background(), tenantID, "alice", "hello")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if resp != "ack" {
		t.Fatalf("got %q, want %q", resp, "ack")
	}

	if err := s.Close(tenantID, "alice"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Has(tenantID, "alice") {
		t.Fatalf("expected session to be gone after Close")
	}
}

func TestEnsureIdempotent(t *testing.T) {
	s := newEchoStore(t, 2*time.Second)
	tenantID := uuid.New()
	dir := t.TempDir()

	if err := s.Ensure(tenantID, "bob", dir); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := s.Ensure(tenantID, "bob", dir); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one session, got %d", n)
	}
}

func TestInjectMissingSession(t *testing.T) {
	s := newEchoStore(t, time.Second)
	if _, err := s.Inject(context.Background(), uuid.New(), "nobody", "hi"); err == nil {
		t.Fatalf("expected error injecting into a nonexistent session")
	}
}

func TestCancelDropsHandle(t *testing.T) {
	s := newEchoStore(t, 2*time.Second)
	tenantID := uuid.New()

	if err := s.Ensure(tenantID, "carol", t.TempDir()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s.Cancel(tenantID, "carol")
	if s.Has(tenantID, "carol") {
		t.Fatalf("expected session to be dropped after Cancel")
	}
}

func TestInjectServicesToolCall(t *testing.T) {
	// toolScript asks its caller to run one tool, then echoes back
	// whatever output it receives as the final response.
	const toolScript = `i=0
while IFS= read -r line; do
  i=$((i+1))
  if [ "$i" = "1" ]; then
    printf '{"type":"tool_call","tool":"lookup","input":{"q":"weather"}}\n'
  else
    printf '{"type":"response","text":"tool said: %s"}\n' "$(printf '%s' "$line" | sed -n 's/.*"output":"\([^"]*\)".*/\1/p')"
  fi
done`
	s := New("sh", []string{"-c", toolScript}, 2*time.Second, 200*time.Millisecond)
	s.WithToolInvoker(func(ctx context.Context, tenantID uuid.UUID, toolName string, input json.RawMessage) (string, error) {
		if toolName != "lookup" {
			t.Fatalf("unexpected tool name %q", toolName)
		}
		return "sunny", nil
	})

	tenantID := uuid.New()
	if err := s.Ensure(tenantID, "dana", t.TempDir()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	resp, err := s.Inject(context.Background(), tenantID, "dana", "what's the weather")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if resp != "tool said: sunny" {
		t.Fatalf("got %q, want %q", resp, "tool said: sunny")
	}
}

func TestInjectToolCallWithoutInvokerReportsUnsupported(t *testing.T) {
	const toolScript = `i=0
while IFS= read -r line; do
  i=$((i+1))
  if [ "$i" = "1" ]; then
    printf '{"type":"tool_call","tool":"lookup","input":{}}\n'
  else
    printf '{"type":"response","text":"done: %s"}\n' "$(printf '%s' "$line" | sed -n 's/.*"error":"\([^"]*\)".*/\1/p')"
  fi
done`
	s := New("sh", []string{"-c", toolScript}, 2*time.Second, 200*time.Millisecond)
	tenantID := uuid.New()
	if err := s.Ensure(tenantID, "erin", t.TempDir()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	resp, err := s.Inject(context.Background(), tenantID, "erin", "hi")
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if resp != "done: no tool runtime configured" {
		t.Fatalf("got %q, want %q", resp, "done: no tool runtime configured")
	}
}

func TestCloseAll(t *testing.T) {
	s := newEchoStore(t, 2*time.Second)
	t1, t2 := uuid.New(), uuid.New()
	if err := s.Ensure(t1, "a", t.TempDir()); err != nil {
		t.Fatalf("Ensure t1: %v", err)
	}
	if err := s.Ensure(t2, "b", t.TempDir()); err != nil {
		t.Fatalf("Ensure t2: %v", err)
	}
	s.CloseAll()
	if s.Has(t1, "a") || s.Has(t2, "b") {
		t.Fatalf("expected all sessions closed")
	}
}

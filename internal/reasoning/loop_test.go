package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sandboxhaven/agentd/internal/confirm"
	"github.com/sandboxhaven/agentd/internal/event"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/memory"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/tool"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/pkg/types"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// scriptedHaven serves a fixed sequence of send_message replies, one per
// call, so a loop test can exercise multiple iterations deterministically.
func scriptedHaven(t *testing.T, replies []string) *haven.Proxy {
	t.Helper()
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "get_or_create_session":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"created": true}})
		case "send_message":
			text := ""
			if call < len(replies) {
				text = replies[call]
			}
			call++
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"text": text}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": nil})
		}
	}))
	t.Cleanup(srv.Close)
	return haven.New(srv.Listener.Addr().String(), "", 0)
}

func newTestLoop(t *testing.T, replies []string) (*Loop, *session.ActiveSession) {
	t.Helper()
	loop, sess, _ := newTestLoopRecording(t, replies)
	return loop, sess
}

// newTestLoopRecording is newTestLoop plus a pointer to the slice every
// subsequent sess.Emit call appends to.
func newTestLoopRecording(t *testing.T, replies []string) (*Loop, *session.ActiveSession, *[]map[string]any) {
	t.Helper()
	store, err := vectorstore.Open(t.TempDir(), hashEmbedder{})
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	proxy := scriptedHaven(t, replies)
	mem, err := memory.New(context.Background(), "[New Session]", store, 20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	registry := session.NewRegistry()
	emitted := &[]map[string]any{}
	sess, err := registry.Create("sess-1", proxy, mem, func(ev string, data any) {
		*emitted = append(*emitted, map[string]any{"event": ev, "data": data})
	})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	ts := &tool.Toolset{SandboxDir: t.TempDir(), Store: store, Sessions: registry}
	loop := NewLoop(tool.NewRegistry(), ts, registry, 10, 3, func() int64 { return 1000 })
	return loop, sess, emitted
}

func TestExecute_TaskCompleteOnFirstIteration(t *testing.T) {
	loop, sess := newTestLoop(t, []string{
		`I'm done. ` + "```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"42\"}}\n```",
	})

	if err := loop.Execute(context.Background(), sess, "what is the answer?"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_ToolCallThenTaskComplete(t *testing.T) {
	loop, sess := newTestLoop(t, []string{
		"```json\n{\"action\": \"create_file\", \"parameters\": {\"filename\": \"a.txt\", \"content\": \"hi\"}}\n```",
		"```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"wrote the file\"}}\n```",
	})

	if err := loop.Execute(context.Background(), sess, "write a file"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_NoCommandFeedsObservationAndContinues(t *testing.T) {
	loop, sess := newTestLoop(t, []string{
		"just chatting, no json here",
		"```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"done now\"}}\n```",
	})

	if err := loop.Execute(context.Background(), sess, "hello"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_IterationCapExhausted(t *testing.T) {
	replies := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		replies = append(replies, "still thinking, no command")
	}
	loop, sess := newTestLoop(t, replies)

	if err := loop.Execute(context.Background(), sess, "never finish"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_ConfirmationResolvesEmitsAndRecordsSystemConfirm(t *testing.T) {
	loop, sess, emitted := newTestLoopRecording(t, []string{
		"```json\n{\"action\": \"request_confirmation\", \"parameters\": {\"prompt\": \"proceed?\"}}\n```",
		"```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"done\"}}\n```",
	})

	go func() {
		for !loop.Sessions.Confirmations().Resolve(sess.SessionID, confirm.Yes) {
			time.Sleep(time.Millisecond)
		}
	}()

	if err := loop.Execute(context.Background(), sess, "do something risky"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var sawSystemConfirm bool
	for _, e := range *emitted {
		if e["event"] != string(event.LogMessage) {
			continue
		}
		data, ok := e["data"].(map[string]string)
		if ok && data["type"] == string(event.LogTypeSystemConfirm) && data["data"] == "yes" {
			sawSystemConfirm = true
		}
	}
	if !sawSystemConfirm {
		t.Fatalf("expected a log_message{type:system_confirm, data:yes}, got %+v", *emitted)
	}

	records, err := sess.Memory.AllTurnRecords(context.Background())
	if err != nil {
		t.Fatalf("AllTurnRecords: %v", err)
	}
	var sawRecord bool
	for _, rec := range records {
		if rec.Role == types.RoleToolObs && rec.Metadata[types.MetaLogType] == string(event.LogTypeSystemConfirm) && rec.Content == "yes" {
			sawRecord = true
		}
	}
	if !sawRecord {
		t.Fatalf("expected a persisted tool_observation turn tagged system_confirm, got %+v", records)
	}
}

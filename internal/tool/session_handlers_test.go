package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/event"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/memory"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// fakeHaven stubs just enough of Haven's RPC contract for session handler
// tests: get_or_create_session always succeeds, delete_session always
// succeeds.
func fakeHaven(t *testing.T) *haven.Proxy {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "get_or_create_session":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"created": true}})
		case "delete_session":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "ok"}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": nil})
		}
	}))
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().String()
	p := haven.New(addr, "", 5*time.Second)
	return p
}

func newTestSessionContext(t *testing.T) (*Toolset, *session.ActiveSession) {
	t.Helper()
	ts, sess, _ := newTestSessionContextRecording(t)
	return ts, sess
}

// recordedEvent is one call captured from a session's emitter.
type recordedEvent struct {
	name string
	data any
}

// newTestSessionContextRecording is newTestSessionContext plus a pointer to
// the slice every subsequent sess.Emit call appends to, for tests that need
// to assert on the emitted event sequence (e.g. load_session's replay).
func newTestSessionContextRecording(t *testing.T) (*Toolset, *session.ActiveSession, *[]recordedEvent) {
	t.Helper()
	store, err := vectorstore.Open(t.TempDir(), mustEmbedder(t))
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	proxy := fakeHaven(t)
	mem, err := memory.New(context.Background(), "[New Session]", store, 20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	events := &[]recordedEvent{}
	registry := session.NewRegistry()
	sess, err := registry.Create("sess-1", proxy, mem, func(name string, data any) {
		*events = append(*events, recordedEvent{name: name, data: data})
	})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	return &Toolset{
		SandboxDir:       t.TempDir(),
		Store:            store,
		Sessions:         registry,
		SegmentThreshold: 20,
	}, sess, events
}

type hashOnlyEmbedder struct{}

func (hashOnlyEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func mustEmbedder(t *testing.T) vectorstore.Embedder {
	t.Helper()
	return hashOnlyEmbedder{}
}

func TestHandleSaveThenLoadSession(t *testing.T) {
	ts, sess, events := newTestSessionContextRecording(t)
	ctx := context.Background()

	if err := sess.Memory.AddTurn(ctx, types.RoleUser, "hello there", "", 1000); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := sess.Memory.AddTurnMeta(ctx, types.RoleModel, "sure, one moment", "", 1001, map[string]string{types.MetaLogType: string(event.LogTypeInfo)}); err != nil {
		t.Fatalf("AddTurnMeta: %v", err)
	}
	if err := sess.Memory.AddTurnMeta(ctx, types.RoleToolObs, "yes", "", 1002, map[string]string{types.MetaLogType: string(event.LogTypeSystemConfirm)}); err != nil {
		t.Fatalf("AddTurnMeta: %v", err)
	}
	if err := sess.Memory.AddTurn(ctx, types.RoleToolObs, `{"status":"success","message":"done","content":null}`, "", 1003); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := sess.Memory.AddTurnMeta(ctx, types.RoleModel, "all done", "", 1004, map[string]string{types.MetaLogType: string(event.LogTypeFinalAnswer)}); err != nil {
		t.Fatalf("AddTurnMeta: %v", err)
	}

	if _, err := handleSaveSession(ctx, ts, sess, SaveSession{SessionName: "project-x"}); err != nil {
		t.Fatalf("save_session: %v", err)
	}

	*events = nil // only the load_session replay sequence matters below
	res, err := handleLoadSession(ctx, ts, sess, LoadSession{SessionName: "project-x"})
	if err != nil {
		t.Fatalf("load_session: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("expected success, got %+v", res)
	}
	if sess.SessionName != "project-x" {
		t.Fatalf("expected session renamed to project-x, got %q", sess.SessionName)
	}

	got := *events
	wantNames := []string{
		string(event.ClearChatHistory),
		string(event.DisplayUserPrompt),
		string(event.LogMessage),
		string(event.LogMessage),
		string(event.ToolLog),
		string(event.LogMessage),
	}
	if len(got) != len(wantNames) {
		t.Fatalf("expected %d replayed events, got %d: %+v", len(wantNames), len(got), got)
	}
	for i, want := range wantNames {
		if got[i].name != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, got[i].name)
		}
	}

	infoMsg, ok := got[2].data.(map[string]string)
	if !ok || infoMsg["type"] != string(event.LogTypeInfo) || infoMsg["data"] != "sure, one moment" {
		t.Fatalf("expected info log_message for the model turn, got %+v", got[2].data)
	}
	confirmMsg, ok := got[3].data.(map[string]string)
	if !ok || confirmMsg["type"] != string(event.LogTypeSystemConfirmReplayed) || confirmMsg["data"] != "yes" {
		t.Fatalf("expected system_confirm_replayed log_message, got %+v", got[3].data)
	}
	finalMsg, ok := got[5].data.(map[string]string)
	if !ok || finalMsg["type"] != string(event.LogTypeFinalAnswer) || finalMsg["data"] != "all done" {
		t.Fatalf("expected final_answer log_message, got %+v", got[5].data)
	}
}

func TestHandleLoadSession_NotFound(t *testing.T) {
	ts, sess := newTestSessionContext(t)
	_, err := handleLoadSession(context.Background(), ts, sess, LoadSession{SessionName: "does-not-exist"})
	if !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestHandleListSessions(t *testing.T) {
	ts, sess := newTestSessionContext(t)
	ctx := context.Background()

	if err := sess.Memory.AddTurn(ctx, "user", "hi", "", 1000); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if _, err := handleSaveSession(ctx, ts, sess, SaveSession{SessionName: "alpha"}); err != nil {
		t.Fatalf("save_session: %v", err)
	}

	res, err := handleListSessions(ctx, ts, sess, ListSessions{})
	if err != nil {
		t.Fatalf("list_sessions: %v", err)
	}
	names := res.Content.([]string)
	found := false
	for _, n := range names {
		if n == "alpha" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alpha in session list, got %v", names)
	}
}

func TestHandleDeleteSession(t *testing.T) {
	ts, sess := newTestSessionContext(t)
	ctx := context.Background()

	if err := sess.Memory.AddTurn(ctx, "user", "hi", "", 1000); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if _, err := handleSaveSession(ctx, ts, sess, SaveSession{SessionName: "throwaway"}); err != nil {
		t.Fatalf("save_session: %v", err)
	}
	if _, err := handleDeleteSession(ctx, ts, sess, DeleteSession{SessionName: "throwaway"}); err != nil {
		t.Fatalf("delete_session: %v", err)
	}
	if _, err := handleLoadSession(ctx, ts, sess, LoadSession{SessionName: "throwaway"}); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected session to be gone after delete, got %v", err)
	}
}

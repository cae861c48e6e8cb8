package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/reasoning"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/storage"
	"github.com/sandboxhaven/agentd/internal/tool"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

// fakeHaven answers get_or_create_session and send_message with a
// task_complete command on the first call, so a started task finishes in
// one iteration.
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
		case "send_message":
			text := "```json\n{\"action\": \"task_complete\", \"parameters\": {\"answer\": \"done\"}}\n```"
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"text": text}})
		case "list_sessions":
			json.NewEncoder(w).Encode(map[string]any{"result": []string{}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"result": nil})
		}
	}))
	t.Cleanup(srv.Close)
	return haven.New(srv.Listener.Addr().String(), "", 5*time.Second)
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	store, err := vectorstore.Open(t.TempDir(), hashEmbedder{})
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	audit := storage.New(t.TempDir())
	sessions := session.NewRegistry()
	ts := &tool.Toolset{SandboxDir: t.TempDir(), Store: store, Sessions: sessions, SegmentThreshold: 20}
	loop := reasoning.NewLoop(tool.NewRegistry(), ts, sessions, 10, 3, func() int64 { return 1000 })

	return New(tool.NewRegistry(), ts, sessions, loop, fakeHaven(t), store, audit, 20)
}

func dialBridge(t *testing.T, bridge *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshaling frame data: %v", err)
	}
	f := frame{Event: event, Data: raw}
	payload, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshaling frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// readFramesUntil reads inbound frames until one matching want returns true,
// or deadline elapses.
func readFramesUntil(t *testing.T, conn *websocket.Conn, want func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if want(f) {
			return f
		}
	}
}

func TestStartTask_EmitsDisplayPromptThenFinalAnswer(t *testing.T) {
	bridge := newTestBridge(t)
	conn := dialBridge(t, bridge)

	sendFrame(t, conn, "start_task", map[string]string{"prompt": "hello"})

	gotPrompt := readFramesUntil(t, conn, func(f frame) bool { return f.Event == "display_user_prompt" })
	var promptData map[string]string
	if err := json.Unmarshal(gotPrompt.Data, &promptData); err != nil {
		t.Fatalf("decoding display_user_prompt data: %v", err)
	}
	if promptData["prompt"] != "hello" {
		t.Fatalf("prompt = %q, want %q", promptData["prompt"], "hello")
	}

	gotFinal := readFramesUntil(t, conn, func(f frame) bool {
		if f.Event != "log_message" {
			return false
		}
		var d map[string]string
		_ = json.Unmarshal(f.Data, &d)
		return d["type"] == "final_answer"
	})
	var finalData map[string]string
	if err := json.Unmarshal(gotFinal.Data, &finalData); err != nil {
		t.Fatalf("decoding log_message data: %v", err)
	}
	if finalData["data"] != "done" {
		t.Fatalf("final answer = %q, want %q", finalData["data"], "done")
	}
}

func TestRequestSessionList_EmitsSessionListUpdate(t *testing.T) {
	bridge := newTestBridge(t)
	conn := dialBridge(t, bridge)

	sendFrame(t, conn, "request_session_list", map[string]any{})

	got := readFramesUntil(t, conn, func(f frame) bool { return f.Event == "session_list_update" })
	var d struct {
		Status  string           `json:"status"`
		Content []map[string]any `json:"content"`
	}
	if err := json.Unmarshal(got.Data, &d); err != nil {
		t.Fatalf("decoding session_list_update data: %v", err)
	}
	if d.Status != "success" {
		t.Fatalf("status = %q, want success", d.Status)
	}
}

func TestRequestSessionName_EmitsSessionNameUpdate(t *testing.T) {
	bridge := newTestBridge(t)
	conn := dialBridge(t, bridge)

	sendFrame(t, conn, "request_session_name", map[string]any{})

	got := readFramesUntil(t, conn, func(f frame) bool { return f.Event == "session_name_update" })
	var d struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(got.Data, &d); err != nil {
		t.Fatalf("decoding session_name_update data: %v", err)
	}
	if d.Name != session.DefaultName {
		t.Fatalf("name = %q, want %q", d.Name, session.DefaultName)
	}
}

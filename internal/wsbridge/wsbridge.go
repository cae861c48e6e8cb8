// Package wsbridge implements the persistent bidirectional event channel: a
// single gorilla/websocket connection per browser tab at /ws, carrying JSON
// frames {"event": "<name>", "data": {...}} in both directions. Grounded on
// vanducng-goclaw's internal/gateway/server.go (upgrader, per-connection
// client, register/unregister against an event bus) and haasonsaas-nexus's
// internal/gateway/ws_control_plane.go wsSession pattern (one goroutine
// reading, one writing, a buffered send channel decoupling the two),
// simplified from nexus's request/response RPC frames to this system's
// plain named-event frames.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/sandboxhaven/agentd/internal/confirm"
	"github.com/sandboxhaven/agentd/internal/event"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/logging"
	"github.com/sandboxhaven/agentd/internal/memory"
	"github.com/sandboxhaven/agentd/internal/reasoning"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/storage"
	"github.com/sandboxhaven/agentd/internal/tool"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/pkg/types"
)

const (
	sendBuffer    = 64
	pongWait      = 60 * time.Second
	pingInterval  = (pongWait * 9) / 10
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// Bridge upgrades incoming HTTP requests to websocket connections, one
// ActiveSession per connection, and wires the session's event bus to the
// connection's outbound writer. One Bridge is shared by the whole server.
type Bridge struct {
	Tools    *tool.Registry
	Toolset  *tool.Toolset
	Sessions *session.Registry
	Loop     *reasoning.Loop
	Haven    *haven.Proxy
	Store    *vectorstore.Store
	Audit    *storage.Store

	SegmentThreshold int

	upgrader websocket.Upgrader
}

// New constructs a Bridge. Every dependency is shared process-wide; only
// the ActiveSession and its event bus are per connection.
func New(tools *tool.Registry, ts *tool.Toolset, sessions *session.Registry, loop *reasoning.Loop, havenProxy *haven.Proxy, store *vectorstore.Store, audit *storage.Store, segmentThreshold int) *Bridge {
	return &Bridge{
		Tools:            tools,
		Toolset:          ts,
		Sessions:         sessions,
		Loop:             loop,
		Haven:            havenProxy,
		Store:            store,
		Audit:            audit,
		SegmentThreshold: segmentThreshold,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The spec carries no cross-origin auth model of its own; the
			// sandbox boundary is the filesystem confinement, not the origin
			// check, so every origin is accepted like the teacher's gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request, creates a fresh ActiveSession bound to a
// new event bus, and runs the connection until the client disconnects or a
// read/write error ends it.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := ulid.Make().String()
	bus := event.New()

	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{
		bridge: b,
		conn:   conn,
		bus:    bus,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	mem, err := memory.New(ctx, session.DefaultName, b.Store, b.SegmentThreshold)
	if err != nil {
		logging.Error().Err(err).Msg("constructing memory manager for new connection")
		cancel()
		_ = conn.Close()
		return
	}

	sess, err := b.Sessions.Create(sessionID, b.Haven, mem, wc.emit)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Msg("registering new session")
		cancel()
		_ = conn.Close()
		return
	}
	wc.sess = sess

	unsubscribe := bus.SubscribeAll(wc.enqueue)
	defer unsubscribe()

	wc.run()
}

// wsConn is one connection's state: the websocket, its event bus
// subscription, the outbound send channel the writer goroutine drains, and
// the session it owns.
type wsConn struct {
	bridge *Bridge
	conn   *websocket.Conn
	bus    *event.Bus
	send   chan []byte
	sess   *session.ActiveSession

	ctx    context.Context
	cancel context.CancelFunc
}

// frame is the wire shape of every inbound and outbound message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// emit is the session.Emitter bound into the ActiveSession: it publishes on
// the connection's own bus, which the subscription below fans out to the
// websocket writer.
func (c *wsConn) emit(eventName string, data any) {
	c.bus.Publish(event.Event{Type: event.Type(eventName), Data: data})
}

// enqueue serializes ev as a frame and hands it to the writer goroutine.
// Publish is called synchronously from the reasoning loop's own goroutine,
// so this never blocks: a full send buffer means a slow or dead client, and
// the frame is dropped rather than stalling the loop.
func (c *wsConn) enqueue(ev event.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		logging.Error().Err(err).Str("event", string(ev.Type)).Msg("marshaling outbound event data")
		return
	}
	raw, err := json.Marshal(frame{Event: string(ev.Type), Data: data})
	if err != nil {
		logging.Error().Err(err).Str("event", string(ev.Type)).Msg("marshaling outbound frame")
		return
	}
	select {
	case c.send <- raw:
	default:
		logging.Warn().Str("session_id", c.sess.SessionID).Str("event", string(ev.Type)).Msg("dropping outbound event: send buffer full")
	}
}

// run drives the connection until it ends, then tears down the session and
// its bus — mirroring the teacher's register/run/unregister lifecycle.
func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	// Remove before cancel: Remove resolves any outstanding confirmation
	// slot with "no" through the normal answer path, which the reasoning
	// loop checks against the (now-gone) session registry entry to decide
	// whether to terminate. Cancelling ctx first would let a blocked
	// confirmation wait observe ctx.Done() instead and loop on a dead
	// session.
	c.bridge.Sessions.Remove(c.sess.SessionID)
	c.cancel()
	_ = c.bus.Close()
	_ = c.conn.Close()
}

// readLoop blocks on inbound frames until the client disconnects or sends
// something unreadable, at which point it returns and the deferred cleanup
// in run tears the whole connection down.
func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Warn().Err(err).Msg("decoding inbound frame")
			continue
		}
		c.dispatch(f)
	}
}

// writeLoop owns the connection's write side exclusively: every outbound
// frame and every ping passes through it, so gorilla/websocket's
// one-writer-at-a-time rule is never violated.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one decoded inbound frame to its handler, per the inbound
// event table.
func (c *wsConn) dispatch(f frame) {
	switch f.Event {
	case "start_task":
		var p struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			logging.Warn().Err(err).Msg("decoding start_task")
			return
		}
		c.handleStartTask(p.Prompt)

	case "user_confirmation":
		var p struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			logging.Warn().Err(err).Msg("decoding user_confirmation")
			return
		}
		ans := confirm.No
		if strings.EqualFold(p.Response, "yes") {
			ans = confirm.Yes
		}
		c.bridge.Sessions.Confirmations().Resolve(c.sess.SessionID, ans)

	case "request_session_list":
		c.handleRequestSessionList()

	case "request_session_name":
		c.sess.Emit(string(event.SessionNameUpdate), map[string]string{"name": c.sess.SessionName})

	case "log_audit_event":
		c.handleLogAuditEvent(f.Data)

	case "request_db_collections":
		c.handleRequestDBCollections()

	case "request_db_collection_data":
		var p struct {
			Collection string `json:"collection"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil {
			logging.Warn().Err(err).Msg("decoding request_db_collection_data")
			return
		}
		c.handleRequestDBCollectionData(p.Collection)

	case "request_trace_log":
		c.handleRequestTraceLog()

	case "request_haven_trace_log":
		c.handleRequestHavenTraceLog()

	default:
		logging.Debug().Str("event", f.Event).Msg("unrecognized inbound event")
	}
}

// handleStartTask enforces per-session loop exclusivity (spec.md §5) and
// otherwise runs the reasoning loop on its own goroutine so the read loop
// stays free to observe user_confirmation frames while the loop suspends.
func (c *wsConn) handleStartTask(prompt string) {
	if err := c.sess.TryStartLoop(); err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]string{
			"type": "info",
			"data": "a task is already running for this session",
		})
		return
	}

	c.sess.Emit(string(event.DisplayUserPrompt), map[string]string{"prompt": prompt})

	go func() {
		defer c.sess.FinishLoop()
		if err := c.bridge.Loop.Execute(c.ctx, c.sess, prompt); err != nil {
			logging.Error().Err(err).Str("session_id", c.sess.SessionID).Msg("reasoning loop terminated with an internal error")
			c.sess.Emit(string(event.LogMessage), map[string]string{
				"type": "info",
				"data": "the task ended unexpectedly: " + err.Error(),
			})
		}
	}()
}

// handleRequestSessionList dispatches through the tool registry rather than
// calling the vector store directly, so the websocket path and a future
// direct caller share exactly one merge/dedup implementation.
func (c *wsConn) handleRequestSessionList() {
	result, err := c.bridge.Tools.Dispatch(c.ctx, c.bridge.Toolset, c.sess, types.ToolCommand{Action: "list_sessions"})
	if err != nil {
		c.sess.Emit(string(event.SessionListUpdate), map[string]any{"status": "error", "content": []any{}})
		return
	}
	names, _ := result.Content.([]string)
	content := make([]map[string]string, len(names))
	for i, n := range names {
		content[i] = map[string]string{"name": n}
	}
	c.sess.Emit(string(event.SessionListUpdate), map[string]any{"status": result.Status, "content": content})
}

// handleLogAuditEvent persists a client-reported audit entry to the
// append-only audit log, independent of any session's vector store.
func (c *wsConn) handleLogAuditEvent(raw json.RawMessage) {
	var p struct {
		Event       string  `json:"event"`
		Details     string  `json:"details"`
		Source      string  `json:"source"`
		Destination string  `json:"destination"`
		ControlFlow *string `json:"control_flow,omitempty"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Warn().Err(err).Msg("decoding log_audit_event")
		return
	}
	entry := map[string]any{
		"session_id":   c.sess.SessionID,
		"event":        p.Event,
		"details":      p.Details,
		"source":       p.Source,
		"destination":  p.Destination,
		"control_flow": p.ControlFlow,
		"timestamp":    time.Now().Unix(),
	}
	if err := c.bridge.Audit.Append([]string{"audit_log"}, entry); err != nil {
		logging.Error().Err(err).Msg("appending audit log entry")
	}
}

// handleRequestDBCollections answers the (out-of-scope-as-a-web-UI)
// inspection contract by reporting the on-disk session names over
// log_message rather than a dedicated wire type, since spec.md §6's
// outbound event list does not name a response event for it; the CLI
// inspector is the primary, fuller-featured consumer of this data.
func (c *wsConn) handleRequestDBCollections() {
	names, err := c.bridge.Store.ListSessionNames()
	if err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": "could not list collections: " + err.Error()})
		return
	}
	c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": map[string]any{"collections": names}})
}

// handleRequestDBCollectionData reports every record in both of a named
// session's collections ("turns" and "code").
func (c *wsConn) handleRequestDBCollectionData(collection string) {
	turns, err := c.bridge.Store.GetAllRecords(c.ctx, collection, vectorstore.CollectionTurns)
	if err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": "could not read collection: " + err.Error()})
		return
	}
	code, err := c.bridge.Store.GetAllRecords(c.ctx, collection, vectorstore.CollectionCode)
	if err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": "could not read collection: " + err.Error()})
		return
	}
	c.sess.Emit(string(event.LogMessage), map[string]any{
		"type": "info",
		"data": map[string]any{"collection": collection, "turns": turns, "code": code},
	})
}

// handleRequestTraceLog replays this server's own audit log.
func (c *wsConn) handleRequestTraceLog() {
	var entries []json.RawMessage
	err := c.bridge.Audit.ReadAppendLog([]string{"audit_log"}, func(line json.RawMessage) error {
		entries = append(entries, line)
		return nil
	})
	if err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": "could not read trace log: " + err.Error()})
		return
	}
	c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": map[string]any{"trace_log": entries}})
}

// handleRequestHavenTraceLog relays the model host's own internal trace.
func (c *wsConn) handleRequestHavenTraceLog() {
	events, err := c.bridge.Haven.GetTraceLog(c.ctx)
	if err != nil {
		c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": "could not read haven trace log: " + err.Error()})
		return
	}
	c.sess.Emit(string(event.LogMessage), map[string]any{"type": "info", "data": map[string]any{"haven_trace_log": events}})
}

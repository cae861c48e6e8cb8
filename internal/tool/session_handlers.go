package tool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/event"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/memory"
	"github.com/sandboxhaven/agentd/internal/session"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// handleListSessions returns the union of session names held by the vector
// store (on-disk collections) and by Haven (the model host's own session
// table), de-duplicating by sanitized name (non-alphanumerics dropped, case
// kept). On a collision the on-disk
// name wins, since only the on-disk side carries a per-record timestamp —
// the supplemented dedup tie-break rule, the spec itself being silent on
// how the two sources should be merged.
func handleListSessions(ctx context.Context, ts *Toolset, sess *session.ActiveSession, _ Command) (types.ToolResult, error) {
	storeNames, err := ts.Store.ListSessionNames()
	if err != nil {
		return types.ToolResult{}, err
	}

	seen := make(map[string]string, len(storeNames))
	for _, n := range storeNames {
		seen[vectorstore.SanitizeName(n)] = n
	}

	if sess != nil && sess.ModelProxy != nil {
		havenNames, err := sess.ModelProxy.ListSessions(ctx)
		if err != nil {
			// Haven being briefly unreachable should not hide sessions the
			// store already knows about; fall back to the on-disk set alone.
			havenNames = nil
		}
		for _, n := range havenNames {
			key := vectorstore.SanitizeName(n)
			if _, onDisk := seen[key]; onDisk {
				continue // on-disk name wins the tie
			}
			seen[key] = n
		}
	}

	merged := make([]string, 0, len(seen))
	for _, n := range seen {
		merged = append(merged, n)
	}
	sort.Strings(merged)
	return types.Success("sessions listed", merged), nil
}

// handleLoadSession replays a named session's turns into the current
// connection's memory manager and registers the name with Haven, so the
// model host's own history matches what is rendered to the client. It also
// re-emits the rendering events the client would have seen originally,
// walking the loaded records in timestamp order, so a reconnecting client
// rebuilds the same chat view without re-running anything.
func handleLoadSession(ctx context.Context, ts *Toolset, sess *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(LoadSession)

	records, err := ts.Store.GetAllRecords(ctx, c.SessionName, vectorstore.CollectionTurns)
	if err != nil {
		return types.ToolResult{}, err
	}
	if len(records) == 0 {
		return types.ToolResult{}, apierr.New(apierr.NotFound, "no such session: "+c.SessionName)
	}

	history := make([]haven.HistoryEntry, 0, len(records))
	for _, rec := range records {
		history = append(history, haven.HistoryEntry{Role: string(rec.Role), Content: rec.Content})
	}

	// Prefer the persisted records over Haven's own history, per the spec's
	// resolution of the load-session open question: overwrite host history
	// with what was actually saved rather than trust a host session that may
	// already exist with none. GetOrCreateSession seeds history only into a
	// new host session, so an existing one is deleted first.
	if exists, err := sess.ModelProxy.HasSession(ctx, c.SessionName); err != nil {
		return types.ToolResult{}, err
	} else if exists {
		if err := sess.ModelProxy.DeleteSession(ctx, c.SessionName); err != nil {
			return types.ToolResult{}, err
		}
	}
	if _, err := sess.ModelProxy.GetOrCreateSession(ctx, c.SessionName, history); err != nil {
		return types.ToolResult{}, err
	}

	mem, err := memory.New(ctx, c.SessionName, ts.Store, ts.SegmentThreshold)
	if err != nil {
		return types.ToolResult{}, err
	}

	sess.SetName(c.SessionName)
	sess.SetMemory(mem)
	sess.Emit(string(event.ClearChatHistory), nil)
	replayRecords(sess, records)

	return types.Success("session loaded", map[string]any{
		"session_name": c.SessionName,
		"turn_count":   len(records),
	}), nil
}

// replayRecords re-emits the rendering event each persisted record would
// have produced live, walked in the timestamp order GetAllRecords returns
// them in.
func replayRecords(sess *session.ActiveSession, records []types.MemoryRecord) {
	for _, rec := range records {
		switch rec.Role {
		case types.RoleUser:
			sess.Emit(string(event.DisplayUserPrompt), map[string]string{"prompt": rec.Content})

		case types.RoleModel:
			logType := rec.Metadata[types.MetaLogType]
			if logType == "" {
				logType = string(event.LogTypeInfo)
			}
			sess.Emit(string(event.LogMessage), map[string]string{"type": logType, "data": rec.Content})

		case types.RoleToolObs:
			if rec.Metadata[types.MetaLogType] == string(event.LogTypeSystemConfirm) {
				sess.Emit(string(event.LogMessage), map[string]string{
					"type": string(event.LogTypeSystemConfirmReplayed),
					"data": rec.Content,
				})
				continue
			}

			var result types.ToolResult
			if err := json.Unmarshal([]byte(rec.Content), &result); err != nil {
				sess.Emit(string(event.ToolLog), map[string]any{"result": rec.Content})
				continue
			}
			sess.Emit(string(event.ToolLog), map[string]any{"result": result})
		}
	}
}

// handleSaveSession copies the current session's stored turns into a
// named, durable collection and renames the active session to match, so a
// later load_session finds exactly what was saved.
func handleSaveSession(ctx context.Context, ts *Toolset, sess *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(SaveSession)

	if err := sess.Memory.CopyInto(ctx, c.SessionName); err != nil {
		return types.ToolResult{}, err
	}

	history, err := sess.Memory.AllTurnRecords(ctx)
	if err != nil {
		return types.ToolResult{}, err
	}
	entries := make([]haven.HistoryEntry, 0, len(history))
	for _, rec := range history {
		entries = append(entries, haven.HistoryEntry{Role: string(rec.Role), Content: rec.Content})
	}
	if _, err := sess.ModelProxy.GetOrCreateSession(ctx, c.SessionName, entries); err != nil {
		return types.ToolResult{}, err
	}

	mem, err := memory.New(ctx, c.SessionName, ts.Store, ts.SegmentThreshold)
	if err != nil {
		return types.ToolResult{}, err
	}

	sess.SetName(c.SessionName)
	sess.SetMemory(mem)
	return types.Success("session saved", map[string]string{"session_name": c.SessionName}), nil
}

// handleDeleteSession removes a named session's durable collection and its
// registration with Haven. Deleting the session the caller is currently
// bound to is allowed; it simply means the next save_session starts fresh.
func handleDeleteSession(ctx context.Context, ts *Toolset, sess *session.ActiveSession, cmd Command) (types.ToolResult, error) {
	c := cmd.(DeleteSession)

	if err := ts.Store.DeleteSessionStore(c.SessionName); err != nil {
		return types.ToolResult{}, err
	}
	if err := sess.ModelProxy.DeleteSession(ctx, c.SessionName); err != nil {
		return types.ToolResult{}, err
	}

	if sess.SessionName == c.SessionName {
		sess.Emit(string(event.ClearChatHistory), nil)
	}
	return types.Success("session deleted", map[string]string{"session_name": c.SessionName}), nil
}

// Package memory implements the tiered session memory: a Tier-1 in-memory
// conversational buffer bounded by SEGMENT_THRESHOLD, backed by a Tier-2
// vector store (the "turns" collection), plus retrieval-augmented prompt
// assembly.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/vectorstore"
	"github.com/sandboxhaven/agentd/pkg/types"
)

// Turn is a (role, content) pair as the model host sees it — the Tier-1
// buffer's element type.
type Turn struct {
	Role    types.Role
	Content string
}

// Manager composes the Tier-1 buffer with the Tier-2 vector store for one
// session.
type Manager struct {
	sessionName string
	store       *vectorstore.Store
	threshold   int

	mu     sync.Mutex
	buffer []Turn
}

// New constructs a Manager for sessionName, re-reading the last threshold
// entries from the vector store's "turns" collection to reconstruct the
// Tier-1 buffer — the behavior required "on session (re)construction".
func New(ctx context.Context, sessionName string, store *vectorstore.Store, threshold int) (*Manager, error) {
	m := &Manager{sessionName: sessionName, store: store, threshold: threshold}

	records, err := store.GetAllRecords(ctx, sessionName, vectorstore.CollectionTurns)
	if err != nil {
		return nil, err
	}
	start := 0
	if len(records) > threshold {
		start = len(records) - threshold
	}
	for _, rec := range records[start:] {
		m.buffer = append(m.buffer, Turn{Role: rec.Role, Content: rec.Content})
	}
	return m, nil
}

// AddTurn appends to the Tier-1 buffer and writes the turn to the "turns"
// collection with a fresh id and current timestamp. If role is user and
// augmentedPrompt is non-empty, it is recorded in metadata alongside the
// raw content so save/load can reconstruct what the model actually saw.
func (m *Manager) AddTurn(ctx context.Context, role types.Role, content string, augmentedPrompt string, nowUnix int64) error {
	return m.AddTurnMeta(ctx, role, content, augmentedPrompt, nowUnix, nil)
}

// AddTurnMeta is AddTurn plus caller-supplied metadata merged into the
// record (e.g. types.MetaLogType, tagging which log_message sub-type a
// model or tool_observation turn should replay as).
func (m *Manager) AddTurnMeta(ctx context.Context, role types.Role, content string, augmentedPrompt string, nowUnix int64, extra map[string]string) error {
	meta := map[string]string{}
	if role == types.RoleUser && augmentedPrompt != "" {
		meta[types.MetaAugmentedPrompt] = augmentedPrompt
	}
	for k, v := range extra {
		meta[k] = v
	}

	rec := types.MemoryRecord{
		ID:        ulid.Make().String(),
		Role:      role,
		Content:   content,
		Timestamp: nowUnix,
		Metadata:  meta,
	}
	if err := m.store.AddRecord(ctx, m.sessionName, vectorstore.CollectionTurns, rec); err != nil {
		return err
	}

	m.mu.Lock()
	m.buffer = append(m.buffer, Turn{Role: role, Content: content})
	if len(m.buffer) > m.threshold {
		m.buffer = m.buffer[len(m.buffer)-m.threshold:]
	}
	m.mu.Unlock()
	return nil
}

// PrepareAugmentedPrompt runs a k=5 similarity query against "turns",
// filters out exact matches of the current prompt, and formats retrieved
// snippets as a "Relevant prior context" block prepended to the prompt.
// Empty results yield the raw prompt.
func (m *Manager) PrepareAugmentedPrompt(ctx context.Context, userPrompt string) (string, error) {
	results, err := m.store.Query(ctx, m.sessionName, vectorstore.CollectionTurns, userPrompt, 5)
	if err != nil {
		return "", err
	}

	var snippets []string
	for _, r := range results {
		if strings.TrimSpace(r.Content) == strings.TrimSpace(userPrompt) {
			continue
		}
		snippets = append(snippets, fmt.Sprintf("[%s] %s", r.Role, r.Content))
	}

	if len(snippets) == 0 {
		return userPrompt, nil
	}

	var b strings.Builder
	b.WriteString("Relevant prior context:\n")
	for _, s := range snippets {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(userPrompt)
	return b.String(), nil
}

// GetConversationalBuffer returns the Tier-1 list for the model host.
func (m *Manager) GetConversationalBuffer() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// DeleteMemoryCollection drops both "turns" and "code".
func (m *Manager) DeleteMemoryCollection(ctx context.Context) error {
	if err := m.store.DeleteCollection(ctx, m.sessionName, vectorstore.CollectionTurns); err != nil {
		return err
	}
	if err := m.store.DeleteCollection(ctx, m.sessionName, vectorstore.CollectionCode); err != nil {
		return err
	}
	m.mu.Lock()
	m.buffer = nil
	m.mu.Unlock()
	return nil
}

// AllTurnRecords returns every record in the "turns" collection in
// timestamp order, used by save_session to copy records into a named
// collection and by load_session's history replay.
func (m *Manager) AllTurnRecords(ctx context.Context) ([]types.MemoryRecord, error) {
	return m.store.GetAllRecords(ctx, m.sessionName, vectorstore.CollectionTurns)
}

// CopyInto copies every "turns" record from this manager's session into
// targetSessionName's "turns" collection, used by save_session.
func (m *Manager) CopyInto(ctx context.Context, targetSessionName string) error {
	records, err := m.AllTurnRecords(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := m.store.AddRecord(ctx, targetSessionName, vectorstore.CollectionTurns, rec); err != nil {
			return apierr.Wrap(apierr.StoreError, "copying record into session", err)
		}
	}
	return nil
}

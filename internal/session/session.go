// Package session owns ActiveSession values and the per-session loop
// exclusivity rule. The registry exclusively owns each ActiveSession; tool
// handlers and the reasoning loop receive it by borrow (a pointer into the
// registry's map), never a clone — per the design note against sharing
// session state across handler goroutines.
package session

import (
	"sync"

	"github.com/sandboxhaven/agentd/internal/apierr"
	"github.com/sandboxhaven/agentd/internal/confirm"
	"github.com/sandboxhaven/agentd/internal/haven"
	"github.com/sandboxhaven/agentd/internal/memory"
)

// DefaultName is the human label a freshly connected session starts with.
const DefaultName = "[New Session]"

// Emitter renders an outbound event to the client owning a session. Kept
// as a narrow function type (rather than importing the bridge package) so
// this package has no dependency on the transport.
type Emitter func(event string, data any)

// ActiveSession bundles per-connection state. Lifecycle: created on
// connect, destroyed on disconnect; named persistence is achieved via the
// save_session tool action, which copies records into a named collection
// and registers the name with the model host.
type ActiveSession struct {
	SessionID   string
	SessionName string
	Memory      *memory.Manager
	ModelProxy  *haven.Proxy
	Emit        Emitter

	mu   sync.Mutex
	busy bool
}

// TryStartLoop enforces per-session loop exclusivity: a second start_task
// arriving while a loop is in flight is rejected with an
// apierr.SessionConflict error.
func (s *ActiveSession) TryStartLoop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return apierr.New(apierr.SessionConflict, "a task is already running for this session")
	}
	s.busy = true
	return nil
}

// FinishLoop releases the exclusivity lock taken by TryStartLoop.
func (s *ActiveSession) FinishLoop() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// SetName updates the session's human label (used after save_session).
func (s *ActiveSession) SetName(name string) {
	s.mu.Lock()
	s.SessionName = name
	s.mu.Unlock()
}

// SetMemory rebinds the session to a different Memory manager, used by
// load_session to point subsequent turns at the collection that was just
// rehydrated, and by save_session to point them at the collection just
// written. Safe to call because a session's loop is exclusive (TryStartLoop)
// and handlers run synchronously within it.
func (s *ActiveSession) SetMemory(mem *memory.Manager) {
	s.mu.Lock()
	s.Memory = mem
	s.mu.Unlock()
}

// Registry maintains sessions : session_id -> ActiveSession and the
// confirmation-slot registry keyed by the same ids, replacing the
// teacher's module-level mutable maps with explicit fields on a value
// passed by reference to handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
	confirms *confirm.Registry
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*ActiveSession),
		confirms: confirm.NewRegistry(),
	}
}

// Create installs a new ActiveSession for sessionID and returns a borrow of
// it. It is an error to Create over an existing sessionID.
func (r *Registry) Create(sessionID string, proxy *haven.Proxy, mem *memory.Manager, emit Emitter) (*ActiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, apierr.New(apierr.SessionConflict, "session already registered: "+sessionID)
	}

	sess := &ActiveSession{
		SessionID:   sessionID,
		SessionName: DefaultName,
		Memory:      mem,
		ModelProxy:  proxy,
		Emit:        emit,
	}
	r.sessions[sessionID] = sess
	return sess, nil
}

// Get returns the borrowed ActiveSession for sessionID, or false if it is
// not (or no longer) registered.
func (r *Registry) Get(sessionID string) (*ActiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Remove deletes sessionID from the registry (on disconnect) and cancels
// any outstanding confirmation slot with "no", so a suspended loop observes
// the cancellation at its next suspension point and exits cleanly.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.confirms.CancelWithNo(sessionID)
}

// Confirmations exposes the registry's confirmation-slot store, keyed by
// session_id, for the reasoning loop's CONFIRM state.
func (r *Registry) Confirmations() *confirm.Registry {
	return r.confirms
}

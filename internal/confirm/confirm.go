// Package confirm implements the single-shot rendezvous used to suspend a
// session's reasoning loop pending a user yes/no, adapted from the
// request/respond channel pattern in the teacher's permission checker — but
// narrowed to at most one outstanding slot per session, per this system's
// invariant, rather than the teacher's map of concurrently pending
// requests.
package confirm

import (
	"context"
	"fmt"
	"sync"
)

// Answer is the resolved value of a confirmation slot.
type Answer bool

const (
	No  Answer = false
	Yes Answer = true
)

// Slot is a single-shot rendezvous: exactly one Wait and exactly one
// Resolve (or Cancel) per slot.
type Slot struct {
	ch     chan Answer
	once   sync.Once
}

func newSlot() *Slot {
	return &Slot{ch: make(chan Answer, 1)}
}

// Resolve delivers ans to whoever is waiting on the slot. Safe to call at
// most once; subsequent calls are no-ops.
func (s *Slot) Resolve(ans Answer) {
	s.once.Do(func() {
		s.ch <- ans
	})
}

// Wait blocks until the slot is resolved or ctx is done. Disconnect
// cancellation is expected to be modeled by cancelling ctx after calling
// Resolve(No), so a waiter never blocks past session teardown.
func (s *Slot) Wait(ctx context.Context) (Answer, error) {
	select {
	case ans := <-s.ch:
		return ans, nil
	case <-ctx.Done():
		return No, ctx.Err()
	}
}

// Registry keys confirmation slots by session_id, enforcing at most one
// outstanding slot per session as the spec requires.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewRegistry constructs an empty confirmation slot registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Open installs a fresh slot for sessionID. It fails if a slot is already
// outstanding for that session — the reasoning loop never installs a second
// slot while the first is unresolved.
func (r *Registry) Open(sessionID string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[sessionID]; exists {
		return nil, fmt.Errorf("confirmation slot already outstanding for session %q", sessionID)
	}
	slot := newSlot()
	r.slots[sessionID] = slot
	return slot, nil
}

// Resolve resolves and removes the outstanding slot for sessionID, if any.
// Returns false if no slot was outstanding.
func (r *Registry) Resolve(sessionID string, ans Answer) bool {
	r.mu.Lock()
	slot, ok := r.slots[sessionID]
	if ok {
		delete(r.slots, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	slot.Resolve(ans)
	return true
}

// CancelWithNo resolves an outstanding slot (if any) as "no", matching the
// disconnect-cancellation rule: an outstanding confirmation is signaled no
// so the suspended loop can observe the cancellation at its next
// suspension point and exit cleanly.
func (r *Registry) CancelWithNo(sessionID string) {
	r.Resolve(sessionID, No)
}

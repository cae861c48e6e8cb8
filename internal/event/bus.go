// Package event provides a per-connection pub/sub bus used to fan out
// outbound events to a session's websocket bridge. Adapted from the
// teacher's watermill-backed bus, but owned by an explicit *Bus value
// returned from New() rather than a package-level global — every
// connection gets its own bus, torn down on disconnect.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type names the outbound events the reasoning loop and session manager
// emit, per the external interfaces section.
type Type string

const (
	LogMessage             Type = "log_message"
	ToolLog                Type = "tool_log"
	DisplayUserPrompt      Type = "display_user_prompt"
	RequestUserConfirmation Type = "request_user_confirmation"
	SessionListUpdate      Type = "session_list_update"
	SessionNameUpdate      Type = "session_name_update"
	ClearChatHistory       Type = "clear_chat_history"
)

// LogType is the recognized value of a log_message event's "type" field.
type LogType string

const (
	LogTypeUser                  LogType = "user"
	LogTypeFinalAnswer           LogType = "final_answer"
	LogTypeInfo                  LogType = "info"
	LogTypeSystemConfirm         LogType = "system_confirm"
	LogTypeSystemConfirmReplayed LogType = "system_confirm_replayed"
)

// Event is one outbound message: a type tag plus an arbitrary payload
// serialized by the bridge as the event's JSON "data" field.
type Event struct {
	Type Type
	Data any
}

// Subscriber receives events published on the bus.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is a single connection's event bus: events published on it are
// delivered to every current subscriber (normally exactly one, the
// connection's websocket writer goroutine).
type Bus struct {
	mu sync.RWMutex

	// pubsub is kept for parity with the teacher's infrastructure choice
	// (watermill's in-memory channel transport); direct subscriber
	// dispatch below preserves Go's static event/payload typing instead of
	// round-tripping through watermill's []byte message envelope.
	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry
	nextID      uint64
	closed      bool
	cancel      context.CancelFunc
}

// New constructs a fresh bus for one connection.
func New() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64, Persistent: false},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
		cancel:      cancel,
	}
}

func (b *Bus) newID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Subscribe registers fn for eventType and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(eventType Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish delivers ev synchronously to every current subscriber, in
// registration order. The reasoning loop publishes on its own goroutine and
// expects ordering relative to its own subsequent calls, so unlike the
// teacher's async Publish this always calls subscribers inline.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[ev.Type])+len(b.global))
	subs = append(subs, subscriberFns(b.subscribers[ev.Type])...)
	subs = append(subs, subscriberFns(b.global)...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}
}

func subscriberFns(entries []subscriberEntry) []Subscriber {
	fns := make([]Subscriber, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	return fns
}

// Close tears the bus down; Publish becomes a no-op afterward.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

// Package events implements the per-session publish/subscribe bus behind
// the SSE endpoints. Each session keeps a bounded replay ring so that late
// or reconnecting subscribers catch up on partial transcripts they missed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultCapacity is the replay ring size per session.
const DefaultCapacity = 100

// Event types used across the pipeline and live sessions.
const (
	TypePing     = "ping"
	TypePartial  = "partial"
	TypeComplete = "complete"
)

// Event is one bus message. Data must be JSON-marshalable.
type Event struct {
	Type string
	Data any
}

// Format renders an event in text/event-stream wire format: an optional
// "event:" line, a "data:" line with the JSON payload, and a blank
// terminator line.
func Format(eventType string, data any) string {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if eventType == "" {
		return fmt.Sprintf("data: %s\n\n", payload)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload)
}

// session holds per-session bus state. Guarded by the bus mutex.
type session struct {
	ring      []Event
	subs      map[int]chan Event
	nextSubID int
	completed bool
}

// Bus is a per-session pub/sub hub. Safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*session
	capacity int
	log      *slog.Logger
}

// Option configures a [Bus].
type Option func(*Bus)

// WithCapacity overrides the replay ring size. Values below 1 are ignored.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n >= 1 {
			b.capacity = n
		}
	}
}

// New creates an empty bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		sessions: make(map[string]*session),
		capacity: DefaultCapacity,
		log:      logger.With("component", "events"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish appends ev to the session's replay ring and fans it out to all
// current subscribers in publication order. Publishing to a completed
// session is a no-op.
func (b *Bus) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessions[sessionID]
	if s == nil {
		s = &session{subs: make(map[int]chan Event)}
		b.sessions[sessionID] = s
	}
	if s.completed {
		return
	}

	s.ring = append(s.ring, ev)
	if len(s.ring) > b.capacity {
		s.ring = s.ring[len(s.ring)-b.capacity:]
	}

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; drop it rather than stall the
			// producer. The ring still lets it reconnect and replay.
			b.log.Warn("dropping stalled subscriber", "session_id", sessionID, "subscriber", id)
			close(ch)
			delete(s.subs, id)
		}
	}

	if ev.Type == TypeComplete {
		s.completed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
}

// Complete publishes the terminal complete event for the session. It is the
// last event any subscriber observes.
func (b *Bus) Complete(sessionID string) {
	b.Publish(sessionID, Event{Type: TypeComplete, Data: map[string]any{}})
}

// Subscribe returns a channel that first replays the session's buffered
// events in order, then delivers live events until a complete event is
// observed or ctx is cancelled. The channel is closed when the session
// completes or the subscriber is cancelled. Multiple concurrent subscribers
// per session are supported.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	b.mu.Lock()

	s := b.sessions[sessionID]
	if s == nil {
		s = &session{subs: make(map[int]chan Event)}
		b.sessions[sessionID] = s
	}

	// Buffer covers the full replay plus live slack so Publish never blocks
	// on a freshly attached subscriber.
	ch := make(chan Event, b.capacity+32)
	for _, ev := range s.ring {
		ch <- ev
	}

	if s.completed {
		close(ch)
		b.mu.Unlock()
		return ch
	}

	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := s.subs[id]; ok && cur == ch {
			close(ch)
			delete(s.subs, id)
		}
	}()

	return ch
}

// Drop discards all state for a session. Used after live-session teardown
// once no subscriber can legitimately reconnect.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[sessionID]
	if s == nil {
		return
	}
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	delete(b.sessions, sessionID)
}

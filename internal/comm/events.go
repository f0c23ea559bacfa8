package comm

import (
	"strings"
	"sync"
	"time"
)

// EventType classifies a session event.
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventTable      EventType = "table"
)

// Event is delivered to subscribers and serialized to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to subscribers. Slow subscribers miss events
// rather than stall the publisher.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns an event channel and a function that unregisters it and
// closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Transcript is the human-readable, append-only session log shown to the
// operator. Clear is the only way to drop text.
type Transcript struct {
	mu  sync.Mutex
	b   strings.Builder
	bus *EventBus
}

// NewTranscript creates a transcript starting with the given text.
func NewTranscript(initial string, bus *EventBus) *Transcript {
	t := &Transcript{bus: bus}
	t.b.WriteString(initial)
	return t
}

// Append adds one line.
func (t *Transcript) Append(line string) {
	t.mu.Lock()
	if t.b.Len() > 0 {
		t.b.WriteByte('\n')
	}
	t.b.WriteString(line)
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Publish(Event{Type: EventTranscript, Data: line})
	}
}

// Clear drops all text.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.b.Reset()
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Publish(Event{Type: EventTranscript, Data: ""})
	}
}

func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}

package audit

import (
	"context"
	"errors"
	"sync"
)

// Fanout records each event to every sink in order. All sinks are tried;
// failures are joined.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(ctx context.Context, e Event) error {
	e.stamp()
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps the most recent events in a bounded ring, for tests and
// for tooling passed in through engine.Options.Sinks.
type Memory struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemory creates a ring holding up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{events: make([]Event, capacity)}
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, e Event) error {
	e.stamp()
	m.mu.Lock()
	m.events[m.next] = e
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

// Events returns the retained events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		return append([]Event(nil), m.events[:m.next]...)
	}
	out := make([]Event, 0, len(m.events))
	out = append(out, m.events[m.next:]...)
	return append(out, m.events[:m.next]...)
}

// Count returns how many retained events have the given type.
func (m *Memory) Count(t EventType) int {
	n := 0
	for _, e := range m.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

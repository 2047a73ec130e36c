package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when the dispatcher buffer is saturated and the
// event was dropped.
var ErrQueueFull = errors.New("audit: dispatch queue full")

// ErrDispatcherClosed is returned for events recorded after Close.
var ErrDispatcherClosed = errors.New("audit: dispatcher closed")

const sinkTimeout = 5 * time.Second

// Dispatcher decouples event producers from slow sinks. Record never
// blocks: events go onto a buffered queue drained by one worker, and are
// dropped (counted and reported) when the queue is full.
type Dispatcher struct {
	next   Sink
	queue  chan Event
	logger Logger

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	done    chan struct{}
}

// NewDispatcher creates a dispatcher in front of next and starts its worker.
func NewDispatcher(next Sink, size int, logger Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = noopLogger{}
	}
	d := &Dispatcher{
		next:   next,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues e without blocking.
func (d *Dispatcher) Record(_ context.Context, e Event) error {
	e.stamp()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- e:
		return nil
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("audit queue full, dropping events", "dropped_total", n, "event_type", e.Type)
		}
		return ErrQueueFull
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered
// or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := d.next.Record(ctx, e); err != nil {
			d.logger.Warn("audit sink failed", "event_type", e.Type, "event_id", e.ID, "error", err)
		}
		cancel()
	}
}

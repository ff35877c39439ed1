package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config sizes the dispatcher queue.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit drop an event instead of waiting for queue space.
	DropIfFull bool
}

// Dispatcher hands audit events to a Sink from a single background worker.
//
// A nil *Dispatcher discards everything; NewDispatcher returns nil when
// auditing is disabled.
type Dispatcher struct {
	sink       Sink
	queue      chan Event
	dropIfFull bool
	now        func() time.Time

	stopping chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
	closed   atomic.Bool
	dropped  atomic.Uint64
}

// NewDispatcher starts the worker. A BufferSize below one is raised to one and
// a nil sink discards.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		sink:       sink,
		queue:      make(chan Event, max(cfg.BufferSize, 1)),
		dropIfFull: cfg.DropIfFull,
		now:        time.Now,
		stopping:   make(chan struct{}),
	}
	d.stopped.Add(1)
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer d.stopped.Done()
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.stopping:
			d.drain()
			return
		}
	}
}

// drain flushes events queued before Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues event, stamping a UTC timestamp when it has none.
//
// With DropIfFull a full queue drops the event; otherwise Emit waits for space
// and drops the event if ctx ends first. Emit after Close does nothing.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		case <-d.stopping:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stopping:
	}
}

// Close stops intake, flushes the queue and waits for the worker to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopping)
		d.stopped.Wait()
	})
}

// Dropped reports events lost to a full queue or an expired context.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

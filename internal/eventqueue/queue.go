package eventqueue

import (
	"context"

	"github.com/tinytelemetry/farmmon/internal/model"
)

// DefaultSize is the default capacity of the queue.
const DefaultSize = model.DefaultQueueSize

// Queue is a bounded multi-producer, single-consumer stream of events.
// Events from one producer goroutine are delivered in the order they were
// published; events from different producers interleave in arrival order.
//
// The channel is never closed: producers may still be unwinding when the
// consumer stops, and a send on a closed channel would panic.
type Queue struct {
	events chan model.Event
}

// New creates a queue holding at most size pending events.
func New(size int) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	return &Queue{events: make(chan model.Event, size)}
}

// Publish enqueues ev, waiting while the queue is full.
// It returns ctx.Err() if ctx is cancelled before there is room.
func (q *Queue) Publish(ctx context.Context, ev model.Event) error {
	select {
	case q.events <- ev:
		return nil
	default:
	}
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues ev only if there is room and reports whether it did.
func (q *Queue) TryPublish(ev model.Event) bool {
	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

// Next waits for the next event. It returns ctx.Err() once ctx is cancelled.
func (q *Queue) Next(ctx context.Context) (model.Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int { return len(q.events) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.events) }

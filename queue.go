package herald

import (
	"context"
)

// DefaultQueueCapacity is the delivery queue capacity used when none is
// given.
const DefaultQueueCapacity = 100

// Queue is the in-process handoff between event producers (the publish path,
// transaction flush and the poller) and the single transport consumer.
//
// The queue is a bounded buffer with a non-blocking reject policy: Offer
// never blocks, and returns false when the buffer is full. Producers must
// observe the outcome and log rejections. A rejected persisted event is
// harmless, the poller re-claims it once the staleness window elapses; a
// rejected non-persisted event is lost, which is the documented best-effort
// contract of publishing outside a transaction.
//
// Offer is safe for concurrent use. Exactly one consumer should drain the
// queue, via Take or Events.
type Queue struct {
	ch chan *Event
}

// NewQueue creates a delivery queue with the given capacity.
// A non-positive capacity falls back to DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan *Event, capacity)}
}

// Offer adds the event without blocking. It returns false when the queue is
// full and the event was rejected.
func (q *Queue) Offer(e *Event) bool {
	select {
	case q.ch <- e:
		return true
	default:
		return false
	}
}

// Take blocks until an event is available or ctx is done.
func (q *Queue) Take(ctx context.Context) (*Event, error) {
	select {
	case e := <-q.ch:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events exposes the receive side of the queue for push-style transport
// adapters.
func (q *Queue) Events() <-chan *Event {
	return q.ch
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

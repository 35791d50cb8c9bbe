package executor

import (
	"context"

	"github.com/abickford/relay_hook/internal/a2a"
)

// Queue is the caller-facing event sink for one task. Publish hands the
// event to the caller or fails when the caller's context ends; events
// are republished the moment they arrive, never batched.
type Queue interface {
	Publish(ctx context.Context, ev a2a.StreamEvent) error
}

// ChanQueue adapts a buffered channel into a Queue for streaming and
// held-connection callers.
type ChanQueue struct {
	ch chan a2a.StreamEvent
}

// NewChanQueue builds a queue with room for size events.
func NewChanQueue(size int) *ChanQueue {
	return &ChanQueue{ch: make(chan a2a.StreamEvent, size)}
}

// Publish delivers ev to the consumer. A ready consumer (or free buffer
// space) wins over a cancelled context, so terminal events still reach a
// caller that is draining while cancelling.
func (q *ChanQueue) Publish(ctx context.Context, ev a2a.StreamEvent) error {
	select {
	case q.ch <- ev:
		return nil
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events exposes the consumer side of the queue.
func (q *ChanQueue) Events() <-chan a2a.StreamEvent {
	return q.ch
}

// Close ends the stream. Call it only after the producing Execute has
// returned.
func (q *ChanQueue) Close() {
	close(q.ch)
}

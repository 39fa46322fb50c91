// Package queue provides the outbound message queue for a capnode peer.
// Messages offered while the downstream reader is not ready are parked here
// and drained in strict FIFO order once the reader signals readiness again.
//
// The queue is unbounded: the runtime never drops an outbound message.
// Bounding memory under a persistently slow reader is the transport
// collaborator's concern, not the core's.
package queue

import (
	"sync"

	"github.com/tenzoki/capnode/public/wire"
)

// Queue is a thread-safe FIFO of wire messages.
type Queue struct {
	mux   sync.Mutex
	items []*wire.Message
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a message to the tail of the queue.
func (q *Queue) Enqueue(msg *wire.Message) {
	q.mux.Lock()
	q.items = append(q.items, msg)
	q.mux.Unlock()
}

// Len returns the number of parked messages.
func (q *Queue) Len() int {
	q.mux.Lock()
	defer q.mux.Unlock()
	return len(q.items)
}

// DrainTo pops messages head-first and hands each to sink. A message is
// removed only after sink accepts it; when sink returns false the message
// stays at the head and draining stops. Returns the number delivered.
//
// Called by: stream read path when the consumer requests data
func (q *Queue) DrainTo(sink func(*wire.Message) bool) int {
	q.mux.Lock()
	defer q.mux.Unlock()

	delivered := 0
	for len(q.items) > 0 {
		if !sink(q.items[0]) {
			break
		}
		q.items[0] = nil // release the reference before reslicing
		q.items = q.items[1:]
		delivered++
	}
	if len(q.items) == 0 {
		q.items = nil
	}
	return delivered
}

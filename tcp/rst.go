package tcp

import "github.com/nplab/tcpcore/internal"

// defaultRSTQueueCap bounds how many stateless RST replies can be pending at
// once, so a burst of segments addressed to closed ports can't grow the
// engine's output queue without bound.
const defaultRSTQueueCap = 16

// rstEntry is one queued stateless RST reply, keyed by the 4-tuple of the
// segment it answers (the reply travels in the opposite direction).
type rstEntry struct {
	id  ConnID
	seg Segment
}

// rstQueue is a bounded, rate-limited queue of pending stateless RST
// responses, keyed by the 4-tuple each reply answers.
type rstQueue struct {
	pending []rstEntry
	cap     int
}

func newRSTQueue(capacity int) rstQueue {
	if capacity <= 0 {
		capacity = defaultRSTQueueCap
	}
	return rstQueue{cap: capacity}
}

// Push enqueues a RST reply, returning false (dropping it) if the queue is
// already at capacity.
func (q *rstQueue) Push(e rstEntry) bool {
	if len(q.pending) >= q.cap {
		return false
	}
	q.pending = append(q.pending, e)
	return true
}

// Cancel zeroes out any queued reply answering id, e.g. when a retried SYN
// to the same tuple establishes a real connection before the stateless
// reply was drained.
func (q *rstQueue) Cancel(id ConnID) {
	for i := range q.pending {
		if q.pending[i].id == id {
			q.pending[i] = rstEntry{}
		}
	}
	q.pending = internal.DeleteZeroed(q.pending)
}

// Drain returns and clears all currently queued RST replies.
func (q *rstQueue) Drain() []rstEntry {
	out := q.pending
	q.pending = nil
	return out
}

// Len reports the number of RST replies currently queued.
func (q *rstQueue) Len() int { return len(q.pending) }

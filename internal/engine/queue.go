package engine

import (
	"sync"

	"github.com/roach88/fieldsync/internal/model"
)

// eventQueue is an unbounded FIFO of workflow events.
//
// Any goroutine may enqueue; only the dispatch loop dequeues. signal has a
// buffer of one so bursts of enqueues coalesce into one wakeup, and it is
// closed by Close to wake the loop for shutdown.
type eventQueue struct {
	mu     sync.Mutex
	events []model.WorkflowEvent
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]model.WorkflowEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends ev. It returns false once the queue is closed.
func (q *eventQueue) Enqueue(ev model.WorkflowEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (model.WorkflowEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return model.WorkflowEvent{}, false
	}
	ev := q.events[0]
	// Clear the slot so the payload map can be collected.
	q.events[0] = model.WorkflowEvent{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return ev, true
}

// Wait returns the wakeup channel for use in a select.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops further enqueues and wakes the dispatch loop.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Package eventqueue implements the per-task event fan-out: one main
// queue per task fed by its executor, tapped by any number of bounded
// child queues held by subscribers. A dispatcher drains each main queue
// and routes events to children, persistence, push delivery and
// replication.
package eventqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/relaymesh/relay/internal/a2a"
)

// ErrQueueClosed is returned by Enqueue once the main queue has closed.
var ErrQueueClosed = errors.New("event queue is closed")

// DefaultBufferSize bounds main and child queue buffers.
const DefaultBufferSize = 1024

type queueState int

const (
	stateOpen queueState = iota
	stateDraining
	stateClosed
)

// item wraps an event with its provenance. Replicated items came in from
// another node: they fan out to local subscribers but are neither
// persisted again nor sent back to the replication log.
type item struct {
	event      a2a.Event
	replicated bool
}

// MainQueue is the single-producer queue owned by a task's executor.
// Events pass through an internal bounded buffer to the dispatcher, which
// fans them out in FIFO order.
type MainQueue struct {
	taskID string

	mu        sync.Mutex
	state     queueState
	finalized bool
	children  []*ChildQueue

	buffer chan item
	// closed when the queue reaches stateClosed; unblocks stuck producers.
	done     chan struct{}
	doneOnce sync.Once
	// closed by Close(immediate=true); tells the dispatcher to stop
	// draining and complete the children right away. Child channels are
	// only ever touched from the dispatcher goroutine.
	closeNow     chan struct{}
	closeNowOnce sync.Once
}

// NewMainQueue creates an open main queue for the task.
func NewMainQueue(taskID string, bufferSize int) *MainQueue {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MainQueue{
		taskID:   taskID,
		buffer:   make(chan item, bufferSize),
		done:     make(chan struct{}),
		closeNow: make(chan struct{}),
	}
}

// TaskID returns the task this queue belongs to.
func (q *MainQueue) TaskID() string { return q.taskID }

// Enqueue submits an event produced on this node. Blocks when the buffer
// is full until the dispatcher catches up, the context is done, or the
// queue closes.
func (q *MainQueue) Enqueue(ctx context.Context, event a2a.Event) error {
	return q.enqueue(ctx, item{event: event})
}

// EnqueueReplicated submits an event received from the replication log.
func (q *MainQueue) EnqueueReplicated(ctx context.Context, event a2a.Event) error {
	return q.enqueue(ctx, item{event: event, replicated: true})
}

func (q *MainQueue) enqueue(ctx context.Context, it item) error {
	q.mu.Lock()
	if q.state != stateOpen {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.buffer <- it:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tap opens a new child queue receiving every event fanned out from now
// on. Returns nil once the queue is closed.
func (q *MainQueue) Tap() *ChildQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == stateClosed {
		return nil
	}
	child := newChildQueue(cap(q.buffer))
	q.children = append(q.children, child)
	return child
}

// markFinalized flips the finalized flag. Returns true only for the first
// caller; this is the once-guard on the poison pill.
func (q *MainQueue) markFinalized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return false
	}
	q.finalized = true
	return true
}

func (q *MainQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateClosed
}

// Finalized reports whether the poison pill has been enqueued.
func (q *MainQueue) Finalized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finalized
}

// beginDrain moves the queue out of stateOpen so no new events are
// accepted while the buffer drains. No-op unless currently open.
func (q *MainQueue) beginDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == stateOpen {
		q.state = stateDraining
	}
}

// Close shuts the queue down. With immediate=true pending events are
// dropped and the dispatcher completes the children right away; otherwise
// the buffer drains first and the children complete after the poison
// pill.
func (q *MainQueue) Close(immediate bool) {
	q.beginDrain()
	if immediate {
		q.mu.Lock()
		q.finalized = true
		q.mu.Unlock()
		q.closeNowOnce.Do(func() { close(q.closeNow) })
		return
	}
	if q.markFinalized() {
		// Bypass the state check: the poison pill must get in even
		// though the queue no longer accepts producer events.
		select {
		case q.buffer <- item{event: &a2a.QueueClosedEvent{TaskID: q.taskID}}:
		case <-q.done:
		}
	}
}

// completeClosed is called by the dispatcher after the poison pill has
// fanned out: the queue transitions to stateClosed and children complete.
func (q *MainQueue) completeClosed() {
	q.mu.Lock()
	if q.state == stateClosed {
		q.mu.Unlock()
		return
	}
	q.state = stateClosed
	children := q.children
	q.children = nil
	q.mu.Unlock()

	q.doneOnce.Do(func() { close(q.done) })
	for _, child := range children {
		child.closeChannel()
	}
}

// liveChildren returns the current taps, dropping any the subscriber has
// already closed.
func (q *MainQueue) liveChildren() []*ChildQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.children[:0]
	for _, child := range q.children {
		if !child.isClosed() {
			live = append(live, child)
		}
	}
	q.children = live
	return append([]*ChildQueue(nil), live...)
}

// ChildQueue is a subscriber's bounded FIFO view of a main queue. The
// dispatcher blocks on a full child (backpressure) until the subscriber
// consumes or closes its tap.
type ChildQueue struct {
	ch        chan a2a.Event
	done      chan struct{}
	closeOnce sync.Once
	chanOnce  sync.Once
}

func newChildQueue(bufferSize int) *ChildQueue {
	return &ChildQueue{
		ch:   make(chan a2a.Event, bufferSize),
		done: make(chan struct{}),
	}
}

// Events is the subscriber's receive channel. It is closed after the
// QueueClosedEvent is delivered or the tap is closed.
func (c *ChildQueue) Events() <-chan a2a.Event { return c.ch }

// Close unsubscribes. Pending events are discarded; a dispatcher blocked
// on this child unblocks. Safe to call more than once.
func (c *ChildQueue) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ChildQueue) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliver fans one event into the child, blocking until there is room,
// the subscriber leaves, or the main is closed immediately.
func (c *ChildQueue) deliver(event a2a.Event, abort <-chan struct{}) {
	select {
	case c.ch <- event:
	case <-c.done:
	case <-abort:
	}
}

// deliverAndClose pushes a final event if there is room and completes the
// channel. Used on immediate close, where pending events are dropped.
func (c *ChildQueue) deliverAndClose(event a2a.Event) {
	c.closeOnce.Do(func() { close(c.done) })
	select {
	case c.ch <- event:
	default:
	}
	c.closeChannel()
}

func (c *ChildQueue) closeChannel() {
	c.chanOnce.Do(func() { close(c.ch) })
}

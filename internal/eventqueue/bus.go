package eventqueue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/taskstore"
)

// Sink reduces an event into task state and, unless the event is
// replicated, persists the result. Returns the updated snapshot, or nil
// for event kinds that do not touch task state.
type Sink interface {
	Process(ctx context.Context, event a2a.Event, replicated bool) (*a2a.Task, error)
}

// PushNotifier delivers task snapshots to registered webhooks. Delivery
// must not block the caller.
type PushNotifier interface {
	Notify(ctx context.Context, task *a2a.Task, event a2a.Event)
}

// ReplicationStrategy forwards locally produced events to the shared log.
type ReplicationStrategy interface {
	Send(ctx context.Context, taskID string, event a2a.Event, closed bool) error
}

// Bus drains main queues and routes each event through the fixed
// dispatch pipeline: child fan-out, persistence, push delivery,
// replication, finalization. One dispatcher goroutine runs per main
// queue, which is what gives each task strict FIFO.
type Bus struct {
	sink        Sink
	push        PushNotifier
	replication ReplicationStrategy
	// onTaskFinalized fires exactly once per task, when the dispatcher
	// observes its final event.
	onTaskFinalized func(taskID string)
	logger          *logger.Logger
}

// NewBus assembles the dispatcher. push, replication and onTaskFinalized
// may be nil.
func NewBus(sink Sink, push PushNotifier, replication ReplicationStrategy, onTaskFinalized func(taskID string), log *logger.Logger) *Bus {
	return &Bus{
		sink:            sink,
		push:            push,
		replication:     replication,
		onTaskFinalized: onTaskFinalized,
		logger:          log.WithFields(zap.String("component", "event_bus")),
	}
}

// Dispatch runs the drain loop for one main queue until the queue closes
// or ctx is canceled. Meant to be run on its own goroutine; the
// dispatcher is the only goroutine that touches child channels.
func (b *Bus) Dispatch(ctx context.Context, q *MainQueue) {
	for {
		// Immediate closure wins over buffered events, so pending work is
		// reliably dropped rather than racing the drain.
		select {
		case <-q.closeNow:
			b.closeImmediate(q)
			return
		default:
		}

		select {
		case <-q.closeNow:
			b.closeImmediate(q)
			return
		case <-ctx.Done():
			b.closeImmediate(q)
			return
		case it := <-q.buffer:
			if _, ok := it.event.(*a2a.QueueClosedEvent); ok {
				b.dispatchPill(ctx, q, it.replicated)
				return
			}
			b.route(ctx, q, it)
			if a2a.IsFinalEvent(it.event) && q.markFinalized() {
				if b.onTaskFinalized != nil {
					b.onTaskFinalized(q.taskID)
				}
				q.beginDrain()
				if b.drainRemaining(ctx, q) {
					b.dispatchPill(ctx, q, it.replicated)
				}
				return
			}
		}
	}
}

// route runs one non-pill event through the pipeline: children first so
// subscribers see it before any side effect, then persistence, push and
// replication.
func (b *Bus) route(ctx context.Context, q *MainQueue, it item) {
	for _, child := range q.liveChildren() {
		child.deliver(it.event, q.closeNow)
	}

	task, err := b.sink.Process(ctx, it.event, it.replicated)
	if err != nil {
		b.reportPersistFailure(q, it.event, err)
	}

	if b.push != nil && task != nil {
		b.push.Notify(ctx, task, it.event)
	}

	if b.replication != nil && !it.replicated {
		b.replicate(ctx, q.taskID, it.event, false)
	}
}

// drainRemaining flushes events buffered behind the final one so
// subscribers see the complete sequence before the pill. Returns false
// when the queue was closed immediately while draining.
func (b *Bus) drainRemaining(ctx context.Context, q *MainQueue) bool {
	for {
		select {
		case <-q.closeNow:
			b.closeImmediate(q)
			return false
		case it := <-q.buffer:
			if _, ok := it.event.(*a2a.QueueClosedEvent); ok {
				// The pill is synthesized by the caller.
				continue
			}
			b.route(ctx, q, it)
		default:
			return true
		}
	}
}

// dispatchPill completes the queue: every child receives QueueClosedEvent
// and its channel closes. Locally triggered closure is forwarded to the
// replication log so remote nodes evict their mains too.
func (b *Bus) dispatchPill(ctx context.Context, q *MainQueue, replicated bool) {
	pill := &a2a.QueueClosedEvent{TaskID: q.taskID}
	for _, child := range q.liveChildren() {
		child.deliver(pill, q.closeNow)
	}
	if b.replication != nil && !replicated {
		b.replicate(ctx, q.taskID, pill, true)
	}
	q.completeClosed()
}

// closeImmediate drops whatever is still buffered and completes all
// children with the poison pill.
func (b *Bus) closeImmediate(q *MainQueue) {
	q.beginDrain()
	for {
		select {
		case <-q.buffer:
		default:
			pill := &a2a.QueueClosedEvent{TaskID: q.taskID}
			q.mu.Lock()
			children := q.children
			q.children = nil
			q.mu.Unlock()
			for _, child := range children {
				child.deliverAndClose(pill)
			}
			q.completeClosed()
			return
		}
	}
}

// reportPersistFailure logs the failure and turns it into an agent
// message on the same fan-out so subscribers observe it in order. The
// message deliberately does not change task state: a transient storage
// error must not fail the task.
func (b *Bus) reportPersistFailure(q *MainQueue, event a2a.Event, err error) {
	var storageErr *taskstore.StorageError
	if errors.As(err, &storageErr) && storageErr.Transient {
		b.logger.Warn("Transient task persistence failure",
			zap.String("task_id", q.taskID),
			zap.String("event_kind", string(event.EventKind())),
			zap.Error(err))
	} else {
		b.logger.Error("Task persistence failure",
			zap.String("task_id", q.taskID),
			zap.String("event_kind", string(event.EventKind())),
			zap.Error(err))
	}

	notice := a2a.AgentMessage("internal error: failed to persist task state")
	notice.TaskID = q.taskID
	notice.ContextID = event.EventContextID()
	notice.Metadata = map[string]any{"errorCode": int(a2a.CodeInternalError)}
	for _, child := range q.liveChildren() {
		child.deliver(notice, q.closeNow)
	}
}

func (b *Bus) replicate(ctx context.Context, taskID string, event a2a.Event, closed bool) {
	if err := b.replication.Send(ctx, taskID, event, closed); err != nil {
		b.logger.Warn("Failed to replicate event",
			zap.String("task_id", taskID),
			zap.String("event_kind", string(event.EventKind())),
			zap.Error(err))
	}
}

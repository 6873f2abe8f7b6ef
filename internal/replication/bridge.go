// Package replication bridges local task event queues and the shared
// log, so every node streaming a task observes the same event sequence.
package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/events/bus"
	"github.com/relaymesh/relay/internal/eventqueue"
)

// Subject layout: one subject per task keeps per-task ordering on
// brokers that order per subject.
const (
	subjectPrefix    = "a2a.tasks."
	subscribePattern = "a2a.tasks.>"
)

// SubjectFor returns the replication subject carrying the task's events.
func SubjectFor(taskID string) string { return subjectPrefix + taskID }

// LocalQueues is the bridge's view of the queue manager: inbound events
// are injected into an existing local main, never create one.
type LocalQueues interface {
	Get(taskID string) *eventqueue.MainQueue
}

// Bridge replicates locally produced events to the bus and injects
// events received from other nodes into local queues. Inbound items are
// flagged replicated so they are neither persisted again nor sent back
// out, which breaks the loop.
type Bridge struct {
	bus    bus.EventBus
	queues LocalQueues
	// nodeID identifies this node's own publishes so they are skipped on
	// receipt.
	nodeID string
	sub    bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge. Call Start to begin receiving.
func NewBridge(eventBus bus.EventBus, nodeID string, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    eventBus,
		nodeID: nodeID,
		logger: log.WithFields(zap.String("component", "replication_bridge")),
	}
}

// Start attaches the local queue map and subscribes to the replication
// subjects. Taken here rather than in the constructor because the queue
// manager's dispatch pipeline holds the bridge as its send strategy.
func (b *Bridge) Start(queues LocalQueues) error {
	b.queues = queues
	sub, err := b.bus.Subscribe(subscribePattern, b.onEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to replication subjects: %w", err)
	}
	b.sub = sub
	return nil
}

// Stop unsubscribes. The bus connection itself is owned by the caller.
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// Send implements eventqueue.ReplicationStrategy: serialize the event
// with its polymorphic tag and publish it on the task's subject.
func (b *Bridge) Send(ctx context.Context, taskID string, event a2a.Event, closed bool) error {
	item := a2a.ReplicatedEventQueueItem{
		TaskID:      taskID,
		Event:       event,
		ClosedEvent: closed,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode replicated item: %w", err)
	}
	return b.bus.Publish(ctx, SubjectFor(taskID), bus.NewEnvelope(b.nodeID, data))
}

// onEnvelope handles one inbound replicated item. Malformed payloads are
// logged and dropped; replication must never take the local node down.
func (b *Bridge) onEnvelope(ctx context.Context, env *bus.Envelope) error {
	if env.Source == b.nodeID {
		return nil
	}

	var item a2a.ReplicatedEventQueueItem
	if err := json.Unmarshal(env.Data, &item); err != nil {
		b.logger.Warn("Dropping malformed replicated item",
			zap.String("envelope_id", env.ID),
			zap.String("source", env.Source),
			zap.Error(err))
		return nil
	}
	if item.TaskID == "" || item.Event == nil {
		b.logger.Warn("Dropping incomplete replicated item",
			zap.String("envelope_id", env.ID),
			zap.String("source", env.Source))
		return nil
	}

	main := b.queues.Get(item.TaskID)
	if main == nil {
		// No local subscriber holds a queue for this task; nothing to
		// fan out and the originating node already persisted.
		return nil
	}

	if err := main.EnqueueReplicated(ctx, item.Event); err != nil {
		b.logger.Debug("Replicated event not enqueued",
			zap.String("task_id", item.TaskID),
			zap.String("event_kind", string(item.Event.EventKind())),
			zap.Error(err))
	}
	return nil
}

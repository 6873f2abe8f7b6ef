package a2a

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the closed event union on the wire.
type EventKind string

const (
	KindTask           EventKind = "task"
	KindMessage        EventKind = "message"
	KindStatusUpdate   EventKind = "status-update"
	KindArtifactUpdate EventKind = "artifact-update"
	KindQueueClosed    EventKind = "queue-closed"
)

// Event is the closed union of payloads that flow through task event
// queues and are reduced into task state. Implementations: *Task,
// *Message, *TaskStatusUpdateEvent, *TaskArtifactUpdateEvent, and the
// internal *QueueClosedEvent.
type Event interface {
	EventKind() EventKind
	EventTaskID() string
	EventContextID() string
}

// TaskStatusUpdateEvent transitions a task to a new status. Final mirrors
// Status.State.IsFinal() for events the server itself emits.
type TaskStatusUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewStatusUpdate builds a status-update event with the final flag derived
// from the state and the timestamp normalized.
func NewStatusUpdate(taskID, contextID string, state TaskState, message *Message) *TaskStatusUpdateEvent {
	return &TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: contextID,
		Status:    NewTaskStatus(state, message),
		Final:     state.IsFinal(),
	}
}

// EventKind implements Event.
func (e *TaskStatusUpdateEvent) EventKind() EventKind { return KindStatusUpdate }

// EventTaskID implements Event.
func (e *TaskStatusUpdateEvent) EventTaskID() string { return e.TaskID }

// EventContextID implements Event.
func (e *TaskStatusUpdateEvent) EventContextID() string { return e.ContextID }

// TaskArtifactUpdateEvent adds or extends an artifact on a task.
type TaskArtifactUpdateEvent struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Artifact  Artifact       `json:"artifact"`
	Append    bool           `json:"append,omitempty"`
	LastChunk bool           `json:"lastChunk,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventKind implements Event.
func (e *TaskArtifactUpdateEvent) EventKind() EventKind { return KindArtifactUpdate }

// EventTaskID implements Event.
func (e *TaskArtifactUpdateEvent) EventTaskID() string { return e.TaskID }

// EventContextID implements Event.
func (e *TaskArtifactUpdateEvent) EventContextID() string { return e.ContextID }

// QueueClosedEvent is the internal poison pill enqueued exactly once when a
// task reaches a final state. Subscribers drain up to it and complete. It
// is never exposed to clients as a protocol event.
type QueueClosedEvent struct {
	TaskID string `json:"taskId"`
}

// EventKind implements Event.
func (e *QueueClosedEvent) EventKind() EventKind { return KindQueueClosed }

// EventTaskID implements Event.
func (e *QueueClosedEvent) EventTaskID() string { return e.TaskID }

// EventContextID implements Event.
func (e *QueueClosedEvent) EventContextID() string { return "" }

// IsFinalEvent reports whether the event finalizes its task: a status
// update carrying a final state, or a task snapshot already in one.
func IsFinalEvent(ev Event) bool {
	switch e := ev.(type) {
	case *TaskStatusUpdateEvent:
		return e.Final || e.Status.State.IsFinal()
	case *Task:
		return e.Status.State.IsFinal()
	default:
		return false
	}
}

// eventEnvelope is the canonical wire form: the event object with an
// inline "kind" discriminator.
type eventEnvelope struct {
	Kind EventKind `json:"kind"`
}

// MarshalEvent encodes an event in the canonical polymorphic form, adding
// the "kind" discriminator so a wire round-trip preserves the event type.
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("cannot marshal nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.EventKind(), err)
	}
	// Splice the discriminator into the object rather than reflecting over
	// every event type.
	tag, err := json.Marshal(eventEnvelope{Kind: ev.EventKind()})
	if err != nil {
		return nil, err
	}
	if string(body) == "{}" {
		return tag, nil
	}
	out := append(tag[:len(tag)-1], ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalEvent decodes an event written by MarshalEvent, dispatching on
// the "kind" discriminator.
func UnmarshalEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	var ev Event
	switch env.Kind {
	case KindTask:
		ev = &Task{}
	case KindMessage:
		ev = &Message{}
	case KindStatusUpdate:
		ev = &TaskStatusUpdateEvent{}
	case KindArtifactUpdate:
		ev = &TaskArtifactUpdateEvent{}
	case KindQueueClosed:
		ev = &QueueClosedEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", env.Kind)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Kind, err)
	}
	if su, ok := ev.(*TaskStatusUpdateEvent); ok {
		su.Status = su.Status.normalized()
	}
	if t, ok := ev.(*Task); ok {
		t.Status = t.Status.normalized()
	}
	return ev, nil
}

// ReplicatedEventQueueItem is the cross-node wire record: a task id, the
// wrapped event, and the closedEvent flag marking queue poison pills.
type ReplicatedEventQueueItem struct {
	TaskID      string `json:"taskId"`
	Event       Event  `json:"-"`
	ClosedEvent bool   `json:"closedEvent"`
}

type replicatedItemWire struct {
	TaskID      string          `json:"taskId"`
	Event       json.RawMessage `json:"event,omitempty"`
	ClosedEvent bool            `json:"closedEvent"`
}

// MarshalJSON encodes the wrapped event with its polymorphic tag.
func (i ReplicatedEventQueueItem) MarshalJSON() ([]byte, error) {
	wire := replicatedItemWire{TaskID: i.TaskID, ClosedEvent: i.ClosedEvent}
	if i.Event != nil {
		body, err := MarshalEvent(i.Event)
		if err != nil {
			return nil, err
		}
		wire.Event = body
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the wrapped event via its polymorphic tag.
func (i *ReplicatedEventQueueItem) UnmarshalJSON(data []byte) error {
	var wire replicatedItemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	i.TaskID = wire.TaskID
	i.ClosedEvent = wire.ClosedEvent
	i.Event = nil
	if len(wire.Event) > 0 {
		ev, err := UnmarshalEvent(wire.Event)
		if err != nil {
			return err
		}
		i.Event = ev
	}
	return nil
}

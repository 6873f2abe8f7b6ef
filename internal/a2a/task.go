package a2a

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
	TaskStateUnknown       TaskState = "unknown"
)

// IsFinal reports whether the state is terminal. A task never leaves a
// final state.
func (s TaskState) IsFinal() bool {
	switch s {
	case TaskStateCompleted, TaskStateCanceled, TaskStateFailed, TaskStateRejected, TaskStateUnknown:
		return true
	default:
		return false
	}
}

// IsInterrupted reports whether the state pauses the task waiting for the
// caller (input or authentication) without terminating it.
func (s TaskState) IsInterrupted() bool {
	return s == TaskStateInputRequired || s == TaskStateAuthRequired
}

// TaskStatus is the current status of a task: its state, an optional
// agent message explaining it, and the UTC timestamp of the transition.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTaskStatus builds a status for the given state with the timestamp
// filled in. A nil message is allowed.
func NewTaskStatus(state TaskState, message *Message) TaskStatus {
	return TaskStatus{
		State:     state,
		Message:   message.clone(),
		Timestamp: Now(),
	}
}

// normalized returns the status with a zero timestamp replaced by now and
// the timestamp truncated to the protocol's millisecond precision.
func (s TaskStatus) normalized() TaskStatus {
	if s.Timestamp.IsZero() {
		s.Timestamp = Now()
	} else {
		s.Timestamp = s.Timestamp.UTC().Truncate(time.Millisecond)
	}
	return s
}

func (s TaskStatus) clone() TaskStatus {
	s.Message = s.Message.clone()
	return s
}

// Task is a durable unit of work identified by (id, contextId). It is
// created on the first event carrying its id, mutated only through event
// reduction, and persists in the store after reaching a final state.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTask creates a submitted task. The history is defensively copied.
func NewTask(id, contextID string, history ...Message) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if contextID == "" {
		return nil, fmt.Errorf("task contextId is required")
	}
	return &Task{
		ID:        id,
		ContextID: contextID,
		Status:    NewTaskStatus(TaskStateSubmitted, nil),
		History:   cloneMessages(history),
	}, nil
}

// Clone returns a deep copy of the task. Callers that hand tasks across
// component boundaries clone first so no two components share slices.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Status = t.Status.clone()
	c.History = cloneMessages(t.History)
	c.Artifacts = cloneArtifacts(t.Artifacts)
	c.Metadata = cloneMetadata(t.Metadata)
	return &c
}

// EventKind implements Event; a full task snapshot is itself an event.
func (t *Task) EventKind() EventKind { return KindTask }

// EventTaskID implements Event.
func (t *Task) EventTaskID() string { return t.ID }

// EventContextID implements Event.
func (t *Task) EventContextID() string { return t.ContextID }

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

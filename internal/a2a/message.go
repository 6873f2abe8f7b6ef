package a2a

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single conversational turn. Parts must be non-empty; the
// message id is caller-supplied or generated by NewMessage.
type Message struct {
	MessageID        string         `json:"messageId"`
	Role             Role           `json:"role"`
	Parts            []Part         `json:"parts"`
	TaskID           string         `json:"taskId,omitempty"`
	ContextID        string         `json:"contextId,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Extensions       []string       `json:"extensions,omitempty"`
	ReferenceTaskIDs []string       `json:"referenceTaskIds,omitempty"`
}

// NewMessage creates a message with a generated id. It rejects empty part
// sequences and defensively copies the parts.
func NewMessage(role Role, parts []Part) (*Message, error) {
	if role != RoleUser && role != RoleAgent {
		return nil, fmt.Errorf("invalid message role: %q", role)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("message requires at least one part")
	}
	return &Message{
		MessageID: uuid.New().String(),
		Role:      role,
		Parts:     cloneParts(parts),
	}, nil
}

// AgentMessage builds an agent message from text, the common case for
// status messages emitted by executors.
func AgentMessage(text string) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      RoleAgent,
		Parts:     []Part{TextPart(text)},
	}
}

// Clone returns a deep copy of the message; nil stays nil.
func (m *Message) Clone() *Message { return m.clone() }

// WithTaskRef returns a deep copy bound to the given task and context.
func (m *Message) WithTaskRef(taskID, contextID string) *Message {
	c := m.clone()
	if c == nil {
		return nil
	}
	c.TaskID = taskID
	c.ContextID = contextID
	return c
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Parts = cloneParts(m.Parts)
	c.Metadata = cloneMetadata(m.Metadata)
	c.Extensions = append([]string(nil), m.Extensions...)
	c.ReferenceTaskIDs = append([]string(nil), m.ReferenceTaskIDs...)
	return &c
}

// EventKind implements Event; a bare message is an out-of-band reply that
// does not materialize a task.
func (m *Message) EventKind() EventKind { return KindMessage }

// EventTaskID implements Event.
func (m *Message) EventTaskID() string { return m.TaskID }

// EventContextID implements Event.
func (m *Message) EventContextID() string { return m.ContextID }

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	c := make([]Message, len(msgs))
	for i := range msgs {
		c[i] = *msgs[i].clone()
	}
	return c
}

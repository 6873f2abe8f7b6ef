// Package bus provides the messaging abstraction the replication bridge
// rides on: NATS between nodes, an in-memory bus for single-node runs
// and tests.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload on the bus. Data is opaque to the bus; the
// replication bridge puts serialized queue items in it.
type Envelope struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope with a UUID and current timestamp.
func NewEnvelope(source string, data json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes an envelope delivered to a subscription.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract. Handlers for one subject are
// invoked in publish order; that per-subject ordering is what the
// replication bridge relies on, with one subject per task.
type EventBus interface {
	// Publish sends an envelope to a subject.
	Publish(ctx context.Context, subject string, env *Envelope) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > matches the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

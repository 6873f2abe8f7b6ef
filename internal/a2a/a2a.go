// Package a2a defines the entity model of the Agent-to-Agent (A2A) protocol
// as used by the relay server core: tasks, messages, parts, artifacts, the
// event union reduced by the task-state processor, and the protocol error
// taxonomy. All entities are value types; mutation happens by constructing
// new instances, and constructors defensively copy every collection they
// receive.
package a2a

import "time"

// ProtocolVersion is the A2A protocol version this server speaks.
const ProtocolVersion = "0.3.0"

// Headers consumed from the transport call context.
const (
	VersionHeader    = "X-A2A-Version"
	ExtensionsHeader = "X-A2A-Extensions"
)

// Now returns the current UTC time truncated to millisecond precision,
// the resolution the protocol guarantees for status timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

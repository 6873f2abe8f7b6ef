package executor

import (
	"context"
	"time"

	"github.com/relaymesh/relay/internal/a2a"
)

// TimestampExtensionURI activates server-side event timestamping.
const TimestampExtensionURI = "https://relaymesh.dev/ext/timestamp/v1"

// timestampMetadataKey is where the stamp lands in event metadata.
const timestampMetadataKey = "https://relaymesh.dev/ext/timestamp/v1/timestamp"

// TimestampWrapper stamps a UTC timestamp into the metadata of every
// status and artifact update that does not already carry one.
type TimestampWrapper struct{}

// ExtensionURI implements Wrapper.
func (TimestampWrapper) ExtensionURI() string { return TimestampExtensionURI }

// Wrap implements Wrapper.
func (TimestampWrapper) Wrap(_ *RequestContext, queue Queue) Queue {
	return &timestampQueue{inner: queue}
}

type timestampQueue struct {
	inner Queue
}

func (q *timestampQueue) TaskID() string { return q.inner.TaskID() }

func (q *timestampQueue) Enqueue(ctx context.Context, event a2a.Event) error {
	switch e := event.(type) {
	case *a2a.TaskStatusUpdateEvent:
		e.Metadata = stamp(e.Metadata)
	case *a2a.TaskArtifactUpdateEvent:
		e.Metadata = stamp(e.Metadata)
	}
	return q.inner.Enqueue(ctx, event)
}

func stamp(metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	if _, ok := metadata[timestampMetadataKey]; !ok {
		metadata[timestampMetadataKey] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return metadata
}

package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEvent_KindDiscriminator(t *testing.T) {
	ev := NewStatusUpdate("t1", "c1", TaskStateWorking, nil)

	data, err := MarshalEvent(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "status-update", raw["kind"])
	assert.Equal(t, "t1", raw["taskId"])
	assert.Equal(t, "c1", raw["contextId"])
}

func TestEventRoundTrip(t *testing.T) {
	task, err := NewTask("t1", "c1")
	require.NoError(t, err)

	artifact, err := NewArtifact("out", []Part{TextPart("hello")})
	require.NoError(t, err)

	events := []Event{
		task,
		AgentMessage("hi").WithTaskRef("t1", "c1"),
		NewStatusUpdate("t1", "c1", TaskStateCompleted, AgentMessage("done")),
		&TaskArtifactUpdateEvent{TaskID: "t1", ContextID: "c1", Artifact: *artifact, Append: true},
		&QueueClosedEvent{TaskID: "t1"},
	}

	for _, ev := range events {
		t.Run(string(ev.EventKind()), func(t *testing.T) {
			data, err := MarshalEvent(ev)
			require.NoError(t, err)

			decoded, err := UnmarshalEvent(data)
			require.NoError(t, err)

			assert.Equal(t, ev.EventKind(), decoded.EventKind())
			assert.Equal(t, ev.EventTaskID(), decoded.EventTaskID())
			assert.Equal(t, ev.EventContextID(), decoded.EventContextID())
		})
	}
}

func TestUnmarshalEvent_UnknownKind(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"kind":"mystery","taskId":"t1"}`))
	assert.Error(t, err)
}

func TestUnmarshalEvent_StatusTimestampNormalized(t *testing.T) {
	data := []byte(`{"kind":"status-update","taskId":"t1","contextId":"c1","status":{"state":"working"},"final":false}`)

	decoded, err := UnmarshalEvent(data)
	require.NoError(t, err)

	su, ok := decoded.(*TaskStatusUpdateEvent)
	require.True(t, ok)
	assert.False(t, su.Status.Timestamp.IsZero(), "zero timestamp must be filled on decode")
}

func TestIsFinalEvent(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		final bool
	}{
		{"working status", NewStatusUpdate("t1", "c1", TaskStateWorking, nil), false},
		{"completed status", NewStatusUpdate("t1", "c1", TaskStateCompleted, nil), true},
		{"failed status", NewStatusUpdate("t1", "c1", TaskStateFailed, nil), true},
		{"input-required status", NewStatusUpdate("t1", "c1", TaskStateInputRequired, nil), false},
		{"message", AgentMessage("hi"), false},
		{"queue closed", &QueueClosedEvent{TaskID: "t1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.final, IsFinalEvent(tt.event))
		})
	}

	task, err := NewTask("t1", "c1")
	require.NoError(t, err)
	assert.False(t, IsFinalEvent(task))
	task.Status.State = TaskStateCompleted
	assert.True(t, IsFinalEvent(task))
}

func TestReplicatedEventQueueItemRoundTrip(t *testing.T) {
	item := ReplicatedEventQueueItem{
		TaskID:      "t1",
		Event:       NewStatusUpdate("t1", "c1", TaskStateCompleted, nil),
		ClosedEvent: false,
	}

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var decoded ReplicatedEventQueueItem
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "t1", decoded.TaskID)
	assert.False(t, decoded.ClosedEvent)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, KindStatusUpdate, decoded.Event.EventKind())
}

func TestReplicatedEventQueueItem_Pill(t *testing.T) {
	item := ReplicatedEventQueueItem{
		TaskID:      "t1",
		Event:       &QueueClosedEvent{TaskID: "t1"},
		ClosedEvent: true,
	}

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var decoded ReplicatedEventQueueItem
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.True(t, decoded.ClosedEvent)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, KindQueueClosed, decoded.Event.EventKind())
}

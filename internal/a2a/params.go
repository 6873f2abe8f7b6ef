package a2a

import "time"

// MessageSendParams is the input to SendMessage and SendStreamingMessage.
// The message's TaskID continues an existing task; when absent a new task
// id is generated by the handler.
type MessageSendParams struct {
	Message       Message                   `json:"message"`
	Configuration *MessageSendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any            `json:"metadata,omitempty"`
}

// MessageSendConfiguration tunes a single send request.
type MessageSendConfiguration struct {
	AcceptedOutputModes    []string                `json:"acceptedOutputModes,omitempty"`
	HistoryLength          *int                    `json:"historyLength,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig,omitempty"`
	Blocking               bool                    `json:"blocking,omitempty"`
}

// Validate checks the parts the core depends on.
func (p *MessageSendParams) Validate() error {
	if len(p.Message.Parts) == 0 {
		return ErrInvalidParams("message requires at least one part")
	}
	for _, part := range p.Message.Parts {
		switch part.Kind {
		case PartKindText, PartKindFile, PartKindData:
		default:
			return ErrInvalidParams("unknown part kind: %q", part.Kind)
		}
	}
	if p.Message.Role == "" {
		return ErrInvalidParams("message role is required")
	}
	return nil
}

// TaskIDParams identifies a task for cancel/subscribe/push-config calls.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams identifies a task for GetTask with an optional history
// window.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// ListTasksParams filters and paginates ListTasks. The page token is the
// opaque keyset cursor returned by a previous call.
type ListTasksParams struct {
	ContextID            string     `json:"contextId,omitempty"`
	State                TaskState  `json:"state,omitempty"`
	StatusTimestampAfter *time.Time `json:"statusTimestampAfter,omitempty"`
	PageSize             int        `json:"pageSize,omitempty"`
	PageToken            string     `json:"pageToken,omitempty"`
	HistoryLength        *int       `json:"historyLength,omitempty"`
	IncludeArtifacts     bool       `json:"includeArtifacts,omitempty"`
}

// ListTasksResult is one page of tasks plus the cursor for the next page.
// TotalSize is the unfiltered-by-pagination match count.
type ListTasksResult struct {
	Tasks         []*Task `json:"tasks"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
	TotalSize     int     `json:"totalSize,omitempty"`
}

// PushNotificationConfig is a webhook registration: task state is POSTed
// to URL, optionally authenticated with a bearer token, for the event
// kinds listed (empty means all).
type PushNotificationConfig struct {
	ID         string      `json:"id,omitempty"`
	URL        string      `json:"url"`
	Token      string      `json:"token,omitempty"`
	EventKinds []EventKind `json:"eventKinds,omitempty"`
}

// TaskPushConfig binds a push config to a task.
type TaskPushConfig struct {
	TaskID string                 `json:"taskId"`
	Config PushNotificationConfig `json:"pushNotificationConfig"`
}

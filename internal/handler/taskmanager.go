package handler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/taskstate"
	"github.com/relaymesh/relay/internal/taskstore"
)

// TaskManager binds one request to one task. The task id may be unknown
// until the first event carries it; after adoption every event must
// agree on the id.
type TaskManager struct {
	taskID         string
	contextID      string
	initialMessage *a2a.Message
	processor      *taskstate.Processor
	store          taskstore.Store
}

// NewTaskManager creates a manager bound to the given ids, either of
// which may be empty until adopted from the first event.
func NewTaskManager(taskID, contextID string, initialMessage *a2a.Message, processor *taskstate.Processor, store taskstore.Store) *TaskManager {
	return &TaskManager{
		taskID:         taskID,
		contextID:      contextID,
		initialMessage: initialMessage,
		processor:      processor,
		store:          store,
	}
}

// TaskID returns the bound task id, empty before adoption.
func (m *TaskManager) TaskID() string { return m.taskID }

// ProcessEvent reduces the event into task state without persisting.
// Events carrying a different task id than the bound one are rejected.
func (m *TaskManager) ProcessEvent(event a2a.Event) (*a2a.Task, error) {
	id := event.EventTaskID()
	if m.taskID == "" {
		m.taskID = id
	} else if id != "" && id != m.taskID {
		return nil, a2a.ErrInvalidRequest("event task id %s does not match bound task %s", id, m.taskID)
	}
	if m.contextID == "" {
		m.contextID = event.EventContextID()
	}
	return m.processor.ProcessEvent(event, m.initialMessage), nil
}

// ProcessAndSave reduces the event and persists the resulting snapshot.
func (m *TaskManager) ProcessAndSave(ctx context.Context, event a2a.Event) (*a2a.Task, error) {
	task, err := m.ProcessEvent(event)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	if err := m.store.Save(ctx, task, false); err != nil {
		return task, err
	}
	return task, nil
}

// UpdateWithMessage appends the message to the bound task's history.
func (m *TaskManager) UpdateWithMessage(message a2a.Message) *a2a.Task {
	return m.processor.AddMessageToHistory(m.taskID, message)
}

// GetTask returns the current snapshot, preferring in-memory state over
// the store.
func (m *TaskManager) GetTask(ctx context.Context) (*a2a.Task, error) {
	if m.taskID == "" {
		return nil, a2a.ErrTaskNotFound("")
	}
	if task := m.processor.GetTask(m.taskID); task != nil {
		return task, nil
	}
	task, err := m.store.Get(ctx, m.taskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, a2a.ErrTaskNotFound(m.taskID)
	}
	return task, err
}

// StateSink is the bus's persistence pipeline: reduce in the processor,
// then save unless the event was replicated from another node.
type StateSink struct {
	processor *taskstate.Processor
	store     taskstore.Store
	logger    *logger.Logger
}

// NewStateSink builds the event bus sink over the shared processor and
// store.
func NewStateSink(processor *taskstate.Processor, store taskstore.Store, log *logger.Logger) *StateSink {
	return &StateSink{
		processor: processor,
		store:     store,
		logger:    log.WithFields(zap.String("component", "state_sink")),
	}
}

// Process implements eventqueue.Sink.
func (s *StateSink) Process(ctx context.Context, event a2a.Event, replicated bool) (*a2a.Task, error) {
	task := s.processor.ProcessEvent(event, nil)
	if task == nil {
		return nil, nil
	}
	if err := s.store.Save(ctx, task, replicated); err != nil {
		return task, err
	}
	return task, nil
}

// StateProvider answers task liveness queries for the queue manager from
// the processor with the store as fallback.
type StateProvider struct {
	processor *taskstate.Processor
	store     taskstore.Store
}

// NewStateProvider builds the queue manager's task state provider.
func NewStateProvider(processor *taskstate.Processor, store taskstore.Store) *StateProvider {
	return &StateProvider{processor: processor, store: store}
}

// IsTaskActive implements eventqueue.StateProvider.
func (p *StateProvider) IsTaskActive(ctx context.Context, taskID string) bool {
	if task := p.processor.GetTask(taskID); task != nil {
		return !task.Status.State.IsFinal()
	}
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return !task.Status.State.IsFinal()
}

// IsTaskFinalized implements eventqueue.StateProvider.
func (p *StateProvider) IsTaskFinalized(ctx context.Context, taskID string) bool {
	if task := p.processor.GetTask(taskID); task != nil {
		return task.Status.State.IsFinal()
	}
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status.State.IsFinal()
}

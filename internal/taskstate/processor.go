// Package taskstate holds the in-memory reducer that folds task events
// into task state. It performs no I/O and never fails on unknown input;
// persistence is the task store's concern.
package taskstate

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
)

// Processor reduces events into task state, keyed by task id. Tasks live
// here from their first event until they are removed after final
// persistence. All methods are safe for concurrent use.
type Processor struct {
	mu     sync.RWMutex
	tasks  map[string]*a2a.Task
	logger *logger.Logger
}

// NewProcessor creates an empty processor.
func NewProcessor(log *logger.Logger) *Processor {
	return &Processor{
		tasks:  make(map[string]*a2a.Task),
		logger: log.WithFields(zap.String("component", "task_state_processor")),
	}
}

// ProcessEvent reduces one event into task state and returns the updated
// task, or nil for event kinds that do not touch task state. When the
// event references a task that does not exist yet, a submitted task is
// created with initialMessage as its first history entry.
func (p *Processor) ProcessEvent(event a2a.Event, initialMessage *a2a.Message) *a2a.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := event.(type) {
	case *a2a.Task:
		t := e.Clone()
		p.tasks[t.ID] = t
		return t.Clone()

	case *a2a.TaskStatusUpdateEvent:
		task := p.ensureTask(e.TaskID, e.ContextID, initialMessage)
		p.migrateStatusMessage(task)
		task.Status = statusOf(e)
		task.Metadata = mergeMetadata(task.Metadata, e.Metadata)
		return task.Clone()

	case *a2a.TaskArtifactUpdateEvent:
		task := p.ensureTask(e.TaskID, e.ContextID, initialMessage)
		applyArtifact(task, e)
		task.Metadata = mergeMetadata(task.Metadata, e.Metadata)
		return task.Clone()

	default:
		p.logger.Debug("Ignoring event kind in state reduction",
			zap.String("kind", string(event.EventKind())))
		return nil
	}
}

// AddMessageToHistory appends a message to the task's history. If the
// current status carries a message it is migrated into history first so
// ordering is preserved.
func (p *Processor) AddMessageToHistory(taskID string, message a2a.Message) *a2a.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok {
		return nil
	}
	p.migrateStatusMessage(task)
	task.History = append(task.History, *message.WithTaskRef(taskID, task.ContextID))
	return task.Clone()
}

// GetTask returns a copy of the task, or nil if the processor does not
// hold it.
func (p *Processor) GetTask(taskID string) *a2a.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tasks[taskID].Clone()
}

// SetTask stores the task as the authoritative in-memory state.
func (p *Processor) SetTask(task *a2a.Task) {
	if task == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[task.ID] = task.Clone()
}

// RemoveTask drops the task from memory. Called after final persistence.
func (p *Processor) RemoveTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, taskID)
}

// TaskIDs returns the ids currently held in memory, for sweep passes.
func (p *Processor) TaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (p *Processor) ensureTask(taskID, contextID string, initialMessage *a2a.Message) *a2a.Task {
	if task, ok := p.tasks[taskID]; ok {
		return task
	}
	task := &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Status:    a2a.NewTaskStatus(a2a.TaskStateSubmitted, nil),
	}
	if initialMessage != nil {
		task.History = []a2a.Message{*initialMessage.WithTaskRef(taskID, contextID)}
	}
	p.tasks[taskID] = task
	return task
}

// migrateStatusMessage moves the current status message into history and
// clears it. A message already at the tail of history is not appended
// again, which keeps reapplied status updates idempotent.
func (p *Processor) migrateStatusMessage(task *a2a.Task) {
	msg := task.Status.Message
	if msg == nil {
		return
	}
	task.Status.Message = nil
	if n := len(task.History); n > 0 && task.History[n-1].MessageID == msg.MessageID {
		return
	}
	task.History = append(task.History, *msg)
}

func statusOf(e *a2a.TaskStatusUpdateEvent) a2a.TaskStatus {
	st := e.Status
	if st.Timestamp.IsZero() {
		st.Timestamp = a2a.Now()
	}
	return st
}

func applyArtifact(task *a2a.Task, e *a2a.TaskArtifactUpdateEvent) {
	for i := range task.Artifacts {
		if task.Artifacts[i].ArtifactID != e.Artifact.ArtifactID {
			continue
		}
		if e.Append {
			task.Artifacts[i].Parts = append(task.Artifacts[i].Parts, e.Artifact.Clone().Parts...)
		} else {
			task.Artifacts[i] = e.Artifact.Clone()
		}
		return
	}
	task.Artifacts = append(task.Artifacts, e.Artifact.Clone())
}

// mergeMetadata overlays src onto dst, src keys winning. Returns dst when
// src is empty.
func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

package taskstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
)

// MemoryStore keeps task snapshots in a map. Snapshots are cloned on the
// way in and out so callers never share slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*a2a.Task
	finalized map[string]bool
	hook      func(taskID string)
	logger    *logger.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*a2a.Task),
		finalized: make(map[string]bool),
		logger:    log.WithFields(zap.String("component", "task_store")),
	}
}

// SetFinalizedHook implements Store.
func (s *MemoryStore) SetFinalizedHook(hook func(taskID string)) {
	s.hook = hook
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, task *a2a.Task, replicated bool) error {
	if task == nil || task.ID == "" {
		return &SerializationError{TaskID: "", Err: errMissingID}
	}
	// Replicated saves are no-ops: the originating node already
	// persisted this snapshot, and writing it again would fire the
	// finalized hook on every node.
	if replicated {
		return nil
	}

	s.mu.Lock()
	s.tasks[task.ID] = task.Clone()
	fire := false
	if task.Status.State.IsFinal() && !s.finalized[task.ID] {
		s.finalized[task.ID] = true
		fire = s.hook != nil
	}
	hook := s.hook
	s.mu.Unlock()

	if fire {
		hook(task.ID)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*a2a.Task, error) {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	delete(s.finalized, taskID)
	return nil
}

// List implements Store. The full match set is sorted by (status
// timestamp desc, id asc) and the cursor position is found by binary
// search, so a repeated token always resumes at the same boundary even
// when rows were inserted in between.
func (s *MemoryStore) List(ctx context.Context, params a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	s.mu.RLock()
	matched := make([]*a2a.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if matches(task, params) {
			matched = append(matched, task)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].Status.Timestamp.UnixMilli(), matched[j].Status.Timestamp.UnixMilli()
		if ti != tj {
			return ti > tj
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if params.PageToken != "" {
		cursor, err := decodePageToken(params.PageToken)
		if err != nil {
			return nil, err
		}
		start = sort.Search(len(matched), func(i int) bool {
			return cursor.after(matched[i])
		})
	}

	size := normalizePageSize(params.PageSize)
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}

	result := &a2a.ListTasksResult{
		Tasks:     make([]*a2a.Task, 0, end-start),
		TotalSize: len(matched),
	}
	for _, task := range matched[start:end] {
		result.Tasks = append(result.Tasks, ProjectTask(task, params.HistoryLength, params.IncludeArtifacts))
	}
	if end < len(matched) && end > start {
		result.NextPageToken = encodePageToken(matched[end-1])
	}
	return result, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

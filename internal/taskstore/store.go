// Package taskstore persists task snapshots. Three backends share one
// interface: an in-memory map for tests and single-node runs, SQLite for
// embedded deployments, and PostgreSQL for shared ones.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relay/internal/a2a"
)

// ErrNotFound is returned by Get and Delete when the task id is unknown.
var ErrNotFound = errors.New("task not found")

var errMissingID = errors.New("task id is required")

// Store persists task snapshots keyed by task id. Save overwrites the
// previous snapshot; tasks carry their full history and artifacts in the
// stored payload.
//
// The replicated flag marks saves triggered by events received from
// another node. Replicated saves are skipped entirely: the originating
// node owns persistence, and skipping also keeps the finalized hook from
// firing on every node.
type Store interface {
	// Save upserts the task snapshot.
	Save(ctx context.Context, task *a2a.Task, replicated bool) error

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, taskID string) (*a2a.Task, error)

	// Delete removes the task. Deleting an unknown id returns ErrNotFound.
	Delete(ctx context.Context, taskID string) error

	// List returns one page of tasks matching the filters, newest status
	// first, with a cursor for the next page.
	List(ctx context.Context, params a2a.ListTasksParams) (*a2a.ListTasksResult, error)

	// SetFinalizedHook registers a callback fired exactly once per task,
	// on the first non-replicated save that carries a final state. Must be
	// called before the store is shared across goroutines.
	SetFinalizedHook(hook func(taskID string))

	Close() error
}

// StorageError wraps backend failures. Transient errors (connection
// drops, lock timeouts) may be retried by the caller; others are
// permanent.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SerializationError marks a task payload that cannot be encoded or
// decoded. Always permanent.
type SerializationError struct {
	TaskID string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("task %s payload: %v", e.TaskID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// defaultPageSize bounds List when the caller does not set one.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normalizePageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

// pageCursor is the decoded keyset position: the status timestamp in unix
// milliseconds and the task id of the last row on the previous page.
type pageCursor struct {
	tsMillis int64
	id       string
}

func encodePageToken(t *a2a.Task) string {
	return fmt.Sprintf("%d:%s", t.Status.Timestamp.UnixMilli(), t.ID)
}

func decodePageToken(token string) (pageCursor, error) {
	millis, id, ok := strings.Cut(token, ":")
	if !ok || id == "" {
		return pageCursor{}, a2a.ErrInvalidParams("malformed page token")
	}
	ts, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return pageCursor{}, a2a.ErrInvalidParams("malformed page token")
	}
	return pageCursor{tsMillis: ts, id: id}, nil
}

// after reports whether the task sorts strictly after the cursor in
// (status timestamp desc, id asc) order.
func (c pageCursor) after(t *a2a.Task) bool {
	ts := t.Status.Timestamp.UnixMilli()
	if ts != c.tsMillis {
		return ts < c.tsMillis
	}
	return t.ID > c.id
}

// matches applies the List filters that are common to all backends.
func matches(t *a2a.Task, params a2a.ListTasksParams) bool {
	if params.ContextID != "" && t.ContextID != params.ContextID {
		return false
	}
	if params.State != "" && t.Status.State != params.State {
		return false
	}
	if params.StatusTimestampAfter != nil && !t.Status.Timestamp.After(*params.StatusTimestampAfter) {
		return false
	}
	return true
}

// ProjectTask trims the snapshot to the caller's requested shape. The
// stored task is never mutated.
func ProjectTask(t *a2a.Task, historyLength *int, includeArtifacts bool) *a2a.Task {
	c := t.Clone()
	if historyLength != nil {
		n := *historyLength
		if n < 0 {
			n = 0
		}
		if len(c.History) > n {
			c.History = c.History[len(c.History)-n:]
		}
		if n == 0 {
			c.History = nil
		}
	}
	if !includeArtifacts {
		c.Artifacts = nil
	}
	return c
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

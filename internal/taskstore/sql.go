package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/db"
)

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	context_id   TEXT NOT NULL,
	state        TEXT NOT NULL,
	status_ts_ms BIGINT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_status_ts ON tasks(status_ts_ms, id);
`

// SQLStore persists tasks in SQLite or PostgreSQL through a db.Pool. The
// full task snapshot is stored as a JSON payload; id, context id, state
// and status timestamp are mirrored into columns for filtering and keyset
// pagination.
type SQLStore struct {
	pool   *db.Pool
	hook   func(taskID string)
	logger *logger.Logger
}

type taskRow struct {
	ID         string `db:"id"`
	ContextID  string `db:"context_id"`
	State      string `db:"state"`
	StatusTsMs int64  `db:"status_ts_ms"`
	Payload    []byte `db:"payload"`
}

// NewSQLStore creates the store and applies the schema.
func NewSQLStore(pool *db.Pool, log *logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "task_store")),
	}
	if _, err := pool.Writer().Exec(tasksSchema); err != nil {
		return nil, &StorageError{Op: "migrate", Err: err, Transient: false}
	}
	return s, nil
}

// SetFinalizedHook implements Store.
func (s *SQLStore) SetFinalizedHook(hook func(taskID string)) {
	s.hook = hook
}

// Save implements Store. The previous state is read inside the same
// transaction as the upsert so the finalized hook fires exactly once, on
// the save that first carries a final state.
func (s *SQLStore) Save(ctx context.Context, task *a2a.Task, replicated bool) error {
	if task == nil || task.ID == "" {
		return &SerializationError{TaskID: "", Err: errMissingID}
	}
	// Replicated saves are no-ops; the originating node owns persistence.
	if replicated {
		return nil
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return &SerializationError{TaskID: task.ID, Err: err}
	}

	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "save", Err: err, Transient: true}
	}
	defer func() { _ = tx.Rollback() }()

	var prevState string
	err = tx.GetContext(ctx, &prevState, writer.Rebind(`SELECT state FROM tasks WHERE id = ?`), task.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &StorageError{Op: "save", Err: err, Transient: isTransient(err)}
	}

	upsert := writer.Rebind(`
		INSERT INTO tasks (id, context_id, state, status_ts_ms, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			context_id = excluded.context_id,
			state = excluded.state,
			status_ts_ms = excluded.status_ts_ms,
			payload = excluded.payload`)
	_, err = tx.ExecContext(ctx, upsert,
		task.ID, task.ContextID, string(task.Status.State), task.Status.Timestamp.UnixMilli(), payload)
	if err != nil {
		return &StorageError{Op: "save", Err: err, Transient: isTransient(err)}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "save", Err: err, Transient: true}
	}

	newlyFinal := task.Status.State.IsFinal() && !a2a.TaskState(prevState).IsFinal()
	if newlyFinal && !replicated && s.hook != nil {
		s.hook(task.ID)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, taskID string) (*a2a.Task, error) {
	reader := s.pool.Reader()
	var row taskRow
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT payload FROM tasks WHERE id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err, Transient: isTransient(err)}
	}
	return decodeTask(taskID, row.Payload)
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM tasks WHERE id = ?`), taskID)
	if err != nil {
		return &StorageError{Op: "delete", Err: err, Transient: isTransient(err)}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Store. Pagination is keyset-based on
// (status_ts_ms DESC, id ASC); the cursor row itself is excluded, so a
// token stays valid as rows are inserted.
func (s *SQLStore) List(ctx context.Context, params a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if params.ContextID != "" {
		where = append(where, "context_id = ?")
		args = append(args, params.ContextID)
	}
	if params.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(params.State))
	}
	if params.StatusTimestampAfter != nil {
		where = append(where, "status_ts_ms > ?")
		args = append(args, params.StatusTimestampAfter.UnixMilli())
	}

	countArgs := append([]any(nil), args...)
	countQuery := "SELECT COUNT(*) FROM tasks"
	if len(where) > 0 {
		countQuery += " WHERE " + strings.Join(where, " AND ")
	}

	if params.PageToken != "" {
		cursor, err := decodePageToken(params.PageToken)
		if err != nil {
			return nil, err
		}
		where = append(where, "(status_ts_ms < ? OR (status_ts_ms = ? AND id > ?))")
		args = append(args, cursor.tsMillis, cursor.tsMillis, cursor.id)
	}

	size := normalizePageSize(params.PageSize)
	query := "SELECT id, context_id, state, status_ts_ms, payload FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// One extra row to detect whether another page exists.
	query += fmt.Sprintf(" ORDER BY status_ts_ms DESC, id ASC LIMIT %d", size+1)

	reader := s.pool.Reader()
	var rows []taskRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list", Err: err, Transient: isTransient(err)}
	}

	var total int
	if err := reader.GetContext(ctx, &total, reader.Rebind(countQuery), countArgs...); err != nil {
		return nil, &StorageError{Op: "list", Err: err, Transient: isTransient(err)}
	}

	hasMore := len(rows) > size
	if hasMore {
		rows = rows[:size]
	}

	result := &a2a.ListTasksResult{
		Tasks:     make([]*a2a.Task, 0, len(rows)),
		TotalSize: total,
	}
	for _, row := range rows {
		task, err := decodeTask(row.ID, row.Payload)
		if err != nil {
			return nil, err
		}
		result.Tasks = append(result.Tasks, ProjectTask(task, params.HistoryLength, params.IncludeArtifacts))
	}
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		result.NextPageToken = fmt.Sprintf("%d:%s", last.StatusTsMs, last.ID)
	}
	return result, nil
}

// Close implements Store.
func (s *SQLStore) Close() error { return s.pool.Close() }

func decodeTask(taskID string, payload []byte) (*a2a.Task, error) {
	var task a2a.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, &SerializationError{TaskID: taskID, Err: err}
	}
	return &task, nil
}

// isTransient classifies backend errors worth retrying: cancellation and
// deadline bubbles from the caller's context, closed connections, and
// SQLite lock contention surfaced as "database is locked".
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

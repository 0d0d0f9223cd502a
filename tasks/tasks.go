// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// This package implements the durable transcription task queue. Tasks move
// through a five-state machine (pending -> processing -> completed / failed /
// cancelled, with processing -> pending on retry); every transition commits
// atomically in the store, so a crash on either side of a claim never strands
// or re-runs a task.

package tasks

import (
	"context"
	"encoding/json"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/ats/engines"
	"github.com/kbase/ats/store"
)

// transcription task status
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Returns true for the absorbing states (completed, failed, cancelled).
func (status TaskStatus) Terminal() bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// returns true if the status is one of the five recognized states
func validStatus(status TaskStatus) bool {
	switch status {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// a record storing all information relevant to a transcription task
type Task struct {
	// unique identifier for the task
	Id string
	// identifier of the audio file to transcribe
	FileId string
	// current status
	Status TaskStatus
	// scheduling priority (higher = sooner)
	Priority int
	// number of times the task has been retried, and its ceiling
	RetryCount, MaxRetries int
	// identifier of the worker holding the claim (nil unless processing)
	WorkerId *string
	// claim and heartbeat times (nil until claimed at least once)
	StartedAt, LastHeartbeat *time.Time
	// per-task timeout hint (seconds)
	TimeoutSeconds int
	// transcription progress in [0, 100]
	Progress float64
	// seconds of audio transcribed (nil until completed)
	Duration *float64
	// transcribed segments (nil except on completed tasks)
	Segments []engines.Segment
	// the most recent failure message, if any
	Error *string
	// times at which the task was created and reached a terminal state
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// the column list shared by every query that reconstructs a Task
const taskColumns = `id, file_id, status, priority, retry_count, max_retries,
	worker_id, started_at, last_heartbeat, timeout_seconds, progress, duration,
	segments, error, created_at, completed_at`

// This type provides the queue operations shared by the service (producer
// side) and the workers (consumer side).
type Queue struct {
	Store *store.Store
}

// creates a task queue backed by the given store
func NewQueue(s *store.Store) *Queue {
	return &Queue{Store: s}
}

// Inserts a new pending task for the given file. Returns a DuplicateIdError
// if a task with this ID already exists and an UnknownFileError if no file
// record matches fileId.
func (queue *Queue) Enqueue(ctx context.Context, taskId, fileId string,
	priority, maxRetries int) (err error) {

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return err
	}
	defer queue.Store.Put(conn)
	defer sqlitex.Save(conn)(&err)

	var fileExists, taskExists bool
	err = sqlitex.Execute(conn, `SELECT 1 FROM files WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{fileId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				fileExists = true
				return nil
			},
		})
	if err != nil {
		return err
	}
	if !fileExists {
		return &UnknownFileError{FileId: fileId}
	}
	err = sqlitex.Execute(conn, `SELECT 1 FROM transcription_tasks WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{taskId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				taskExists = true
				return nil
			},
		})
	if err != nil {
		return err
	}
	if taskExists {
		return &DuplicateIdError{Id: taskId}
	}
	return sqlitex.Execute(conn,
		`INSERT INTO transcription_tasks
		 (id, file_id, status, priority, max_retries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{taskId, fileId, string(TaskPending), priority,
				maxRetries, store.FormatTime(time.Now())},
		})
}

// Atomically claims the highest-priority pending task for the given worker,
// marking it processing and returning its post-claim image. Returns nil if
// the queue is empty. The select-and-update happens in a single statement,
// so two concurrent callers never receive the same task.
func (queue *Queue) Dequeue(ctx context.Context, workerId string) (*Task, error) {
	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer queue.Store.Put(conn)

	now := store.FormatTime(time.Now())
	var task *Task
	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, worker_id = ?, started_at = ?, last_heartbeat = ?
		 WHERE id IN (
		     SELECT id FROM transcription_tasks
		     WHERE status = ?
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		 )
		 RETURNING `+taskColumns,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskProcessing), workerId, now, now,
				string(TaskPending)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				claimed, err := scanTask(stmt)
				if err != nil {
					return err
				}
				task = &claimed
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Updates the claim's heartbeat time and progress, but only while the task
// is still processing. Returns true iff a row was updated; a heartbeat never
// resurrects a cancelled or completed task.
func (queue *Queue) Heartbeat(ctx context.Context, taskId string,
	progress float64) (bool, error) {

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return false, err
	}
	defer queue.Store.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET last_heartbeat = ?, progress = ?
		 WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{store.FormatTime(time.Now()), progress, taskId,
				string(TaskProcessing)},
		})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

// Transitions a processing task to completed, recording its segments and
// audio duration. Returns true iff the transition applied; a false return
// means a cancellation (or sweep) won the race and the result should be
// discarded.
func (queue *Queue) Complete(ctx context.Context, taskId string,
	segments []engines.Segment, duration float64) (bool, error) {

	if segments == nil {
		segments = []engines.Segment{} // completed tasks always carry a segment list
	}
	segmentData, err := json.Marshal(segments)
	if err != nil {
		return false, err
	}

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return false, err
	}
	defer queue.Store.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, segments = ?, duration = ?, progress = 100.0,
		     completed_at = ?
		 WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskCompleted), string(segmentData), duration,
				store.FormatTime(time.Now()), taskId, string(TaskProcessing)},
		})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

// Reports a failure for a processing task. When shouldRetry is true and the
// retry ceiling has not been reached, the task returns to pending with its
// retry count incremented; otherwise it becomes terminally failed. The retry
// ceiling is checked inside the UPDATE predicate, not by a prior read, so
// concurrent failures cannot push retry_count past max_retries. Returns true
// iff the task was still processing.
func (queue *Queue) Fail(ctx context.Context, taskId, message string,
	shouldRetry bool) (applied bool, err error) {

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return false, err
	}
	defer queue.Store.Put(conn)
	defer sqlitex.Save(conn)(&err)

	if shouldRetry {
		err = sqlitex.Execute(conn,
			`UPDATE transcription_tasks
			 SET status = ?, retry_count = retry_count + 1, error = ?,
			     worker_id = NULL, started_at = NULL
			 WHERE id = ? AND status = ? AND retry_count < max_retries`,
			&sqlitex.ExecOptions{
				Args: []any{string(TaskPending), message, taskId,
					string(TaskProcessing)},
			})
		if err != nil {
			return false, err
		}
		if conn.Changes() > 0 {
			return true, nil
		}
	}

	// either retries were declined or the ceiling was already reached
	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskFailed), message,
				store.FormatTime(time.Now()), taskId, string(TaskProcessing)},
		})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

// Cancels a pending or processing task. Returns true iff the task was
// cancellable; terminal tasks are unaffected. A worker holding the claim
// observes the cancellation at its next segment boundary.
func (queue *Queue) Cancel(ctx context.Context, taskId string) (bool, error) {
	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return false, err
	}
	defer queue.Store.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskCancelled), store.FormatTime(time.Now()),
				taskId, string(TaskPending), string(TaskProcessing)},
		})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

// Retrieves a task by ID, returning a NotFoundError if no such task exists.
func (queue *Queue) GetTask(ctx context.Context, taskId string) (Task, error) {
	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return Task{}, err
	}
	defer queue.Store.Put(conn)

	var task Task
	found := false
	err = sqlitex.Execute(conn,
		`SELECT `+taskColumns+` FROM transcription_tasks WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{taskId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanTask(stmt)
				if err != nil {
					return err
				}
				found = true
				task = scanned
				return nil
			},
		})
	if err != nil {
		return Task{}, err
	}
	if !found {
		return Task{}, &NotFoundError{Id: taskId}
	}
	return task, nil
}

// Lists tasks in descending creation order, optionally filtered by status
// (pass "" for all). Returns an InvalidStatusError for unrecognized filters.
func (queue *Queue) ListTasks(ctx context.Context, status TaskStatus,
	limit, offset int) ([]Task, error) {

	if status != "" && !validStatus(status) {
		return nil, &InvalidStatusError{Status: string(status)}
	}

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer queue.Store.Put(conn)

	query := `SELECT ` + taskColumns + ` FROM transcription_tasks `
	args := make([]any, 0, 3)
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, string(status))
	}
	query += `ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	listed := make([]Task, 0)
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task, err := scanTask(stmt)
			if err != nil {
				return err
			}
			listed = append(listed, task)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return listed, nil
}

// Counts tasks, optionally filtered by status (pass "" for all).
func (queue *Queue) CountTasks(ctx context.Context, status TaskStatus) (int, error) {
	if status != "" && !validStatus(status) {
		return 0, &InvalidStatusError{Status: string(status)}
	}

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer queue.Store.Put(conn)

	query := `SELECT COUNT(*) FROM transcription_tasks`
	args := make([]any, 0, 1)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	count := 0
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// this helper reconstructs a Task from a result row that selected
// taskColumns in order
func scanTask(stmt *sqlite.Stmt) (Task, error) {
	var task Task
	task.Id = stmt.ColumnText(0)
	task.FileId = stmt.ColumnText(1)
	task.Status = TaskStatus(stmt.ColumnText(2))
	task.Priority = int(stmt.ColumnInt64(3))
	task.RetryCount = int(stmt.ColumnInt64(4))
	task.MaxRetries = int(stmt.ColumnInt64(5))
	if stmt.ColumnType(6) != sqlite.TypeNull {
		workerId := stmt.ColumnText(6)
		task.WorkerId = &workerId
	}
	if stmt.ColumnType(7) != sqlite.TypeNull {
		startedAt, err := store.ParseTime(stmt.ColumnText(7))
		if err != nil {
			return task, err
		}
		task.StartedAt = &startedAt
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		lastHeartbeat, err := store.ParseTime(stmt.ColumnText(8))
		if err != nil {
			return task, err
		}
		task.LastHeartbeat = &lastHeartbeat
	}
	task.TimeoutSeconds = int(stmt.ColumnInt64(9))
	task.Progress = stmt.ColumnFloat(10)
	if stmt.ColumnType(11) != sqlite.TypeNull {
		duration := stmt.ColumnFloat(11)
		task.Duration = &duration
	}
	if stmt.ColumnType(12) != sqlite.TypeNull {
		if err := json.Unmarshal([]byte(stmt.ColumnText(12)), &task.Segments); err != nil {
			return task, err
		}
	}
	if stmt.ColumnType(13) != sqlite.TypeNull {
		message := stmt.ColumnText(13)
		task.Error = &message
	}
	createdAt, err := store.ParseTime(stmt.ColumnText(14))
	if err != nil {
		return task, err
	}
	task.CreatedAt = createdAt
	if stmt.ColumnType(15) != sqlite.TypeNull {
		completedAt, err := store.ParseTime(stmt.ColumnText(15))
		if err != nil {
			return task, err
		}
		task.CompletedAt = &completedAt
	}
	return task, nil
}

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

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/ats/store"
)

// Reclaims processing tasks whose claim is older than the given timeout. Each
// qualifying task below its retry ceiling returns to pending with its retry
// count incremented; tasks already at the ceiling become terminally failed.
// Both statements run in one transaction. Returns the number of tasks
// requeued and the number terminally failed.
func (queue *Queue) RequeueTimeoutTasks(ctx context.Context,
	timeout time.Duration) (requeued, failed int, err error) {

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer queue.Store.Put(conn)
	defer sqlitex.Save(conn)(&err)

	cutoff := store.FormatTime(time.Now().Add(-timeout))
	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, worker_id = NULL, started_at = NULL,
		     retry_count = retry_count + 1, error = 'Task timeout - requeued'
		 WHERE status = ? AND started_at < ? AND retry_count < max_retries`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskPending), string(TaskProcessing), cutoff},
		})
	if err != nil {
		return 0, 0, err
	}
	requeued = conn.Changes()

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, completed_at = ?,
		     error = 'Task timeout - max retries exceeded'
		 WHERE status = ? AND started_at < ? AND retry_count >= max_retries`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskFailed), store.FormatTime(time.Now()),
				string(TaskProcessing), cutoff},
		})
	if err != nil {
		return requeued, 0, err
	}
	failed = conn.Changes()
	return requeued, failed, nil
}

// Reclaims processing tasks whose worker has gone silent: the claim is held
// but no heartbeat has arrived within the given timeout. Same requeue-or-fail
// structure as RequeueTimeoutTasks.
func (queue *Queue) RequeueDeadWorkers(ctx context.Context,
	heartbeatTimeout time.Duration) (requeued, failed int, err error) {

	conn, err := queue.Store.Take(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer queue.Store.Put(conn)
	defer sqlitex.Save(conn)(&err)

	cutoff := store.FormatTime(time.Now().Add(-heartbeatTimeout))
	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, worker_id = NULL, started_at = NULL,
		     retry_count = retry_count + 1,
		     error = 'Worker heartbeat timeout - requeued'
		 WHERE status = ? AND last_heartbeat < ? AND retry_count < max_retries`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskPending), string(TaskProcessing), cutoff},
		})
	if err != nil {
		return 0, 0, err
	}
	requeued = conn.Changes()

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks
		 SET status = ?, completed_at = ?,
		     error = 'Worker heartbeat timeout - max retries exceeded'
		 WHERE status = ? AND last_heartbeat < ? AND retry_count >= max_retries`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskFailed), store.FormatTime(time.Now()),
				string(TaskProcessing), cutoff},
		})
	if err != nil {
		return requeued, 0, err
	}
	failed = conn.Changes()
	return requeued, failed, nil
}

// This type periodically reclaims tasks abandoned by crashed or stuck
// workers. It runs out of the workers' hot path so a swamped worker pool
// cannot also stop the reclamation of dead claims.
type Sweeper struct {
	Queue *Queue
	// time between maintenance passes
	Interval time.Duration
	// age at which a claim is considered timed out
	TaskTimeout time.Duration
	// heartbeat silence after which a worker is considered dead
	HeartbeatTimeout time.Duration

	stopChan chan struct{}
}

// creates a sweeper for the given queue
func NewSweeper(queue *Queue, interval, taskTimeout,
	heartbeatTimeout time.Duration) *Sweeper {
	return &Sweeper{
		Queue:            queue,
		Interval:         interval,
		TaskTimeout:      taskTimeout,
		HeartbeatTimeout: heartbeatTimeout,
	}
}

// Starts sweeping in a goroutine until Stop is called.
func (sweeper *Sweeper) Start() {
	if sweeper.stopChan != nil {
		return // already running
	}
	sweeper.stopChan = make(chan struct{})
	slog.Info(fmt.Sprintf("Sweeper: reclaiming abandoned tasks every %g s",
		sweeper.Interval.Seconds()))
	go func() {
		ticker := time.NewTicker(sweeper.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweeper.Sweep(context.Background())
			case <-sweeper.stopChan:
				return
			}
		}
	}()
}

// Halts a running sweeper.
func (sweeper *Sweeper) Stop() {
	if sweeper.stopChan != nil {
		close(sweeper.stopChan)
		sweeper.stopChan = nil
	}
}

// Runs a single maintenance pass: timed-out claims first, then
// heartbeat-silent ones. Both passes are idempotent. Returns the total number
// of tasks reclaimed (requeued or terminally failed).
func (sweeper *Sweeper) Sweep(ctx context.Context) int {
	reclaimed := 0

	requeued, failed, err := sweeper.Queue.RequeueTimeoutTasks(ctx, sweeper.TaskTimeout)
	if err != nil {
		slog.Error(fmt.Sprintf("Sweeper: requeueing timed-out tasks: %s", err.Error()))
	} else {
		if requeued > 0 {
			slog.Info(fmt.Sprintf("Sweeper: requeued %d timed-out task(s)", requeued))
		}
		if failed > 0 {
			slog.Info(fmt.Sprintf("Sweeper: failed %d timed-out task(s) at the retry ceiling", failed))
		}
		reclaimed += requeued + failed
	}

	requeued, failed, err = sweeper.Queue.RequeueDeadWorkers(ctx, sweeper.HeartbeatTimeout)
	if err != nil {
		slog.Error(fmt.Sprintf("Sweeper: requeueing tasks from dead workers: %s", err.Error()))
	} else {
		if requeued > 0 {
			slog.Info(fmt.Sprintf("Sweeper: requeued %d task(s) from dead workers", requeued))
		}
		if failed > 0 {
			slog.Info(fmt.Sprintf("Sweeper: failed %d heartbeat-silent task(s) at the retry ceiling", failed))
		}
		reclaimed += requeued + failed
	}

	return reclaimed
}

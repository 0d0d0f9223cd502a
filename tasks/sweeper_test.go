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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/ats/store"
)

// runs the sweeper tests serially, sharing the task database set up in
// tasks_test.go
func TestSweeperRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestSweepRequeuesTimedOutTasks()
	tester.TestSweepFailsPoisonPills()
	tester.TestSweepRequeuesDeadWorkerTasks()
	tester.TestSweepLeavesHealthyTasksAlone()
	tester.TestSweeperStartAndStop()
}

// backdates a task's claim so it looks abandoned
func backdateClaim(t *testing.T, taskId string, age time.Duration) {
	conn, err := queue.Store.Take(context.Background())
	assert.Nil(t, err)
	defer queue.Store.Put(conn)

	then := store.FormatTime(time.Now().Add(-age))
	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks SET started_at = ?, last_heartbeat = ?
		 WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{then, then, taskId},
		})
	assert.Nil(t, err)
}

// backdates only a task's heartbeat, leaving its claim recent
func backdateHeartbeat(t *testing.T, taskId string, age time.Duration) {
	conn, err := queue.Store.Take(context.Background())
	assert.Nil(t, err)
	defer queue.Store.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE transcription_tasks SET last_heartbeat = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{store.FormatTime(time.Now().Add(-age)), taskId},
		})
	assert.Nil(t, err)
}

func (t *SerialTests) TestSweepRequeuesTimedOutTasks() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	drainQueue(t.Test)
	taskId := newTask(t.Test, 0, 3)
	_, err := queue.Dequeue(ctx, "worker-timeout-test")
	assert.Nil(err)
	backdateClaim(t.Test, taskId, time.Hour)

	requeued, failed, err := queue.RequeueTimeoutTasks(ctx, 30*time.Minute)
	assert.Nil(err)
	assert.Equal(1, requeued)
	assert.Equal(0, failed)

	task, err := queue.GetTask(ctx, taskId)
	assert.Nil(err)
	assert.Equal(TaskPending, task.Status)
	assert.Equal(1, task.RetryCount)
	assert.Nil(task.WorkerId)
	assert.Nil(task.StartedAt)
	assert.Contains(*task.Error, "requeued")

	// the requeued task can be claimed again
	claimed, err := queue.Dequeue(ctx, "worker-timeout-test")
	assert.Nil(err)
	assert.Equal(taskId, claimed.Id)
}

// A task that times out on every attempt burns through its retry budget and
// then fails terminally instead of cycling forever.
func (t *SerialTests) TestSweepFailsPoisonPills() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	drainQueue(t.Test)
	taskId := newTask(t.Test, 0, 2)
	sweeper := NewSweeper(queue, time.Minute, 30*time.Minute, 30*time.Minute)

	for n := 0; n < 3; n++ {
		task, err := queue.Dequeue(ctx, "worker-poison-test")
		assert.Nil(err)
		assert.Equal(taskId, task.Id)
		backdateClaim(t.Test, taskId, time.Hour)
		reclaimed := sweeper.Sweep(ctx)
		assert.Equal(1, reclaimed)
	}

	task, err := queue.GetTask(ctx, taskId)
	assert.Nil(err)
	assert.Equal(TaskFailed, task.Status)
	assert.Equal(2, task.RetryCount)
	assert.Contains(*task.Error, "max retries exceeded")
	assert.NotNil(task.CompletedAt)

	// the failed task never returns to the queue
	claimed, err := queue.Dequeue(ctx, "worker-poison-test")
	assert.Nil(err)
	assert.Nil(claimed)
}

func (t *SerialTests) TestSweepRequeuesDeadWorkerTasks() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	drainQueue(t.Test)
	taskId := newTask(t.Test, 0, 3)
	_, err := queue.Dequeue(ctx, "worker-dead-test")
	assert.Nil(err)
	backdateHeartbeat(t.Test, taskId, 10*time.Minute)

	// the claim is recent, so the timeout pass leaves the task alone
	requeued, failed, err := queue.RequeueTimeoutTasks(ctx, 30*time.Minute)
	assert.Nil(err)
	assert.Equal(0, requeued+failed)

	// but the heartbeat pass reclaims it
	requeued, failed, err = queue.RequeueDeadWorkers(ctx, 5*time.Minute)
	assert.Nil(err)
	assert.Equal(1, requeued)
	assert.Equal(0, failed)

	task, err := queue.GetTask(ctx, taskId)
	assert.Nil(err)
	assert.Equal(TaskPending, task.Status)
	assert.Equal(1, task.RetryCount)
	assert.Contains(strings.ToLower(*task.Error), "heartbeat")
}

func (t *SerialTests) TestSweepLeavesHealthyTasksAlone() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	drainQueue(t.Test)
	taskId := newTask(t.Test, 0, 3)
	_, err := queue.Dequeue(ctx, "worker-healthy-test")
	assert.Nil(err)

	sweeper := NewSweeper(queue, time.Minute, 30*time.Minute, 5*time.Minute)
	reclaimed := sweeper.Sweep(ctx)
	assert.Equal(0, reclaimed)

	task, err := queue.GetTask(ctx, taskId)
	assert.Nil(err)
	assert.Equal(TaskProcessing, task.Status)
	assert.Equal(0, task.RetryCount)
}

func (t *SerialTests) TestSweeperStartAndStop() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	drainQueue(t.Test)
	taskId := newTask(t.Test, 0, 3)
	_, err := queue.Dequeue(ctx, "worker-ticker-test")
	assert.Nil(err)
	backdateClaim(t.Test, taskId, time.Hour)

	sweeper := NewSweeper(queue, 50*time.Millisecond, 30*time.Minute, 30*time.Minute)
	sweeper.Start()
	sweeper.Start() // a second start is a no-op

	// wait for a tick to reclaim the abandoned task
	deadline := time.Now().Add(2 * time.Second)
	for {
		task, err := queue.GetTask(ctx, taskId)
		assert.Nil(err)
		if task.Status == TaskPending || time.Now().After(deadline) {
			assert.Equal(TaskPending, task.Status)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sweeper.Stop()
	sweeper.Stop() // as is a second stop
}

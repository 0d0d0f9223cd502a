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

// This package implements the transcription worker: a single-threaded loop
// that claims tasks from the shared queue, drives an engine over the audio,
// streams heartbeats back, and reports the terminal state. Several workers
// may run against one store; the queue's atomic claim keeps them from
// stepping on each other.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kbase/ats/engines"
	"github.com/kbase/ats/files"
	"github.com/kbase/ats/journal"
	"github.com/kbase/ats/tasks"
)

// This type holds the state of a single worker. Within a worker, execution
// is sequential; the only cross-goroutine state is the shutdown flag.
type Worker struct {
	// opaque worker identity, unique among live workers
	Id string
	// the queue from which tasks are claimed
	Queue *tasks.Queue
	// the registry used to locate audio files
	Files *files.Registry
	// the transcription engine driven by this worker
	Engine engines.Engine
	// options passed to the engine for every task
	Options engines.TranscribeOptions
	// time slept between empty dequeues
	PollInterval time.Duration
	// time slept after an unexpected loop failure
	ErrorPause time.Duration

	// set by Stop (possibly from a signal handler goroutine)
	stopped atomic.Bool
	// progress last reported by the engine for the current task
	progress float64
}

// Creates a worker with a fresh identity for the given queue, file registry,
// and engine.
func New(queue *tasks.Queue, registry *files.Registry, engine engines.Engine) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Worker{
		Id:           fmt.Sprintf("worker-%s-%s", host, uuid.New().String()),
		Queue:        queue,
		Files:        registry,
		Engine:       engine,
		Options:      engines.DefaultTranscribeOptions(),
		PollInterval: 1 * time.Second,
		ErrorPause:   5 * time.Second,
	}
}

// Requests that the worker stop. If a task is mid-flight, it runs to its
// terminal state (or observes cancellation) before the loop exits.
func (worker *Worker) Stop() {
	worker.stopped.Store(true)
}

// Runs the worker loop until Stop is called or the context is canceled. A
// failing task never stops the worker: unexpected errors are logged, the
// worker pauses briefly, and polling resumes.
func (worker *Worker) Run(ctx context.Context) {
	slog.Info(fmt.Sprintf("Worker started: %s", worker.Id))
	for !worker.stopped.Load() && ctx.Err() == nil {
		worker.poll(ctx)
	}
	slog.Info(fmt.Sprintf("Worker stopped: %s", worker.Id))
}

// this helper performs one iteration of the worker loop, isolating panics so
// one bad task can't take the loop down
func (worker *Worker) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("Worker %s: recovered: %v", worker.Id, r))
			worker.pause(ctx, worker.ErrorPause)
		}
	}()

	task, err := worker.Queue.Dequeue(ctx, worker.Id)
	if err != nil {
		slog.Error(fmt.Sprintf("Worker %s: dequeue: %s", worker.Id, err.Error()))
		worker.pause(ctx, worker.ErrorPause)
		return
	}
	if task == nil {
		worker.pause(ctx, worker.PollInterval)
		return
	}
	worker.transcribe(ctx, *task)
}

// this helper executes the transcription for a single claimed task
func (worker *Worker) transcribe(ctx context.Context, task tasks.Task) {
	slog.Info(fmt.Sprintf("Task %s: starting transcription", task.Id))
	worker.progress = 0

	// preflight: a task whose file is gone can never succeed, so a retry
	// would only burn the retry budget
	file, err := worker.Files.GetFile(ctx, task.FileId)
	if err != nil {
		var notFound *files.NotFoundError
		if errors.As(err, &notFound) {
			worker.fail(ctx, task, fmt.Sprintf("File not found: %s", task.FileId), false)
		} else {
			worker.fail(ctx, task, err.Error(), true)
		}
		return
	}
	if _, err := os.Stat(file.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			worker.fail(ctx, task, fmt.Sprintf("File does not exist: %s", file.Path), false)
		} else {
			worker.fail(ctx, task, err.Error(), true)
		}
		return
	}

	onProgress := func(progress float64) {
		worker.progress = progress
		slog.Debug(fmt.Sprintf("Task %s: progress %.1f%%", task.Id, progress))
	}

	iterator, err := worker.Engine.Transcribe(file.Path, worker.Options, onProgress)
	if err != nil {
		worker.fail(ctx, task, err.Error(), true)
		return
	}

	segments := make([]engines.Segment, 0)
	duration := 0.0
	for {
		segment, ok := iterator.Next()
		if !ok {
			break
		}
		segments = append(segments, segment)
		duration = max(duration, segment.End)

		// cancellation is cooperative: check for it at each segment boundary
		// and abandon the claim without writing anything
		current, err := worker.Queue.GetTask(ctx, task.Id)
		if err == nil && current.Status == tasks.TaskCancelled {
			slog.Warn(fmt.Sprintf("Task %s: cancelled mid-transcription", task.Id))
			return
		}

		// transient heartbeat failures must not kill the task; if the store
		// is truly unreachable the sweeper will reclaim the claim
		if _, err := worker.Queue.Heartbeat(ctx, task.Id, worker.progress); err != nil {
			slog.Error(fmt.Sprintf("Task %s: heartbeat: %s", task.Id, err.Error()))
		}
	}
	if err := iterator.Err(); err != nil {
		slog.Error(fmt.Sprintf("Task %s: transcription failed: %s", task.Id, err.Error()))
		worker.fail(ctx, task, err.Error(), true)
		return
	}

	// an empty transcription is a success, not a failure
	if len(segments) == 0 {
		slog.Warn(fmt.Sprintf("Task %s: no segments found (the file may be "+
			"silent, or voice detection filtered all content)", task.Id))
	}

	applied, err := worker.Queue.Complete(ctx, task.Id, segments, duration)
	if err != nil {
		slog.Error(fmt.Sprintf("Task %s: complete: %s", task.Id, err.Error()))
		return
	}
	if applied {
		slog.Info(fmt.Sprintf("Task %s: completed (%d segment(s), duration %.2f s)",
			task.Id, len(segments), duration))
	} else {
		slog.Warn(fmt.Sprintf("Task %s: cancelled before completion; result discarded",
			task.Id))
	}
	worker.recordOutcome(ctx, task)
}

// this helper reports a task failure and journals the outcome if the task
// reached a terminal state
func (worker *Worker) fail(ctx context.Context, task tasks.Task, message string,
	shouldRetry bool) {

	slog.Error(fmt.Sprintf("Task %s: %s", task.Id, message))
	applied, err := worker.Queue.Fail(ctx, task.Id, message, shouldRetry)
	if err != nil {
		slog.Error(fmt.Sprintf("Task %s: fail: %s", task.Id, err.Error()))
		return
	}
	if !applied {
		slog.Warn(fmt.Sprintf("Task %s: no longer processing; failure discarded", task.Id))
	}
	worker.recordOutcome(ctx, task)
}

// this helper writes a journal record for a task that reached a terminal
// state; journaling is best-effort and never affects the task itself
func (worker *Worker) recordOutcome(ctx context.Context, task tasks.Task) {
	if !journal.IsOpen() {
		return
	}
	current, err := worker.Queue.GetTask(ctx, task.Id)
	if err != nil || !current.Status.Terminal() {
		return
	}
	record := journal.Record{
		TaskId:      current.Id,
		FileId:      current.FileId,
		WorkerId:    worker.Id,
		Status:      string(current.Status),
		NumSegments: len(current.Segments),
		StopTime:    time.Now(),
	}
	if current.StartedAt != nil {
		record.StartTime = *current.StartedAt
	}
	if current.Duration != nil {
		record.Duration = *current.Duration
	}
	if current.Error != nil {
		record.Error = *current.Error
	}
	if current.CompletedAt != nil {
		record.StopTime = *current.CompletedAt
	}
	if err := journal.RecordTranscription(record); err != nil {
		slog.Error(fmt.Sprintf("Task %s: journal: %s", task.Id, err.Error()))
	}
}

// this helper sleeps for the given duration, returning early on shutdown
func (worker *Worker) pause(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

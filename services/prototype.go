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

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/kbase/ats/config"
	"github.com/kbase/ats/files"
	"github.com/kbase/ats/store"
	"github.com/kbase/ats/tasks"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the TranscriptionService interface, accepting audio
// files and transcription requests and exposing the state of the task queue.
// The transcription itself is done by separately launched worker processes
// that share the service's database.
type prototype struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server
	// registry of audio file records
	Files *files.Registry
	// the task queue shared with the workers
	Queue *tasks.Queue
	// reclaims tasks abandoned by crashed workers
	Sweeper *tasks.Sweeper
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *prototype) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

// This handler accepts an audio file upload (multipart/form-data, field name
// "file") and registers it. It is mounted directly on the router rather than
// through the API wrapper, which has no natural representation for multipart
// bodies.
func (service *prototype) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.Uploads.MaxFileSize)
	uploaded, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Sprintf("The file exceeds the maximum size of %d bytes",
				config.Uploads.MaxFileSize), http.StatusRequestEntityTooLarge)
		} else {
			writeError(w, "The request has no 'file' field", http.StatusBadRequest)
		}
		return
	}
	defer uploaded.Close()

	if !files.ExtensionAllowed(header.Filename) {
		writeError(w, fmt.Sprintf("Unsupported file type (supported: %s)",
			strings.Join(files.AllowedExtensions(), ", ")), http.StatusBadRequest)
		return
	}
	contentType := files.InferContentType(header.Filename)

	// store the content under the record's ID so uploads can't clobber each
	// other regardless of their original names
	fileId := uuid.New().String()
	path := filepath.Join(config.Uploads.Directory,
		fileId+strings.ToLower(filepath.Ext(header.Filename)))
	destination, err := os.Create(path)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	size, err := io.Copy(destination, uploaded)
	destination.Close()
	if err != nil {
		os.Remove(path)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Sprintf("The file exceeds the maximum size of %d bytes",
				config.Uploads.MaxFileSize), http.StatusRequestEntityTooLarge)
		} else {
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	file := files.File{
		Id:          fileId,
		Filename:    header.Filename,
		Path:        path,
		Size:        size,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}
	if err := service.Files.CreateFile(r.Context(), file); err != nil {
		os.Remove(path)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info(fmt.Sprintf("Registered file %s (%s, %d bytes)", fileId,
		header.Filename, size))
	data, _ := json.Marshal(fileResponse(file))
	writeJson(w, data, http.StatusCreated)
}

type FileOutput struct {
	Body FileResponse `doc:"Information about the requested file"`
}

// handler method for querying a registered file
func (service *prototype) getFile(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"the ID of a registered audio file"`
	}) (*FileOutput, error) {

	file, err := service.Files.GetFile(ctx, input.Id)
	if err != nil {
		var notFound *files.NotFoundError
		if errors.As(err, &notFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	return &FileOutput{
		Body: fileResponse(file),
	}, nil
}

type FileDeletionOutput struct {
	Status int
}

// handler method for deleting a registered file and its content
func (service *prototype) deleteFile(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"the ID of a registered audio file"`
	}) (*FileDeletionOutput, error) {

	file, err := service.Files.GetFile(ctx, input.Id)
	if err != nil {
		var notFound *files.NotFoundError
		if errors.As(err, &notFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}

	// the record is authoritative, so remove it first; losing an orphaned
	// file on disk is preferable to a record pointing at nothing
	if _, err := service.Files.DeleteFile(ctx, input.Id); err != nil {
		return nil, err
	}
	if err := os.Remove(file.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error(fmt.Sprintf("Deleting %s: %s", file.Path, err.Error()))
	}

	slog.Info(fmt.Sprintf("Deleted file %s", input.Id))
	return &FileDeletionOutput{
		Status: http.StatusNoContent,
	}, nil
}

type TranscriptionOutput struct {
	Body   TranscriptionResponse `doc:"The state of the requested transcription task"`
	Status int
}

// handler method for requesting a transcription of a registered file
func (service *prototype) createTranscription(ctx context.Context,
	input *struct {
		Body        TranscriptionRequest `doc:"The body of a POST request for a transcription"`
		ContentType string               `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*TranscriptionOutput, error) {

	if input.Body.FileId == "" {
		return nil, huma.Error400BadRequest("No file_id was given")
	}
	maxRetries := config.Service.MaxRetries
	if input.Body.MaxRetries != nil {
		if *input.Body.MaxRetries < 0 {
			return nil, huma.Error400BadRequest("max_retries cannot be negative")
		}
		maxRetries = *input.Body.MaxRetries
	}

	taskId := uuid.New().String()
	err := service.Queue.Enqueue(ctx, taskId, input.Body.FileId,
		input.Body.Priority, maxRetries)
	if err != nil {
		var unknownFile *tasks.UnknownFileError
		if errors.As(err, &unknownFile) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}

	slog.Info(fmt.Sprintf("Enqueued task %s for file %s", taskId, input.Body.FileId))
	task, err := service.Queue.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	return &TranscriptionOutput{
		Body:   taskResponse(task),
		Status: http.StatusCreated,
	}, nil
}

// Handler method for requesting a transcription of a file already on the
// server's filesystem. The file is registered in place; its content is not
// copied into the uploads directory.
func (service *prototype) createTranscriptionFromPath(ctx context.Context,
	input *struct {
		Body        TranscriptionFromPathRequest `doc:"The body of a POST request for a transcription from a server-side path"`
		ContentType string                       `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*TranscriptionOutput, error) {

	if input.Body.Path == "" {
		return nil, huma.Error400BadRequest("No path was given")
	}
	info, err := os.Stat(input.Body.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, huma.Error404NotFound(
				fmt.Sprintf("File does not exist: %s", input.Body.Path))
		}
		return nil, err
	}
	if !files.ExtensionAllowed(input.Body.Path) {
		return nil, huma.Error400BadRequest(
			fmt.Sprintf("Unsupported file type (supported: %s)",
				strings.Join(files.AllowedExtensions(), ", ")))
	}
	maxRetries := config.Service.MaxRetries
	if input.Body.MaxRetries != nil {
		if *input.Body.MaxRetries < 0 {
			return nil, huma.Error400BadRequest("max_retries cannot be negative")
		}
		maxRetries = *input.Body.MaxRetries
	}

	file := files.File{
		Id:          uuid.New().String(),
		Filename:    filepath.Base(input.Body.Path),
		Path:        input.Body.Path,
		Size:        info.Size(),
		ContentType: files.InferContentType(input.Body.Path),
		CreatedAt:   time.Now(),
	}
	if err := service.Files.CreateFile(ctx, file); err != nil {
		return nil, err
	}

	taskId := uuid.New().String()
	err = service.Queue.Enqueue(ctx, taskId, file.Id, input.Body.Priority, maxRetries)
	if err != nil {
		return nil, err
	}

	slog.Info(fmt.Sprintf("Enqueued task %s for path %s", taskId, input.Body.Path))
	task, err := service.Queue.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	return &TranscriptionOutput{
		Body:   taskResponse(task),
		Status: http.StatusCreated,
	}, nil
}

type TranscriptionStatusOutput struct {
	Body TranscriptionResponse `doc:"The state of the transcription task with the given ID"`
}

// handler method for getting the state of a transcription task
func (service *prototype) getTranscription(ctx context.Context,
	input *struct {
		Id string `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the ID of the requested transcription task"`
	}) (*TranscriptionStatusOutput, error) {

	task, err := service.Queue.GetTask(ctx, input.Id)
	if err != nil {
		var notFound *tasks.NotFoundError
		if errors.As(err, &notFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	return &TranscriptionStatusOutput{
		Body: taskResponse(task),
	}, nil
}

type TranscriptionListOutput struct {
	Body TranscriptionListResponse `doc:"A page of transcription tasks in descending creation order"`
}

// handler method for listing transcription tasks
func (service *prototype) listTranscriptions(ctx context.Context,
	input *struct {
		Status string `query:"status" example:"pending" doc:"(Optional) restricts the listing to tasks with this status"`
		Limit  int    `query:"limit" example:"50" doc:"Limits the number of tasks returned (default 100)"`
		Offset int    `query:"offset" example:"100" doc:"The listing begins at the given offset"`
	}) (*TranscriptionListOutput, error) {

	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := max(input.Offset, 0)

	status := tasks.TaskStatus(input.Status)
	listed, err := service.Queue.ListTasks(ctx, status, limit, offset)
	if err != nil {
		var invalidStatus *tasks.InvalidStatusError
		if errors.As(err, &invalidStatus) {
			return nil, huma.Error400BadRequest(err.Error())
		}
		return nil, err
	}
	count, err := service.Queue.CountTasks(ctx, status)
	if err != nil {
		return nil, err
	}

	output := &TranscriptionListOutput{
		Body: TranscriptionListResponse{
			Tasks:  make([]TranscriptionResponse, 0, len(listed)),
			Count:  count,
			Limit:  limit,
			Offset: offset,
		},
	}
	for _, task := range listed {
		output.Body.Tasks = append(output.Body.Tasks, taskResponse(task))
	}
	return output, nil
}

type TranscriptionDeletionOutput struct {
	Status int
}

// handler method for deleting (cancelling) a transcription task
func (service *prototype) deleteTranscription(ctx context.Context,
	input *struct {
		Id string `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the ID of the requested transcription task"`
	}) (*TranscriptionDeletionOutput, error) {

	if _, err := service.Queue.GetTask(ctx, input.Id); err != nil {
		var notFound *tasks.NotFoundError
		if errors.As(err, &notFound) {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	cancelled, err := service.Queue.Cancel(ctx, input.Id)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, huma.Error409Conflict(
			fmt.Sprintf("Task %s has already finished and cannot be cancelled", input.Id))
	}

	slog.Info(fmt.Sprintf("Cancelled task %s", input.Id))
	return &TranscriptionDeletionOutput{
		Status: http.StatusAccepted,
	}, nil
}

// this helper converts a file record to its response representation
func fileResponse(file files.File) FileResponse {
	return FileResponse{
		Id:          file.Id,
		Filename:    file.Filename,
		Size:        file.Size,
		ContentType: file.ContentType,
		CreatedAt:   file.CreatedAt,
	}
}

// this helper converts a task to its response representation
func taskResponse(task tasks.Task) TranscriptionResponse {
	return TranscriptionResponse{
		Id:          task.Id,
		FileId:      task.FileId,
		Status:      string(task.Status),
		Priority:    task.Priority,
		RetryCount:  task.RetryCount,
		MaxRetries:  task.MaxRetries,
		WorkerId:    task.WorkerId,
		Progress:    task.Progress,
		Duration:    task.Duration,
		Segments:    task.Segments,
		Error:       task.Error,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
}

// returns the uptime for the service in seconds
func (service *prototype) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs a prototype transcription service backed by the given store,
// given our configuration
func NewTranscriptionPrototype(db *store.Store) (TranscriptionService, error) {

	// validate our configuration
	if config.Uploads.Directory == "" {
		return nil, fmt.Errorf("No uploads directory was specified.")
	}
	if err := os.MkdirAll(config.Uploads.Directory, 0755); err != nil {
		return nil, err
	}

	service := new(prototype)
	service.Name = "ATS prototype"
	service.Version = version
	service.Port = -1
	service.Files = files.NewRegistry(db)
	service.Queue = tasks.NewQueue(db)
	service.Sweeper = tasks.NewSweeper(service.Queue,
		time.Duration(config.Service.SweepInterval)*time.Second,
		time.Duration(config.Service.TaskTimeout)*time.Second,
		time.Duration(config.Service.HeartbeatTimeout)*time.Second)

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(api, "/", service.getRoot)

	// API v1
	service.Router.HandleFunc("/api/v1/files", service.uploadFile).Methods("POST")
	huma.Get(api, "/api/v1/files/{id}", service.getFile)
	huma.Delete(api, "/api/v1/files/{id}", service.deleteFile)
	huma.Post(api, "/api/v1/transcriptions", service.createTranscription)
	huma.Post(api, "/api/v1/transcriptions/from-path", service.createTranscriptionFromPath)
	huma.Get(api, "/api/v1/transcriptions", service.listTranscriptions)
	huma.Get(api, "/api/v1/transcriptions/{id}", service.getTranscription)
	huma.Delete(api, "/api/v1/transcriptions/{id}", service.deleteTranscription)

	return service, nil
}

// starts the prototype transcription service
func (service *prototype) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start reclaiming abandoned tasks
	service.Sweeper.Start()

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *prototype) Shutdown(ctx context.Context) error {
	service.Sweeper.Stop()
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *prototype) Close() {
	service.Sweeper.Stop()
	if service.Server != nil {
		service.Server.Close()
	}
}

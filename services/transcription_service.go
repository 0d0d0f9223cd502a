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
	"net/http"
	"time"

	"github.com/kbase/ats/engines"
)

// This package-specific helper function writes a JSON payload to an
// http.ResponseWriter.
func writeJson(w http.ResponseWriter, data []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if len(data) > 0 {
		w.Write(data)
	}
}

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"ATS" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// This type holds information about an error that occurred responding to a
// request.
type ErrorResponse struct {
	// An HTTP error code
	Code int `json:"code"`
	// A descriptive error message
	Error string `json:"message"`
}

// This package-specific helper function writes an error to an
// http.ResponseWriter, giving it the proper status code, and encoding an
// ErrorResponse in the response body.
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	e := ErrorResponse{Code: code, Error: message}
	data, _ := json.Marshal(e)
	w.Write(data)
}

// a response describing a registered audio file (POST/GET)
type FileResponse struct {
	// unique identifier for the file record
	Id string `json:"id"`
	// original name of the uploaded file
	Filename string `json:"filename"`
	// size of the file in bytes
	Size int64 `json:"size"`
	// MIME type of the audio content
	ContentType string `json:"content_type"`
	// time at which the record was created
	CreatedAt time.Time `json:"created_at"`
}

// a request for a transcription of a registered file (POST)
type TranscriptionRequest struct {
	// identifier of the file to transcribe
	FileId string `json:"file_id" doc:"the ID of a registered audio file"`
	// scheduling priority (higher = sooner; default 0)
	Priority int `json:"priority,omitempty" doc:"scheduling priority (higher values run sooner)"`
	// retry ceiling (defaults to the service-wide setting)
	MaxRetries *int `json:"max_retries,omitempty" doc:"number of retries before the task fails permanently"`
}

// a request for a transcription of a file already on the server's filesystem
// (POST)
type TranscriptionFromPathRequest struct {
	// absolute path of the audio file on the server
	Path string `json:"path" doc:"the path of an audio file on the server's filesystem"`
	// scheduling priority (higher = sooner; default 0)
	Priority int `json:"priority,omitempty" doc:"scheduling priority (higher values run sooner)"`
	// retry ceiling (defaults to the service-wide setting)
	MaxRetries *int `json:"max_retries,omitempty" doc:"number of retries before the task fails permanently"`
}

// a response describing a transcription task (POST/GET)
type TranscriptionResponse struct {
	// task ID
	Id string `json:"id"`
	// ID of the audio file being transcribed
	FileId string `json:"file_id"`
	// task status ("pending", "processing", "completed", "failed", "cancelled")
	Status string `json:"status"`
	// scheduling priority
	Priority int `json:"priority"`
	// number of times the task has been retried, and its ceiling
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
	// ID of the worker holding the task's claim (processing tasks only)
	WorkerId *string `json:"worker_id,omitempty"`
	// transcription progress in [0, 100]
	Progress float64 `json:"progress"`
	// seconds of audio transcribed (completed tasks only)
	Duration *float64 `json:"duration,omitempty"`
	// transcribed segments (completed tasks only)
	Segments []engines.Segment `json:"segments,omitempty"`
	// the most recent failure message, if any
	Error *string `json:"error,omitempty"`
	// task lifecycle times
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// a response for a transcription listing request (GET)
type TranscriptionListResponse struct {
	// tasks matching the query, in descending creation order
	Tasks []TranscriptionResponse `json:"tasks"`
	// total number of tasks matching the status filter (ignoring pagination)
	Count int `json:"count"`
	// pagination parameters that produced this page
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// TranscriptionService defines the interface for our audio transcription
// service.
type TranscriptionService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}

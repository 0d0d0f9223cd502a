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

// This package contains testing utilities for the Audio Transcription Service.
package atstest

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kbase/ats/engines"
)

// Enables DEBUG log messages for ATS's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

//----------------------
// Engine Test Fixtures
//----------------------

// This type implements an engines.Engine test fixture. It "transcribes" any
// file into a canned set of segments, taking a configurable amount of time
// per segment, and can be made to fail partway through.
type Engine struct {
	// segments yielded for every transcription
	Segments []engines.Segment
	// time taken to yield each segment
	SegmentDuration time.Duration
	// if non-nil, Transcribe itself returns this error
	StartError error
	// if non-nil, iteration fails with this error after FailAfter segments
	IterationError error
	FailAfter      int
	// number of transcriptions started so far
	Transcriptions int
}

// Registers an engine test fixture as a provider with the given name,
// returning the fixture so tests can adjust it and inspect its state. Every
// engine the provider creates is this same fixture.
func RegisterEngine(engineName string, segments []engines.Segment) (*Engine, error) {
	engine := &Engine{
		Segments: segments,
	}
	newEngineFunc := func(config engines.EngineConfig) (engines.Engine, error) {
		return engine, nil
	}
	return engine, engines.RegisterEngineProvider(engineName, newEngineFunc)
}

func (engine *Engine) Transcribe(filePath string, options engines.TranscribeOptions,
	onProgress engines.ProgressCallback) (engines.SegmentIterator, error) {

	engine.Transcriptions++
	if engine.StartError != nil {
		return nil, engine.StartError
	}
	return &segmentIterator{
		engine:     engine,
		onProgress: onProgress,
	}, nil
}

func (engine *Engine) TranscribeStream(chunk []byte) (string, error) {
	return "", &engines.NotSupportedError{
		Engine:    "fixture",
		Operation: "streaming transcription",
	}
}

// this type yields the fixture's canned segments one at a time
type segmentIterator struct {
	engine     *Engine
	onProgress engines.ProgressCallback
	index      int
	err        error
}

func (it *segmentIterator) Next() (engines.Segment, bool) {
	if it.err != nil || it.index >= len(it.engine.Segments) {
		return engines.Segment{}, false
	}
	if it.engine.IterationError != nil && it.index >= it.engine.FailAfter {
		it.err = it.engine.IterationError
		return engines.Segment{}, false
	}
	if it.engine.SegmentDuration > 0 {
		time.Sleep(it.engine.SegmentDuration)
	}
	segment := it.engine.Segments[it.index]
	it.index++
	if it.onProgress != nil {
		it.onProgress(100 * float64(it.index) / float64(len(it.engine.Segments)))
	}
	return segment, true
}

func (it *segmentIterator) Err() error {
	return it.err
}

// Produces n evenly spaced segments covering the given duration, for tests
// that need a transcription of a particular length.
func CannedSegments(n int, duration float64) []engines.Segment {
	segments := make([]engines.Segment, n)
	for i := 0; i < n; i++ {
		segments[i] = engines.Segment{
			Start: duration * float64(i) / float64(n),
			End:   duration * float64(i+1) / float64(n),
			Text:  fmt.Sprintf("segment %d", i),
		}
	}
	return segments
}

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

// These tests must be run serially, since they share a single file database.

package files

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kbase/ats/store"
)

// temporary testing directory
var TESTING_DIR string

// the store backing the registry under test
var testStore *store.Store

// the registry under test
var registry *Registry

// this function gets called at the beginning of a test session
func setup() {
	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "transcription-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	testStore, err = store.Open(filepath.Join(TESTING_DIR, "files.db"))
	if err != nil {
		log.Panicf("Couldn't open the file database: %s", err)
	}
	registry = NewRegistry(testStore)
}

// this function gets called after all tests have been run
func breakdown() {
	if testStore != nil {
		testStore.Close()
	}
	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a single test runner.
type SerialTests struct{ Test *testing.T }

// runs all registry tests serially
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestCreateAndGetFile()
	tester.TestGetMissingFile()
	tester.TestFilePath()
	tester.TestDeleteFile()
}

func (t *SerialTests) TestCreateAndGetFile() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	file := File{
		Id:          uuid.New().String(),
		Filename:    "interview.mp3",
		Path:        filepath.Join(TESTING_DIR, "interview.mp3"),
		Size:        2048,
		ContentType: "audio/mpeg",
		CreatedAt:   time.Now(),
	}
	err := registry.CreateFile(ctx, file)
	assert.Nil(err)

	file1, err := registry.GetFile(ctx, file.Id)
	assert.Nil(err)
	assert.Equal(file.Id, file1.Id)
	assert.Equal(file.Filename, file1.Filename)
	assert.Equal(file.Path, file1.Path)
	assert.Equal(file.Size, file1.Size)
	assert.Equal(file.ContentType, file1.ContentType)
	assert.False(file1.CreatedAt.IsZero())
}

func (t *SerialTests) TestGetMissingFile() {
	assert := assert.New(t.Test)

	_, err := registry.GetFile(context.Background(), "no-such-file")
	assert.NotNil(err)
	assert.IsType(&NotFoundError{}, err)
}

func (t *SerialTests) TestFilePath() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	file := File{
		Id:          uuid.New().String(),
		Filename:    "lecture.flac",
		Path:        filepath.Join(TESTING_DIR, "lecture.flac"),
		Size:        4096,
		ContentType: "audio/flac",
	}
	err := registry.CreateFile(ctx, file)
	assert.Nil(err)

	path, err := registry.FilePath(ctx, file.Id)
	assert.Nil(err)
	assert.Equal(file.Path, path)
}

func (t *SerialTests) TestDeleteFile() {
	assert := assert.New(t.Test)
	ctx := context.Background()

	file := File{
		Id:          uuid.New().String(),
		Filename:    "podcast.ogg",
		Path:        filepath.Join(TESTING_DIR, "podcast.ogg"),
		Size:        512,
		ContentType: "audio/ogg",
	}
	err := registry.CreateFile(ctx, file)
	assert.Nil(err)

	deleted, err := registry.DeleteFile(ctx, file.Id)
	assert.Nil(err)
	assert.True(deleted)

	_, err = registry.GetFile(ctx, file.Id)
	assert.NotNil(err)

	// deleting again reports that nothing happened
	deleted, err = registry.DeleteFile(ctx, file.Id)
	assert.Nil(err)
	assert.False(deleted)
}

// the MIME helpers are pure functions, so they can run in parallel with the
// serial registry tests

func TestInferContentType(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("audio/wav", InferContentType("meeting.wav"))
	assert.Equal("audio/mpeg", InferContentType("SHOUTING.MP3"))
	assert.Equal("audio/flac", InferContentType("/some/dir/track.flac"))
	assert.Equal("application/octet-stream", InferContentType("mystery.bin"))
	assert.Equal("application/octet-stream", InferContentType("no_extension"))
}

func TestExtensionAllowed(t *testing.T) {
	assert := assert.New(t)

	assert.True(ExtensionAllowed("meeting.wav"))
	assert.True(ExtensionAllowed("meeting.WAV"))
	assert.True(ExtensionAllowed("call.m4a"))
	assert.False(ExtensionAllowed("document.pdf"))
	assert.False(ExtensionAllowed("no_extension"))
}

func TestContentTypeAllowed(t *testing.T) {
	assert := assert.New(t)

	assert.True(ContentTypeAllowed("audio/wav"))
	assert.True(ContentTypeAllowed("audio/mpeg"))
	assert.True(ContentTypeAllowed("")) // clients may omit the content type
	assert.False(ContentTypeAllowed("application/pdf"))
}

func TestAllowedExtensions(t *testing.T) {
	assert := assert.New(t)

	extensions := AllowedExtensions()
	assert.NotEmpty(extensions)
	assert.True(slices.IsSorted(extensions))
	assert.Contains(extensions, ".wav")
	assert.Contains(extensions, ".mp3")
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

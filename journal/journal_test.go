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

// These tests must be run serially, since the journal is coordinated by a
// single goroutine.

package journal

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kbase/ats/atstest"
)

// runs all tests serially
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestInitAndFinalize()
	tester.TestRecordCompletedTranscription()
	tester.TestRecordFailedTranscription()
	tester.TestRecordRejectsInvalidStatus()
	tester.TestRecordsWithinTimeRange()
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

// this function gets called at the beginning of a test session
func setup() {
	atstest.EnableDebugLogging()

	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "transcription-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}
}

// this function gets called after all tests have been run
func breakdown() {
	if IsOpen() {
		Finalize()
	}
	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a single test runner.
type SerialTests struct{ Test *testing.T }

func (t *SerialTests) TestInitAndFinalize() {
	assert := assert.New(t.Test)

	assert.False(IsOpen())
	err := Init(TESTING_DIR)
	assert.Nil(err)
	assert.True(IsOpen())
	err = Finalize()
	assert.Nil(err)
	assert.False(IsOpen())
}

func (t *SerialTests) TestRecordCompletedTranscription() {
	assert := assert.New(t.Test)

	err := Init(TESTING_DIR)
	assert.Nil(err)

	stop := time.Now()
	record := Record{
		TaskId:      uuid.New().String(),
		FileId:      uuid.New().String(),
		WorkerId:    "worker-journal-test",
		Status:      "completed",
		Duration:    12.5,
		NumSegments: 3,
		StartTime:   stop.Add(-time.Minute),
		StopTime:    stop,
	}
	err = RecordTranscription(record)
	assert.Nil(err)

	records, err := Records(stop.Add(-time.Hour), stop.Add(time.Hour))
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal(record.TaskId, records[0].TaskId)
	assert.Equal(record.FileId, records[0].FileId)
	assert.Equal(record.WorkerId, records[0].WorkerId)
	assert.Equal(record.Status, records[0].Status)
	assert.Equal(record.Duration, records[0].Duration)
	assert.Equal(record.NumSegments, records[0].NumSegments)

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestRecordFailedTranscription() {
	assert := assert.New(t.Test)

	err := Init(TESTING_DIR)
	assert.Nil(err)

	stop := time.Now()
	record := Record{
		TaskId:    uuid.New().String(),
		FileId:    uuid.New().String(),
		WorkerId:  "worker-journal-test",
		Status:    "failed",
		Error:     "model crashed",
		StartTime: stop.Add(-time.Minute),
		StopTime:  stop,
	}
	err = RecordTranscription(record)
	assert.Nil(err)

	records, err := Records(stop.Add(-time.Second), stop.Add(time.Second))
	assert.Nil(err)
	found := false
	for _, r := range records {
		if r.TaskId == record.TaskId {
			found = true
			assert.Equal("failed", r.Status)
			assert.Equal("model crashed", r.Error)
		}
	}
	assert.True(found)

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestRecordRejectsInvalidStatus() {
	assert := assert.New(t.Test)

	err := Init(TESTING_DIR)
	assert.Nil(err)

	record := Record{
		TaskId:   uuid.New().String(),
		FileId:   uuid.New().String(),
		WorkerId: "worker-journal-test",
		Status:   "pending", // not a terminal status
		StopTime: time.Now(),
	}
	err = RecordTranscription(record)
	assert.NotNil(err)
	assert.IsType(&NewRecordError{}, err)

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestRecordsWithinTimeRange() {
	assert := assert.New(t.Test)

	err := Init(TESTING_DIR)
	assert.Nil(err)

	// three records finishing a day apart
	base := time.Date(2031, 4, 1, 12, 0, 0, 0, time.UTC)
	taskIds := make([]string, 3)
	for i := 0; i < 3; i++ {
		taskIds[i] = uuid.New().String()
		err = RecordTranscription(Record{
			TaskId:    taskIds[i],
			FileId:    uuid.New().String(),
			WorkerId:  "worker-journal-test",
			Status:    "cancelled",
			StartTime: base.Add(time.Duration(i) * 24 * time.Hour).Add(-time.Minute),
			StopTime:  base.Add(time.Duration(i) * 24 * time.Hour),
		})
		assert.Nil(err)
	}

	// a range covering only the middle record
	records, err := Records(base.Add(12*time.Hour), base.Add(36*time.Hour))
	assert.Nil(err)
	assert.Len(records, 1)
	assert.Equal(taskIds[1], records[0].TaskId)

	// a range covering all three
	records, err = Records(base.Add(-time.Hour), base.Add(72*time.Hour))
	assert.Nil(err)
	assert.Len(records, 3)

	err = Finalize()
	assert.Nil(err)
}

// temporary testing directory
var TESTING_DIR string

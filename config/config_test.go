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

package config

// These tests verify that we can properly configure the transcription service
// with YAML input.
import (
	"fmt"
	"os"

	"github.com/stretchr/testify/assert"
	"testing"
)

// a valid service config entry
const VALID_SERVICE string = `
service:
  port: 8080
  max_connections: 100
  poll_interval: 60
  data_dir: /tmp/ats
`

// a valid engine config entry
const VALID_ENGINE string = `
engine:
  name: whisper
  model_size: medium
  device: cuda
  compute_type: float16
`

// tests whether config.Init reports an error for blank input
func TestInitRejectsBlankInput(t *testing.T) {
	b := []byte("")
	err := Init(b)
	assert.NotNil(t, err, "Blank config didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid port
func TestInitRejectsBadPort(t *testing.T) {
	yaml := "service:\n  port: -1\n  data_dir: /tmp/ats\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
	yaml = "service:\n  port: 1000000\n  data_dir: /tmp/ats\n"
	err = Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid max number of
// connections
func TestInitRejectsBadMaxConnections(t *testing.T) {
	yaml := "service:\n  max_connections: 0\n  data_dir: /tmp/ats\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad maxConnections didn't trigger an error.")
}

// tests whether config.Init rejects invalid scheduling intervals
func TestInitRejectsBadIntervals(t *testing.T) {
	for _, field := range []string{"poll_interval", "sweep_interval",
		"task_timeout", "heartbeat_timeout"} {
		yaml := fmt.Sprintf("service:\n  %s: 0\n  data_dir: /tmp/ats\n", field)
		err := Init([]byte(yaml))
		assert.NotNil(t, err,
			fmt.Sprintf("Config with bad %s didn't trigger an error.", field))
	}
}

// tests whether config.Init rejects a negative retry ceiling
func TestInitRejectsNegativeMaxRetries(t *testing.T) {
	yaml := "service:\n  max_retries: -1\n  data_dir: /tmp/ats\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with bad maxRetries didn't trigger an error.")
}

// tests whether config.Init rejects a configuration with no data directory
func TestInitRejectsNoDataDirectory(t *testing.T) {
	yaml := "service:\n  port: 8080\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with no data directory didn't trigger an error.")
}

// Tests whether config.Init returns no error for a configuration that is
// (ostensibly) valid. NOTE: This particular configuration is consistent and
// contains acceptible values for fields. It won't actually run a service!
func TestInitAcceptsValidInput(t *testing.T) {
	yaml := VALID_SERVICE + VALID_ENGINE
	err := Init([]byte(yaml))
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))
}

// Tests whether config.Init properly initializes its globals for valid input.
func TestInitProperlySetsGlobals(t *testing.T) {
	yaml := VALID_SERVICE + VALID_ENGINE
	err := Init([]byte(yaml))
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))

	// Check data
	assert.Equal(t, 8080, Service.Port)
	assert.Equal(t, 100, Service.MaxConnections)
	assert.Equal(t, 60, Service.PollInterval)
	assert.Equal(t, "/tmp/ats", Service.DataDirectory)
	assert.Equal(t, "whisper", Engine.Name)
	assert.Equal(t, "medium", Engine.ModelSize)
	assert.Equal(t, "cuda", Engine.Device)
	assert.Equal(t, "float16", Engine.ComputeType)
}

// Tests whether unspecified fields take their defaults.
func TestInitAppliesDefaults(t *testing.T) {
	yaml := "service:\n  data_dir: /tmp/ats\n"
	err := Init([]byte(yaml))
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))

	assert.Equal(t, 8080, Service.Port)
	assert.Equal(t, 100, Service.MaxConnections)
	assert.Equal(t, 1000, Service.PollInterval)
	assert.Equal(t, 30, Service.SweepInterval)
	assert.Equal(t, 3600, Service.TaskTimeout)
	assert.Equal(t, 300, Service.HeartbeatTimeout)
	assert.Equal(t, 3, Service.MaxRetries)
	assert.Equal(t, "small", Engine.ModelSize)
	assert.Equal(t, "cpu", Engine.Device)
	assert.Equal(t, "default", Engine.ComputeType)
	assert.Equal(t, int64(500*1024*1024), Uploads.MaxFileSize)

	// paths default relative to the data directory
	assert.Equal(t, "/tmp/ats/ats.db", Service.Database)
	assert.Equal(t, "/tmp/ats/uploads", Uploads.Directory)
}

// Tests whether environment variables are expanded in the configuration.
func TestInitExpandsEnvironmentVariables(t *testing.T) {
	os.Setenv("ATS_TEST_DATA_DIR", "/tmp/ats-env")
	defer os.Unsetenv("ATS_TEST_DATA_DIR")

	yaml := "service:\n  data_dir: ${ATS_TEST_DATA_DIR}\n"
	err := Init([]byte(yaml))
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))
	assert.Equal(t, "/tmp/ats-env", Service.DataDirectory)
}

// this function gets called at the beginning of a test session
func setup() {
}

// this function gets called after all tests have been run
func breakdown() {
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

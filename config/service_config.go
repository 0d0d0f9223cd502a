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

// a type with service configuration parameters
type serviceConfig struct {
	// port on which the service listens
	Port int `yaml:"port"`
	// maximum number of allowed incoming connections
	MaxConnections int `yaml:"max_connections"`
	// interval at which idle workers poll the queue (milliseconds)
	PollInterval int `yaml:"poll_interval"`
	// interval at which the sweeper reclaims abandoned claims (seconds)
	SweepInterval int `yaml:"sweep_interval"`
	// age at which a claimed task is considered timed out (seconds)
	TaskTimeout int `yaml:"task_timeout"`
	// heartbeat silence after which a worker is considered dead (seconds)
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`
	// default retry ceiling for newly enqueued tasks
	MaxRetries int `yaml:"max_retries"`
	// directory in which the service stores its data
	DataDirectory string `yaml:"data_dir"`
	// path to the task/file database (default: <data_dir>/ats.db)
	Database string `yaml:"database"`
}

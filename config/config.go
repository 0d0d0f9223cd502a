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

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// global config variables
var Service serviceConfig
var Engine engineConfig
var Uploads uploadsConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service serviceConfig `yaml:"service"`
	Engine  engineConfig  `yaml:"engine"`
	Uploads uploadsConfig `yaml:"uploads"`
}

// This helper reads configuration data, returning an error indicating success
// or failure. All environment variables of the form ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Service.PollInterval = 1000    // 1 second (milliseconds)
	conf.Service.SweepInterval = 30     // seconds
	conf.Service.TaskTimeout = 3600     // seconds
	conf.Service.HeartbeatTimeout = 300 // seconds
	conf.Service.MaxRetries = 3
	conf.Engine.ModelSize = "small"
	conf.Engine.Device = "cpu"
	conf.Engine.ComputeType = "default"
	conf.Uploads.MaxFileSize = 500 * 1024 * 1024 // 500 MB
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		return fmt.Errorf("Couldn't parse configuration data: %s", err.Error())
	}

	// fill in path defaults that depend on the data directory
	if conf.Service.Database == "" && conf.Service.DataDirectory != "" {
		conf.Service.Database = filepath.Join(conf.Service.DataDirectory, "ats.db")
	}
	if conf.Uploads.Directory == "" && conf.Service.DataDirectory != "" {
		conf.Uploads.Directory = filepath.Join(conf.Service.DataDirectory, "uploads")
	}

	// copy the config data into place
	Service = conf.Service
	Engine = conf.Engine
	Uploads = conf.Uploads

	return nil
}

// This helper validates the given configuration, returning an error that
// indicates success or failure.
func validateConfig() error {
	if Service.Port < 0 || Service.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", Service.Port)
	}
	if Service.MaxConnections <= 0 {
		return fmt.Errorf("Invalid max_connections: %d (must be positive)",
			Service.MaxConnections)
	}
	if Service.PollInterval <= 0 {
		return fmt.Errorf("Invalid poll_interval: %d (must be positive)",
			Service.PollInterval)
	}
	if Service.SweepInterval <= 0 {
		return fmt.Errorf("Invalid sweep_interval: %d (must be positive)",
			Service.SweepInterval)
	}
	if Service.TaskTimeout <= 0 {
		return fmt.Errorf("Invalid task_timeout: %d (must be positive)",
			Service.TaskTimeout)
	}
	if Service.HeartbeatTimeout <= 0 {
		return fmt.Errorf("Invalid heartbeat_timeout: %d (must be positive)",
			Service.HeartbeatTimeout)
	}
	if Service.MaxRetries < 0 {
		return fmt.Errorf("Invalid max_retries: %d (must be non-negative)",
			Service.MaxRetries)
	}
	if Service.DataDirectory == "" {
		return fmt.Errorf("No data directory (data_dir) was specified!")
	}
	if Service.Database == "" {
		return fmt.Errorf("No database file was specified!")
	}
	return nil
}

// Initializes the transcription service configuration using the given YAML
// byte data.
func Init(yamlData []byte) error {
	err := readConfig(yamlData)
	if err != nil {
		return err
	}
	return validateConfig()
}

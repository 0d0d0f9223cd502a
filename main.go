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

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbase/ats/config"
	"github.com/kbase/ats/engines"
	"github.com/kbase/ats/files"
	"github.com/kbase/ats/journal"
	"github.com/kbase/ats/services"
	"github.com/kbase/ats/store"
	"github.com/kbase/ats/tasks"
	"github.com/kbase/ats/worker"
)

// Prints usage info.
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s serve <config_file>   starts the transcription API service\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s worker <config_file>  starts a transcription worker\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See README.md for details on config files.\n")
	os.Exit(1)
}

// reads and applies the configuration file at the given path
func initConfig(configFile string) {
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		log.Panicf("Couldn't read %s: %s\n", configFile, err.Error())
	}
	if err := config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}
}

// opens the task/file database named by the configuration
func openStore() *store.Store {
	db, err := store.Open(config.Service.Database)
	if err != nil {
		log.Printf("Couldn't open the database: %s\n", err.Error())
		os.Exit(1)
	}
	return db
}

// runs the transcription API service until a shutdown signal arrives
func serve(configFile string) {
	initConfig(configFile)
	db := openStore()
	defer db.Close()

	service, err := services.NewTranscriptionPrototype(db)
	if err != nil {
		log.Panicf("Couldn't create the service: %s\n", err.Error())
	}

	// Start the service in a goroutine so it doesn't block.
	go func() {
		err := service.Start(config.Service.Port)
		if err != nil {
			log.Println(err.Error())
		}
	}()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// the service as gracefully as possible if they are encountered.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// Block till we receive one of the above signals.
	<-sigChan

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for connections to close until the deadline elapses.
	service.Shutdown(ctx)
	log.Println("Shutting down")
}

// runs a transcription worker until a shutdown signal arrives
func runWorker(configFile string) {
	initConfig(configFile)
	db := openStore()
	defer db.Close()

	if err := journal.Init(config.Service.DataDirectory); err != nil {
		log.Printf("Couldn't open the transcription journal: %s\n", err.Error())
	}
	defer journal.Finalize()

	engine, err := engines.NewEngine(config.Engine.Name, engines.EngineConfig{
		ModelSize:   config.Engine.ModelSize,
		Device:      config.Engine.Device,
		ComputeType: config.Engine.ComputeType,
	})
	if err != nil {
		log.Printf("Couldn't create the '%s' engine: %s\n", config.Engine.Name, err.Error())
		os.Exit(1)
	}

	w := worker.New(tasks.NewQueue(db), files.NewRegistry(db), engine)
	w.PollInterval = time.Duration(config.Service.PollInterval) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan,
			syscall.SIGINT,
			syscall.SIGHUP,
			syscall.SIGTERM,
			syscall.SIGQUIT)
		<-sigChan
		log.Println("Shutting down")
		w.Stop()
		cancel()
	}()
	w.Run(ctx)
}

func main() {

	// The arguments are a subcommand and a configuration filename.
	if len(os.Args) < 3 {
		usage()
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2])
	case "worker":
		runWorker(os.Args[2])
	default:
		usage()
	}
}

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

package engines

import (
	"fmt"
)

// indicates that an engine provider is sought but not registered
type NotFoundError struct {
	Engine string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("The engine '%s' was not found", e.Engine)
}

// indicates that an engine provider is already registered and an attempt has
// been made to register it again
type AlreadyRegisteredError struct {
	Engine string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("Cannot register engine '%s': already registered", e.Engine)
}

// indicates that a transcription failed inside the engine
type EngineError struct {
	Engine, Message string
}

func (e EngineError) Error() string {
	return fmt.Sprintf("Engine '%s': %s", e.Engine, e.Message)
}

// indicates that an engine does not implement an optional operation
// (e.g. streaming transcription)
type NotSupportedError struct {
	Engine, Operation string
}

func (e NotSupportedError) Error() string {
	return fmt.Sprintf("Engine '%s' does not support %s", e.Engine, e.Operation)
}

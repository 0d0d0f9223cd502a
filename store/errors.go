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

package store

import (
	"fmt"
)

// indicates that the backing database file could not be opened or prepared
type UnavailableError struct {
	Path, Message string
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("The database at %s is unavailable: %s", e.Path, e.Message)
}

// indicates that the linked SQLite library is too old for atomic queue
// operations (UPDATE ... RETURNING)
type VersionTooOldError struct {
	Version, MinVersion string
}

func (e VersionTooOldError) Error() string {
	return fmt.Sprintf("SQLite version %s is too old (version %s or newer is "+
		"required for atomic queue operations)", e.Version, e.MinVersion)
}

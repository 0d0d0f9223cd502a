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

package files

import (
	"path/filepath"
	"slices"
	"strings"
)

// file extensions accepted for upload
var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".ogg":  true,
	".webm": true,
	".aac":  true,
	".mp4":  true,
	".wma":  true,
}

// MIME types accepted for upload
var allowedContentTypes = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/mp4":    true,
	"audio/m4a":    true,
	"audio/x-m4a":  true,
	"audio/ogg":    true,
	"audio/webm":   true,
	"audio/aac":    true,
	"video/mp4":    true,
}

// maps file extensions to MIME types for content type inference
var extToMime = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".webm": "audio/webm",
	".aac":  "audio/aac",
	".mp4":  "video/mp4",
	".wma":  "audio/x-ms-wma",
}

// Infers the MIME type of a file from its name's extension.
func InferContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mimeType, found := extToMime[ext]; found {
		return mimeType
	}
	return "application/octet-stream"
}

// Returns true if the given filename carries an accepted audio extension.
func ExtensionAllowed(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Returns true if the given MIME type is accepted for upload. An empty type
// is allowed; the type is inferred from the filename in that case.
func ContentTypeAllowed(contentType string) bool {
	if contentType == "" {
		return true
	}
	return allowedContentTypes[contentType]
}

// Returns the accepted extensions, sorted, for error messages.
func AllowedExtensions() []string {
	extensions := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		extensions = append(extensions, ext)
	}
	slices.Sort(extensions)
	return extensions
}

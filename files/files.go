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

// This package maintains the registry of uploaded audio files. Workers use it
// to locate the audio for a claimed task; the service API uses it to record
// uploads.

package files

import (
	"context"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kbase/ats/store"
)

// a record describing an uploaded audio file
type File struct {
	// unique identifier for the file
	Id string
	// the original name of the file as uploaded
	Filename string
	// the path at which the file is stored
	Path string
	// size of the file in bytes
	Size int64
	// MIME type of the file's content
	ContentType string
	// time at which the file record was created
	CreatedAt time.Time
}

// This type provides access to file records. Workers treat the registry as
// read-only.
type Registry struct {
	Store *store.Store
}

// creates a file registry backed by the given store
func NewRegistry(s *store.Store) *Registry {
	return &Registry{Store: s}
}

// Records metadata for an uploaded file. If the record carries no creation
// time, the current time is used.
func (registry *Registry) CreateFile(ctx context.Context, file File) error {
	conn, err := registry.Store.Take(ctx)
	if err != nil {
		return err
	}
	defer registry.Store.Put(conn)

	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return sqlitex.Execute(conn,
		`INSERT INTO files (id, filename, path, size, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{file.Id, file.Filename, file.Path, file.Size,
				file.ContentType, store.FormatTime(createdAt)},
		})
}

// Retrieves the metadata for a file, returning a NotFoundError if no record
// exists with the given ID.
func (registry *Registry) GetFile(ctx context.Context, fileId string) (File, error) {
	conn, err := registry.Store.Take(ctx)
	if err != nil {
		return File{}, err
	}
	defer registry.Store.Put(conn)

	var file File
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, filename, path, size, content_type, created_at
		 FROM files WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{fileId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				file.Id = stmt.ColumnText(0)
				file.Filename = stmt.ColumnText(1)
				file.Path = stmt.ColumnText(2)
				file.Size = stmt.ColumnInt64(3)
				file.ContentType = stmt.ColumnText(4)
				createdAt, err := store.ParseTime(stmt.ColumnText(5))
				if err != nil {
					return err
				}
				file.CreatedAt = createdAt
				return nil
			},
		})
	if err != nil {
		return File{}, err
	}
	if !found {
		return File{}, &NotFoundError{Id: fileId}
	}
	return file, nil
}

// Returns the storage path for a file, for handing to a transcription engine.
func (registry *Registry) FilePath(ctx context.Context, fileId string) (string, error) {
	file, err := registry.GetFile(ctx, fileId)
	if err != nil {
		return "", err
	}
	return file.Path, nil
}

// Deletes a file record (not the file itself), returning true if a record
// was removed.
func (registry *Registry) DeleteFile(ctx context.Context, fileId string) (bool, error) {
	conn, err := registry.Store.Take(ctx)
	if err != nil {
		return false, err
	}
	defer registry.Store.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM files WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{fileId}})
	if err != nil {
		return false, err
	}
	return conn.Changes() > 0, nil
}

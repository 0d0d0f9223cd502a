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

// This package owns the single-file SQLite database shared by the service,
// the workers, and the sweeper. All queue and file registry operations go
// through connections checked out of the pool it manages.

package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// the queue relies on UPDATE ... RETURNING for its atomic claim, which
// appeared in SQLite 3.35.0
const minVersion = "3.35.0"

// timestamps are stored as fixed-width UTC strings so that SQL string
// comparisons order them chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// This type provides access to the task/file database. It is safe for
// concurrent use; writers serialize within SQLite itself.
type Store struct {
	// path to the database file
	Path string
	// pool of prepared connections
	pool *sqlitex.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	content_type TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_created ON files(created_at DESC);
CREATE TABLE IF NOT EXISTS transcription_tasks (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER DEFAULT 0,
	retry_count INTEGER DEFAULT 0,
	max_retries INTEGER DEFAULT 3,
	worker_id TEXT,
	started_at TEXT,
	last_heartbeat TEXT,
	timeout_seconds INTEGER DEFAULT 3600,
	progress REAL DEFAULT 0.0,
	duration REAL,
	segments TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	FOREIGN KEY (file_id) REFERENCES files(id)
);
CREATE INDEX IF NOT EXISTS idx_queue
	ON transcription_tasks(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_worker ON transcription_tasks(worker_id);
CREATE INDEX IF NOT EXISTS idx_heartbeat ON transcription_tasks(last_heartbeat);
`

// Opens (creating if necessary) the database at the given path, verifying
// that the underlying SQLite library is recent enough for atomic queue
// operations and initializing the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, &UnavailableError{Path: dbPath, Message: err.Error()}
	}

	pool, err := sqlitex.NewPool(dbPath, sqlitex.PoolOptions{PoolSize: 10})
	if err != nil {
		return nil, &UnavailableError{Path: dbPath, Message: err.Error()}
	}
	store := &Store{Path: dbPath, pool: pool}

	conn, err := store.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, &UnavailableError{Path: dbPath, Message: err.Error()}
	}
	defer store.Put(conn)

	if err := checkVersion(conn, dbPath); err != nil {
		pool.Close()
		return nil, err
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, &UnavailableError{Path: dbPath, Message: err.Error()}
	}
	return store, nil
}

// Closes the database, releasing all of its connections.
func (store *Store) Close() error {
	return store.pool.Close()
}

// Checks a connection out of the pool, enabling referential integrity and a
// busy timeout on it. The connection must be returned with Put.
func (store *Store) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetBusyTimeout(5 * time.Second)
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON;", nil); err != nil {
		store.pool.Put(conn)
		return nil, err
	}
	return conn, nil
}

// Returns a connection to the pool.
func (store *Store) Put(conn *sqlite.Conn) {
	store.pool.Put(conn)
}

// Formats a time as a string for storage, normalizing to UTC so stored
// timestamps compare correctly.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Parses a stored timestamp string.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// this helper verifies that the linked SQLite library meets our minimum
// version requirement
func checkVersion(conn *sqlite.Conn, dbPath string) error {
	var version string
	err := sqlitex.ExecuteTransient(conn, "SELECT sqlite_version();",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return &UnavailableError{Path: dbPath, Message: err.Error()}
	}
	if compareVersions(version, minVersion) < 0 {
		return &VersionTooOldError{Version: version, MinVersion: minVersion}
	}
	return nil
}

// compares two dotted version strings, returning -1, 0, or 1
func compareVersions(v1, v2 string) int {
	fields1 := strings.Split(v1, ".")
	fields2 := strings.Split(v2, ".")
	for i := 0; i < len(fields1) && i < len(fields2); i++ {
		n1, _ := strconv.Atoi(fields1[i])
		n2, _ := strconv.Atoi(fields2[i])
		if n1 != n2 {
			if n1 < n2 {
				return -1
			}
			return 1
		}
	}
	return len(fields1) - len(fields2)
}

// Package jsonfile serializes a whole database to and from a single JSON file.
//
// A [File] owns one read-write handle on a path that must exist before it is
// opened. [File.Read] parses the entire document; [File.Write] replaces it.
// The package knows nothing about tables or rows beyond "a JSON object of
// arrays of objects"; validation belongs to the caller.
//
// # Durability
//
// By default a write repositions the handle at the start of the file, writes
// the new document, truncates whatever a previous longer document left behind
// and syncs. A crash in the middle of that sequence can leave a torn file. Use
// [WithAtomic] to write to a temporary file and rename it over the target
// instead.
package jsonfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/maruel/jsonserver/internal/models"
	"github.com/natefinch/atomic"
)

var (
	// ErrNotFound is returned when the backing file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStoreClosed is returned by operations on a closed File.
	ErrStoreClosed = errors.New("store closed")
	// ErrMalformedDocument is returned when a non-empty file is not a JSON
	// object of arrays of objects.
	ErrMalformedDocument = errors.New("malformed document")
)

// Option configures a File.
type Option func(*File)

// WithAtomic makes Write go through a temporary file renamed over the target.
func WithAtomic() Option {
	return func(f *File) {
		f.atomic = true
	}
}

// File is a JSON document backed by a single file handle.
//
// File is safe for concurrent use; calls are serialized.
type File struct {
	path   string
	atomic bool

	mu     sync.Mutex
	handle *os.File
	// last is the content last read from or written to disk.
	last []byte
}

// Open opens the JSON document at path, which must already exist.
func Open(path string, opts ...Option) (*File, error) {
	f := &File{path: path}
	for _, opt := range opts {
		opt(f)
	}
	h, err := openHandle(path)
	if err != nil {
		return nil, err
	}
	f.handle = h
	return f, nil
}

func openHandle(path string) (*os.File, error) {
	h, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec // G304: the path is the database the operator chose
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: json database file not found at %q", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	fi, err := h.Stat()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.IsDir() {
		_ = h.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return h, nil
}

// Path returns the path of the backing file.
func (f *File) Path() string {
	return f.path
}

// Read parses the whole file. An empty file is the empty database.
func (f *File) Read() (models.Database, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return nil, ErrStoreClosed
	}
	if err := f.refresh(); err != nil {
		return nil, err
	}
	fi, err := f.handle.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	if fi.Size() == 0 {
		f.last = nil
		return models.Database{}, nil
	}
	if _, err := f.handle.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", f.path, err)
	}
	data, err := io.ReadAll(f.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	db, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedDocument, f.path, err)
	}
	f.last = data
	return db, nil
}

func decode(data []byte) (models.Database, error) {
	var db models.Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, err
	}
	if db == nil {
		// The document was the literal null.
		return nil, errors.New("document is not a JSON object")
	}
	for name, rows := range db {
		if rows == nil {
			db[name] = []models.Row{}
		}
		for i, r := range rows {
			if r == nil {
				return nil, fmt.Errorf("table %q row %d is not a JSON object", name, i)
			}
		}
	}
	return db, nil
}

// Write replaces the whole file with db.
func (f *File) Write(db models.Database) error {
	data, err := json.Marshal(db)
	if err != nil {
		return fmt.Errorf("failed to marshal database: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return ErrStoreClosed
	}
	if f.atomic {
		if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		// The rename left our handle on the old inode.
		h, err := openHandle(f.path)
		if err != nil {
			return err
		}
		_ = f.handle.Close()
		f.handle = h
		f.last = data
		return nil
	}
	if err := f.refresh(); err != nil {
		return err
	}
	if _, err := f.handle.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %s: %w", f.path, err)
	}
	if _, err := f.handle.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	if err := f.handle.Truncate(int64(len(data))); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.path, err)
	}
	if err := f.handle.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", f.path, err)
	}
	f.last = data
	return nil
}

// Modified reports whether the file content differs from what this File last
// read or wrote.
func (f *File) Modified() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return false, ErrStoreClosed
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return !bytes.Equal(data, f.last), nil
}

// Close releases the file handle. Calling Close more than once is a no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle == nil {
		return nil
	}
	err := f.handle.Close()
	f.handle = nil
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", f.path, err)
	}
	return nil
}

// refresh reopens the handle when the path was replaced by another file, as
// editors and atomic writers do. Must be called with mu held.
func (f *File) refresh() error {
	cur, err := f.handle.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	onDisk, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: json database file not found at %q", ErrNotFound, f.path)
		}
		return fmt.Errorf("failed to stat %s: %w", f.path, err)
	}
	if os.SameFile(cur, onDisk) {
		return nil
	}
	h, err := openHandle(f.path)
	if err != nil {
		return err
	}
	_ = f.handle.Close()
	f.handle = h
	return nil
}

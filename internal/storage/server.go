// Package storage implements the table store: an in-memory database of named
// tables of JSON rows, synchronized with a single JSON file on demand.
//
// # Lifecycle
//
// A [Server] starts closed. [Server.Open] loads the database from disk;
// [Server.Close] releases the file without flushing. Every other operation
// returns [ErrStoreClosed] while the server is closed.
//
// # Durability
//
// Mutations are visible in memory immediately and reach the disk only on
// [Server.Flush], on [Server.Read] with flushPrevious set, or when the
// mutation is called with flush set. [Server.Read] reloads the file and
// discards whatever was not flushed.
//
// # Concurrency
//
// A single sync.RWMutex guards the database and the file handle. Mutations
// hold it exclusively, including the "read max id, assign, append" sequence of
// [Server.Insert]; queries share it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maruel/jsonserver/internal/jsonfile"
	"github.com/maruel/jsonserver/internal/metrics"
	"github.com/maruel/jsonserver/internal/models"
)

// Committer records a snapshot of the database file after a flush.
type Committer interface {
	Commit(path, message string) error
}

// Option configures a Server.
type Option func(*Server)

// WithAtomicWrites makes flushes write a temporary file and rename it over the
// database file.
func WithAtomicWrites() Option {
	return func(s *Server) {
		s.atomic = true
	}
}

// WithHistory commits the database file through c after every flush.
func WithHistory(c Committer) Option {
	return func(s *Server) {
		s.history = c
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// Server is the table store.
type Server struct {
	atomic  bool
	history Committer
	log     *slog.Logger

	mu        sync.RWMutex
	file      *jsonfile.File
	data      models.Database
	stopWatch context.CancelFunc
}

// New returns a closed Server.
func New(opts ...Option) *Server {
	s := &Server{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads the database file at path. The file must exist; an empty file is
// the empty database.
func (s *Server) Open(path string) (err error) {
	defer func() { metrics.ObserveOp("open", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return ErrAlreadyOpen
	}
	var opts []jsonfile.Option
	if s.atomic {
		opts = append(opts, jsonfile.WithAtomic())
	}
	f, err := jsonfile.Open(path, opts...)
	if err != nil {
		return err
	}
	s.file = f
	if err := s.readLocked(false); err != nil {
		_ = f.Close()
		s.file = nil
		return err
	}
	s.log.Info("Opened database", "path", path, "tables", len(s.data))
	return nil
}

// Close releases the database file. Unflushed changes are lost; call Flush
// first to keep them. Closing a closed Server is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	err := s.file.Close()
	s.file = nil
	s.data = nil
	metrics.ResetTableRows()
	metrics.ObserveOp("close", err)
	return err
}

// IsOpen reports whether the Server is open.
func (s *Server) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file != nil
}

// Path returns the database file path, or "" when closed.
func (s *Server) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return ""
	}
	return s.file.Path()
}

// Read reloads the database from disk, discarding in-memory changes. When
// flushPrevious is set the in-memory database is written first, so nothing is
// lost.
func (s *Server) Read(flushPrevious bool) (err error) {
	defer func() { metrics.ObserveOp("read", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	return s.readLocked(flushPrevious)
}

// Flush writes the in-memory database to disk.
func (s *Server) Flush() (err error) {
	defer func() { metrics.ObserveOp("flush", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	return s.flushLocked("flush")
}

func (s *Server) readLocked(flushPrevious bool) error {
	if flushPrevious {
		if err := s.flushLocked("flush before read"); err != nil {
			return err
		}
	}
	db, err := s.file.Read()
	if err != nil {
		return err
	}
	if err := validate(db); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedDocument, s.file.Path(), err)
	}
	s.data = db
	s.updateGauges()
	return nil
}

func (s *Server) flushLocked(message string) error {
	if err := s.file.Write(s.data); err != nil {
		return err
	}
	metrics.Flushes.Inc()
	if s.history != nil {
		if err := s.history.Commit(s.file.Path(), message); err != nil {
			return fmt.Errorf("failed to record history: %w", err)
		}
	}
	return nil
}

// validate checks that every row has a positive integer id unique within its
// table.
func validate(db models.Database) error {
	for name, rows := range db {
		seen := make(map[int64]struct{}, len(rows))
		for i, r := range rows {
			id, ok := r.ID()
			if !ok {
				return fmt.Errorf("table %q row %d: id must be a positive integer", name, i)
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("table %q: duplicate id %d", name, id)
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

func (s *Server) updateGauges() {
	metrics.ResetTableRows()
	for name, rows := range s.data {
		metrics.SetTableRows(name, len(rows))
	}
}

// Stats summarizes the in-memory database.
type Stats struct {
	Tables int            `json:"tables"`
	Rows   map[string]int `json:"rows"`
}

// Stats returns the number of tables and the row count of each.
func (s *Server) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return Stats{}, ErrStoreClosed
	}
	st := Stats{Tables: len(s.data), Rows: make(map[string]int, len(s.data))}
	for name, rows := range s.data {
		st.Rows[name] = len(rows)
	}
	return st, nil
}

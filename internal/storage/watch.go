package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/jsonserver/internal/metrics"
)

// Watch reloads the database whenever another process modifies the database
// file. Edits made through this Server are recognized and skipped. Reloading
// discards unflushed changes, exactly like Read(false).
//
// Watching stops when ctx is canceled or the Server is closed. Calling Watch
// again replaces the previous watcher.
func (s *Server) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	path, err := filepath.Abs(s.file.Path())
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.file.Path(), err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file, which
	// drops a watch placed on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stopWatch = cancel
	go s.watchLoop(ctx, w, path)
	return nil
}

func (s *Server) watchLoop(ctx context.Context, w *fsnotify.Watcher, path string) {
	defer func() { _ = w.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.reloadIfModified(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.WarnContext(ctx, "Error watching database file", "path", path, "err", err)
		}
	}
}

func (s *Server) reloadIfModified(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil || ctx.Err() != nil {
		return
	}
	modified, err := s.file.Modified()
	if err != nil {
		s.log.DebugContext(ctx, "Database file not readable", "err", err)
		return
	}
	if !modified {
		return
	}
	if err := s.readLocked(false); err != nil {
		// Often a partial write; the next event retries.
		s.log.WarnContext(ctx, "Failed to reload modified database file", "err", err)
		return
	}
	metrics.ExternalReloads.Inc()
	s.log.InfoContext(ctx, "Reloaded externally modified database file", "path", s.file.Path(), "tables", len(s.data))
}

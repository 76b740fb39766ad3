package handlers

import (
	"context"
	"log/slog"

	apierrors "github.com/maruel/jsonserver/internal/errors"
	"github.com/maruel/jsonserver/internal/history"
	"github.com/maruel/jsonserver/internal/storage"
)

// HistoryLog lists the commits recorded for a file.
type HistoryLog interface {
	Log(path string, n int) ([]history.Commit, error)
}

// AdminHandler exposes the durability operations of the store.
type AdminHandler struct {
	store   *storage.Server
	history HistoryLog
}

// NewAdminHandler creates a new admin handler. hist may be nil when history
// is disabled.
func NewAdminHandler(store *storage.Server, hist HistoryLog) *AdminHandler {
	return &AdminHandler{store: store, history: hist}
}

// FlushRequest is a request to write the database to disk.
type FlushRequest struct{}

// FlushResponse is a response from flushing.
type FlushResponse struct{}

// ReadRequest is a request to reload the database from disk.
type ReadRequest struct {
	FlushPrevious bool `query:"flush_previous"`
}

// ReadResponse is a response from reloading.
type ReadResponse struct {
	Stats storage.Stats `json:"stats"`
}

// Flush writes the in-memory database to the file.
func (h *AdminHandler) Flush(ctx context.Context, req FlushRequest) (*FlushResponse, error) {
	if err := h.store.Flush(); err != nil {
		return nil, storeError(err)
	}
	return &FlushResponse{}, nil
}

// Read reloads the database from the file, discarding unflushed changes
// unless FlushPrevious is set.
func (h *AdminHandler) Read(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
	if err := h.store.Read(req.FlushPrevious); err != nil {
		return nil, storeError(err)
	}
	st, err := h.store.Stats()
	if err != nil {
		return nil, storeError(err)
	}
	slog.InfoContext(ctx, "Reloaded database", "path", h.store.Path(), "tables", st.Tables, "flush_previous", req.FlushPrevious)
	return &ReadResponse{Stats: st}, nil
}

// HistoryRequest is a request to list the commits of the database file.
type HistoryRequest struct {
	Limit int `query:"limit"`
}

// HistoryResponse lists commits, newest first.
type HistoryResponse struct {
	Commits []history.Commit `json:"commits"`
}

// History lists the commits recorded for the database file. Limit defaults
// to, and is capped at, 1000.
func (h *AdminHandler) History(ctx context.Context, req HistoryRequest) (*HistoryResponse, error) {
	if h.history == nil {
		return nil, apierrors.NotFound("history")
	}
	path := h.store.Path()
	if path == "" {
		return nil, storeError(storage.ErrStoreClosed)
	}
	commits, err := h.history.Log(path, req.Limit)
	if err != nil {
		return nil, apierrors.InternalWithError("failed to read history", err)
	}
	if commits == nil {
		commits = []history.Commit{}
	}
	return &HistoryResponse{Commits: commits}, nil
}

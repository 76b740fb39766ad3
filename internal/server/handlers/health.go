package handlers

import (
	"context"

	"github.com/maruel/jsonserver/internal/storage"
)

// HealthHandler reports the server status.
type HealthHandler struct {
	store   *storage.Server
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(store *storage.Server, version string) *HealthHandler {
	return &HealthHandler{store: store, version: version}
}

// HealthRequest is the request type for health check (empty).
type HealthRequest struct{}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version,omitempty"`
	DB      string        `json:"db"`
	Stats   storage.Stats `json:"stats"`
}

// Health returns the health status of the server. It fails with 503 when no
// database is open.
func (h *HealthHandler) Health(ctx context.Context, req HealthRequest) (*HealthResponse, error) {
	st, err := h.store.Stats()
	if err != nil {
		return nil, storeError(err)
	}
	return &HealthResponse{Status: "ok", Version: h.version, DB: h.store.Path(), Stats: st}, nil
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apierrors "github.com/maruel/jsonserver/internal/errors"
	"github.com/maruel/jsonserver/internal/models"
	"github.com/maruel/jsonserver/internal/storage"
)

// TableHandler handles table and row requests.
type TableHandler struct {
	store        *storage.Server
	flushOnWrite bool
}

// NewTableHandler creates a new table handler. When flushOnWrite is set,
// every mutation is flushed whether or not the request asks for it.
func NewTableHandler(store *storage.Server, flushOnWrite bool) *TableHandler {
	return &TableHandler{store: store, flushOnWrite: flushOnWrite}
}

// GetAllRequest is a request for the whole database.
type GetAllRequest struct{}

// ListTableRequest is a request for the rows of a table. Any query parameter
// becomes an equality filter; values are parsed as JSON when valid and used
// as strings otherwise.
type ListTableRequest struct {
	Table   string            `path:"table"`
	Filters map[string]string `query:"*"`
}

// GetRowRequest is a request for one row.
type GetRowRequest struct {
	Table string `path:"table"`
	ID    int64  `path:"id"`
}

// GetSubTableRequest is a request for the rows of SubTable referencing a row.
type GetSubTableRequest struct {
	Table    string `path:"table"`
	ID       int64  `path:"id"`
	SubTable string `path:"subtable"`
}

// CreateTableRequest is a request to create a table.
type CreateTableRequest struct {
	Table string `path:"table"`
	Flush bool   `query:"flush"`
}

// CreateTableResponse is a response from creating a table.
type CreateTableResponse struct {
	Table string `json:"table"`
}

// StatusCode implements server.StatusCoder.
func (CreateTableResponse) StatusCode() int { return http.StatusCreated }

// DropTableRequest is a request to drop a table.
type DropTableRequest struct {
	Table string `path:"table"`
	Flush bool   `query:"flush"`
}

// DropTableResponse is a response from dropping a table.
type DropTableResponse struct{}

// InsertRowRequest is a request to insert a row. The body is the row; its id,
// if any, is ignored.
type InsertRowRequest struct {
	Table string     `path:"table"`
	Flush bool       `query:"flush"`
	Row   models.Row `body:"json"`
}

// InsertRowResponse is a response from inserting a row.
type InsertRowResponse struct {
	ID int64 `json:"id"`
}

// StatusCode implements server.StatusCoder.
func (InsertRowResponse) StatusCode() int { return http.StatusCreated }

// UpdateRowRequest is a request to merge fields into a row.
type UpdateRowRequest struct {
	Table string     `path:"table"`
	ID    int64      `path:"id"`
	Flush bool       `query:"flush"`
	Patch models.Row `body:"json"`
}

// RemoveRowRequest is a request to remove a row.
type RemoveRowRequest struct {
	Table string `path:"table"`
	ID    int64  `path:"id"`
	Flush bool   `query:"flush"`
}

// RemoveRowResponse is a response from removing a row.
type RemoveRowResponse struct{}

// GetAll returns the whole database.
func (h *TableHandler) GetAll(ctx context.Context, req GetAllRequest) (*models.Database, error) {
	db, err := h.store.All()
	if err != nil {
		return nil, storeError(err)
	}
	return &db, nil
}

// ListTable returns the rows of a table, filtered when query parameters are
// present.
func (h *TableHandler) ListTable(ctx context.Context, req ListTableRequest) (*models.Database, error) {
	if len(req.Filters) == 0 {
		db, err := h.store.GetTable(req.Table)
		if err != nil {
			return nil, storeError(err)
		}
		return &db, nil
	}
	predicates := make(map[string]any, len(req.Filters))
	for k, v := range req.Filters {
		predicates[k] = parseQueryValue(v)
	}
	rows, err := h.store.Where(req.Table, predicates)
	if err != nil {
		return nil, storeError(err)
	}
	return &models.Database{req.Table: rows}, nil
}

// GetRow returns one row.
func (h *TableHandler) GetRow(ctx context.Context, req GetRowRequest) (*models.Row, error) {
	row, err := h.store.GetRow(req.Table, req.ID)
	if err != nil {
		return nil, storeError(err)
	}
	return &row, nil
}

// GetSubTable returns the rows of a table that reference a row of another.
func (h *TableHandler) GetSubTable(ctx context.Context, req GetSubTableRequest) (*models.Database, error) {
	db, err := h.store.GetRowSubTable(req.Table, req.ID, req.SubTable)
	if err != nil {
		return nil, storeError(err)
	}
	return &db, nil
}

// CreateTable creates an empty table.
func (h *TableHandler) CreateTable(ctx context.Context, req CreateTableRequest) (*CreateTableResponse, error) {
	if err := h.store.Create(req.Table, h.flush(req.Flush)); err != nil {
		return nil, storeError(err)
	}
	return &CreateTableResponse{Table: req.Table}, nil
}

// DropTable removes a table and its rows.
func (h *TableHandler) DropTable(ctx context.Context, req DropTableRequest) (*DropTableResponse, error) {
	if err := h.store.Drop(req.Table, h.flush(req.Flush)); err != nil {
		return nil, storeError(err)
	}
	return &DropTableResponse{}, nil
}

// InsertRow appends a row and returns its id.
func (h *TableHandler) InsertRow(ctx context.Context, req InsertRowRequest) (*InsertRowResponse, error) {
	if req.Row == nil {
		return nil, apierrors.BadRequest("request body must be a JSON object")
	}
	id, err := h.store.Insert(req.Table, req.Row, h.flush(req.Flush))
	if err != nil {
		return nil, storeError(err)
	}
	return &InsertRowResponse{ID: id}, nil
}

// UpdateRow merges the body into a row and returns the result.
func (h *TableHandler) UpdateRow(ctx context.Context, req UpdateRowRequest) (*models.Row, error) {
	if req.Patch == nil {
		return nil, apierrors.BadRequest("request body must be a JSON object")
	}
	row, err := h.store.Update(req.Table, req.ID, req.Patch, h.flush(req.Flush))
	if err != nil {
		return nil, storeError(err)
	}
	return &row, nil
}

// RemoveRow removes a row.
func (h *TableHandler) RemoveRow(ctx context.Context, req RemoveRowRequest) (*RemoveRowResponse, error) {
	if err := h.store.Remove(req.Table, req.ID, h.flush(req.Flush)); err != nil {
		return nil, storeError(err)
	}
	return &RemoveRowResponse{}, nil
}

func (h *TableHandler) flush(requested bool) bool {
	return requested || h.flushOnWrite
}

// parseQueryValue returns v decoded as JSON, or v itself when it isn't JSON:
// "1" gives 1.0, "true" gives true, "bob" gives "bob".
func parseQueryValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

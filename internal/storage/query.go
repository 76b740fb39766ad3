package storage

import (
	"fmt"
	"strings"

	"github.com/maruel/jsonserver/internal/models"
)

// ForeignKey returns the field name that rows of another table use to point
// at a row of table: "posts" gives "postId", "person" gives "personId".
func ForeignKey(table string) string {
	return strings.TrimSuffix(table, "s") + "Id"
}

// Selector picks what Get returns. Zero fields are unset.
type Selector struct {
	Table    string
	ID       int64
	SubTable string
}

// Get dispatches on the shape of sel:
//
//	{}                     All
//	{Table}                GetTable
//	{Table, ID}            GetRow
//	{Table, ID, SubTable}  GetRowSubTable
//
// Any other shape is treated like the empty selector.
func (s *Server) Get(sel Selector) (any, error) {
	switch {
	case sel.Table != "" && sel.ID == 0 && sel.SubTable == "":
		return s.GetTable(sel.Table)
	case sel.Table != "" && sel.ID != 0 && sel.SubTable == "":
		return s.GetRow(sel.Table, sel.ID)
	case sel.Table != "" && sel.ID != 0 && sel.SubTable != "":
		return s.GetRowSubTable(sel.Table, sel.ID, sel.SubTable)
	default:
		return s.All()
	}
}

// TableExists reports whether table exists. It is false on a closed Server.
func (s *Server) TableExists(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[table]
	return ok
}

// RowExists reports whether table has a row with id.
func (s *Server) RowExists(table string, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return false, ErrStoreClosed
	}
	rows, err := s.tableLocked(table)
	if err != nil {
		return false, err
	}
	return indexOf(rows, id) >= 0, nil
}

// All returns a copy of the whole database.
func (s *Server) All() (models.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	return s.data.Clone(), nil
}

// GetTable returns the rows of table keyed by its name.
func (s *Server) GetTable(table string) (models.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.tableLocked(table)
	if err != nil {
		return nil, err
	}
	return models.Database{table: models.CloneRows(rows)}, nil
}

// GetRow returns the row of table with id.
func (s *Server) GetRow(table string, id int64) (models.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	r, err := s.rowLocked(table, id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// GetRowSubTable returns the rows of subtable that reference row id of table
// through the ForeignKey convention, keyed by subtable.
//
// An empty result is reported as a RowNotFoundError for table and id, whether
// the parent row is missing or merely has no children.
func (s *Server) GetRowSubTable(table string, id int64, subtable string) (models.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.whereLocked(subtable, map[string]any{ForeignKey(table): float64(id)})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &RowNotFoundError{Table: table, ID: id}
	}
	return models.Database{subtable: models.CloneRows(rows)}, nil
}

// Where returns, in table order, the rows of table whose fields equal every
// predicate. A row lacking a predicate field does not match.
func (s *Server) Where(table string, predicates map[string]any) ([]models.Row, error) {
	norm := make(map[string]any, len(predicates))
	for k, v := range predicates {
		n, err := models.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: predicate %q: %w", ErrInvalidArgument, k, err)
		}
		norm[k] = n
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.whereLocked(table, norm)
	if err != nil {
		return nil, err
	}
	return models.CloneRows(rows), nil
}

func (s *Server) tableLocked(table string) ([]models.Row, error) {
	rows, ok := s.data[table]
	if !ok {
		return nil, &TableNotFoundError{Table: table}
	}
	return rows, nil
}

func (s *Server) rowLocked(table string, id int64) (models.Row, error) {
	rows, err := s.tableLocked(table)
	if err != nil {
		return nil, err
	}
	i := indexOf(rows, id)
	if i < 0 {
		return nil, &RowNotFoundError{Table: table, ID: id}
	}
	return rows[i], nil
}

// whereLocked returns the matching rows themselves, not copies. predicates
// must be normalized.
func (s *Server) whereLocked(table string, predicates map[string]any) ([]models.Row, error) {
	rows, err := s.tableLocked(table)
	if err != nil {
		return nil, err
	}
	var out []models.Row
	for _, r := range rows {
		if matches(r, predicates) {
			out = append(out, r)
		}
	}
	return out, nil
}

func matches(r models.Row, predicates map[string]any) bool {
	for k, want := range predicates {
		got, ok := r[k]
		if !ok || !models.Equal(got, want) {
			return false
		}
	}
	return true
}

func indexOf(rows []models.Row, id int64) int {
	for i, r := range rows {
		if rid, ok := r.ID(); ok && rid == id {
			return i
		}
	}
	return -1
}

package storage

import (
	"fmt"

	"github.com/maruel/jsonserver/internal/metrics"
	"github.com/maruel/jsonserver/internal/models"
)

// Create adds the empty table name.
func (s *Server) Create(name string, flush bool) (err error) {
	defer func() { metrics.ObserveOp("create", err) }()
	if name == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	if _, ok := s.data[name]; ok {
		return &TableAlreadyExistsError{Table: name}
	}
	s.data[name] = []models.Row{}
	metrics.SetTableRows(name, 0)
	return s.finishLocked(flush, "create table %s", name)
}

// Drop removes table and all its rows. Rows of other tables referencing it are
// left dangling.
func (s *Server) Drop(table string, flush bool) (err error) {
	defer func() { metrics.ObserveOp("drop", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	if _, err := s.tableLocked(table); err != nil {
		return err
	}
	delete(s.data, table)
	metrics.DeleteTableRows(table)
	return s.finishLocked(flush, "drop table %s", table)
}

// Insert appends a copy of row to table with id set to one more than the
// largest id in the table, or 1 if the table is empty. Any id in row is
// ignored. It returns the assigned id.
func (s *Server) Insert(table string, row models.Row, flush bool) (id int64, err error) {
	defer func() { metrics.ObserveOp("insert", err) }()
	r, err := models.NormalizeRow(row)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, ErrStoreClosed
	}
	rows, err := s.tableLocked(table)
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, existing := range rows {
		if rid, ok := existing.ID(); ok && rid > highest {
			highest = rid
		}
	}
	id = highest + 1
	r[models.IDField] = float64(id)
	s.data[table] = append(rows, r)
	metrics.SetTableRows(table, len(s.data[table]))
	return id, s.finishLocked(flush, "insert %s/%d", table, id)
}

// Remove deletes the rows of table with id, keeping the order of the others.
func (s *Server) Remove(table string, id int64, flush bool) (err error) {
	defer func() { metrics.ObserveOp("remove", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrStoreClosed
	}
	rows, err := s.tableLocked(table)
	if err != nil {
		return err
	}
	if indexOf(rows, id) < 0 {
		return &RowNotFoundError{Table: table, ID: id}
	}
	kept := make([]models.Row, 0, len(rows)-1)
	for _, r := range rows {
		if rid, ok := r.ID(); ok && rid == id {
			continue
		}
		kept = append(kept, r)
	}
	s.data[table] = kept
	metrics.SetTableRows(table, len(kept))
	return s.finishLocked(flush, "remove %s/%d", table, id)
}

// Update merges patch into the row of table with id and returns the result.
// Fields absent from patch are kept. The patch may repeat the row id but not
// change it.
func (s *Server) Update(table string, id int64, patch models.Row, flush bool) (updated models.Row, err error) {
	defer func() { metrics.ObserveOp("update", err) }()
	p, err := models.NormalizeRow(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, ErrStoreClosed
	}
	r, err := s.rowLocked(table, id)
	if err != nil {
		return nil, err
	}
	if v, ok := p[models.IDField]; ok {
		if pid, valid := models.ToID(v); !valid || pid != id {
			return nil, fmt.Errorf("%w: row %d of table %q", ErrIDImmutable, id, table)
		}
	}
	for k, v := range p {
		r[k] = v
	}
	return r.Clone(), s.finishLocked(flush, "update %s/%d", table, id)
}

// finishLocked flushes when asked to. The mutation stays applied in memory
// even if the write fails.
func (s *Server) finishLocked(flush bool, format string, args ...any) error {
	if !flush {
		return nil
	}
	return s.flushLocked(fmt.Sprintf(format, args...))
}

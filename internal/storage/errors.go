package storage

import (
	"errors"
	"fmt"

	"github.com/maruel/jsonserver/internal/jsonfile"
)

var (
	// ErrNotFound is returned by Open when the database file does not exist.
	ErrNotFound = jsonfile.ErrNotFound
	// ErrStoreClosed is returned by every operation on a closed Server.
	ErrStoreClosed = jsonfile.ErrStoreClosed
	// ErrMalformedDocument is returned when the database file cannot be parsed
	// or holds rows without a valid unique id.
	ErrMalformedDocument = jsonfile.ErrMalformedDocument

	// ErrTableNotFound matches every TableNotFoundError.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableAlreadyExists matches every TableAlreadyExistsError.
	ErrTableAlreadyExists = errors.New("table already exists")
	// ErrRowNotFound matches every RowNotFoundError.
	ErrRowNotFound = errors.New("row not found")
	// ErrIDImmutable is returned by Update when the patch changes the row id.
	ErrIDImmutable = errors.New("row id cannot be changed")
	// ErrAlreadyOpen is returned by Open on an open Server.
	ErrAlreadyOpen = errors.New("store already open")
	// ErrInvalidArgument is returned for empty table names and rows that are not
	// JSON representable.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TableNotFoundError is returned when a requested table does not exist.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %q not found", e.Table)
}

// Is makes errors.Is(err, ErrTableNotFound) true.
func (e *TableNotFoundError) Is(target error) bool {
	return target == ErrTableNotFound
}

// TableAlreadyExistsError is returned when creating a table that exists.
type TableAlreadyExistsError struct {
	Table string
}

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Table)
}

// Is makes errors.Is(err, ErrTableAlreadyExists) true.
func (e *TableAlreadyExistsError) Is(target error) bool {
	return target == ErrTableAlreadyExists
}

// RowNotFoundError is returned when no row of Table has ID.
type RowNotFoundError struct {
	Table string
	ID    int64
}

func (e *RowNotFoundError) Error() string {
	return fmt.Sprintf("row with id %d in table %q not found", e.ID, e.Table)
}

// Is makes errors.Is(err, ErrRowNotFound) true.
func (e *RowNotFoundError) Is(target error) bool {
	return target == ErrRowNotFound
}

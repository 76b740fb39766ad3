// Package models defines the core data structures shared by the file layer,
// the table store and the HTTP handlers.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// IDField is the only reserved field of a row.
const IDField = "id"

// MaxID is the largest row identifier. Larger integers are not exact in a
// float64, which is how JSON numbers are decoded.
const MaxID = 1 << 53

// Database maps a table name to its rows, in physical order.
type Database map[string][]Row

// Row is a flat JSON record. Every stored row carries a positive integer
// IDField unique within its table.
type Row map[string]any

// ID returns the row identifier, or false if the row has no valid id.
func (r Row) ID() (int64, bool) {
	return ToID(r[IDField])
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the database.
func (d Database) Clone() Database {
	out := make(Database, len(d))
	for name, rows := range d {
		out[name] = CloneRows(rows)
	}
	return out
}

// CloneRows returns a deep copy of rows. The result is never nil.
func CloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Row:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// ToID converts a decoded JSON value to a row identifier. Only integral
// values in [1, MaxID] qualify.
func ToID(v any) (int64, bool) {
	var i int64
	switch t := v.(type) {
	case float64:
		if t < 1 || t > MaxID || t != math.Trunc(t) {
			return 0, false
		}
		i = int64(t)
	case int:
		i = int64(t)
	case int64:
		i = t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		i = n
	default:
		return 0, false
	}
	if i < 1 || i > MaxID {
		return 0, false
	}
	return i, true
}

// Normalize returns v as encoding/json would decode it: numbers become
// float64, structs and typed maps become map[string]any, and so on. It fails
// when v is not JSON representable, NaN and infinities included.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool:
		return v, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("value is not JSON representable: %v", t)
		}
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON representable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to decode normalized value: %w", err)
	}
	return out, nil
}

// NormalizeRow normalizes every value of r into a new Row.
func NormalizeRow(r Row) (Row, error) {
	out := make(Row, len(r))
	for k, v := range r {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// Equal reports whether two normalized JSON values are equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/maruel/jsonserver/internal/models"
	"github.com/maruel/jsonserver/internal/storage"
)

var errExit = errors.New("exit")

var commands = []string{
	"tables", "get", "where", "create", "drop", "insert", "update",
	"remove", "flush", "read", "help", "exit", "quit", "q",
}

type shell struct {
	store *storage.Server
	out   io.Writer
}

// exec runs one command line.
func (s *shell) exec(line string) error {
	cmd, rest := cut(line)
	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		return errExit
	case "help", "?":
		s.help()
		return nil
	case "tables":
		return s.tables()
	case "get":
		return s.get(rest)
	case "where":
		return s.where(rest)
	case "create":
		table, _ := cut(rest)
		if table == "" {
			return errors.New("usage: create <table>")
		}
		return s.store.Create(table, false)
	case "drop":
		table, _ := cut(rest)
		if table == "" {
			return errors.New("usage: drop <table>")
		}
		return s.store.Drop(table, false)
	case "insert":
		return s.insert(rest)
	case "update":
		return s.update(rest)
	case "remove":
		table, rest := cut(rest)
		idStr, _ := cut(rest)
		id, err := parseID(idStr)
		if table == "" || err != nil {
			return errors.New("usage: remove <table> <id>")
		}
		return s.store.Remove(table, id, false)
	case "flush":
		return s.store.Flush()
	case "read":
		arg, _ := cut(rest)
		return s.store.Read(arg == "flush")
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

func (s *shell) help() {
	fmt.Fprint(s.out, `Commands:
  tables                          List tables and their row counts
  get [table [id [subtable]]]     Print the database, a table, a row or sub-rows
  where <table> key=value...      Print the rows matching every key=value
  create <table>                  Create an empty table
  drop <table>                    Drop a table
  insert <table> <json object>    Insert a row, print its id
  update <table> <id> <json>      Merge fields into a row
  remove <table> <id>             Remove a row
  flush                           Write the database to the file
  read [flush]                    Reload from the file, flushing first if asked
  help                            Show this help
  exit                            Exit; unflushed changes are lost
`)
}

func (s *shell) tables() error {
	st, err := s.store.Stats()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(st.Rows))
	for name := range st.Rows {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "%s\t%d\n", name, st.Rows[name])
	}
	return nil
}

func (s *shell) get(args string) error {
	var sel storage.Selector
	f := strings.Fields(args)
	if len(f) > 3 {
		return errors.New("usage: get [table [id [subtable]]]")
	}
	if len(f) > 0 {
		sel.Table = f[0]
	}
	if len(f) > 1 {
		id, err := parseID(f[1])
		if err != nil {
			return err
		}
		sel.ID = id
	}
	if len(f) > 2 {
		sel.SubTable = f[2]
	}
	v, err := s.store.Get(sel)
	if err != nil {
		return err
	}
	return s.print(v)
}

func (s *shell) where(args string) error {
	f := strings.Fields(args)
	if len(f) == 0 {
		return errors.New("usage: where <table> key=value...")
	}
	predicates := make(map[string]any, len(f)-1)
	for _, kv := range f[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid predicate %q, want key=value", kv)
		}
		predicates[k] = parseValue(v)
	}
	rows, err := s.store.Where(f[0], predicates)
	if err != nil {
		return err
	}
	return s.print(rows)
}

func (s *shell) insert(args string) error {
	table, raw := cut(args)
	if table == "" || raw == "" {
		return errors.New("usage: insert <table> <json object>")
	}
	row, err := parseRow(raw)
	if err != nil {
		return err
	}
	id, err := s.store.Insert(table, row, false)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d\n", id)
	return nil
}

func (s *shell) update(args string) error {
	table, rest := cut(args)
	idStr, raw := cut(rest)
	if table == "" || raw == "" {
		return errors.New("usage: update <table> <id> <json object>")
	}
	id, err := parseID(idStr)
	if err != nil {
		return err
	}
	patch, err := parseRow(raw)
	if err != nil {
		return err
	}
	row, err := s.store.Update(table, id, patch, false)
	if err != nil {
		return err
	}
	return s.print(row)
}

func (s *shell) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.out, "%s\n", b)
	return err
}

// complete completes command names, then table names.
func (s *shell) complete(line string) []string {
	cmd, rest, hasArgs := strings.Cut(line, " ")
	var out []string
	if !hasArgs {
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(cmd)) {
				out = append(out, c)
			}
		}
		return out
	}
	if strings.Contains(rest, " ") {
		return nil
	}
	st, err := s.store.Stats()
	if err != nil {
		return nil
	}
	for name := range st.Rows {
		if strings.HasPrefix(name, rest) {
			out = append(out, cmd+" "+name)
		}
	}
	slices.Sort(out)
	return out
}

// cut splits s at the first run of spaces.
func cut(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseRow(raw string) (models.Row, error) {
	var row models.Row
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if row == nil {
		return nil, errors.New("invalid JSON object: null")
	}
	return row, nil
}

// parseValue decodes v as JSON, falling back to the raw string.
func parseValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

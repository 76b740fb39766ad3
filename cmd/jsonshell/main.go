// jsonshell is an interactive shell over a JSON database file.
//
// Usage:
//
//	jsonshell [--atomic-writes] <db.json>
//
// Commands (in the shell):
//
//	tables                          List tables and their row counts
//	get [table [id [subtable]]]     Print the database, a table, a row or sub-rows
//	where <table> key=value...      Print the rows matching every key=value
//	create <table>                  Create an empty table
//	drop <table>                    Drop a table
//	insert <table> <json object>    Insert a row, print its id
//	update <table> <id> <json>      Merge fields into a row
//	remove <table> <id>             Remove a row
//	flush                           Write the database to the file
//	read [flush]                    Reload from the file, flushing first if asked
//	help                            Show this help
//	exit / quit / q                 Exit; unflushed changes are lost
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/maruel/jsonserver/internal/storage"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jsonshell: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	atomicWrites := flag.Bool("atomic-writes", false, "Write the database through a temporary file and rename")
	flag.Parse()
	if flag.NArg() != 1 {
		return errors.New("usage: jsonshell [--atomic-writes] <db.json>")
	}
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:   slog.LevelWarn,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	path := flag.Arg(0)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("json database file at %q does not exist", path)
	}
	var opts []storage.Option
	if *atomicWrites {
		opts = append(opts, storage.WithAtomicWrites())
	}
	store := storage.New(opts...)
	if err := store.Open(path); err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	s := &shell{store: store, out: os.Stdout}
	return s.run(path)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".jsonshell_history")
}

func (s *shell) run(path string) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(s.complete)
	if f, err := os.Open(historyFile()); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if p := historyFile(); p != "" {
			if f, err := os.Create(p); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}
	}()

	fmt.Fprintf(s.out, "jsonshell - %s\n", path)
	fmt.Fprintln(s.out, "Type 'help' for available commands.")
	for {
		line, err := ln.Prompt("json> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)
		if err := s.exec(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

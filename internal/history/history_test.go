package history

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"

	"github.com/maruel/jsonserver/internal/models"
	"github.com/maruel/jsonserver/internal/storage"
)

func TestRepo(t *testing.T) {
	t.Parallel()

	t.Run("Init", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		r, err := Open(dir, Author{})
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			t.Errorf(".git directory not created: %v", err)
		}
		if r.author.Name != "jsonserver" || r.author.Email != "jsonserver@localhost" {
			t.Errorf("unexpected default author %+v", r.author)
		}
		// Opening again reuses the repository.
		if _, err := Open(dir, Author{}); err != nil {
			t.Fatalf("second Open() failed: %v", err)
		}
	})

	t.Run("Commit", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		r, err := Open(dir, Author{Name: "Test User", Email: "test@example.com"})
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(dir, "db.json")
		if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := r.Commit(path, "first"); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		// Unchanged content makes no commit.
		if err := r.Commit(path, "noop"); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(`{"t":[]}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := r.Commit(path, "second\n\nbody"); err != nil {
			t.Fatal(err)
		}

		commits, err := r.Log(path, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(commits) != 2 {
			t.Fatalf("expected 2 commits, got %d: %+v", len(commits), commits)
		}
		if commits[0].Message != "second" || commits[1].Message != "first" {
			t.Errorf("unexpected messages %q, %q", commits[0].Message, commits[1].Message)
		}
		if commits[0].Author != "Test User" {
			t.Errorf("unexpected author %q", commits[0].Author)
		}
		if len(commits[0].Hash) != 40 {
			t.Errorf("unexpected hash %q", commits[0].Hash)
		}
	})

	t.Run("Outside", func(t *testing.T) {
		t.Parallel()
		r, err := Open(t.TempDir(), Author{})
		if err != nil {
			t.Fatal(err)
		}
		other := filepath.Join(t.TempDir(), "db.json")
		if err := os.WriteFile(other, []byte(`{}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := r.Commit(other, "x"); err == nil {
			t.Error("expected an error for a file outside of the repository")
		}
	})

	t.Run("Enclosing", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		if _, err := gogit.PlainInit(root, false); err != nil {
			t.Fatal(err)
		}
		sub := filepath.Join(root, "data", "db")
		r, err := Open(sub, Author{})
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		if r.Dir() != root {
			t.Errorf("Dir() = %q, want the enclosing repository %q", r.Dir(), root)
		}
		if _, err := os.Stat(filepath.Join(sub, ".git")); !os.IsNotExist(err) {
			t.Errorf("a nested repository was created: %v", err)
		}
		path := filepath.Join(sub, "db.json")
		if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := r.Commit(path, "nested"); err != nil {
			t.Fatalf("Commit() failed: %v", err)
		}
		commits, err := r.Log(path, 0)
		if err != nil || len(commits) != 1 || commits[0].Message != "nested" {
			t.Errorf("Log() = %+v, %v", commits, err)
		}
	})

	t.Run("EmptyLog", func(t *testing.T) {
		t.Parallel()
		r, err := Open(t.TempDir(), Author{})
		if err != nil {
			t.Fatal(err)
		}
		commits, err := r.Log("", 5)
		if err != nil || len(commits) != 0 {
			t.Errorf("Log() on empty repo = %v, %v", commits, err)
		}
	})
}

func TestStoreFlushes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := os.WriteFile(path, []byte(`{"posts": []}`), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := Open(dir, Author{})
	if err != nil {
		t.Fatal(err)
	}
	s := storage.New(storage.WithHistory(r))
	if err := s.Open(path); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	if _, err := s.Insert("posts", models.Row{"title": "a"}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("posts", 1, models.Row{"title": "b"}, true); err != nil {
		t.Fatal(err)
	}
	commits, err := r.Log(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range commits {
		got = append(got, c.Message)
	}
	if len(got) != 2 || got[0] != "update posts/1" || got[1] != "insert posts/1" {
		t.Errorf("unexpected history %q", got)
	}
}

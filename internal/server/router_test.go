package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/maruel/jsonserver/internal/history"
	"github.com/maruel/jsonserver/internal/models"
	"github.com/maruel/jsonserver/internal/server/ratelimit"
	"github.com/maruel/jsonserver/internal/storage"
)

const blogDB = `{
	"comments": [
		{"body": "some comment", "id": 1, "postId": 1},
		{"body": "some comment - foo", "id": 2, "postId": 1},
		{"body": "other", "id": 3, "postId": 2}
	],
	"posts": [
		{"author": "tuxtimo", "id": 1, "title": "jsonserver", "draft": false},
		{"author": "tuxtimo", "id": 2, "title": "jsonserver2", "draft": true}
	]
}`

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *storage.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.json")
	if err := os.WriteFile(path, []byte(blogDB), 0o600); err != nil {
		t.Fatal(err)
	}
	store := storage.New()
	if err := store.Open(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ts := httptest.NewServer(NewRouter(store, opts))
	t.Cleanup(ts.Close)
	return ts, store
}

type response struct {
	code   int
	header http.Header
	body   []byte
}

func (r *response) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("failed to decode %q: %v", r.body, err)
	}
}

// errorCode returns the error.code field of an error response.
func (r *response) errorCode(t *testing.T) string {
	t.Helper()
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	r.decode(t, &e)
	return e.Error.Code
}

func do(t *testing.T, ts *httptest.Server, method, path, body string, header ...string) *response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return &response{code: resp.StatusCode, header: resp.Header, body: b}
}

func TestRouter_Reads(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	all, err := store.All()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want any
	}{
		{"all", "/", all},
		{"table", "/posts", models.Database{"posts": all["posts"]}},
		{"row", "/posts/2", all["posts"][1]},
		{"subtable", "/posts/1/comments", models.Database{"comments": all["comments"][:2]}},
		{"where number", "/comments?postId=2", models.Database{"comments": all["comments"][2:]}},
		{"where string", "/comments?body=some+comment", models.Database{"comments": all["comments"][:1]}},
		{"where bool", "/posts?draft=true&author=tuxtimo", models.Database{"posts": all["posts"][1:]}},
		{"where no match", "/posts?author=nobody", models.Database{"posts": {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodGet, tt.path, "")
			if resp.code != http.StatusOK {
				t.Fatalf("status %d: %s", resp.code, resp.body)
			}
			if ct := resp.header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			// Decode into the same type as want.
			got := reflectNew(tt.want)
			resp.decode(t, got)
			if diff := cmp.Diff(tt.want, deref(got)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func reflectNew(v any) any {
	switch v.(type) {
	case models.Database:
		return &models.Database{}
	case models.Row:
		return &models.Row{}
	default:
		panic("unsupported type")
	}
}

func deref(v any) any {
	switch p := v.(type) {
	case *models.Database:
		return *p
	case *models.Row:
		return *p
	default:
		panic("unsupported type")
	}
}

func TestRouter_Errors(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	tests := []struct {
		name, method, path, body string
		code                     int
		errCode                  string
	}{
		{"missing table", http.MethodGet, "/users", "", http.StatusNotFound, "TABLE_NOT_FOUND"},
		{"missing row", http.MethodGet, "/posts/9", "", http.StatusNotFound, "ROW_NOT_FOUND"},
		{"no children", http.MethodGet, "/posts/9/comments", "", http.StatusNotFound, "ROW_NOT_FOUND"},
		{"missing subtable", http.MethodGet, "/posts/1/likes", "", http.StatusNotFound, "TABLE_NOT_FOUND"},
		{"bad id", http.MethodGet, "/posts/abc", "", http.StatusBadRequest, "INVALID_FORMAT"},
		{"zero id", http.MethodDelete, "/posts/0", "", http.StatusBadRequest, "INVALID_FORMAT"},
		{"create existing", http.MethodPut, "/posts", "", http.StatusConflict, "TABLE_ALREADY_EXISTS"},
		{"insert no body", http.MethodPost, "/posts", "", http.StatusBadRequest, "VALIDATION_FAILED"},
		{"insert array", http.MethodPost, "/posts", `[1]`, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"insert missing table", http.MethodPost, "/users", `{"a":1}`, http.StatusNotFound, "TABLE_NOT_FOUND"},
		{"change id", http.MethodPatch, "/posts/1", `{"id":2}`, http.StatusBadRequest, "ID_IMMUTABLE"},
		{"flush with body", http.MethodPost, "/-/flush", `{"x":1}`, http.StatusBadRequest, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, tt.method, tt.path, tt.body)
			if resp.code != tt.code {
				t.Fatalf("status = %d, want %d: %s", resp.code, tt.code, resp.body)
			}
			if got := resp.errorCode(t); got != tt.errCode {
				t.Errorf("code = %q, want %q", got, tt.errCode)
			}
		})
	}
}

func TestRouter_ErrorDetails(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp := do(t, ts, http.MethodGet, "/posts/3", "")
	var e struct {
		Error   map[string]string `json:"error"`
		Details map[string]any    `json:"details"`
	}
	resp.decode(t, &e)
	want := `row with id 3 in table "posts" not found`
	if e.Error["message"] != want {
		t.Errorf("message = %q, want %q", e.Error["message"], want)
	}
	if e.Details["table"] != "posts" || e.Details["id"] != float64(3) {
		t.Errorf("unexpected details %v", e.Details)
	}
}

func TestRouter_Mutations(t *testing.T) {
	ts, store := newTestServer(t, Options{})

	resp := do(t, ts, http.MethodPut, "/tags", "")
	if resp.code != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.code, resp.body)
	}

	resp = do(t, ts, http.MethodPost, "/tags", `{"id": 42, "name": "go"}`)
	if resp.code != http.StatusCreated {
		t.Fatalf("insert: %d %s", resp.code, resp.body)
	}
	var ins struct{ ID int64 }
	resp.decode(t, &ins)
	if ins.ID != 1 {
		t.Errorf("inserted id = %d, want 1", ins.ID)
	}

	resp = do(t, ts, http.MethodPatch, "/tags/1", `{"name": "golang", "count": 2}`)
	if resp.code != http.StatusOK {
		t.Fatalf("update: %d %s", resp.code, resp.body)
	}
	var row models.Row
	resp.decode(t, &row)
	want := models.Row{"id": float64(1), "name": "golang", "count": float64(2)}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}

	// Nothing was flushed yet.
	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("tags")) {
		t.Error("mutations without flush must not reach the file")
	}

	if resp := do(t, ts, http.MethodDelete, "/comments/3?flush=true", ""); resp.code != http.StatusOK {
		t.Fatalf("remove: %d %s", resp.code, resp.body)
	}
	raw, err = os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("golang")) {
		t.Error("flush=true should persist the whole database")
	}

	if resp := do(t, ts, http.MethodDelete, "/tags", ""); resp.code != http.StatusOK {
		t.Fatalf("drop: %d %s", resp.code, resp.body)
	}
	if store.TableExists("tags") {
		t.Error("tags should be dropped")
	}
}

func TestRouter_FlushOnWrite(t *testing.T) {
	ts, store := newTestServer(t, Options{FlushOnWrite: true})
	if resp := do(t, ts, http.MethodPut, "/tags", ""); resp.code != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.code, resp.body)
	}
	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(`"tags"`)) {
		t.Error("flush_on_write should persist every mutation")
	}
}

func TestRouter_Admin(t *testing.T) {
	ts, store := newTestServer(t, Options{Version: "v1.2.3"})

	resp := do(t, ts, http.MethodGet, "/-/health", "")
	if resp.code != http.StatusOK {
		t.Fatalf("health: %d %s", resp.code, resp.body)
	}
	var health struct {
		Status  string        `json:"status"`
		Version string        `json:"version"`
		Stats   storage.Stats `json:"stats"`
	}
	resp.decode(t, &health)
	if health.Status != "ok" || health.Version != "v1.2.3" || health.Stats.Tables != 2 || health.Stats.Rows["comments"] != 3 {
		t.Errorf("unexpected health %+v", health)
	}

	if resp := do(t, ts, http.MethodPut, "/tags", ""); resp.code != http.StatusCreated {
		t.Fatal(resp.code)
	}
	if resp := do(t, ts, http.MethodPost, "/-/read", ""); resp.code != http.StatusOK {
		t.Fatalf("read: %d %s", resp.code, resp.body)
	}
	if store.TableExists("tags") {
		t.Error("read should discard unflushed tables")
	}

	if resp := do(t, ts, http.MethodPut, "/tags", ""); resp.code != http.StatusCreated {
		t.Fatal(resp.code)
	}
	if resp := do(t, ts, http.MethodPost, "/-/read?flush_previous=true", ""); resp.code != http.StatusOK {
		t.Fatalf("read: %d %s", resp.code, resp.body)
	}
	if !store.TableExists("tags") {
		t.Error("read with flush_previous should keep the table")
	}

	if resp := do(t, ts, http.MethodPut, "/more", ""); resp.code != http.StatusCreated {
		t.Fatal(resp.code)
	}
	if resp := do(t, ts, http.MethodPost, "/-/flush", ""); resp.code != http.StatusOK {
		t.Fatalf("flush: %d %s", resp.code, resp.body)
	}
	raw, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte(`"more"`)) {
		t.Error("flush should write the database")
	}

	resp = do(t, ts, http.MethodGet, "/-/metrics", "")
	if resp.code != http.StatusOK || !bytes.Contains(resp.body, []byte("jsonserver_http_requests_total")) {
		t.Errorf("metrics: %d %s", resp.code, resp.body)
	}
}

func TestRouter_History(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := os.WriteFile(path, []byte(blogDB), 0o600); err != nil {
		t.Fatal(err)
	}
	repo, err := history.Open(dir, history.Author{})
	if err != nil {
		t.Fatal(err)
	}
	store := storage.New(storage.WithHistory(repo))
	if err := store.Open(path); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ts := httptest.NewServer(NewRouter(store, Options{History: repo}))
	t.Cleanup(ts.Close)

	var got struct {
		Commits []history.Commit `json:"commits"`
	}
	resp := do(t, ts, http.MethodGet, "/-/history", "")
	if resp.code != http.StatusOK {
		t.Fatalf("empty history: %d %s", resp.code, resp.body)
	}
	resp.decode(t, &got)
	if got.Commits == nil || len(got.Commits) != 0 {
		t.Errorf("expected an empty commit list, got %s", resp.body)
	}
	if resp := do(t, ts, http.MethodPost, "/posts?flush=true", `{"title": "t"}`); resp.code != http.StatusCreated {
		t.Fatalf("insert: %d %s", resp.code, resp.body)
	}
	if resp := do(t, ts, http.MethodPost, "/-/flush", ""); resp.code != http.StatusOK {
		t.Fatalf("flush: %d %s", resp.code, resp.body)
	}
	if resp := do(t, ts, http.MethodDelete, "/posts/1?flush=true", ""); resp.code != http.StatusOK {
		t.Fatalf("remove: %d %s", resp.code, resp.body)
	}

	resp = do(t, ts, http.MethodGet, "/-/history", "")
	if resp.code != http.StatusOK {
		t.Fatalf("history: %d %s", resp.code, resp.body)
	}
	got.Commits = nil
	resp.decode(t, &got)
	var messages []string
	for _, c := range got.Commits {
		messages = append(messages, c.Message)
	}
	// The flush of an unchanged file makes no commit.
	if diff := cmp.Diff([]string{"remove posts/1", "insert posts/3"}, messages); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	resp = do(t, ts, http.MethodGet, "/-/history?limit=1", "")
	got.Commits = nil
	resp.decode(t, &got)
	if len(got.Commits) != 1 || got.Commits[0].Message != "remove posts/1" {
		t.Errorf("limited history: %+v", got.Commits)
	}
}

func TestRouter_HistoryDisabled(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp := do(t, ts, http.MethodGet, "/-/history", "")
	if resp.code != http.StatusNotFound || resp.errorCode(t) != "NOT_FOUND" {
		t.Errorf("history disabled: %d %s", resp.code, resp.body)
	}
}

func TestRouter_Closed(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/", "/posts", "/-/health"} {
		resp := do(t, ts, http.MethodGet, path, "")
		if resp.code != http.StatusServiceUnavailable || resp.errorCode(t) != "STORE_CLOSED" {
			t.Errorf("%s: %d %s", path, resp.code, resp.body)
		}
	}
}

func TestRouter_RequestID(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp := do(t, ts, http.MethodGet, "/", "")
	if len(resp.header.Get("X-Request-ID")) != 36 {
		t.Errorf("expected a generated uuid, got %q", resp.header.Get("X-Request-ID"))
	}
	resp = do(t, ts, http.MethodGet, "/", "", "X-Request-ID", "abc")
	if got := resp.header.Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestRouter_MaxBytes(t *testing.T) {
	ts, _ := newTestServer(t, Options{MaxRequestBodyBytes: 16})
	resp := do(t, ts, http.MethodPost, "/posts", `{"title": "this body is too long"}`)
	if resp.code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d: %s", resp.code, resp.body)
	}
}

func TestRouter_Auth(t *testing.T) {
	secret := []byte("s3cr3t")
	ts, _ := newTestServer(t, Options{JWTSecret: secret})

	sign := func(key []byte, method jwt.SigningMethod, exp time.Time) string {
		tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	if resp := do(t, ts, http.MethodGet, "/posts", ""); resp.code != http.StatusOK {
		t.Errorf("reads must stay anonymous, got %d", resp.code)
	}
	resp := do(t, ts, http.MethodPut, "/tags", "")
	if resp.code != http.StatusUnauthorized || resp.errorCode(t) != "UNAUTHORIZED" {
		t.Errorf("missing token: %d %s", resp.code, resp.body)
	}
	bad := sign([]byte("other"), jwt.SigningMethodHS256, time.Now().Add(time.Hour))
	if resp := do(t, ts, http.MethodPut, "/tags", "", "Authorization", "Bearer "+bad); resp.code != http.StatusUnauthorized {
		t.Errorf("wrong key: %d", resp.code)
	}
	expired := sign(secret, jwt.SigningMethodHS256, time.Now().Add(-time.Hour))
	if resp := do(t, ts, http.MethodPut, "/tags", "", "Authorization", "Bearer "+expired); resp.code != http.StatusUnauthorized {
		t.Errorf("expired: %d", resp.code)
	}
	hs512 := sign(secret, jwt.SigningMethodHS512, time.Now().Add(time.Hour))
	if resp := do(t, ts, http.MethodPut, "/tags", "", "Authorization", "Bearer "+hs512); resp.code != http.StatusUnauthorized {
		t.Errorf("HS512: %d", resp.code)
	}
	good := sign(secret, jwt.SigningMethodHS256, time.Now().Add(time.Hour))
	if resp := do(t, ts, http.MethodPut, "/tags", "", "Authorization", "Bearer "+good); resp.code != http.StatusCreated {
		t.Errorf("valid token: %d %s", resp.code, resp.body)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	l := ratelimit.NewLimiter(60, 2)
	defer l.Close()
	ts, _ := newTestServer(t, Options{Limiter: l})
	var codes []int
	for range 3 {
		codes = append(codes, do(t, ts, http.MethodGet, "/posts", "").code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
}

func TestRouter_Recovery(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}

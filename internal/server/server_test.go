package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/factlog/internal/config"
	"github.com/lazypower/factlog/internal/engine"
	"github.com/lazypower/factlog/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	return testServerWith(t, config.Default())
}

func testServerWith(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(engine.New(db, cfg, zap.NewNop()), "test-version", zap.NewNop())
}

// do sends a request and decodes a JSON response body into out (if non-nil).
func do(t *testing.T, srv *Server, method, path, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	var body map[string]any
	if code := do(t, srv, "GET", "/api/health", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want %d", code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
	if body["schema_version"].(float64) < 1 {
		t.Errorf("schema_version = %v", body["schema_version"])
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(t)
	if code := do(t, srv, "GET", "/api/sessions", "", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestScopeLimiter(t *testing.T) {
	l := newScopeLimiter(1, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("a") {
		t.Error("third request in the same instant should be limited")
	}
	if !l.Allow("b") {
		t.Error("scopes are limited independently")
	}

	off := newScopeLimiter(0, 0)
	for range 100 {
		if !off.Allow("a") {
			t.Fatal("zero rate disables limiting")
		}
	}
}

func TestScopeLimiterEvictsIdleScopes(t *testing.T) {
	l := newScopeLimiter(1, 1)
	l.idle = 20 * time.Millisecond

	for _, scope := range []string{"a", "b", "c"} {
		l.Allow(scope)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	if l.Allow("a") {
		t.Fatal("burst of 1 should be spent")
	}

	time.Sleep(50 * time.Millisecond)
	l.limiters.DeleteExpired()
	if l.Len() != 0 {
		t.Errorf("Len after idle = %d, want 0", l.Len())
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/mictrail/internal/buffering"
)

func serve(t *testing.T, h *Handler, path string) (int, response) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	failing := Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }}
	code, body := serve(t, New(failing), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
	if body.Checks != nil {
		t.Errorf("liveness should not run checks, got %v", body.Checks)
	}
}

func TestHealthz_Uptime(t *testing.T) {
	h := New()
	base := h.started
	h.now = func() time.Time { return base.Add(90 * time.Second) }
	_, body := serve(t, h, "/healthz")
	if body.UptimeSeconds != 90 {
		t.Errorf("uptimeSeconds = %d, want 90", body.UptimeSeconds)
	}
}

func TestReadyz(t *testing.T) {
	ok := Checker{Name: "buffer_directory", Check: func(context.Context) error { return nil }}
	fail := Checker{Name: "catalog", Check: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
	}{
		{"no checkers", nil, http.StatusOK, "ok"},
		{"all pass", []Checker{ok}, http.StatusOK, "ok"},
		{"one fails", []Checker{ok, fail}, http.StatusServiceUnavailable, "fail"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := serve(t, New(tc.checkers...), "/readyz")
			if code != tc.wantCode || body.Status != tc.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tc.wantCode, tc.wantStatus)
			}
			if len(body.Checks) != len(tc.checkers) {
				t.Errorf("got %d check results, want %d", len(body.Checks), len(tc.checkers))
			}
		})
	}
}

func TestReadyz_ReportsFailureDetail(t *testing.T) {
	fail := Checker{Name: "catalog", Check: func(context.Context) error { return errors.New("connection refused") }}
	_, body := serve(t, New(fail), "/readyz")
	got := body.Checks["catalog"]
	if got.Status != "fail" || got.Error != "connection refused" {
		t.Errorf("catalog result = %+v", got)
	}
}

func TestReadyz_CheckerRespectsTimeoutContext(t *testing.T) {
	slow := Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}}
	code, _ := serve(t, New(slow), "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

func TestReadyz_BufferDirectory(t *testing.T) {
	dir := t.TempDir()
	storage, err := buffering.NewDirStorage(dir)
	if err != nil {
		t.Fatalf("NewDirStorage: %v", err)
	}
	h := New(CheckFunc("buffer_directory", storage.CheckWritable))

	if code, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Fatalf("writable directory: status %d", code)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe left %d files behind", len(entries))
	}

	// Replace the directory with a plain file so it can no longer hold segments.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if code, body := serve(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("blocked directory: status %d, body %+v", code, body)
	}
}

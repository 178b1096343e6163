package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{"", 100, 0, 99, false},
		{"bytes=0-99", 100, 0, 99, false},
		{"bytes=10-19", 100, 10, 19, false},
		{"bytes=10-", 100, 10, 99, false},
		{"bytes=-5", 100, 95, 99, false},
		{"bytes=-500", 100, 0, 99, false},
		{"bytes=99-99", 100, 99, 99, false},
		{"bytes=0-100", 100, 0, 0, true},
		{"bytes=100-", 100, 0, 0, true},
		{"bytes=20-10", 100, 0, 0, true},
		{"bytes=-0", 100, 0, 0, true},
		{"bytes=-", 100, 0, 0, true},
		{"bytes=0-1,5-6", 100, 0, 0, true},
		{"bytes=a-b", 100, 0, 0, true},
		{"items=0-1", 100, 0, 0, true},
		{"bytes=5", 100, 0, 0, true},
		{"", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.header, tt.size), func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %d-%d", start, end)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("got %d-%d, want %d-%d", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestDownloadFull(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(rec.Body.Bytes(), env.object) {
		t.Errorf("body differs from the object (%d bytes)", rec.Body.Len())
	}

	h := rec.Header()
	want := map[string]string{
		"Content-Type":        "video/x-matroska",
		"Content-Range":       "bytes 0-999/1000",
		"Content-Length":      "1000",
		"Content-Disposition": `attachment; filename=movie.mkv`,
		"Accept-Ranges":       "bytes",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	if _, forwards := env.backend.stats(); forwards != 1 {
		t.Errorf("expected one location refresh, got %d", forwards)
	}
	if users := env.pool.Least().Users(); users != 0 {
		t.Errorf("expected no active users after the download, got %d", users)
	}
}

func TestDownloadRange(t *testing.T) {
	env := newTestEnv(t, 0)
	target := env.link(t, "/dl/", testUser, testFile)

	tests := []struct {
		header     string
		start, end int64
	}{
		{"bytes=10-19", 10, 19},
		{"bytes=60-130", 60, 130},
		{"bytes=-5", 995, 999},
		{"bytes=990-", 990, 999},
		{"bytes=128-128", 128, 128},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			rec := env.do(http.MethodGet, target, map[string]string{"Range": tt.header})
			if rec.Code != http.StatusPartialContent {
				t.Fatalf("expected 206, got %d: %s", rec.Code, rec.Body)
			}
			if got, want := rec.Header().Get("Content-Range"), fmt.Sprintf("bytes %d-%d/1000", tt.start, tt.end); got != want {
				t.Errorf("Content-Range = %q, want %q", got, want)
			}
			if !bytes.Equal(rec.Body.Bytes(), env.object[tt.start:tt.end+1]) {
				t.Errorf("body mismatch for %s: got %d bytes", tt.header, rec.Body.Len())
			}
		})
	}
}

func TestDownloadUnsatisfiable(t *testing.T) {
	env := newTestEnv(t, 0)
	target := env.link(t, "/dl/", testUser, testFile)

	for _, header := range []string{"bytes=0-1000", "bytes=500-100", "bytes=0-1,4-5", "bytes=x"} {
		rec := env.do(http.MethodGet, target, map[string]string{"Range": header})
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("%s: expected 416, got %d", header, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */1000" {
			t.Errorf("%s: Content-Range = %q", header, got)
		}
	}
	if connects, forwards := env.backend.stats(); connects != 0 || forwards != 0 {
		t.Errorf("expected no backend work, got %d connects %d forwards", connects, forwards)
	}
}

func TestDownloadHead(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodHead, env.link(t, "/dl/", testUser, testFile), map[string]string{"Range": "bytes=100-199"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %d bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want 100", got)
	}
	if connects, forwards := env.backend.stats(); connects != 0 || forwards != 0 {
		t.Errorf("HEAD must not touch the backend, got %d connects %d forwards", connects, forwards)
	}
}

func TestDownloadNotFound(t *testing.T) {
	env := newTestEnv(t, 0)

	if rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, 1), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown file: expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, env.link(t, "/dl/", 7, testFile), nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign file: expected 404, got %d", rec.Code)
	}

	// Nothing has cached (testFile, testUser) yet.
	if err := env.store.SetFileRestricted(context.Background(), testFile, true); err != nil {
		t.Fatal(err)
	}
	if rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil); rec.Code != http.StatusNotFound {
		t.Errorf("restricted file: expected 404, got %d", rec.Code)
	}
}

func TestDownloadExpiredLocation(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	stale := remote.Location{ID: testFile, AccessHash: 1, FileReference: []byte("stale")}
	if err := env.store.UpsertLocation(ctx, env.backend.AccountID(), stale); err != nil {
		t.Fatal(err)
	}
	env.backend.mu.Lock()
	env.backend.expired["stale"] = true
	env.backend.mu.Unlock()

	rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refresh, got %d: %s", rec.Code, rec.Body)
	}
	if !bytes.Equal(rec.Body.Bytes(), env.object) {
		t.Error("body differs from the object")
	}
	if _, forwards := env.backend.stats(); forwards != 1 {
		t.Errorf("expected exactly one refresh, got %d", forwards)
	}

	file, err := env.store.GetFile(ctx, testFile, 0)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := env.store.GetLocation(ctx, file, env.backend.AccountID())
	if err != nil {
		t.Fatal(err)
	}
	if string(loc.FileReference) != "ref-1" {
		t.Errorf("expected the refreshed handle persisted, got %q", loc.FileReference)
	}
}

func TestDownloadUpstreamError(t *testing.T) {
	env := newTestEnv(t, 0)
	env.backend.mu.Lock()
	env.backend.readErr = errBoom
	env.backend.mu.Unlock()

	rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if users := env.pool.Least().Users(); users != 0 {
		t.Errorf("expected no active users after the failure, got %d", users)
	}
}

func TestDownloadEmptyFirstRead(t *testing.T) {
	env := newTestEnv(t, 0)
	env.backend.mu.Lock()
	env.backend.object = env.backend.object[:100]
	env.backend.mu.Unlock()

	rec := env.do(http.MethodGet, env.link(t, "/dl/", testUser, testFile), map[string]string{"Range": "bytes=500-600"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if cl := rec.Header().Get("Content-Length"); cl == "101" {
		t.Error("content headers sent for a response with no body")
	}
	if users := env.pool.Least().Users(); users != 0 {
		t.Errorf("expected no active users, got %d", users)
	}
}

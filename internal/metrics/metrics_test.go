package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dl/{payload}/{sig}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /dl/{payload}/{sig}", "206"))
	for _, p := range []string{"/dl/aaa/bbb", "/dl/ccc/ddd"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /dl/{payload}/{sig}", "206"))

	if after-before != 2 {
		t.Errorf("expected 2 requests under one pattern label, got %v", after-before)
	}
}

func TestRecordContentDownload(t *testing.T) {
	before := testutil.ToFloat64(contentBytesDownloaded)
	RecordContentDownload(512, true)
	RecordContentDownload(0, false)
	if got := testutil.ToFloat64(contentBytesDownloaded) - before; got != 512 {
		t.Errorf("expected 512 bytes recorded, got %v", got)
	}
}

func TestSetActiveUsers(t *testing.T) {
	SetActiveUsers(42, 3)
	if got := testutil.ToFloat64(activeUsers.WithLabelValues("42")); got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
	SetActiveUsers(42, 0)
	if got := testutil.ToFloat64(activeUsers.WithLabelValues("42")); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestMiddlewareUnmatchedRoute(t *testing.T) {
	h := Middleware(http.NewServeMux())

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404"))

	if after-before != 1 {
		t.Errorf("expected one unmatched 404, got %v", after-before)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordAuthExport("imported")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"tgfs_transfer_auth_exports_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in exposition", name)
		}
	}
}

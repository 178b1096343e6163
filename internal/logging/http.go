package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// statusRecorder captures what a handler sent.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// quietRoutes are polled by probes and logged at debug level only.
var quietRoutes = map[string]bool{
	"GET /health": true,
	"GET /status": true,
}

// Middleware assigns every request an id (kept from X-Request-ID when the
// client sends one), stores a logger carrying it in the request context and
// logs the outcome. Requests are logged by route pattern; download paths
// carry link tokens and are never written out.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		lvl := zapcore.InfoLevel
		switch {
		case quietRoutes[r.Pattern]:
			lvl = zapcore.DebugLevel
		case rec.status >= http.StatusInternalServerError:
			lvl = zapcore.WarnLevel
		}
		if ce := WithContext(ctx).Check(lvl, "request completed"); ce != nil {
			ce.Write(
				zap.String("method", r.Method),
				zap.String("route", r.Pattern),
				zap.String("range", r.Header.Get("Range")),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.written),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		}
	})
}

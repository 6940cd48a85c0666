package core

import (
	"net/http"
	"time"
)

// statusRecorder captures the response status for the access log. Write
// without an explicit WriteHeader counts as 200, matching net/http.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wrote {
		sr.status = http.StatusOK
		sr.wrote = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware emits one structured access-log line per request.
// Production keeps the log quiet: only errors (>=400) and slow requests
// (>1s) are written. Development mode logs everything.
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			slow := elapsed > time.Second
			if logger == nil || (!devMode && rec.status < 400 && !slow) {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": elapsed.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if q := r.URL.RawQuery; q != "" {
				fields["query"] = q
			}

			ctx := r.Context()
			switch {
			case rec.status >= 500:
				logger.ErrorWithContext(ctx, "request failed", fields)
			case rec.status >= 400:
				logger.WarnWithContext(ctx, "request rejected", fields)
			case slow:
				logger.WarnWithContext(ctx, "request slow", fields)
			default:
				logger.InfoWithContext(ctx, "request", fields)
			}
		})
	}
}

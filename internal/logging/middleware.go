package logging

import (
	"net/http"
	"time"
)

// HTTPMiddleware attaches a correlation ID to each request and logs its
// completion with status, size and latency.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = NewCorrelationID()
		}
		ctx := WithCorrelationID(r.Context(), id)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-ID", id)

		start := time.Now()
		rw := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		level := DEBUG
		switch {
		case rw.statusCode >= 500:
			level = ERROR
		case rw.statusCode >= 400:
			level = WARN
		}

		if l := Default(); l != nil {
			l.WithDuration(ctx, level, ComponentAdmin, ActionResponse, "HTTP request completed", time.Since(start), Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_ip":   r.RemoteAddr,
				"status_code": rw.statusCode,
				"bytes_sent":  rw.bytesWritten,
			})
		}
	})
}

// responseWrapper captures the status code and body size
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

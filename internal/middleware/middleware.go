package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// SlowRequestThreshold is the duration above which a request is logged at
// WARN instead of INFO. Set above typical cache-hit latency so only
// store-miss upstream fetches and cold seed reads stand out.
const SlowRequestThreshold = 250 * time.Millisecond

// Logger logs one line per request: method, path, status, duration, and the
// remote address, escalating to WARN past SlowRequestThreshold so upstream
// fetch stalls are easy to grep for.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		if duration > SlowRequestThreshold {
			slog.Warn("slow request",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", ww.Status(),
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		} else {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
			)
		}
	})
}

// RequestIDChi wraps chi's RequestID middleware.
// Note: request_id.go carries our own RequestID with provenance tracking.
func RequestIDChi(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// Recoverer recovers from panics and returns a 500 error.
func Recoverer(next http.Handler) http.Handler {
	return middleware.Recoverer(next)
}

// RealIP sets the RemoteAddr to the real client IP.
func RealIP(next http.Handler) http.Handler {
	return middleware.RealIP(next)
}

// Timeout puts a deadline on each request's context, so a tile lookup that
// honours its context can't hang a connection indefinitely.
func Timeout(timeout time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContentType sets the Content-Type header unconditionally, for routes
// whose response type never varies (tilejson, style.json, sprite index).
func ContentType(contentType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", contentType)
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders adds the baseline security headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// LogFailedRequestBodies logs request bodies for failed write requests
// (POST/PUT/PATCH answered with 4xx/5xx); requests with any other method,
// including tile GETs, pass through without body logging.
func LogFailedRequestBodies(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}

		var bodyBytes []byte
		if r.Body != nil {
			bodyBytes, _ = io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status >= 400 {
			bodyStr := string(bodyBytes)
			if len(bodyStr) > 1000 {
				bodyStr = bodyStr[:1000] + "... (truncated)"
			}
			slog.Error("failed request body",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"body", bodyStr,
				"content_type", r.Header.Get("Content-Type"),
			)
		}
	})
}

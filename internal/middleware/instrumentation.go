package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dataup/cvat-gateway/internal/logging"
	"github.com/dataup/cvat-gateway/internal/metrics"
	"github.com/dataup/cvat-gateway/internal/obfuscate"
)

// Middleware defines a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// InstrumentationConfig controls request logging.
type InstrumentationConfig struct {
	// SkipPaths are served without access log lines (health probes, metrics).
	SkipPaths []string
	// SlowThreshold upgrades the access log line to Warn. Zero disables it.
	SlowThreshold time.Duration
	// RedactPath rewrites paths that embed credentials before logging.
	RedactPath func(string) string
}

// NewInstrumentation logs every request and records the HTTP metrics.
// It must run inside NewRequestID so log lines carry the request IDs.
func NewInstrumentation(cfg InstrumentationConfig, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			metrics.ObserveHTTP(r.Method, sw.statusCode, elapsed)
			if _, ok := skip[r.URL.Path]; ok {
				return
			}

			path := r.URL.Path
			if cfg.RedactPath != nil {
				path = cfg.RedactPath(path)
			}
			level := zapcore.InfoLevel
			switch {
			case sw.statusCode >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case cfg.SlowThreshold > 0 && elapsed >= cfg.SlowThreshold:
				level = zapcore.WarnLevel
			}
			logging.WithContext(r.Context(), logger).Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", path),
				zap.Int("status", sw.statusCode),
				zap.Int64("bytes", sw.written),
				zap.Duration("duration", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("authorization", obfuscate.Header("Authorization", r.Header.Get("Authorization"))),
			)
		})
	}
}

// statusWriter records the status code and size of a response.
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

package sterad

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// ackBody is the constant reply to capture and invalidation requests,
// whatever happened internally.
const ackBody = "OK"

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ackBody))
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	length      int
	wroteHeader bool
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	if !lrw.wroteHeader {
		lrw.statusCode = code
		lrw.wroteHeader = true
	}
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.wroteHeader = true
	n, err := lrw.ResponseWriter.Write(b)
	lrw.length += n
	return n, err
}

// withSecurityHeaders stamps the fixed header set before anything else runs.
func withSecurityHeaders(sh securityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sh.apply(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}

// withRecover turns a panic anywhere below into a logged constant reply.
func withRecover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lrw := newLoggingResponseWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("unhandled error",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				if !lrw.wroteHeader {
					writeAck(lrw)
				}
			}()
			next.ServeHTTP(lrw, r)
		})
	}
}

func withAccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := newLoggingResponseWriter(w)

			next.ServeHTTP(lrw, r)

			logger.Debug("http request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lrw.statusCode,
				"source", lrw.Header().Get(sourceHeader),
				"duration", time.Since(start).String(),
				"size", lrw.length,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

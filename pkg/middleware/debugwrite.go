package middleware

import (
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DebugWriteHeader reports handlers that call WriteHeader twice, which
// usually means an SSE handler wrote an error after the stream opened.
// It is a no-op unless enabled (DEBUG_DOUBLE_WRITE).
func DebugWriteHeader(enabled bool, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	log.Infow("double WriteHeader detection enabled")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hw := &headerWatch{ResponseWriter: w, log: log, req: r}
			next.ServeHTTP(hw, r)
		})
	}
}

type headerWatch struct {
	http.ResponseWriter
	log   *zap.SugaredLogger
	req   *http.Request
	wrote atomic.Bool
	first int
}

func (h *headerWatch) WriteHeader(code int) {
	if h.wrote.CompareAndSwap(false, true) {
		h.first = code
		h.ResponseWriter.WriteHeader(code)
		return
	}
	route := h.req.URL.Path
	if rc := chi.RouteContext(h.req.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	h.log.Warnw("double WriteHeader",
		"method", h.req.Method,
		"route", route,
		"request_id", RequestIDFrom(h.req.Context()),
		"first", h.first,
		"second", code,
		"stack", string(debug.Stack()))
}

func (h *headerWatch) Write(b []byte) (int, error) {
	if !h.wrote.Load() {
		h.WriteHeader(http.StatusOK)
	}
	return h.ResponseWriter.Write(b)
}

// Flush keeps SSE streams working behind the wrapper.
func (h *headerWatch) Flush() {
	if f, ok := h.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

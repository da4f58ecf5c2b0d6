package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/agentbus/buskeeper/internal/api/response"
)

// Recovery turns a handler panic into a 500 with the standard error
// envelope. http.ErrAbortHandler is re-raised: the server uses it to drop
// a connection on purpose, and writing a response to it would defeat that.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

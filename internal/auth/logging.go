// logging.go

// Request-scoped slog helpers. Every line carries the chi request ID so a
// login or sync can be followed across the access log and handler logs.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs builds the attributes shared by every handler log line.
// firm_id is added once RequireAuth has resolved a principal.
func reqAttrs(r *http.Request) []any {
	attrs := make([]any, 0, 12)
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	attrs = append(attrs,
		"ip", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
	)
	if p, ok := PrincipalFromContext(r.Context()); ok {
		attrs = append(attrs, "firm_id", p.FirmID)
	}
	return append(attrs, "user_agent", r.UserAgent())
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	slog.Log(r.Context(), level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }
func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }

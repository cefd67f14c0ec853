package observability

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Audit emits a security relevant outcome as an "audit.event" record.
func Audit(r *http.Request, eventName, outcome, reason string, attrs ...any) {
	base := []any{
		"event_name", eventName,
		"outcome", outcome,
		"reason", reason,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit.event", base...)
}

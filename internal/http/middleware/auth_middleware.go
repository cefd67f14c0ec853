package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/http/response"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"
)

type contextKey string

const (
	SessionContextKey contextKey = "session"

	SessionHeader = "X-Session-Id"
)

// SessionVerifier resolves a session id to the profile cached at login.
type SessionVerifier interface {
	Verify(ctx context.Context, sessionID string) (*domain.Profile, error)
}

type SessionInfo struct {
	ID      string
	Profile *domain.Profile
}

// SessionIDFromRequest looks for the session id in the X-Session-Id header,
// the session cookie and a bearer token, in that order.
func SessionIDFromRequest(r *http.Request) (string, string) {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id, "header"
	}
	if id := security.GetCookie(r, security.SessionCookieName); id != "" {
		return id, "cookie"
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]), "bearer"
	}
	return "", "none"
}

func AuthMiddleware(verifier SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, source := SessionIDFromRequest(r)
			if id == "" {
				observability.RecordSessionOperation(r.Context(), "authenticate", "missing")
				observability.Audit(r, "session.authenticate", "rejected", "missing_session")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "请先登录", nil)
				return
			}
			profile, err := verifier.Verify(r.Context(), id)
			if err != nil || profile == nil {
				observability.RecordSessionOperation(r.Context(), "authenticate", "invalid")
				observability.Audit(r, "session.authenticate", "rejected", "invalid_session", "source", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "会话已失效，请重新登录", nil)
				return
			}
			observability.RecordSessionOperation(r.Context(), "authenticate", "valid")
			ctx := context.WithValue(r.Context(), SessionContextKey, &SessionInfo{ID: id, Profile: profile})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func SessionFromContext(ctx context.Context) (*SessionInfo, bool) {
	s, ok := ctx.Value(SessionContextKey).(*SessionInfo)
	return s, ok
}

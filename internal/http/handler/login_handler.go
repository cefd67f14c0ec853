package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/misszhang/rosterboard/internal/http/middleware"
	"github.com/misszhang/rosterboard/internal/http/response"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/service"
)

// LoginHandler exposes the browser side of the keyword login. Responses use
// the flat {success, message, user_info, session_id} shape.
type LoginHandler struct {
	login        *service.LoginService
	sessionTTL   time.Duration
	secureCookie bool
}

func NewLoginHandler(login *service.LoginService, sessionTTL time.Duration, secureCookie bool) *LoginHandler {
	return &LoginHandler{login: login, sessionTTL: sessionTTL, secureCookie: secureCookie}
}

type loginRequest struct {
	OpenID     string `json:"openid"`
	SessionID  string `json:"session_id"`
	StateToken string `json:"state_token"`
}

// decodeLoginRequest accepts JSON, form fields or query parameters. An
// empty or unreadable body yields an empty request.
func decodeLoginRequest(r *http.Request) loginRequest {
	var req loginRequest
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		body, err := io.ReadAll(r.Body)
		if err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &req)
		}
	} else {
		_ = r.ParseForm()
		req.OpenID = r.Form.Get("openid")
		req.SessionID = r.Form.Get("session_id")
		req.StateToken = r.Form.Get("state_token")
	}
	if req.StateToken == "" {
		req.StateToken = r.URL.Query().Get("state_token")
	}
	return req
}

type pairingResponse struct {
	Success bool `json:"success"`
	*service.PairingChallenge
}

func (h *LoginHandler) Start(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.login.StartPairing(r.Context())
	if err != nil {
		response.Raw(w, http.StatusOK, service.LoginStatus{Message: "暂时无法生成登录码，请稍后重试"})
		return
	}
	response.Raw(w, http.StatusOK, pairingResponse{Success: true, PairingChallenge: challenge})
}

func (h *LoginHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	req := decodeLoginRequest(r)
	status := h.login.Poll(r.Context(), req.StateToken)
	if status.Success {
		security.SetSessionCookie(w, status.SessionID, h.sessionTTL, h.secureCookie)
	}
	response.Raw(w, http.StatusOK, status)
}

func (h *LoginHandler) ManualLogin(w http.ResponseWriter, r *http.Request) {
	req := decodeLoginRequest(r)
	status, err := h.login.ManualLogin(r.Context(), req.OpenID)
	switch {
	case errors.Is(err, service.ErrManualLoginDisabled):
		observability.Audit(r, "login.manual", "rejected", "disabled")
		response.Raw(w, http.StatusForbidden, status)
		return
	case errors.Is(err, service.ErrInvalidSubject):
		response.Raw(w, http.StatusBadRequest, status)
		return
	}
	if status.Success {
		observability.Audit(r, "login.manual", "success", "follower", "openid", req.OpenID)
		security.SetSessionCookie(w, status.SessionID, h.sessionTTL, h.secureCookie)
	}
	response.Raw(w, http.StatusOK, status)
}

func (h *LoginHandler) sessionID(r *http.Request) string {
	if id, _ := middleware.SessionIDFromRequest(r); id != "" {
		return id
	}
	return strings.TrimSpace(decodeLoginRequest(r).SessionID)
}

func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(r)
	security.ClearSessionCookie(w, h.secureCookie)
	if id == "" {
		response.Raw(w, http.StatusOK, service.LoginStatus{Message: "缺少会话ID"})
		return
	}
	removed, err := h.login.Logout(r.Context(), id)
	if err != nil || !removed {
		response.Raw(w, http.StatusOK, service.LoginStatus{Message: "会话不存在或已过期"})
		return
	}
	observability.Audit(r, "session.logout", "success", "user_request")
	response.Raw(w, http.StatusOK, service.LoginStatus{Success: true, Message: "已退出登录"})
}

func (h *LoginHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(r)
	if id == "" {
		response.Raw(w, http.StatusOK, service.LoginStatus{Message: "缺少会话ID"})
		return
	}
	status, err := h.login.Refresh(r.Context(), id)
	if err != nil {
		response.Raw(w, http.StatusOK, status)
		return
	}
	security.SetSessionCookie(w, status.SessionID, h.sessionTTL, h.secureCookie)
	response.Raw(w, http.StatusOK, status)
}

func (h *LoginHandler) SessionCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.login.ActiveSessionCount(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to count sessions", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]int{"active": n})
}

func (h *LoginHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "请先登录", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"user_info":  sess.Profile,
	})
}

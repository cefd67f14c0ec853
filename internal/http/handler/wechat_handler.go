package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/service"
	"github.com/misszhang/rosterboard/internal/wechat"
)

const maxInboundBytes = 64 << 10

// WeChatHandler serves the Official Account callback URL.
type WeChatHandler struct {
	login            *service.LoginService
	token            string
	requireSignature bool
	logger           *slog.Logger
	now              func() time.Time
}

// NewWeChatHandler builds the callback handler. With requireSignature unset,
// POSTs that carry no signature parameters are accepted, which is how local
// tooling replays messages.
func NewWeChatHandler(login *service.LoginService, token string, requireSignature bool, logger *slog.Logger) *WeChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeChatHandler{login: login, token: token, requireSignature: requireSignature, logger: logger, now: time.Now}
}

// Verify answers the server address handshake by echoing echostr.
func (h *WeChatHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := security.VerifySignature(h.token, q.Get("signature"), q.Get("timestamp"), q.Get("nonce")); err != nil {
		observability.Audit(r, "wechat.handshake", "rejected", "invalid_signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	observability.Audit(r, "wechat.handshake", "accepted", "signature_ok")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, q.Get("echostr"))
}

// Receive handles an inbound message. Once the signature passes, the
// platform always gets an acknowledgment.
func (h *WeChatHandler) Receive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("signature") || h.requireSignature {
		if err := security.VerifySignature(h.token, q.Get("signature"), q.Get("timestamp"), q.Get("nonce")); err != nil {
			observability.Audit(r, "wechat.message", "rejected", "invalid_signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBytes))
	if err != nil {
		h.logger.WarnContext(r.Context(), "read inbound message failed", "error", err)
		h.ack(w)
		return
	}
	msg, err := wechat.ParseInbound(body)
	if err != nil {
		if errors.Is(err, wechat.ErrMalformedMessage) {
			h.logger.WarnContext(r.Context(), "malformed inbound message", "error", err)
		}
		h.ack(w)
		return
	}

	result := h.login.HandleMessage(r.Context(), msg)
	h.logger.InfoContext(r.Context(), "inbound message handled", "msg_type", msg.MsgType, "outcome", string(result.Outcome))
	if result.Outcome == service.OutcomeLoginSuccess {
		observability.Audit(r, "wechat.login", "success", "keyword", "openid", msg.FromUserName)
	}
	if result.Reply == "" {
		h.ack(w)
		return
	}
	reply, err := wechat.TextReply(msg, result.Reply, h.now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "render passive reply failed", "error", err)
		h.ack(w)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(reply)
}

func (h *WeChatHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, wechat.AckSuccess)
}

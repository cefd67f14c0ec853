package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type SiteHandler struct {
	verifyCode string
}

func NewSiteHandler(verifyCode string) *SiteHandler {
	return &SiteHandler{verifyCode: verifyCode}
}

func (h *SiteHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

// VerifyFile serves the MP_verify_<code>.txt domain ownership file.
func (h *SiteHandler) VerifyFile(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if h.verifyCode == "" || code != h.verifyCode {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.verifyCode)
}

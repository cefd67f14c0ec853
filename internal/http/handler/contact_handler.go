package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/misszhang/rosterboard/internal/http/response"
	"github.com/misszhang/rosterboard/internal/service"
)

type ContactHandler struct {
	contacts *service.ContactService
}

func NewContactHandler(contacts *service.ContactService) *ContactHandler {
	return &ContactHandler{contacts: contacts}
}

type contactResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// decodeContact reads JSON bodies or form fields. A JSON body that is empty
// or not an object counts as missing.
func decodeContact(r *http.Request) *service.ContactInput {
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil
		}
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
			return nil
		}
		str := func(k string) string {
			s, _ := fields[k].(string)
			return s
		}
		return &service.ContactInput{Name: str("name"), Email: str("email"), Message: str("message")}
	}
	_ = r.ParseForm()
	return &service.ContactInput{
		Name:    r.PostForm.Get("name"),
		Email:   r.PostForm.Get("email"),
		Message: r.PostForm.Get("message"),
	}
}

func (h *ContactHandler) Create(w http.ResponseWriter, r *http.Request) {
	_, err := h.contacts.Create(r.Context(), decodeContact(r))
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Raw(w, http.StatusBadRequest, contactResult{Error: verr.Message})
	case err != nil:
		response.Raw(w, http.StatusInternalServerError, contactResult{Error: "保存失败，请稍后重试"})
	default:
		response.Raw(w, http.StatusOK, contactResult{OK: true})
	}
}

func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page")
	pageSize := queryInt(r, "page_size")
	result, err := h.contacts.List(r.Context(), page, pageSize)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list messages", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

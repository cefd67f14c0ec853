package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/http/middleware"
	"github.com/misszhang/rosterboard/internal/http/response"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/repository"
	"github.com/misszhang/rosterboard/internal/service"
)

type ScheduleHandler struct {
	schedules *service.ScheduleService
	maxUpload int64
}

func NewScheduleHandler(schedules *service.ScheduleService, maxUpload int64) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, maxUpload: maxUpload}
}

// week resolves the {week} path parameter; "current" maps to the ISO week
// of today.
func (h *ScheduleHandler) week(r *http.Request) string {
	week := chi.URLParam(r, "week")
	if week == "current" {
		return h.schedules.CurrentWeek()
	}
	return week
}

func uploaderName(r *http.Request) string {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok || sess.Profile == nil {
		return ""
	}
	if sess.Profile.Nickname != "" {
		return sess.Profile.Nickname
	}
	return sess.Profile.OpenID
}

func (h *ScheduleHandler) Weeks(w http.ResponseWriter, r *http.Request) {
	weeks, err := h.schedules.Weeks(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list weeks", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"current": h.schedules.CurrentWeek(), "weeks": weeks})
}

func (h *ScheduleHandler) Images(w http.ResponseWriter, r *http.Request) {
	images, err := h.schedules.ListImages(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to list images", nil)
		return
	}
	if images == nil {
		images = []domain.RosterImage{}
	}
	response.JSON(w, r, http.StatusOK, images)
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.schedules.Schedule(r.Context(), h.week(r))
	if errors.Is(err, service.ErrInvalidWeek) {
		response.Error(w, r, http.StatusBadRequest, "INVALID_WEEK", "week must look like 2024-32", nil)
		return
	}
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to load schedule", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, schedule)
}

func (h *ScheduleHandler) Put(w http.ResponseWriter, r *http.Request) {
	var in domain.Schedule
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid schedule body", nil)
		return
	}
	in.Week = h.week(r)
	saved, err := h.schedules.SaveManual(r.Context(), &in, uploaderName(r))
	switch {
	case errors.Is(err, service.ErrInvalidWeek):
		response.Error(w, r, http.StatusBadRequest, "INVALID_WEEK", "week must look like 2024-32", nil)
	case errors.Is(err, service.ErrInvalidSchedule):
		response.Error(w, r, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error(), nil)
	case err != nil:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to save schedule", nil)
	default:
		observability.Audit(r, "schedule.save", "success", "manual", "week", in.Week)
		response.JSON(w, r, http.StatusOK, saved)
	}
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	week := h.week(r)
	n, err := h.schedules.DeleteManual(r.Context(), week)
	switch {
	case errors.Is(err, service.ErrInvalidWeek):
		response.Error(w, r, http.StatusBadRequest, "INVALID_WEEK", "week must look like 2024-32", nil)
	case err != nil:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to delete schedule", nil)
	default:
		observability.Audit(r, "schedule.delete", "success", "manual", "week", week)
		response.JSON(w, r, http.StatusOK, map[string]any{"week": week, "deleted": n})
	}
}

func (h *ScheduleHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+(1<<20))
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "文件过大", nil)
			return
		}
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "缺少上传文件", nil)
		return
	}
	defer file.Close()

	img, err := h.schedules.SaveImage(r.Context(), h.week(r), header.Filename, file, uploaderName(r))
	switch {
	case errors.Is(err, service.ErrInvalidWeek):
		response.Error(w, r, http.StatusBadRequest, "INVALID_WEEK", "week must look like 2024-32", nil)
	case errors.Is(err, repository.ErrUploadTooLarge):
		response.Error(w, r, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "文件过大", nil)
	case errors.Is(err, repository.ErrInvalidUpload):
		response.Error(w, r, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
	case err != nil:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to store upload", nil)
	default:
		observability.Audit(r, "roster.upload", "success", "stored", "week", img.Week, "stored_name", img.StoredName)
		response.JSON(w, r, http.StatusCreated, img)
	}
}

func (h *ScheduleHandler) LatestImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.schedules.LatestImage(r.Context(), h.week(r))
	switch {
	case errors.Is(err, service.ErrInvalidWeek):
		response.Error(w, r, http.StatusBadRequest, "INVALID_WEEK", "week must look like 2024-32", nil)
		return
	case errors.Is(err, repository.ErrImageNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "本周暂无排班图片", nil)
		return
	case err != nil:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "failed to load image", nil)
		return
	}
	f, err := os.Open(img.Path)
	if err != nil {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "本周暂无排班图片", nil)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, img.StoredName, img.UploadedAt, f)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return v
}

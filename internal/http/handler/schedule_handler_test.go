package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/http/middleware"
)

func withWeek(req *http.Request, week string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("week", week)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func withSession(req *http.Request, nickname string) *http.Request {
	info := &middleware.SessionInfo{ID: "sid", Profile: &domain.Profile{OpenID: "openid123", Nickname: nickname}}
	return req.WithContext(context.WithValue(req.Context(), middleware.SessionContextKey, info))
}

type scheduleEnvelope struct {
	Success bool            `json:"success"`
	Data    domain.Schedule `json:"data"`
}

func decodeSchedule(t *testing.T, rr *httptest.ResponseRecorder) domain.Schedule {
	t.Helper()
	var env scheduleEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	return env.Data
}

func TestScheduleGetEmptyAndInvalidWeek(t *testing.T) {
	f := newHandlerFixture(t)

	rr := httptest.NewRecorder()
	f.schedules.Get(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/2024-32", nil), "2024-32"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := decodeSchedule(t, rr)
	if got.Source != domain.ScheduleSourceEmpty || len(got.Tables) != 0 {
		t.Fatalf("expected empty schedule, got %+v", got)
	}

	rr = httptest.NewRecorder()
	f.schedules.Get(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/bogus", nil), "bogus"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSchedulePutGetDelete(t *testing.T) {
	f := newHandlerFixture(t)
	body := `{"dates":["08-05","08-06"],"tables":[{"title":"CT室","shifts":[{"position":"早班","time_range":"8:00-12:00","assignments":{"08-05":"张三","08-06":"李四"}}]}]}`

	req := withSession(withWeek(httptest.NewRequest(http.MethodPut, "/api/schedules/2024-32", strings.NewReader(body)), "2024-32"), "小张")
	rr := httptest.NewRecorder()
	f.schedules.Put(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	f.schedules.Get(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/2024-32", nil), "2024-32"))
	got := decodeSchedule(t, rr)
	if got.Source != domain.ScheduleSourceManual || len(got.Tables) != 1 {
		t.Fatalf("expected manual schedule, got %+v", got)
	}
	if a := got.Tables[0].Shifts[0].Assignments; a["08-05"] != "张三" || a["08-06"] != "李四" {
		t.Fatalf("unexpected assignments: %v", a)
	}
	var createdBy string
	f.db.Model(&domain.ScheduleEntry{}).Select("created_by").Limit(1).Scan(&createdBy)
	if createdBy != "小张" {
		t.Fatalf("expected author 小张, got %q", createdBy)
	}

	rr = httptest.NewRecorder()
	f.schedules.Delete(rr, withWeek(httptest.NewRequest(http.MethodDelete, "/api/schedules/2024-32", nil), "2024-32"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	f.schedules.Get(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/2024-32", nil), "2024-32"))
	if got := decodeSchedule(t, rr); got.Source != domain.ScheduleSourceEmpty {
		t.Fatalf("expected empty after delete, got %+v", got)
	}
}

func TestSchedulePutRejectsBadBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing title", body: `{"tables":[{"title":"","shifts":[]}]}`},
		{name: "missing position", body: `{"tables":[{"title":"CT室","shifts":[{"position":""}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			rr := httptest.NewRecorder()
			f.schedules.Put(rr, withWeek(httptest.NewRequest(http.MethodPut, "/api/schedules/2024-32", strings.NewReader(tc.body)), "2024-32"))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(content)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestScheduleUploadAndLatestImage(t *testing.T) {
	f := newHandlerFixture(t)
	png := []byte("\x89PNG\r\n\x1a\nroster")

	body, ct := multipartUpload(t, "roster.png", png)
	req := withSession(withWeek(httptest.NewRequest(http.MethodPost, "/api/schedules/2024-32/image", body), "2024-32"), "小张")
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	f.schedules.UploadImage(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var env struct {
		Data domain.RosterImage `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if env.Data.OriginalName != "roster.png" || env.Data.UploadedBy != "小张" || env.Data.Size != int64(len(png)) {
		t.Fatalf("unexpected upload metadata: %+v", env.Data)
	}

	rr = httptest.NewRecorder()
	f.schedules.LatestImage(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/2024-32/image", nil), "2024-32"))
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), png) {
		t.Fatalf("expected stored bytes, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	f.schedules.LatestImage(rr, withWeek(httptest.NewRequest(http.MethodGet, "/api/schedules/2024-33/image", nil), "2024-33"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for week without image, got %d", rr.Code)
	}
}

func TestScheduleUploadRejections(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		content  []byte
		want     int
	}{
		{name: "bad extension", filename: "roster.exe", content: []byte("MZ"), want: http.StatusBadRequest},
		{name: "empty file", filename: "roster.png", content: nil, want: http.StatusBadRequest},
		{name: "too large", filename: "roster.png", content: bytes.Repeat([]byte("x"), 2<<10), want: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			body, ct := multipartUpload(t, tc.filename, tc.content)
			req := withWeek(httptest.NewRequest(http.MethodPost, "/api/schedules/2024-32/image", body), "2024-32")
			req.Header.Set("Content-Type", ct)
			rr := httptest.NewRecorder()
			f.schedules.UploadImage(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}

	f := newHandlerFixture(t)
	rr := httptest.NewRecorder()
	req := withWeek(httptest.NewRequest(http.MethodPost, "/api/schedules/2024-32/image", strings.NewReader("plain")), "2024-32")
	f.schedules.UploadImage(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without multipart file, got %d", rr.Code)
	}
}

func TestScheduleWeeksIncludesCurrent(t *testing.T) {
	f := newHandlerFixture(t)
	rr := httptest.NewRecorder()
	f.schedules.Weeks(rr, httptest.NewRequest(http.MethodGet, "/api/schedules/", nil))
	var env struct {
		Data struct {
			Current string   `json:"current"`
			Weeks   []string `json:"weeks"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !domain.ValidWeek(env.Data.Current) {
		t.Fatalf("expected a valid current week, got %q", env.Data.Current)
	}
}

func TestScheduleImagesListsUploads(t *testing.T) {
	f := newHandlerFixture(t)

	rr := httptest.NewRecorder()
	f.schedules.Images(rr, httptest.NewRequest(http.MethodGet, "/api/schedules/images", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body.String())
	}

	body, ct := multipartUpload(t, "roster.png", []byte("\x89PNG\r\n\x1a\nroster"))
	req := withSession(withWeek(httptest.NewRequest(http.MethodPost, "/api/schedules/2024-32/image", body), "2024-32"), "小张")
	req.Header.Set("Content-Type", ct)
	f.schedules.UploadImage(httptest.NewRecorder(), req)

	rr = httptest.NewRecorder()
	f.schedules.Images(rr, httptest.NewRequest(http.MethodGet, "/api/schedules/images", nil))
	var env struct {
		Data []domain.RosterImage `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 || env.Data[0].Week != "2024-32" {
		t.Fatalf("expected one image for 2024-32, got %+v", env.Data)
	}
}

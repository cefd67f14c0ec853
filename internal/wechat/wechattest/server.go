// Package wechattest provides an in-process stand-in for the Official
// Account HTTP API.
package wechattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/misszhang/rosterboard/internal/wechat"
)

const (
	AppID       = "wx-test-app"
	AppSecret   = "wx-test-secret"
	AccessToken = "wx-test-access-token"
)

type SentMessage struct {
	ToUser  string
	Content string
}

type subject struct {
	nickname   string
	subscribed bool
}

type Server struct {
	*httptest.Server

	tokenCalls atomic.Int32

	mu       sync.Mutex
	subjects map[string]subject
	sent     []SentMessage
	menu     *wechat.Menu
}

// NewServer starts a fake API that accepts the AppID/AppSecret pair above
// and is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{subjects: map[string]subject{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", s.token)
	mux.HandleFunc("/cgi-bin/user/info", s.authed(s.userInfo))
	mux.HandleFunc("/cgi-bin/user/get", s.authed(s.followers))
	mux.HandleFunc("/cgi-bin/message/custom/send", s.authed(s.send))
	mux.HandleFunc("/cgi-bin/menu/create", s.authed(s.menuCreate))
	mux.HandleFunc("/cgi-bin/menu/get", s.authed(s.menuGet))
	mux.HandleFunc("/cgi-bin/menu/delete", s.authed(s.menuDelete))
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) AddFollower(openID, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[openID] = subject{nickname: nickname, subscribed: true}
}

// AddVisitor registers an openid that is known but not subscribed.
func (s *Server) AddVisitor(openID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[openID] = subject{}
}

func (s *Server) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

func (s *Server) Menu() *wechat.Menu {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.menu
}

func (s *Server) TokenCalls() int {
	return int(s.tokenCalls.Load())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, map[string]any{"errcode": code, "errmsg": msg})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	s.tokenCalls.Add(1)
	q := r.URL.Query()
	if q.Get("grant_type") != "client_credential" || q.Get("appid") != AppID || q.Get("secret") != AppSecret {
		apiError(w, 40013, "invalid appid")
		return
	}
	writeJSON(w, map[string]any{"access_token": AccessToken, "expires_in": 7200})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != AccessToken {
			apiError(w, 40001, "invalid credential")
			return
		}
		next(w, r)
	}
}

func (s *Server) userInfo(w http.ResponseWriter, r *http.Request) {
	openID := r.URL.Query().Get("openid")
	s.mu.Lock()
	sub, ok := s.subjects[openID]
	s.mu.Unlock()
	switch {
	case !ok:
		apiError(w, 40003, "invalid openid")
	case sub.subscribed:
		writeJSON(w, map[string]any{"subscribe": 1, "openid": openID, "nickname": sub.nickname, "city": "上海"})
	default:
		writeJSON(w, map[string]any{"subscribe": 0, "openid": openID})
	}
}

func (s *Server) followers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var ids []string
	for id, sub := range s.subjects {
		if sub.subscribed {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)
	if r.URL.Query().Get("next_openid") != "" {
		writeJSON(w, map[string]any{"total": len(ids), "count": 0, "next_openid": ""})
		return
	}
	next := ""
	if len(ids) > 0 {
		next = ids[len(ids)-1]
	}
	writeJSON(w, map[string]any{
		"total":       len(ids),
		"count":       len(ids),
		"data":        map[string]any{"openid": ids},
		"next_openid": next,
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToUser string `json:"touser"`
		Text   struct {
			Content string `json:"content"`
		} `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apiError(w, 44002, "empty post data")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subjects[body.ToUser]; !ok || !sub.subscribed {
		apiError(w, 43004, "require subscribe")
		return
	}
	s.sent = append(s.sent, SentMessage{ToUser: body.ToUser, Content: body.Text.Content})
	apiError(w, 0, "ok")
}

func (s *Server) menuCreate(w http.ResponseWriter, r *http.Request) {
	var m wechat.Menu
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil || len(m.Button) == 0 {
		apiError(w, 40016, "invalid button size")
		return
	}
	s.mu.Lock()
	s.menu = &m
	s.mu.Unlock()
	apiError(w, 0, "ok")
}

func (s *Server) menuGet(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	m := s.menu
	s.mu.Unlock()
	if m == nil {
		apiError(w, 46003, "menu no exist")
		return
	}
	writeJSON(w, map[string]any{"menu": m})
}

func (s *Server) menuDelete(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.menu = nil
	s.mu.Unlock()
	apiError(w, 0, "ok")
}

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/di"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/wechat/wechattest"
)

const webhookToken = "roster-token"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type loginStatus struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserInfo  *struct {
		OpenID   string `json:"openid"`
		Nickname string `json:"nickname"`
	} `json:"user_info"`
}

type board struct {
	baseURL string
	client  *http.Client
	api     *wechattest.Server
}

func baseConfig(t *testing.T, api *wechattest.Server) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		AppEnv:                   "test",
		HTTPAddr:                 "127.0.0.1:0",
		DataDir:                  dir,
		DatabaseURL:              filepath.Join(dir, "app.db"),
		SessionStore:             "memory",
		SessionSecret:            "integration-session-secret-0123456789",
		SessionTTL:               time.Hour,
		PairingTTL:               5 * time.Minute,
		WeChatAppID:              wechattest.AppID,
		WeChatAppSecret:          wechattest.AppSecret,
		WeChatToken:              webhookToken,
		WeChatLoginKeyword:       "登录",
		WeChatAPIBaseURL:         api.URL,
		WeChatHTTPTimeout:        5 * time.Second,
		WeChatManualLoginEnabled: true,
		WeChatVerifyFile:         "C1jlF7TZzN4da9le",
		UploadMaxBytes:           64 << 10,
		ShutdownTimeout:          5 * time.Second,
	}
}

// newBoard starts the fully wired application behind an httptest server,
// talking to an in-process WeChat API.
func newBoard(t *testing.T, mutate ...func(*config.Config)) *board {
	t.Helper()
	api := wechattest.NewServer(t)
	api.AddFollower("openid123", "小张")
	api.AddVisitor("visitor1")

	cfg := baseConfig(t, api)
	for _, m := range mutate {
		m(cfg)
	}
	return newBoardWithConfig(t, api, cfg)
}

func newBoardWithConfig(t *testing.T, api *wechattest.Server, cfg *config.Config) *board {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a, err := di.InitializeApp(context.Background(), cfg, logger, nil)
	if err != nil {
		t.Fatalf("initialize app: %v", err)
	}
	srv := httptest.NewServer(a.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return &board{baseURL: srv.URL, client: srv.Client(), api: api}
}

func (b *board) do(t *testing.T, method, path, contentType string, body io.Reader, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, b.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func (b *board) doJSON(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, raw := b.do(t, method, path, contentType, reader, headers)
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope from %s %s: %v body=%s", method, path, err, raw)
	}
	return resp, env
}

func (b *board) postLogin(t *testing.T, path string, body any, headers map[string]string) (*http.Response, loginStatus) {
	t.Helper()
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, raw := b.do(t, http.MethodPost, path, contentType, reader, headers)
	var status loginStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("decode login status: %v body=%s", err, raw)
	}
	return resp, status
}

func signedQuery(token string) url.Values {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "n" + strconv.Itoa(rand.Intn(1_000_000))
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("signature", security.Signature(token, ts, nonce))
	return q
}

// sendText posts a signed inbound text message and returns the raw reply.
func (b *board) sendText(t *testing.T, from, content string) string {
	t.Helper()
	body := fmt.Sprintf("<xml><ToUserName><![CDATA[gh_board]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName>"+
		"<CreateTime>%d</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[%s]]></Content><MsgId>1</MsgId></xml>",
		from, time.Now().Unix(), content)
	resp, raw := b.do(t, http.MethodPost, "/wechat/message?"+signedQuery(webhookToken).Encode(), "text/xml", strings.NewReader(body), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", resp.StatusCode, raw)
	}
	return string(raw)
}

func parseReply(t *testing.T, raw string) (to, content string) {
	t.Helper()
	var reply struct {
		XMLName    xml.Name `xml:"xml"`
		ToUserName string   `xml:"ToUserName"`
		Content    string   `xml:"Content"`
	}
	if err := xml.Unmarshal([]byte(raw), &reply); err != nil {
		t.Fatalf("expected xml reply, got %q: %v", raw, err)
	}
	return reply.ToUserName, reply.Content
}

func sessionHeader(id string) map[string]string {
	return map[string]string{"X-Session-Id": id}
}


func startRedisContainer(t *testing.T) (string, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container integration test in short mode")
	}
	if !dockerAvailable() {
		t.Skip("docker is not available; skipping redis container integration test")
	}

	hostPort := reserveLocalPort(t)
	containerName := "rosterboard-redis-it-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.Itoa(rand.Intn(1000))

	runCmd := exec.Command("docker", "run", "-d", "--rm",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:6379", hostPort),
		"redis:7-alpine",
		"redis-server", "--save", "", "--appendonly", "no",
	)
	out, err := runCmd.CombinedOutput()
	if err != nil {
		t.Skipf("unable to start redis container: %v output=%s", err, strings.TrimSpace(string(out)))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	deadline := time.Now().Add(20 * time.Second)
	for {
		if time.Now().After(deadline) {
			_ = exec.Command("docker", "rm", "-f", containerName).Run()
			t.Fatalf("timed out waiting for redis container %s to become ready", containerName)
		}
		if err := client.Ping(context.Background()).Err(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	}
	return addr, cleanup
}

func dockerAvailable() bool {
	cmd := exec.Command("docker", "version", "--format", "{{.Server.Version}}")
	return cmd.Run() == nil
}

func reserveLocalPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve local port: %v", err)
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	return addr.Port
}

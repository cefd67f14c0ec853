package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL           = "https://api.weixin.qq.com"
	DefaultTokenSafetyMargin = 100 * time.Second
	defaultTokenLifetime     = 7200 * time.Second
	authorizeEndpoint        = "https://open.weixin.qq.com/connect/oauth2/authorize"
	maxResponseBytes         = 1 << 20

	errCodeInvalidToken = 40001
	errCodeTokenExpired = 42001
)

var ErrRemoteUnavailable = errors.New("wechat api unavailable")

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Operation string
	Code      int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat %s: errcode=%d errmsg=%s", e.Operation, e.Code, e.Message)
}

type Options struct {
	AppID             string
	AppSecret         string
	BaseURL           string
	HTTPClient        *http.Client
	Logger            *slog.Logger
	TokenSafetyMargin time.Duration
}

type Client struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	margin     time.Duration

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func NewClient(opts Options) *Client {
	c := &Client{
		appID:      opts.AppID,
		appSecret:  opts.AppSecret,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		margin:     opts.TokenSafetyMargin,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(10 * time.Second)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.margin <= 0 {
		c.margin = DefaultTokenSafetyMargin
	}
	c.tokens = c.newTokenSource()
	return c
}

func (c *Client) Configured() bool {
	return c.appID != "" && c.appSecret != ""
}

func (c *Client) newTokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, credentialTokenSource{client: c}, c.margin)
}

// AccessToken returns the cached token while now < expiry - margin and
// performs a client_credential exchange otherwise.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		c.logger.WarnContext(ctx, "wechat access token fetch failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	return tok.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.tokens = c.newTokenSource()
	c.mu.Unlock()
}

type credentialTokenSource struct {
	client *Client
}

type tokenResponse struct {
	apiStatus
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token is called by the reuse source under its own lock. It has no caller
// context; the request is bounded by the HTTP client timeout. Expiry is
// stamped with the wall clock because the reuse source checks it against
// time.Now.
func (s credentialTokenSource) Token() (*oauth2.Token, error) {
	c := s.client
	if !c.Configured() {
		return nil, errors.New("wechat app id or secret not configured")
	}
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.appSecret)

	var out tokenResponse
	if err := c.do(context.Background(), "token", http.MethodGet, "/cgi-bin/token", q, nil, &out); err != nil {
		return nil, err
	}
	if out.ErrCode != 0 {
		observability.RecordWeChatCall(context.Background(), "token", "api_error")
		return nil, &APIError{Operation: "token", Code: out.ErrCode, Message: out.ErrMsg}
	}
	if out.AccessToken == "" {
		observability.RecordWeChatCall(context.Background(), "token", "malformed")
		return nil, errors.New("wechat token response missing access_token")
	}
	lifetime := time.Duration(out.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	observability.RecordWeChatCall(context.Background(), "token", "success")
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(lifetime),
	}, nil
}

type apiStatus struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (s apiStatus) err(operation string) error {
	if s.ErrCode == 0 {
		return nil
	}
	return &APIError{Operation: operation, Code: s.ErrCode, Message: s.ErrMsg}
}

type UserInfo struct {
	apiStatus
	Subscribe     int    `json:"subscribe"`
	OpenID        string `json:"openid"`
	Nickname      string `json:"nickname"`
	Sex           int    `json:"sex"`
	Language      string `json:"language"`
	City          string `json:"city"`
	Province      string `json:"province"`
	Country       string `json:"country"`
	HeadImgURL    string `json:"headimgurl"`
	SubscribeTime int64  `json:"subscribe_time"`
	UnionID       string `json:"unionid"`
	Remark        string `json:"remark"`
}

func (u *UserInfo) Profile() *domain.Profile {
	return &domain.Profile{
		OpenID:        u.OpenID,
		Nickname:      u.Nickname,
		HeadImgURL:    u.HeadImgURL,
		Sex:           u.Sex,
		City:          u.City,
		Province:      u.Province,
		Country:       u.Country,
		SubscribeTime: u.SubscribeTime,
		UnionID:       u.UnionID,
	}
}

func (c *Client) UserInfo(ctx context.Context, openID string) (*UserInfo, error) {
	q := url.Values{}
	q.Set("openid", openID)
	q.Set("lang", "zh_CN")
	var out UserInfo
	if err := c.call(ctx, "user_info", http.MethodGet, "/cgi-bin/user/info", q, nil, &out, &out.apiStatus); err != nil {
		return nil, err
	}
	if out.OpenID == "" {
		out.OpenID = openID
	}
	return &out, nil
}

// Profile returns nil on any failure; callers cannot distinguish an unknown
// subject from a remote error.
func (c *Client) Profile(ctx context.Context, openID string) *domain.Profile {
	info, err := c.UserInfo(ctx, openID)
	if err != nil {
		c.logger.WarnContext(ctx, "wechat profile lookup failed", "openid", openID, "error", err)
		return nil
	}
	return info.Profile()
}

// IsFollower is false on any failure, including transient ones.
func (c *Client) IsFollower(ctx context.Context, openID string) bool {
	info, err := c.UserInfo(ctx, openID)
	if err != nil {
		c.logger.WarnContext(ctx, "wechat follower check failed", "openid", openID, "error", err)
		return false
	}
	return info.Subscribe == 1
}

type textMessage struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// SendText is true only when the platform answers with errcode 0.
func (c *Client) SendText(ctx context.Context, openID, content string) bool {
	msg := textMessage{ToUser: openID, MsgType: "text"}
	msg.Text.Content = content
	var out apiStatus
	out.ErrCode = -1
	if err := c.call(ctx, "send_text", http.MethodPost, "/cgi-bin/message/custom/send", nil, msg, &out, &out); err != nil {
		c.logger.WarnContext(ctx, "wechat send text failed", "openid", openID, "error", err)
		return false
	}
	return true
}

type FollowerPage struct {
	Total      int      `json:"total"`
	Count      int      `json:"count"`
	OpenIDs    []string `json:"openids"`
	NextOpenID string   `json:"next_openid"`
}

type followerResponse struct {
	apiStatus
	Total int `json:"total"`
	Count int `json:"count"`
	Data  struct {
		OpenID []string `json:"openid"`
	} `json:"data"`
	NextOpenID string `json:"next_openid"`
}

func (c *Client) Followers(ctx context.Context, nextOpenID string) (*FollowerPage, error) {
	q := url.Values{}
	if nextOpenID != "" {
		q.Set("next_openid", nextOpenID)
	}
	var out followerResponse
	if err := c.call(ctx, "followers", http.MethodGet, "/cgi-bin/user/get", q, nil, &out, &out.apiStatus); err != nil {
		return nil, err
	}
	return &FollowerPage{
		Total:      out.Total,
		Count:      out.Count,
		OpenIDs:    out.Data.OpenID,
		NextOpenID: out.NextOpenID,
	}, nil
}

// AllFollowers follows next_openid until the platform returns an empty page.
func (c *Client) AllFollowers(ctx context.Context) ([]string, error) {
	var all []string
	next := ""
	for {
		page, err := c.Followers(ctx, next)
		if err != nil {
			return all, err
		}
		all = append(all, page.OpenIDs...)
		if page.Count == 0 || page.NextOpenID == "" || page.NextOpenID == next || len(all) >= page.Total {
			return all, nil
		}
		next = page.NextOpenID
	}
}

type MenuButton struct {
	Type      string       `json:"type,omitempty"`
	Name      string       `json:"name"`
	Key       string       `json:"key,omitempty"`
	URL       string       `json:"url,omitempty"`
	SubButton []MenuButton `json:"sub_button,omitempty"`
}

type Menu struct {
	Button []MenuButton `json:"button"`
}

// DefaultMenu is the single view button pointing at the board.
func DefaultMenu(siteURL string) Menu {
	return Menu{Button: []MenuButton{{Type: "view", Name: "放射小张", URL: siteURL}}}
}

func (c *Client) CreateMenu(ctx context.Context, menu Menu) error {
	var out apiStatus
	return c.call(ctx, "menu_create", http.MethodPost, "/cgi-bin/menu/create", nil, menu, &out, &out)
}

func (c *Client) Menu(ctx context.Context) (*Menu, error) {
	var out struct {
		apiStatus
		Menu Menu `json:"menu"`
	}
	if err := c.call(ctx, "menu_get", http.MethodGet, "/cgi-bin/menu/get", nil, nil, &out, &out.apiStatus); err != nil {
		return nil, err
	}
	return &out.Menu, nil
}

func (c *Client) DeleteMenu(ctx context.Context) error {
	var out apiStatus
	return c.call(ctx, "menu_delete", http.MethodGet, "/cgi-bin/menu/delete", nil, nil, &out, &out)
}

// AuthorizeURL builds the snsapi_userinfo web authorization link.
func (c *Client) AuthorizeURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "snsapi_userinfo")
	q.Set("state", state)
	return authorizeEndpoint + "?" + q.Encode() + "#wechat_redirect"
}

// call performs an authenticated API request. status must point into out so
// the errcode can be inspected after decoding.
func (c *Client) call(ctx context.Context, operation, method, path string, q url.Values, body, out any, status *apiStatus) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		observability.RecordWeChatCall(ctx, operation, "token_error")
		return err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", token)
	if err := c.do(ctx, operation, method, path, q, body, out); err != nil {
		return err
	}
	if err := status.err(operation); err != nil {
		observability.RecordWeChatCall(ctx, operation, "api_error")
		if status.ErrCode == errCodeInvalidToken || status.ErrCode == errCodeTokenExpired {
			c.invalidateToken()
		}
		return err
	}
	observability.RecordWeChatCall(ctx, operation, "success")
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, q url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		reader = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordWeChatCall(ctx, operation, "transport_error")
		return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, operation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observability.RecordWeChatCall(ctx, operation, "http_error")
		return fmt.Errorf("%w: %s: unexpected status %d", ErrRemoteUnavailable, operation, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		observability.RecordWeChatCall(ctx, operation, "malformed")
		return fmt.Errorf("%w: decode %s response: %w", ErrRemoteUnavailable, operation, err)
	}
	return nil
}

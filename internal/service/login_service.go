package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/misszhang/rosterboard/internal/domain"
	"github.com/misszhang/rosterboard/internal/observability"
	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/wechat"

	"golang.org/x/text/width"
)

var ErrManualLoginDisabled = errors.New("manual login disabled")

// MessagingClient is the part of the WeChat client the handshake needs.
type MessagingClient interface {
	IsFollower(ctx context.Context, openID string) bool
	Profile(ctx context.Context, openID string) *domain.Profile
	SendText(ctx context.Context, openID, content string) bool
}

type InboundOutcome string

const (
	OutcomeLoginSuccess InboundOutcome = "login_success"
	OutcomeNotFollower  InboundOutcome = "not_follower"
	OutcomeLoginFailed  InboundOutcome = "login_failed"
	OutcomeSubscribed   InboundOutcome = "subscribed"
	OutcomeHelp         InboundOutcome = "help"
	OutcomeIgnored      InboundOutcome = "ignored"
)

// InboundResult describes how an inbound message was handled. An empty Reply
// means the webhook answers with the plain acknowledgment.
type InboundResult struct {
	Reply     string
	Outcome   InboundOutcome
	SessionID string
}

type LoginStatus struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	UserInfo  *domain.Profile `json:"user_info,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

type PairingChallenge struct {
	Code        string    `json:"pairing_code"`
	StateToken  string    `json:"state_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Instruction string    `json:"instruction"`
}

type LoginOptions struct {
	Keyword            string
	PairingTTL         time.Duration
	ManualLoginEnabled bool
	NonFollowers       NonFollowerCache
	NonFollowerTTL     time.Duration
	Now                func() time.Time
}

type LoginService struct {
	store          SessionStore
	client         MessagingClient
	states         *security.StateTokenManager
	logger         *slog.Logger
	keyword        string
	pairingTTL     time.Duration
	manual         bool
	nonFollowers   NonFollowerCache
	nonFollowerTTL time.Duration
	now            func() time.Time
}

func NewLoginService(store SessionStore, client MessagingClient, states *security.StateTokenManager, logger *slog.Logger, opts LoginOptions) *LoginService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Keyword == "" {
		opts.Keyword = "登录"
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NonFollowers == nil {
		opts.NonFollowers = NoopNonFollowerCache{}
	}
	return &LoginService{
		store:          store,
		client:         client,
		states:         states,
		logger:         logger,
		keyword:        strings.TrimSpace(opts.Keyword),
		pairingTTL:     opts.PairingTTL,
		manual:         opts.ManualLoginEnabled,
		nonFollowers:   opts.NonFollowers,
		nonFollowerTTL: opts.NonFollowerTTL,
		now:            opts.Now,
	}
}

func (s *LoginService) Keyword() string {
	return s.keyword
}

// ParseLoginCommand matches content against the login keyword. Besides the
// bare keyword it accepts the keyword followed by whitespace and a six digit
// pairing code, which is returned. Full-width digits in the code are folded
// to ASCII.
func ParseLoginCommand(content, keyword string) (bool, string) {
	trimmed := strings.TrimSpace(content)
	if keyword == "" || !strings.HasPrefix(trimmed, keyword) {
		return false, ""
	}
	rest := trimmed[len(keyword):]
	if rest == "" {
		return true, ""
	}
	first := []rune(rest)[0]
	if !unicode.IsSpace(first) {
		return false, ""
	}
	code := width.Fold.String(strings.TrimSpace(rest))
	if len(code) != 6 {
		return false, ""
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false, ""
		}
	}
	return true, code
}

// HandleMessage never fails: every internal error is logged and turned into
// a neutral reply so the webhook can always acknowledge delivery.
func (s *LoginService) HandleMessage(ctx context.Context, msg *wechat.InboundMessage) (result InboundResult) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "inbound message handler panicked", "panic", fmt.Sprint(rec))
			result = InboundResult{Reply: "系统繁忙，请稍后重试", Outcome: OutcomeLoginFailed}
		}
	}()

	switch msg.MsgType {
	case wechat.MsgTypeEvent:
		if strings.EqualFold(msg.Event, wechat.EventSubscribe) {
			if err := s.nonFollowers.Forget(ctx, msg.FromUserName); err != nil {
				s.logger.WarnContext(ctx, "clear non-follower cache failed", "error", err)
			}
			return InboundResult{
				Reply:   fmt.Sprintf("欢迎关注！发送「%s」即可登录排班系统。", s.keyword),
				Outcome: OutcomeSubscribed,
			}
		}
		return InboundResult{Outcome: OutcomeIgnored}
	case wechat.MsgTypeText:
		matched, code := ParseLoginCommand(msg.Content, s.keyword)
		if !matched {
			return InboundResult{
				Reply:   fmt.Sprintf("发送「%s」即可登录排班系统。", s.keyword),
				Outcome: OutcomeHelp,
			}
		}
		return s.keywordLogin(ctx, msg.FromUserName, code)
	default:
		return InboundResult{Outcome: OutcomeIgnored}
	}
}

func (s *LoginService) keywordLogin(ctx context.Context, openID, code string) InboundResult {
	s.expireStale(ctx)

	if !s.isFollower(ctx, openID) {
		s.logger.InfoContext(ctx, "login keyword from non-follower", "openid", openID)
		observability.RecordLoginAttempt(ctx, "keyword", string(OutcomeNotFollower))
		return InboundResult{Reply: "请先关注公众号后再发送登录指令。", Outcome: OutcomeNotFollower}
	}

	sessionID, err := s.createSession(ctx, openID)
	if err != nil {
		s.logger.ErrorContext(ctx, "create session failed", "openid", openID, "error", err)
		observability.RecordLoginAttempt(ctx, "keyword", string(OutcomeLoginFailed))
		return InboundResult{Reply: "登录失败，请稍后重试。", Outcome: OutcomeLoginFailed}
	}
	if code != "" {
		if err := s.store.BindPairing(ctx, code, sessionID, s.pairingTTL); err != nil {
			s.logger.WarnContext(ctx, "bind pairing code failed", "error", err)
		}
	}

	reply := "登录成功！请返回网页继续操作。"
	if !s.client.SendText(ctx, openID, confirmationText(sessionID)) {
		s.logger.WarnContext(ctx, "login confirmation not delivered", "openid", openID)
		reply = confirmationText(sessionID)
	}
	s.logger.InfoContext(ctx, "keyword login succeeded", "openid", openID, "paired", code != "")
	observability.RecordLoginAttempt(ctx, "keyword", string(OutcomeLoginSuccess))
	return InboundResult{Reply: reply, Outcome: OutcomeLoginSuccess, SessionID: sessionID}
}

// isFollower consults the non-follower cache before the API and records
// negative answers. Cache errors fall through to the API.
func (s *LoginService) isFollower(ctx context.Context, openID string) bool {
	if hit, err := s.nonFollowers.Has(ctx, openID); err == nil && hit {
		return false
	}
	if s.client.IsFollower(ctx, openID) {
		return true
	}
	if err := s.nonFollowers.Remember(ctx, openID, s.nonFollowerTTL); err != nil {
		s.logger.WarnContext(ctx, "record non-follower failed", "error", err)
	}
	return false
}

func confirmationText(sessionID string) string {
	return fmt.Sprintf("登录成功！\n会话ID：%s\n请返回网页继续操作，会话有效期1小时。", sessionID)
}

// createSession caches the remote profile with the session. A failed profile
// lookup after a successful follower check falls back to the bare openid.
func (s *LoginService) createSession(ctx context.Context, openID string) (string, error) {
	profile := s.client.Profile(ctx, openID)
	if profile == nil {
		profile = &domain.Profile{OpenID: openID}
	}
	return s.store.Create(ctx, openID, *profile)
}

// Poll reports the login the browser should adopt. Without a state token the
// most recent active session wins; with one, only the session bound to its
// pairing code is returned. Any failure reads as "not logged in".
func (s *LoginService) Poll(ctx context.Context, stateToken string) (status LoginStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "login poll panicked", "panic", fmt.Sprint(rec))
			status = notLoggedIn(s.keyword)
		}
	}()

	if strings.TrimSpace(stateToken) != "" {
		return s.pollPairing(ctx, stateToken)
	}
	s.expireStale(ctx)

	items, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "list active sessions failed", "error", err)
		return notLoggedIn(s.keyword)
	}
	if len(items) == 0 {
		return notLoggedIn(s.keyword)
	}
	latest := items[0]
	profile, err := s.store.Verify(ctx, latest.ID)
	if err != nil {
		return notLoggedIn(s.keyword)
	}
	observability.RecordLoginAttempt(ctx, "poll", "success")
	return LoginStatus{Success: true, Message: "登录成功", UserInfo: profile, SessionID: latest.ID}
}

func (s *LoginService) pollPairing(ctx context.Context, stateToken string) LoginStatus {
	if s.states == nil {
		return LoginStatus{Message: "登录验证码不可用"}
	}
	claims, err := s.states.Parse(stateToken)
	if err != nil {
		return LoginStatus{Message: "登录验证码已失效，请重新获取"}
	}
	sessionID, err := s.store.ResolvePairing(ctx, claims.PairingCode)
	if err != nil {
		return LoginStatus{Message: fmt.Sprintf("请在公众号发送「%s %s」完成登录", s.keyword, claims.PairingCode)}
	}
	profile, err := s.store.Verify(ctx, sessionID)
	if err != nil {
		return notLoggedIn(s.keyword)
	}
	observability.RecordLoginAttempt(ctx, "poll_paired", "success")
	return LoginStatus{Success: true, Message: "登录成功", UserInfo: profile, SessionID: sessionID}
}

func notLoggedIn(keyword string) LoginStatus {
	return LoginStatus{Message: fmt.Sprintf("暂无登录会话，请在公众号发送「%s」", keyword)}
}

func (s *LoginService) StartPairing(ctx context.Context) (*PairingChallenge, error) {
	if s.states == nil {
		return nil, errors.New("state tokens not configured")
	}
	code, err := security.NewPairingCode()
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.states.Sign(code, s.pairingTTL)
	if err != nil {
		return nil, err
	}
	observability.RecordLoginAttempt(ctx, "pairing_start", "success")
	return &PairingChallenge{
		Code:        code,
		StateToken:  token,
		ExpiresAt:   expiresAt,
		Instruction: s.keyword + " " + code,
	}, nil
}

// ManualLogin runs the keyword path for an openid supplied directly.
func (s *LoginService) ManualLogin(ctx context.Context, openID string) (LoginStatus, error) {
	if !s.manual {
		return LoginStatus{Message: "手动登录已关闭"}, ErrManualLoginDisabled
	}
	openID = strings.TrimSpace(openID)
	if openID == "" {
		return LoginStatus{Message: "缺少openid参数"}, ErrInvalidSubject
	}
	if !s.isFollower(ctx, openID) {
		observability.RecordLoginAttempt(ctx, "manual", string(OutcomeNotFollower))
		return LoginStatus{Message: "用户未关注公众号"}, nil
	}
	sessionID, err := s.createSession(ctx, openID)
	if err != nil {
		s.logger.ErrorContext(ctx, "manual login failed", "openid", openID, "error", err)
		observability.RecordLoginAttempt(ctx, "manual", string(OutcomeLoginFailed))
		return LoginStatus{Message: "登录失败，请稍后重试"}, nil
	}
	profile, err := s.store.Verify(ctx, sessionID)
	if err != nil {
		return LoginStatus{Message: "登录失败，请稍后重试"}, nil
	}
	observability.RecordLoginAttempt(ctx, "manual", string(OutcomeLoginSuccess))
	return LoginStatus{Success: true, Message: "登录成功", UserInfo: profile, SessionID: sessionID}, nil
}

func (s *LoginService) Logout(ctx context.Context, sessionID string) (bool, error) {
	return s.store.Logout(ctx, sessionID)
}

func (s *LoginService) Me(ctx context.Context, sessionID string) (*domain.Profile, error) {
	return s.store.Verify(ctx, sessionID)
}

// Refresh issues a new session for the subject behind sessionID and logs the
// old one out.
func (s *LoginService) Refresh(ctx context.Context, sessionID string) (LoginStatus, error) {
	if _, err := s.store.Verify(ctx, sessionID); err != nil {
		return LoginStatus{Message: "会话已失效，请重新登录"}, err
	}
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return LoginStatus{Message: "会话已失效，请重新登录"}, err
	}
	newID, err := s.store.Create(ctx, sess.SubjectID, sess.Profile)
	if err != nil {
		observability.RecordLoginAttempt(ctx, "refresh", "error")
		return LoginStatus{Message: "刷新失败，请稍后重试"}, err
	}
	if newID != sessionID {
		if _, err := s.store.Logout(ctx, sessionID); err != nil {
			s.logger.WarnContext(ctx, "drop refreshed session failed", "error", err)
		}
	}
	observability.RecordLoginAttempt(ctx, "refresh", "success")
	profile := sess.Profile
	return LoginStatus{Success: true, Message: "会话已刷新", UserInfo: &profile, SessionID: newID}, nil
}

func (s *LoginService) ActiveSessionCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *LoginService) expireStale(ctx context.Context) {
	if _, err := s.store.ExpireAllStale(ctx); err != nil {
		s.logger.WarnContext(ctx, "expire stale sessions failed", "error", err)
	}
}

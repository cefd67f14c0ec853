package wxctl

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/wechat"
)

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check readiness and the callback handshake of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "wxctl probe", func(ctx context.Context) ([]string, error) {
				return probe(ctx, httpClient(), opts.baseURL, opts.cfg.WeChatToken)
			})
		},
	}
}

func newWebhookCommand(opts *options) *cobra.Command {
	var openID, content, account string
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Replay a signed inbound text message against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if openID == "" {
				return fmt.Errorf("webhook: --openid is required")
			}
			if content == "" {
				content = opts.cfg.WeChatLoginKeyword
			}
			return execute(opts, "wxctl webhook", func(ctx context.Context) ([]string, error) {
				return sendInbound(ctx, httpClient(), opts.baseURL, opts.cfg.WeChatToken, account, openID, content)
			})
		},
	}
	cmd.Flags().StringVar(&openID, "openid", "", "sender openid")
	cmd.Flags().StringVar(&content, "content", "", "message text, defaults to the login keyword")
	cmd.Flags().StringVar(&account, "account", "gh_rosterboard", "ToUserName of the official account")
	return cmd
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

func signedQuery(token string, now time.Time) url.Values {
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	q := url.Values{}
	q.Set("timestamp", ts)
	q.Set("nonce", nonce)
	q.Set("signature", security.Signature(token, ts, nonce))
	return q
}

func get(ctx context.Context, c *http.Client, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, body, err
}

func probe(ctx context.Context, c *http.Client, baseURL, token string) ([]string, error) {
	base := strings.TrimRight(baseURL, "/")
	var details []string

	status, body, err := get(ctx, c, base+"/health/ready")
	if err != nil {
		return details, fmt.Errorf("readiness: %w", err)
	}
	var ready struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &ready)
	if status != http.StatusOK {
		return details, fmt.Errorf("readiness: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	details = append(details, "readiness: "+ready.Data.Status)

	if token == "" {
		return append(details, "handshake: skipped, WECHAT_TOKEN not set"), nil
	}
	q := signedQuery(token, time.Now())
	echo := uuid.NewString()
	q.Set("echostr", echo)
	status, body, err = get(ctx, c, base+"/wechat/message?"+q.Encode())
	if err != nil {
		return details, fmt.Errorf("handshake: %w", err)
	}
	if status != http.StatusOK || string(body) != echo {
		return details, fmt.Errorf("handshake: status %d, echo mismatch", status)
	}
	return append(details, "handshake: echo ok"), nil
}

type inboundText struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
}

func sendInbound(ctx context.Context, c *http.Client, baseURL, token, account, openID, content string) ([]string, error) {
	now := time.Now()
	body, err := xml.Marshal(inboundText{
		ToUserName:   account,
		FromUserName: openID,
		CreateTime:   now.Unix(),
		MsgType:      wechat.MsgTypeText,
		Content:      content,
		MsgID:        now.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	target := strings.TrimRight(baseURL, "/") + "/wechat/message"
	if token != "" {
		target += "?" + signedQuery(token, now).Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	if string(raw) == wechat.AckSuccess {
		return []string{"acknowledged without reply"}, nil
	}
	reply, err := wechat.ParseInbound(raw)
	if err != nil {
		return nil, fmt.Errorf("webhook: unexpected reply: %w", err)
	}
	return []string{"reply to " + reply.ToUserName + ": " + reply.Content}, nil
}

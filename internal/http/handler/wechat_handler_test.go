package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/misszhang/rosterboard/internal/security"
	"github.com/misszhang/rosterboard/internal/wechat"
)

func signedQuery(token string) url.Values {
	q := url.Values{}
	q.Set("timestamp", "1723000000")
	q.Set("nonce", "n0nce")
	q.Set("signature", security.Signature(token, "1723000000", "n0nce"))
	return q
}

func inboundXML(from, msgType, content string) string {
	return "<xml><ToUserName><![CDATA[gh_account]]></ToUserName>" +
		"<FromUserName><![CDATA[" + from + "]]></FromUserName>" +
		"<CreateTime>1723000000</CreateTime>" +
		"<MsgType><![CDATA[" + msgType + "]]></MsgType>" +
		"<Content><![CDATA[" + content + "]]></Content>" +
		"<MsgId>1</MsgId></xml>"
}

func TestWeChatVerifyHandshake(t *testing.T) {
	f := newHandlerFixture(t)

	q := signedQuery(testWeChatToken)
	q.Set("echostr", "echo-123")
	rr := httptest.NewRecorder()
	f.wechat.Verify(rr, httptest.NewRequest(http.MethodGet, "/wechat/message?"+q.Encode(), nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "echo-123" {
		t.Fatalf("expected echo, got %d %q", rr.Code, rr.Body.String())
	}

	q.Set("signature", strings.Repeat("0", 40))
	rr = httptest.NewRecorder()
	f.wechat.Verify(rr, httptest.NewRequest(http.MethodGet, "/wechat/message?"+q.Encode(), nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rr.Code)
	}
}

func TestWeChatReceiveKeywordLogin(t *testing.T) {
	f := newHandlerFixture(t)
	q := signedQuery(testWeChatToken)

	req := httptest.NewRequest(http.MethodPost, "/wechat/message?"+q.Encode(), strings.NewReader(inboundXML("openid123", "text", "登录")))
	rr := httptest.NewRecorder()
	f.wechat.Receive(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	reply, err := wechat.ParseInbound(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("expected xml reply, got %q: %v", rr.Body.String(), err)
	}
	if reply.ToUserName != "openid123" || reply.FromUserName != "gh_account" {
		t.Fatalf("expected swapped addresses, got %+v", reply)
	}
	if n, _ := f.store.Count(req.Context()); n != 1 {
		t.Fatalf("expected one session, got %d", n)
	}
	if len(f.messaging.sent["openid123"]) != 1 {
		t.Fatalf("expected confirmation to be sent, got %v", f.messaging.sent)
	}
}

func TestWeChatReceiveNonFollowerStillAcks(t *testing.T) {
	f := newHandlerFixture(t)
	q := signedQuery(testWeChatToken)

	rr := httptest.NewRecorder()
	f.wechat.Receive(rr, httptest.NewRequest(http.MethodPost, "/wechat/message?"+q.Encode(), strings.NewReader(inboundXML("stranger", "text", "登录"))))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<xml>") {
		t.Fatalf("expected xml ack, got %d %q", rr.Code, rr.Body.String())
	}
	if n, _ := f.store.Count(t.Context()); n != 0 {
		t.Fatalf("expected no session, got %d", n)
	}
	if len(f.messaging.sent) != 0 {
		t.Fatalf("expected no outbound message, got %v", f.messaging.sent)
	}
}

func TestWeChatReceiveAcks(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "malformed xml", body: "<xml><broken"},
		{name: "missing sender", body: "<xml><MsgType>text</MsgType></xml>"},
		{name: "image message", body: inboundXML("openid123", "image", "")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			rr := httptest.NewRecorder()
			f.wechat.Receive(rr, httptest.NewRequest(http.MethodPost, "/wechat/message", strings.NewReader(tc.body)))
			if rr.Code != http.StatusOK || rr.Body.String() != wechat.AckSuccess {
				t.Fatalf("expected plain ack, got %d %q", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestWeChatReceiveSignatureRules(t *testing.T) {
	f := newHandlerFixture(t)

	q := signedQuery("wrong-token")
	rr := httptest.NewRecorder()
	f.wechat.Receive(rr, httptest.NewRequest(http.MethodPost, "/wechat/message?"+q.Encode(), strings.NewReader(inboundXML("openid123", "text", "登录"))))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rr.Code)
	}

	strict := NewWeChatHandler(f.login, testWeChatToken, true, discardLogger())
	rr = httptest.NewRecorder()
	strict.Receive(rr, httptest.NewRequest(http.MethodPost, "/wechat/message", strings.NewReader(inboundXML("openid123", "text", "登录"))))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when signature is required, got %d", rr.Code)
	}
}

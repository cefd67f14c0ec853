package wechat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const inboundText = `<xml>
  <ToUserName><![CDATA[gh_account]]></ToUserName>
  <FromUserName><![CDATA[openid123]]></FromUserName>
  <CreateTime>1700000000</CreateTime>
  <MsgType><![CDATA[text]]></MsgType>
  <Content><![CDATA[登录]]></Content>
  <MsgId>1234567890123456</MsgId>
</xml>`

func TestParseInboundText(t *testing.T) {
	msg, err := ParseInbound([]byte(inboundText))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MsgType != MsgTypeText || msg.Content != "登录" || msg.FromUserName != "openid123" || msg.ToUserName != "gh_account" {
		t.Fatalf("unexpected message %#v", msg)
	}
	if msg.CreateTime != 1700000000 || msg.MsgID != 1234567890123456 {
		t.Fatalf("unexpected numeric fields %#v", msg)
	}
}

func TestParseInboundToleratesReorderingAndWhitespace(t *testing.T) {
	body := `<xml><Content>登录</Content>
	<MsgType>  text </MsgType><FromUserName> openid123 </FromUserName><ToUserName>gh</ToUserName></xml>`
	msg, err := ParseInbound([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MsgType != "text" || msg.FromUserName != "openid123" {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestParseInboundEvent(t *testing.T) {
	body := `<xml><ToUserName>gh</ToUserName><FromUserName>u</FromUserName><MsgType>event</MsgType><Event>subscribe</Event></xml>`
	msg, err := ParseInbound([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MsgType != MsgTypeEvent || msg.Event != EventSubscribe {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestParseInboundRejectsMalformed(t *testing.T) {
	cases := []string{"", "not xml", "<xml><MsgType>text</MsgType></xml>", "<xml><FromUserName>u</FromUserName>"}
	for _, body := range cases {
		if _, err := ParseInbound([]byte(body)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected ErrMalformedMessage for %q, got %v", body, err)
		}
	}
}

func TestTextReplySwapsParties(t *testing.T) {
	msg := &InboundMessage{ToUserName: "gh_account", FromUserName: "openid123", MsgType: MsgTypeText}
	out, err := TextReply(msg, "登录成功", time.Unix(1700000001, 0))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	got := string(out)
	for _, want := range []string{
		"<ToUserName><![CDATA[openid123]]></ToUserName>",
		"<FromUserName><![CDATA[gh_account]]></FromUserName>",
		"<CreateTime>1700000001</CreateTime>",
		"<MsgType><![CDATA[text]]></MsgType>",
		"<Content><![CDATA[登录成功]]></Content>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %s", want, got)
		}
	}
	if !strings.HasPrefix(got, "<xml>") {
		t.Fatalf("expected <xml> root, got %s", got)
	}
}

func FuzzParseInboundNeverPanics(f *testing.F) {
	f.Add(inboundText)
	f.Add("<xml></xml>")
	f.Add("<xml><FromUserName><![CDATA[")
	f.Fuzz(func(t *testing.T, body string) {
		msg, err := ParseInbound([]byte(body))
		if err == nil && (msg.FromUserName == "" || msg.MsgType == "") {
			t.Fatalf("accepted message without sender or type: %#v", msg)
		}
	})
}

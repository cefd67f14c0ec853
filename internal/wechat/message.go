package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MsgTypeText  = "text"
	MsgTypeEvent = "event"

	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"

	// AckSuccess is the body the platform accepts when no reply is sent.
	AckSuccess = "success"
)

var ErrMalformedMessage = errors.New("malformed inbound message")

// InboundMessage is the XML envelope POSTed to the callback URL.
type InboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	MsgID        int64    `xml:"MsgId"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
}

func ParseInbound(body []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := xml.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	msg.MsgType = strings.TrimSpace(msg.MsgType)
	msg.FromUserName = strings.TrimSpace(msg.FromUserName)
	msg.ToUserName = strings.TrimSpace(msg.ToUserName)
	if msg.FromUserName == "" || msg.MsgType == "" {
		return nil, fmt.Errorf("%w: missing FromUserName or MsgType", ErrMalformedMessage)
	}
	return &msg, nil
}

type cdata struct {
	Value string `xml:",cdata"`
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   cdata    `xml:"ToUserName"`
	FromUserName cdata    `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      cdata    `xml:"MsgType"`
	Content      cdata    `xml:"Content"`
}

// TextReply renders a passive text reply to msg, swapping sender and
// recipient.
func TextReply(msg *InboundMessage, content string, now time.Time) ([]byte, error) {
	reply := textReply{
		ToUserName:   cdata{msg.FromUserName},
		FromUserName: cdata{msg.ToUserName},
		CreateTime:   now.Unix(),
		MsgType:      cdata{MsgTypeText},
		Content:      cdata{content},
	}
	out, err := xml.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode text reply: %w", err)
	}
	return out, nil
}

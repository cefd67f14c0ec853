package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/misszhang/rosterboard/internal/config"
	"github.com/misszhang/rosterboard/internal/domain"

	"github.com/google/uuid"
)

var ErrNotConfigured = errors.New("mail notifier not configured")

type Options struct {
	Server     string
	Port       int
	User       string
	Password   string
	Sender     string
	Recipients []string
	Timeout    time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Server:     cfg.SMTPServer,
		Port:       cfg.SMTPPort,
		User:       cfg.SMTPUser,
		Password:   cfg.SMTPPassword,
		Sender:     cfg.SenderEmail,
		Recipients: cfg.EmailRecipients,
		Timeout:    10 * time.Second,
	}
}

// SMTPNotifier mails roster uploads to the configured recipients over
// STARTTLS with PLAIN auth.
type SMTPNotifier struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	send  func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
	dial  func(ctx context.Context, addr string) (smtpClient, error)
	newID func() string
}

type smtpClient interface {
	StartTLS(*tls.Config) error
	Auth(smtp.Auth) error
	Quit() error
	Close() error
}

func NewSMTPNotifier(opts Options, logger *slog.Logger) *SMTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sender == "" {
		opts.Sender = opts.User
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &SMTPNotifier{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		send:   smtp.SendMail,
		dial:   dialSMTP,
		newID:  uuid.NewString,
	}
}

func (n *SMTPNotifier) Configured() bool {
	return n != nil && n.opts.Server != "" && n.opts.User != "" && n.opts.Password != "" && len(n.opts.Recipients) > 0
}

func (n *SMTPNotifier) addr() string {
	return net.JoinHostPort(n.opts.Server, strconv.Itoa(n.opts.Port))
}

func (n *SMTPNotifier) auth() smtp.Auth {
	return smtp.PlainAuth("", n.opts.User, n.opts.Password, n.opts.Server)
}

// SendRosterUploaded mails an HTML notice with the stored image attached.
func (n *SMTPNotifier) SendRosterUploaded(ctx context.Context, img domain.RosterImage) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	data, err := os.ReadFile(img.Path)
	if err != nil {
		return fmt.Errorf("read roster image: %w", err)
	}
	msg, err := n.buildMessage(img, data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.send(n.addr(), n.auth(), n.opts.Sender, n.opts.Recipients, msg); err != nil {
		n.logger.WarnContext(ctx, "roster notification send failed", "server", n.opts.Server, "error", err)
		return fmt.Errorf("send roster notification: %w", err)
	}
	n.logger.InfoContext(ctx, "roster notification sent", "week", img.Week, "recipients", len(n.opts.Recipients))
	return nil
}

// CheckConnection dials the server, upgrades to TLS and authenticates
// without sending anything.
func (n *SMTPNotifier) CheckConnection(ctx context.Context) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	c, err := n.dial(ctx, n.addr())
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer c.Close()
	if err := c.StartTLS(&tls.Config{ServerName: n.opts.Server}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if err := c.Auth(n.auth()); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return c.Quit()
}

func dialSMTP(ctx context.Context, addr string) (smtpClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

var bodyTemplate = template.Must(template.New("roster").Parse(`<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<h2 style="color: #2c3e50;">排班表上传通知</h2>
<div style="background-color: #f8f9fa; padding: 15px; border-radius: 5px; margin: 20px 0;">
<h3 style="color: #495057; margin-top: 0;">排班信息</h3>
<p><strong>周次：</strong>{{.Label}}</p>
<p><strong>文件名：</strong>{{.Filename}}</p>
<p><strong>上传时间：</strong>{{.UploadedAt}}</p>
{{if .Uploader}}<p><strong>上传用户：</strong>{{.Uploader}}</p>{{end}}
</div>
<div style="background-color: #e9ecef; padding: 15px; border-radius: 5px; margin: 20px 0;">
<p style="margin: 0;"><strong>提示：</strong>排班表图片已作为附件发送，请查看邮件附件。</p>
</div>
<hr style="border: none; border-top: 1px solid #dee2e6; margin: 30px 0;">
<p style="font-size: 12px; color: #6c757d; text-align: center;">此邮件由 Miss Zhang 排班管理系统自动发送<br>如有问题，请联系系统管理员</p>
</body>
</html>
`))

func (n *SMTPNotifier) buildMessage(img domain.RosterImage, data []byte) ([]byte, error) {
	label := domain.WeekLabel(img.Week)
	uploadedAt := img.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = n.now()
	}
	var html bytes.Buffer
	err := bodyTemplate.Execute(&html, map[string]string{
		"Label":      label,
		"Filename":   img.OriginalName,
		"UploadedAt": uploadedAt.Local().Format("2006年01月02日 15:04:05"),
		"Uploader":   img.UploadedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("render notification body: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	headers := [][2]string{
		{"From", n.opts.Sender},
		{"To", strings.Join(n.opts.Recipients, ", ")},
		{"Subject", mime.BEncoding.Encode("utf-8", "排班表上传通知 - "+label)},
		{"Date", n.now().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@rosterboard>", n.newID())},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + mw.Boundary()},
	}
	var head bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&head, "%s: %s\r\n", h[0], h[1])
	}
	head.WriteString("\r\n")

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(htmlPart, html.Bytes()); err != nil {
		return nil, err
	}

	name := img.OriginalName
	if name == "" {
		name = filepath.Base(img.Path)
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	attachment, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(attachment, data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

// writeBase64 wraps encoded output at 76 columns as RFC 2045 requires.
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", encoded)
	return err
}

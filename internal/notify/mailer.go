// Package notify は購入者へのメール通知を提供する。
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Message は送信するメール1通を表す。本文はプレーンテキスト。
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTPMailerの設定。
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// SMTPMailer はSMTPサーバー経由でメールを送信する。
// サーバーがSTARTTLSを提示した場合はTLSに切り替える。
type SMTPMailer struct {
	addr string
	host string
	from string
	auth smtp.Auth
}

// NewSMTPMailer はSMTPMailerを生成する。
// Usernameが空の場合は認証なしで送信する。
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" {
		return nil, errors.New("SMTP sender address is required")
	}

	m := &SMTPMailer{addr: cfg.Addr, host: host, from: cfg.From}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return m, nil
}

// Send はメールを1通送信する。ctxのデッドラインは接続全体に適用される。
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if strings.ContainsAny(msg.To, "\r\n") {
		return errors.New("invalid recipient address")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	if m.auth != nil {
		if err := c.Auth(m.auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(buildMessage(m.from, msg, time.Now())); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message was not accepted: %w", err)
	}

	return c.Quit()
}

// buildMessage はRFC 5322形式のメッセージを組み立てる。
func buildMessage(from string, msg Message, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// LogMailer はメールを送信せずに送信先と件名だけをログに記録する。
// SMTPが未設定の環境で使用する。本文はライセンスキーを含むため記録しない。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。loggerがnilの場合はデフォルトロガーを使う。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send はメール送信をログに記録する。
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "mail delivery skipped (SMTP not configured)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)

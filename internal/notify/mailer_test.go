package notify

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSMTPServer は1接続だけ受け付ける最小限のSMTPサーバー。
type fakeSMTPServer struct {
	ln       net.Listener
	mu       sync.Mutex
	from     string
	rcpt     string
	data     string
	done     chan struct{}
	rejectTo bool
}

func startFakeSMTP(t *testing.T, rejectTo bool) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln, done: make(chan struct{}), rejectTo: rejectTo}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			tp.PrintfLine("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			s.mu.Lock()
			s.from = line[len("MAIL FROM:"):]
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if s.rejectTo {
				tp.PrintfLine("550 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpt = line[len("RCPT TO:"):]
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case cmd == "DATA":
			tp.PrintfLine("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\n")
			s.mu.Unlock()
			tp.PrintfLine("250 queued")
		case cmd == "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
	}
}

func TestNewSMTPMailer_InvalidConfig(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{Addr: "no-port", From: "a@example.com"}); err == nil {
		t.Error("expected error for address without port")
	}
	if _, err := NewSMTPMailer(SMTPConfig{Addr: "localhost:25"}); err == nil {
		t.Error("expected error for empty sender")
	}
}

// TestSMTPMailer_Send はSMTPセッションを通じて宛先と本文が送られることを検証する。
func TestSMTPMailer_Send(t *testing.T) {
	srv := startFakeSMTP(t, false)

	m, err := NewSMTPMailer(SMTPConfig{Addr: srv.ln.Addr().String(), From: "no-reply@promptcleaner.local"})
	if err != nil {
		t.Fatalf("NewSMTPMailer returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Send(ctx, LicenseIssued("buyer@example.com", "PC-0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.from != "<no-reply@promptcleaner.local>" {
		t.Errorf("MAIL FROM = %q", srv.from)
	}
	if srv.rcpt != "<buyer@example.com>" {
		t.Errorf("RCPT TO = %q", srv.rcpt)
	}
	if !strings.Contains(srv.data, "PC-0123456789abcdef0123456789abcdef") {
		t.Errorf("message body does not contain the key: %q", srv.data)
	}
	if !strings.Contains(srv.data, "Content-Type: text/plain; charset=UTF-8") {
		t.Errorf("message is missing content type header: %q", srv.data)
	}
}

func TestSMTPMailer_Send_RecipientRejected(t *testing.T) {
	srv := startFakeSMTP(t, true)

	m, err := NewSMTPMailer(SMTPConfig{Addr: srv.ln.Addr().String(), From: "no-reply@promptcleaner.local"})
	if err != nil {
		t.Fatalf("NewSMTPMailer returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Send(ctx, Message{To: "nobody@example.com", Subject: "s", Body: "b"}); err == nil {
		t.Fatal("expected error when recipient is rejected")
	}
}

func TestSMTPMailer_Send_HeaderInjectionRejected(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Addr: "127.0.0.1:1", From: "no-reply@promptcleaner.local"})
	if err != nil {
		t.Fatalf("NewSMTPMailer returned error: %v", err)
	}
	err = m.Send(context.Background(), Message{To: "a@example.com\r\nBcc: x@example.com"})
	if err == nil {
		t.Fatal("expected error for recipient containing CRLF")
	}
}

func TestBuildMessage_EncodesSubject(t *testing.T) {
	raw := string(buildMessage("from@example.com", Message{
		To:      "to@example.com",
		Subject: "ライセンス",
		Body:    "line1\nline2",
	}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	if !strings.Contains(raw, "Subject: =?utf-8?q?") {
		t.Errorf("subject should be Q-encoded: %q", raw)
	}
	if !strings.Contains(raw, "line1\r\nline2\r\n") {
		t.Errorf("body newlines should be CRLF: %q", raw)
	}
	if !strings.Contains(raw, "\r\n\r\n") {
		t.Error("headers and body should be separated by a blank line")
	}
}

// TestLogMailer_DoesNotLogBody はLogMailerが本文（ライセンスキー）を記録しないことを検証する。
func TestLogMailer_DoesNotLogBody(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))

	key := "PC-0123456789abcdef0123456789abcdef"
	if err := m.Send(context.Background(), LicenseIssued("buyer@example.com", key)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "buyer@example.com") {
		t.Errorf("log should contain recipient: %s", out)
	}
	if strings.Contains(out, key) {
		t.Errorf("log must not contain the license key: %s", out)
	}
}

func TestMessages_ContainKey(t *testing.T) {
	key := "PC-ffffffffffffffffffffffffffffffff"
	for _, msg := range []Message{LicenseIssued("a@example.com", key), LicenseLookup("a@example.com", key)} {
		if msg.To != "a@example.com" {
			t.Errorf("To = %q", msg.To)
		}
		if !strings.Contains(msg.Body, key) {
			t.Errorf("body does not contain key: %q", msg.Body)
		}
		if msg.Subject == "" {
			t.Error("subject should not be empty")
		}
	}
}

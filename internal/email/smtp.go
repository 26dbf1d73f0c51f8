// Package email sends plain-text notification mail over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" && strings.TrimSpace(c.From) != ""
}

func (c SMTPConfig) addr() string {
	port := c.Port
	if port <= 0 {
		port = 587
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPSender struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// SendText sends a single message without a long-lived sender.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	return NewSMTPSender(cfg).Send(context.Background(), to, subject, body)
}

// Send delivers the message. Missing configuration or recipient fails
// without retry; SMTP 4xx replies and network errors are transient.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if !s.cfg.Enabled() {
		return apperr.Fatal(errors.New("smtp is not configured"))
	}
	to = strings.TrimSpace(to)
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return apperr.Fatal(fmt.Errorf("invalid recipient %q", to))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
	}
	msg := buildMessage(s.cfg.From, to, subject, body, s.now())
	if err := s.send(s.cfg.addr(), auth, s.cfg.From, []string{to}, msg); err != nil {
		return classify(err)
	}
	return nil
}

func buildMessage(from, to, subject, body string, at time.Time) []byte {
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}

func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return apperr.Permanent(fmt.Errorf("smtp: %w", err))
		}
		return apperr.Transient(fmt.Errorf("smtp: %w", err))
	}
	return apperr.Transient(fmt.Errorf("smtp: %w", err))
}

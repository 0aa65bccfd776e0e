package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"repro-screening/internal/config"
)

// Mailer sends a plain-text message to one recipient.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP sends through a relay. A zero Addr disables sending.
type SMTP struct {
	Addr     string
	From     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP builds a mailer from config.
func NewSMTP(cfg config.Config) *SMTP {
	m := &SMTP{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom, sendMail: smtp.SendMail}
	if cfg.SMTPUsername != "" {
		host, _, _ := net.SplitHostPort(cfg.SMTPAddr)
		m.auth = smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, host)
	}
	return m
}

// ErrDisabled is returned when no relay is configured.
var ErrDisabled = errors.New("smtp relay not configured")

func (m *SMTP) Send(ctx context.Context, to, subject, body string) error {
	if m.Addr == "" {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.From, to, subject, body, time.Now())
	if err := m.sendMail(m.Addr, m.auth, m.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

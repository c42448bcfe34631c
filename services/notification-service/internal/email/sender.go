// Package email sends plain-text mail over unauthenticated SMTP, which is
// all a local Mailpit or an internal relay needs.
package email

import (
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

const defaultFrom = "no-reply@microshop.local"

type Sender interface {
	Send(to, subject, body string) error
}

type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host, port, from string) *SMTPSender {
	from = strings.TrimSpace(from)
	if from == "" {
		from = defaultFrom
	}
	return &SMTPSender{
		addr: net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port)),
		from: from,
	}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	msg := message(s.from, to, subject, body)
	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// Minimal RFC 5322 message, plain text only.
func message(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

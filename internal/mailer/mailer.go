// Package mailer sends digest email through SMTP. The rest of the
// system depends only on the Sender interface so tests can substitute
// a fake.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// Message is one outgoing email with both renderings.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers one message and returns the message id recorded on
// the wire, used later to correlate provider delivery callbacks.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Address  string // sending account, also the From address
	Password string
	FromName string
}

// SMTPSender is a Sender over a plain SMTP server.
type SMTPSender struct {
	cfg    Config
	domain string
	newID  func() (string, error)
}

// NewSMTPSender builds an SMTPSender. newID generates unique message
// ids (UUIDs in production).
func NewSMTPSender(cfg Config, newID func() (string, error)) *SMTPSender {
	domain := "localhost"
	if at := strings.LastIndex(cfg.Address, "@"); at >= 0 && at < len(cfg.Address)-1 {
		domain = cfg.Address[at+1:]
	}
	return &SMTPSender{cfg: cfg, domain: domain, newID: newID}
}

// Send implements Sender. The context deadline is not plumbed into the
// SMTP dial; the caller bounds the whole batch instead.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	messageID := fmt.Sprintf("<%s@%s>", id, s.domain)

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.Address)
	mail.To = []string{msg.To}
	mail.Subject = msg.Subject
	mail.Text = []byte(msg.Text)
	mail.HTML = []byte(msg.HTML)
	mail.Headers.Set("Message-ID", messageID)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	err = mail.Send(addr, smtp.PlainAuth("", s.cfg.Address, s.cfg.Password, s.cfg.Host))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", msg.To, err)
	}
	return messageID, nil
}

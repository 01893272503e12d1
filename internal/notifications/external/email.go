package external

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/muxfleet/muxfleet/internal/notifications"
)

// EmailConfig addresses an SMTP relay.
type EmailConfig struct {
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Filter
}

// EmailChannel mails notifications through a plain SMTP relay.
type EmailChannel struct {
	cfg EmailConfig

	// sendMail is swapped out in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, n notifications.Notification) error {
	if c.cfg.SMTPHost == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if len(c.cfg.To) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if !c.cfg.pass(n) {
		return nil
	}

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	if err := c.sendMail(addr, auth, c.cfg.From, c.cfg.To, c.message(n)); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func (c *EmailChannel) message(n notifications.Notification) []byte {
	subject := fmt.Sprintf("[muxfleet] %s", n.Kind)
	if n.Target != "" {
		subject += " " + n.Target
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", n.CreatedAt.UTC().Format(time.RFC1123Z))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", n.Message)
	fmt.Fprintf(&b, "kind: %s\r\npriority: %s\r\n", n.Kind, priorityLabel(n.Priority))
	if n.Target != "" {
		fmt.Fprintf(&b, "agent: %s\r\n", n.Target)
	}
	return []byte(b.String())
}

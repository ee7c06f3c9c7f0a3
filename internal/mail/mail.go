// Package mail sends transactional email, currently the guest account welcome message.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gomail "github.com/wneessen/go-mail"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	from   string
	client *gomail.Client
}

// NewSMTPSender creates an SMTP sender. Auth is used only when username is set.
func NewSMTPSender(host string, port int, username, password, from string) (*SMTPSender, error) {
	opts := []gomail.Option{gomail.WithPort(port), gomail.WithTLSPolicy(gomail.TLSOpportunistic)}
	if username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(username),
			gomail.WithPassword(password),
		)
	}
	client, err := gomail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPSender{from: from, client: client}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogSender logs messages instead of sending them. Used when SMTP is not configured.
// Bodies are not logged because welcome emails carry a password.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "email not sent, smtp not configured", "to", msg.To, "subject", msg.Subject)
	return nil
}

// Outbox records messages in memory. Err, when set, is returned from Send.
type Outbox struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

func (o *Outbox) Send(ctx context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.sent = append(o.sent, msg)
	return nil
}

// Sent returns the delivered messages.
func (o *Outbox) Sent() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.sent...)
}

// WelcomeGuest builds the welcome email for an account created at checkout.
func WelcomeGuest(to, displayName, password, loginURL, bundleTitle string) Message {
	name := displayName
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	if bundleTitle != "" {
		fmt.Fprintf(&b, "Thanks for purchasing %q. ", bundleTitle)
	}
	b.WriteString("We created an account so you can access your purchase at any time.\n\n")
	fmt.Fprintf(&b, "Email: %s\nTemporary password: %s\n\n", to, password)
	fmt.Fprintf(&b, "Log in here: %s\n\n", loginURL)
	b.WriteString("Please change your password after your first login.\n")
	return Message{
		To:      to,
		Subject: "Your account and purchase are ready",
		Body:    b.String(),
	}
}

// Package mailer hands EMAIL notifications to an SMTP relay.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Email is one outbound message.
type Email struct {
	To        string
	Subject   string
	Body      string
	MessageID string
}

// SMTPSender sends one message per connection. Delivery attempts are rare
// relative to webhooks, so no connection is held open between sends.
type SMTPSender struct {
	client *mail.Client
	from   string
	logger *slog.Logger
}

func NewSMTPSender(cfg Config, logger *slog.Logger) (*SMTPSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.From, logger: logger}, nil
}

func (s *SMTPSender) Send(ctx context.Context, email Email) error {
	msg, err := buildMessage(s.from, email)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", email.To, err)
	}
	s.logger.Debug("email sent", "to", email.To, "message_id", email.MessageID)
	return nil
}

func buildMessage(from string, email Email) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", from, err)
	}
	if err := msg.To(email.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", email.To, err)
	}
	msg.Subject(email.Subject)
	if email.MessageID != "" {
		msg.SetMessageIDWithValue(email.MessageID)
	}
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, email.Body)
	return msg, nil
}

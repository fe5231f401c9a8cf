// Package email sends the verification messages over SMTP.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	gomail "github.com/wneessen/go-mail"
)

const sendTimeout = 30 * time.Second

// Sender delivers mail through the configured SMTP relay.
type Sender struct {
	config *Config
}

// NewSender validates the configuration and returns a sender.
func NewSender(config *Config) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sender{config: config}, nil
}

// SendVerificationCode emails the 6-digit code to the address.
func (s *Sender) SendVerificationCode(ctx context.Context, to, code string) error {
	subject := fmt.Sprintf("Код подтверждения: %s", code)
	text := fmt.Sprintf("Ваш код подтверждения: %s\nКод действует 10 минут.", code)
	html := fmt.Sprintf(
		`<p>Ваш код подтверждения: <b>%s</b></p><p>Код действует 10 минут.</p>`, code)
	return s.send(ctx, to, subject, text, html)
}

func (s *Sender) send(ctx context.Context, to, subject, text, html string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.config.FromName, s.config.FromEmail); err != nil {
		return errors.Wrap(err, "invalid from address")
	}
	if err := msg.To(to); err != nil {
		return errors.Wrap(err, "invalid recipient address")
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, text)
	msg.AddAlternativeString(gomail.TypeTextHTML, html)

	opts := []gomail.Option{
		gomail.WithPort(s.config.SMTPPort),
		gomail.WithTimeout(sendTimeout),
	}
	switch {
	case s.config.UseSSL:
		opts = append(opts, gomail.WithSSLPort(false))
	case s.config.UseTLS:
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.NoTLS))
	}
	if s.config.SMTPUsername != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.config.SMTPUsername),
			gomail.WithPassword(s.config.SMTPPassword),
		)
	}

	client, err := gomail.NewClient(s.config.SMTPHost, opts...)
	if err != nil {
		return errors.Wrap(err, "failed to create SMTP client")
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrapf(err, "failed to send mail via %s", s.config.GetServerAddress())
	}
	return nil
}

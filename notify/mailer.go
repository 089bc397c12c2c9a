package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// Message is one outgoing email.
type Message struct {
	ToName    string
	ToAddress string
	Subject   string
	PlainText string
	HTML      string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer returns a SendGrid mailer when an API key is configured and a
// logging mailer otherwise.
func NewMailer(apiKey, fromAddress, fromName string, log *zap.Logger) Mailer {
	if apiKey == "" {
		log.Info("SENDGRID_API_KEY not set, emails will only be logged")
		return NewLogMailer(log)
	}
	return NewSendGridMailer(apiKey, fromAddress, fromName, log)
}

type SendGridMailer struct {
	client *sendgrid.Client
	from   *mail.Email
	log    *zap.Logger
}

func NewSendGridMailer(apiKey, fromAddress, fromName string, log *zap.Logger) *SendGridMailer {
	return &SendGridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
		log:    log.Named("mail"),
	}
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	to := mail.NewEmail(msg.ToName, msg.ToAddress)
	message := mail.NewSingleEmail(m.from, msg.Subject, to, msg.PlainText, msg.HTML)

	response, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.ToAddress, err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body)
	}
	m.log.Debug("email sent", zap.String("to", msg.ToAddress), zap.Int("status", response.StatusCode))
	return nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	return &LogMailer{log: log.Named("mail")}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.log.Info("email not sent (no provider configured)",
		zap.String("to", msg.ToAddress),
		zap.String("subject", msg.Subject))
	return nil
}

package notifier

import (
	"context"

	"shopd/internal/transport"
)

// AdminMailer is the part of the mail service the email channel needs.
type AdminMailer interface {
	MailAdmins(ctx context.Context, subject, text string) error
}

// EmailSender sends notifications to the site admins.
type EmailSender struct {
	m AdminMailer
}

func NewEmailSender(m AdminMailer) *EmailSender { return &EmailSender{m: m} }

func (e *EmailSender) Channel() string { return transport.ChannelEmail }

func (e *EmailSender) Send(ctx context.Context, n transport.Notification) error {
	subject := n.Subject
	if subject == "" {
		subject = "Alert"
	}
	return e.m.MailAdmins(ctx, subject, n.Text)
}

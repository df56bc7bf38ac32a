// Package mail sends customer and admin email. Bodies come from embedded
// templates; transport is SMTP, or the log in development.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shopd/pkg/logx"
)

var ErrNoRecipients = errors.New("mail: no recipients")

// Message is one outgoing email. HTML is optional; when set the message
// is sent as multipart/alternative.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, from string, msg Message) error
}

// Config is the sender identity and admin list.
type Config struct {
	From     string
	Admins   []string
	SiteName string
}

// Service renders and sends mail on behalf of the shop.
type Service struct {
	mailer Mailer
	cfg    Config
	tmpl   *Templates
	log    logx.Logger
}

func NewService(cfg Config, mailer Mailer, log logx.Logger) *Service {
	if cfg.SiteName == "" {
		cfg.SiteName = "Shop"
	}
	if cfg.From == "" {
		cfg.From = "noreply@localhost"
	}
	return &Service{
		mailer: mailer,
		cfg:    cfg,
		tmpl:   MustTemplates(cfg.SiteName),
		log:    log.Component("mail"),
	}
}

func (s *Service) SiteName() string { return s.cfg.SiteName }

func (s *Service) Admins() []string { return append([]string(nil), s.cfg.Admins...) }

// Send delivers msg from the configured sender.
func (s *Service) Send(ctx context.Context, msg Message) error {
	msg.To = cleanAddrs(msg.To)
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if err := s.mailer.Send(ctx, s.cfg.From, msg); err != nil {
		return fmt.Errorf("send %q: %w", msg.Subject, err)
	}
	s.log.Info("mail sent", logx.String("subject", msg.Subject), logx.Int("recipients", len(msg.To)))
	return nil
}

// SendTemplate renders kind with data and sends it to the given recipients.
func (s *Service) SendTemplate(ctx context.Context, to []string, kind string, data any) error {
	msg, err := s.tmpl.Render(kind, data)
	if err != nil {
		return err
	}
	msg.To = to
	return s.Send(ctx, msg)
}

// MailAdmins sends a plain text message to every admin. With no admins
// configured it only logs.
func (s *Service) MailAdmins(ctx context.Context, subject, text string) error {
	if len(s.cfg.Admins) == 0 {
		s.log.Warn("no admins configured; mail not sent", logx.String("subject", subject))
		return nil
	}
	return s.Send(ctx, Message{To: s.cfg.Admins, Subject: "[" + s.cfg.SiteName + "] " + subject, Text: text})
}

// MailAdminsTemplate renders kind and sends it to the admins.
func (s *Service) MailAdminsTemplate(ctx context.Context, kind string, data any) error {
	msg, err := s.tmpl.Render(kind, data)
	if err != nil {
		return err
	}
	if len(s.cfg.Admins) == 0 {
		s.log.Warn("no admins configured; mail not sent", logx.String("subject", msg.Subject))
		return nil
	}
	msg.To = s.cfg.Admins
	msg.Subject = "[" + s.cfg.SiteName + "] " + msg.Subject
	return s.Send(ctx, msg)
}

// Render exposes the template set, e.g. for previews.
func (s *Service) Render(kind string, data any) (Message, error) { return s.tmpl.Render(kind, data) }

func cleanAddrs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		k := strings.ToLower(a)
		if a == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

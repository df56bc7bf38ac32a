package mail

import (
	"context"
	"strings"
	"sync"

	"shopd/pkg/logx"
)

// LogMailer writes messages to the log instead of sending them. It also
// keeps them, which tests use.
type LogMailer struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

func NewLogMailer(log logx.Logger) *LogMailer {
	return &LogMailer{log: log.Component("mail.log")}
}

func (m *LogMailer) Send(_ context.Context, from string, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	m.log.Info("mail (not sent)",
		logx.String("from", from),
		logx.String("to", strings.Join(msg.To, ", ")),
		logx.String("subject", msg.Subject),
		logx.Bool("html", msg.HTML != ""))
	if m.log.Enabled(logx.LevelDebug) {
		m.log.Debug("mail body", logx.String("text", msg.Text))
	}
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

package transport

import "context"

// Channel names understood by the notifier.
const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "email" or "telegram"
	Priority int    // 0 low.. 10 high
	Subject  string
	Text     string
	Target   ChatTarget // telegram only; zero means the sender's default chat
	Options  *SendOptions
}

// Sender delivers notifications for one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, n Notification) error
}

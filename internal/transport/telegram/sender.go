package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"shopd/internal/transport"
	"shopd/pkg/logx"
)

var ErrNoChat = errors.New("telegram chat id is not configured")

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	APIURL   string
	Timeout  time.Duration
}

// Sender posts operator messages to a single Telegram chat. It never polls
// for updates.
type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = tele.DefaultApiURL
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log.Component("telegram"), bot: b}, nil
}

func (s *Sender) Channel() string { return transport.ChannelTelegram }

// Send delivers n. A zero target means the configured chat.
func (s *Sender) Send(ctx context.Context, n transport.Notification) error {
	to := n.Target
	if to.ChatID == 0 {
		to = transport.ChatTarget{ChatID: s.cfg.ChatID, ThreadID: s.cfg.ThreadID}
	}
	text := n.Text
	if n.Subject != "" {
		text = n.Subject + "\n\n" + n.Text
	}
	return s.SendText(ctx, to, text, n.Options)
}

// SendAlert implements logx.AlertSender.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	return s.SendText(ctx, transport.ChatTarget{ChatID: s.cfg.ChatID, ThreadID: s.cfg.ThreadID}, text, &transport.SendOptions{DisablePreview: true})
}

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if to.ChatID == 0 {
		return ErrNoChat
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	chunks := splitText(text, textLimit, opt.ParseMode)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			s.log.Debug("send failed", logx.Int64("chat_id", to.ChatID), logx.Int("chunk", i), logx.Err(err))
			return err
		}
	}
	return nil
}

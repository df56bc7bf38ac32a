package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Channels        []string // empty means every registered sender
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// DedupStore persists suppress-until times across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is published on the event bus for pipeline events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Subject string    `json:"subject,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

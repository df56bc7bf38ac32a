package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the wire form of one task invocation.
type Message struct {
	ID      string          `json:"id"`
	Task    string          `json:"task"`
	Queue   string          `json:"queue"`
	Args    json.RawMessage `json:"args,omitempty"`
	Retries int             `json:"retries,omitempty"`
	ETA     *time.Time      `json:"eta,omitempty"`
	// Schedule names the beat entry that produced the message.
	Schedule string    `json:"schedule,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Decode unmarshals the message arguments into v. Empty args leave v as is.
func (m Message) Decode(v any) error {
	if len(m.Args) == 0 || string(m.Args) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Args, v); err != nil {
		return fmt.Errorf("%s: decode args: %w", m.Task, err)
	}
	return nil
}

// Options tune a single ApplyAsync call.
type Options struct {
	// Countdown delays execution; ETA wins when both are set.
	Countdown time.Duration
	ETA       time.Time
	// Queue overrides the definition's queue.
	Queue    string
	Schedule string
}

func (o Options) eta(now time.Time) *time.Time {
	switch {
	case !o.ETA.IsZero():
		t := o.ETA.UTC()
		return &t
	case o.Countdown > 0:
		t := now.Add(o.Countdown).UTC()
		return &t
	}
	return nil
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shopd/internal/eventbus"
	"shopd/pkg/logx"
)

// Config controls the beat service.
type Config struct {
	Enabled bool
	// Timezone is an IANA name. Empty means UTC.
	Timezone string
	Entries  []Entry
}

// Entry is one row of the periodic job table.
type Entry struct {
	Name     string
	Task     string
	Schedule string
}

// Override changes a built-in entry by name or adds a new one. Enabled=false
// removes the entry.
type Override struct {
	Name     string
	Task     string
	Schedule string
	Enabled  *bool
}

// Publisher is the task queue as beat sees it. Periodic publishes one run of
// task on behalf of the named schedule.
type Publisher interface {
	Periodic(ctx context.Context, schedule, task string) error
}

type scheduleDef struct {
	entry         Entry
	spec          string // normalized cron spec or "@every <d>"
	entryID       cron.EntryID
	startupSpread time.Duration

	triggered uint64
	lastErr   string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	pub Publisher

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string    `json:"name"`
	Task          string    `json:"task"`
	Spec          string    `json:"spec"`
	Next          time.Time `json:"next,omitzero"`
	Prev          time.Time `json:"prev,omitzero"`
	StartupSpread string    `json:"startup_spread,omitempty"`
	Triggered     uint64    `json:"triggered"`
	LastError     string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

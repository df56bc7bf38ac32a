package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): database file at Path
//   - "postgres": server at DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only
	MaxOpenConns int           // postgres only; 0 keeps the driver default
}

// AuditEntry records an operator action taken through the admin API.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     bool
	Error  string
	Meta   string
}

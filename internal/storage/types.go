package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records one consumed change event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	Category   string
	Action     string
	EntityID   int64
	EntityName string
	OK         int
	Fail       int
	Error      string
	TookMS     int64
	MetaJSON   string
}

// Subscription is one (guild, change category) row: where to deliver and
// which role tag, if any, to mention.
type Subscription struct {
	GuildID  int64
	Category string
	ChatID   int64
	ThreadID int
	RoleTag  string
}

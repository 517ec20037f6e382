package storage

import (
	"context"
	"errors"
	"strings"

	logx "rosterbot/pkg/logx"
)

// Store is the minimal persistence API used by the notification engine.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	ListSubscriptions(ctx context.Context, category string) ([]Subscription, error)
	PutSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, guildID int64, category string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

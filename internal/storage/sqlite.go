package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "rosterbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// auditRetention bounds how far back audit rows are kept; the prune runs
// occasionally, piggybacked on writes.
const auditRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, category, action, entity_id, entity, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Category, e.Action, e.EntityID, nullStr(e.EntityName),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneAudit(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	cutoff := time.Now().Add(-auditRetention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned audit rows", logx.Int64("rows", n))
	}
	return nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, category string) ([]Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, category, chat_id, thread_id, role_tag
		 FROM subscriptions WHERE category = ? ORDER BY guild_id`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.GuildID, &sub.Category, &sub.ChatID, &sub.ThreadID, &sub.RoleTag); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sub.GuildID == 0 || strings.TrimSpace(sub.Category) == "" {
		return errors.New("subscription requires guild_id and category")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(guild_id, category, chat_id, thread_id, role_tag, updated)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(guild_id, category) DO UPDATE SET
		   chat_id=excluded.chat_id, thread_id=excluded.thread_id,
		   role_tag=excluded.role_tag, updated=excluded.updated`,
		sub.GuildID, sub.Category, sub.ChatID, sub.ThreadID, sub.RoleTag,
		time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, guildID int64, category string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE guild_id = ? AND category = ?`, guildID, category)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

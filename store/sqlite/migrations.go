package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xraph/bonus"
)

// migration is one forward-only schema step, applied at most once.
type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations lists the schema steps in application order. Timestamps are
// stored as Unix nanoseconds so ordering never depends on text formatting.
var Migrations = []migration{
	{
		Name:    "create_bonus_nodes",
		Version: "20260301000001",
		Up: `
CREATE TABLE IF NOT EXISTS bonus_nodes (
    id                   TEXT PRIMARY KEY,
    status               TEXT NOT NULL DEFAULT 'active',
    position             TEXT NOT NULL DEFAULT 'root',
    parent_id            TEXT NOT NULL DEFAULT '',
    left_child_id        TEXT NOT NULL DEFAULT '',
    right_child_id       TEXT NOT NULL DEFAULT '',
    sponsor_id           TEXT NOT NULL DEFAULT '',
    active_left_directs  INTEGER NOT NULL DEFAULT 0,
    active_right_directs INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bonus_nodes_parent ON bonus_nodes (parent_id);
`,
	},
	{
		Name:    "create_bonus_ledgers",
		Version: "20260301000002",
		Up: `
CREATE TABLE IF NOT EXISTS bonus_ledgers (
    user_id         TEXT PRIMARY KEY,
    version         INTEGER NOT NULL,
    daily_closings  INTEGER NOT NULL DEFAULT 0,
    weekly_earnings INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
`,
	},
	{
		Name:    "create_bonus_payouts",
		Version: "20260301000003",
		Up: `
CREATE TABLE IF NOT EXISTS bonus_payouts (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    type         TEXT NOT NULL,
    status       TEXT NOT NULL,
    currency     TEXT NOT NULL DEFAULT 'inr',
    gross        INTEGER NOT NULL DEFAULT 0,
    admin_charge INTEGER NOT NULL DEFAULT 0,
    tds          INTEGER NOT NULL DEFAULT 0,
    net          INTEGER NOT NULL DEFAULT 0,
    metadata     TEXT NOT NULL DEFAULT '{}',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bonus_payouts_user ON bonus_payouts (user_id, created_at DESC, id DESC);
`,
	},
	{
		Name:    "create_bonus_volume_entries",
		Version: "20260301000004",
		Up: `
CREATE TABLE IF NOT EXISTS bonus_volume_entries (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    source_user_id TEXT NOT NULL,
    leg            TEXT NOT NULL,
    bv             INTEGER NOT NULL DEFAULT 0,
    pv             INTEGER NOT NULL DEFAULT 0,
    reason         TEXT NOT NULL,
    reference_id   TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bonus_volume_user ON bonus_volume_entries (user_id, created_at DESC, id DESC);
`,
	},
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS bonus_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("%w: %w", bonus.ErrMigrationFailed, err)
	}

	for _, m := range Migrations {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM bonus_migrations WHERE version = ?`, m.Version).Scan(&n)
			if err != nil || n > 0 {
				return err
			}
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO bonus_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, nowNanos())
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", bonus.ErrMigrationFailed, m.Name, err)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/bonus"
)

// migration is one forward-only schema step, applied at most once.
type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations lists the schema steps in application order.
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
    active_left_directs  INT NOT NULL DEFAULT 0,
    active_right_directs INT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bonus_nodes_parent ON bonus_nodes (parent_id);
CREATE INDEX IF NOT EXISTS idx_bonus_nodes_sponsor ON bonus_nodes (sponsor_id);
`,
	},
	{
		Name:    "create_bonus_ledgers",
		Version: "20260301000002",
		Up: `
CREATE TABLE IF NOT EXISTS bonus_ledgers (
    user_id         TEXT PRIMARY KEY,
    version         BIGINT NOT NULL,
    daily_closings  INT NOT NULL DEFAULT 0,
    weekly_earnings BIGINT NOT NULL DEFAULT 0,
    state           JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bonus_ledgers_daily ON bonus_ledgers (user_id) WHERE daily_closings > 0;
CREATE INDEX IF NOT EXISTS idx_bonus_ledgers_weekly ON bonus_ledgers (user_id) WHERE weekly_earnings > 0;
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
    gross        BIGINT NOT NULL DEFAULT 0,
    admin_charge BIGINT NOT NULL DEFAULT 0,
    tds          BIGINT NOT NULL DEFAULT 0,
    net          BIGINT NOT NULL DEFAULT 0,
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bonus_payouts_user ON bonus_payouts (user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_bonus_payouts_type_status ON bonus_payouts (type, status);
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
    bv             BIGINT NOT NULL DEFAULT 0,
    pv             BIGINT NOT NULL DEFAULT 0,
    reason         TEXT NOT NULL,
    reference_id   TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_bonus_volume_user ON bonus_volume_entries (user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_bonus_volume_reference ON bonus_volume_entries (reference_id) WHERE reference_id <> '';
`,
	},
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS bonus_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// migrate applies every migration not yet recorded in bonus_migrations,
// each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("%w: %w", bonus.ErrMigrationFailed, err)
	}

	for _, m := range Migrations {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var applied bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM bonus_migrations WHERE version = $1)`, m.Version,
			).Scan(&applied)
			if err != nil || applied {
				return err
			}
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO bonus_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", bonus.ErrMigrationFailed, m.Name, err)
		}
	}
	return nil
}

// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	bonusstore "github.com/xraph/bonus/store"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// compile-time interface check
var _ bonusstore.Store = (*Store)(nil)

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a pool for dsn and returns a store on it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: connect: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Tree ====================

func (s *Store) GetNode(ctx context.Context, userID string) (*tree.Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM bonus_nodes WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrNodeNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/postgres: get node: %w", err)
	}
	return n, nil
}

func (s *Store) PutNode(ctx context.Context, n *tree.Node) error {
	if n.ID == "" {
		return bonus.ValidationError{Field: "id", Message: "required"}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO bonus_nodes (`+nodeColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    position = EXCLUDED.position,
    parent_id = EXCLUDED.parent_id,
    left_child_id = EXCLUDED.left_child_id,
    right_child_id = EXCLUDED.right_child_id,
    sponsor_id = EXCLUDED.sponsor_id,
    active_left_directs = EXCLUDED.active_left_directs,
    active_right_directs = EXCLUDED.active_right_directs,
    updated_at = EXCLUDED.updated_at`,
		n.ID, string(n.Status), string(n.Position), n.ParentID, n.LeftChildID, n.RightChildID, n.SponsorID,
		n.ActiveLeftDirects, n.ActiveRightDirects, orNow(n.CreatedAt), orNow(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("bonus/postgres: put node: %w", err)
	}
	return nil
}

func (s *Store) GetParent(ctx context.Context, userID string) (*tree.Node, error) {
	n, err := s.GetNode(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: %s has no parent", bonus.ErrNodeNotFound, userID)
	}
	return s.GetNode(ctx, n.ParentID)
}

func (s *Store) GetChild(ctx context.Context, userID string, leg tree.Leg) (*tree.Node, error) {
	n, err := s.GetNode(ctx, userID)
	if err != nil {
		return nil, err
	}
	childID := n.ChildID(leg)
	if childID == "" {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	c, err := s.GetNode(ctx, childID)
	if err != nil {
		return nil, err
	}
	if !c.IsChildOf(n) {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	return c, nil
}

// ==================== Ledger ====================

func (s *Store) GetLedger(ctx context.Context, userID string) (*ledger.Ledger, error) {
	var m ledgerModel
	err := s.pool.QueryRow(ctx, `
SELECT user_id, version, daily_closings, weekly_earnings, state, created_at, updated_at
FROM bonus_ledgers WHERE user_id = $1`, userID).
		Scan(&m.UserID, &m.Version, &m.DailyClosings, &m.WeeklyEarnings, &m.State, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrLedgerNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/postgres: get ledger: %w", err)
	}
	return fromLedgerModel(&m)
}

func (s *Store) ListUserIDs(ctx context.Context, opts ledger.ListOpts) ([]string, error) {
	q := `SELECT user_id FROM bonus_ledgers`
	switch opts.Filter {
	case ledger.FilterDailyClosings:
		q += ` WHERE daily_closings > 0`
	case ledger.FilterWeeklyEarnings:
		q += ` WHERE weekly_earnings > 0`
	}
	q += ` ORDER BY user_id` + pageClause(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: list user ids: %w", err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: list user ids: %w", err)
	}
	return userIDs, nil
}

// ==================== Payouts and volume ====================

func (s *Store) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Record, error) {
	r, err := scanPayout(s.pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM bonus_payouts WHERE id = $1`, payoutID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, payoutID)
		}
		return nil, fmt.Errorf("bonus/postgres: get payout: %w", err)
	}
	return r, nil
}

func (s *Store) ListPayouts(ctx context.Context, userID string, opts payout.ListOpts) ([]*payout.Record, error) {
	w := newWhere("user_id", userID)
	if opts.Type != "" {
		w.add("type", "=", string(opts.Type))
	}
	if opts.Status != "" {
		w.add("status", "=", string(opts.Status))
	}
	if !opts.Start.IsZero() {
		w.add("created_at", ">=", opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		w.add("created_at", "<", opts.End.UTC())
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM bonus_payouts`+w.String()+
			` ORDER BY created_at DESC, id DESC`+pageClause(opts.Limit, opts.Offset),
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: list payouts: %w", err)
	}
	defer rows.Close()

	result := make([]*payout.Record, 0)
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("bonus/postgres: list payouts: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) ListVolumeEntries(ctx context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error) {
	w := newWhere("user_id", userID)
	if opts.SourceUserID != "" {
		w.add("source_user_id", "=", opts.SourceUserID)
	}
	if opts.ReferenceID != "" {
		w.add("reference_id", "=", opts.ReferenceID)
	}
	if !opts.Start.IsZero() {
		w.add("created_at", ">=", opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		w.add("created_at", "<", opts.End.UTC())
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+volumeEntryColumns+` FROM bonus_volume_entries`+w.String()+
			` ORDER BY created_at DESC, id DESC`+pageClause(opts.Limit, opts.Offset),
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("bonus/postgres: list volume entries: %w", err)
	}
	defer rows.Close()

	result := make([]*volume.Entry, 0)
	for rows.Next() {
		e, err := scanVolumeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("bonus/postgres: list volume entries: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ==================== Commit ====================

// Commit applies c in one transaction. The ledger version is bumped only
// after the transaction committed.
func (s *Store) Commit(ctx context.Context, c *bonusstore.Commit) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return apply(ctx, tx, c)
	})
	if err != nil {
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("%w: %w", bonus.ErrTransactionFailed, err)
	}
	if c.Ledger != nil {
		c.Ledger.Version++
	}
	return nil
}

func apply(ctx context.Context, tx pgx.Tx, c *bonusstore.Commit) error {
	if l := c.Ledger; l != nil {
		m, err := toLedgerModel(l)
		if err != nil {
			return fmt.Errorf("bonus/postgres: encode ledger: %w", err)
		}

		if l.Version == 0 {
			_, err = tx.Exec(ctx, `
INSERT INTO bonus_ledgers (user_id, version, daily_closings, weekly_earnings, state, created_at, updated_at)
VALUES ($1, 1, $2, $3, $4, $5, $6)`,
				m.UserID, m.DailyClosings, m.WeeklyEarnings, m.State, m.CreatedAt, m.UpdatedAt)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: ledger %s already exists", bonus.ErrConflict, l.UserID)
			}
			if err != nil {
				return fmt.Errorf("bonus/postgres: insert ledger: %w", err)
			}
		} else {
			tag, err := tx.Exec(ctx, `
UPDATE bonus_ledgers
SET version = version + 1, daily_closings = $3, weekly_earnings = $4, state = $5, updated_at = $6
WHERE user_id = $1 AND version = $2`,
				m.UserID, m.Version, m.DailyClosings, m.WeeklyEarnings, m.State, m.UpdatedAt)
			if err != nil {
				return fmt.Errorf("bonus/postgres: update ledger: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: ledger %s version %d is stale", bonus.ErrConflict, l.UserID, l.Version)
			}
		}
	}

	if len(c.Payouts) > 0 || len(c.Entries) > 0 {
		batch := &pgx.Batch{}
		for _, r := range c.Payouts {
			m := toPayoutModel(r)
			batch.Queue(`INSERT INTO bonus_payouts (`+payoutColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				m.ID, m.UserID, m.Type, m.Status, m.Currency,
				m.Gross, m.AdminCharge, m.TDS, m.Net, m.Metadata, m.CreatedAt, m.UpdatedAt)
		}
		for _, e := range c.Entries {
			batch.Queue(`INSERT INTO bonus_volume_entries (`+volumeEntryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				e.ID.String(), e.UserID, e.SourceUserID, string(e.Leg), e.BV, e.PV, string(e.Reason), e.ReferenceID, e.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %w", bonus.ErrAlreadyExists, err)
			}
			return fmt.Errorf("bonus/postgres: insert records: %w", err)
		}
	}

	for _, t := range c.Transitions {
		tag, err := tx.Exec(ctx,
			`UPDATE bonus_payouts SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			t.ID.String(), string(t.From), string(t.To), t.At.UTC())
		if err != nil {
			return fmt.Errorf("bonus/postgres: transition payout: %w", err)
		}
		if tag.RowsAffected() > 0 {
			continue
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bonus_payouts WHERE id = $1)`, t.ID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("bonus/postgres: transition payout: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, t.ID)
		}
		return fmt.Errorf("%w: payout %s is no longer %s", bonus.ErrConflict, t.ID, t.From)
	}
	return nil
}

// ==================== Helpers ====================

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func newWhere(col string, v any) *where {
	w := &where{}
	w.add(col, "=", v)
	return w
}

func (w *where) add(col, op string, v any) {
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf("%s %s $%d", col, op, len(w.args)))
}

func (w *where) String() string {
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func pageClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isDomainError(err error) bool {
	return errors.Is(err, bonus.ErrConflict) ||
		errors.Is(err, bonus.ErrAlreadyExists) ||
		errors.Is(err, bonus.ErrPayoutNotFound)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

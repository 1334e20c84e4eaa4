// Package sqlite implements store.Store on SQLite using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	moderncsqlite "modernc.org/sqlite"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	bonusstore "github.com/xraph/bonus/store"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// Extended result codes for constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// compile-time interface check
var _ bonusstore.Store = (*Store)(nil)

// Store implements store.Store on a database/sql handle.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store on db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database file at path. Writers take the lock at BEGIN and
// wait up to five seconds for it.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bonus/sqlite: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Tree ====================

const nodeColumns = `id, status, position, parent_id, left_child_id, right_child_id, sponsor_id,
    active_left_directs, active_right_directs, created_at, updated_at`

func (s *Store) GetNode(ctx context.Context, userID string) (*tree.Node, error) {
	var (
		n                  tree.Node
		status, position   string
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM bonus_nodes WHERE id = ?`, userID).
		Scan(&n.ID, &status, &position, &n.ParentID, &n.LeftChildID, &n.RightChildID, &n.SponsorID,
			&n.ActiveLeftDirects, &n.ActiveRightDirects, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrNodeNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/sqlite: get node: %w", err)
	}
	n.Status = tree.Status(status)
	n.Position = tree.Position(position)
	n.Entity = types.Entity{CreatedAt: fromNanos(createdAt), UpdatedAt: fromNanos(updated)}
	return &n, nil
}

func (s *Store) PutNode(ctx context.Context, n *tree.Node) error {
	if n.ID == "" {
		return bonus.ValidationError{Field: "id", Message: "required"}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bonus_nodes (`+nodeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    position = excluded.position,
    parent_id = excluded.parent_id,
    left_child_id = excluded.left_child_id,
    right_child_id = excluded.right_child_id,
    sponsor_id = excluded.sponsor_id,
    active_left_directs = excluded.active_left_directs,
    active_right_directs = excluded.active_right_directs,
    updated_at = excluded.updated_at`,
		n.ID, string(n.Status), string(n.Position), n.ParentID, n.LeftChildID, n.RightChildID, n.SponsorID,
		n.ActiveLeftDirects, n.ActiveRightDirects, nanosOrNow(n.CreatedAt), nanosOrNow(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("bonus/sqlite: put node: %w", err)
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
	var (
		version            int64
		state              string
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, state, created_at, updated_at FROM bonus_ledgers WHERE user_id = ?`, userID).
		Scan(&version, &state, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrLedgerNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/sqlite: get ledger: %w", err)
	}

	var l ledger.Ledger
	if err := json.Unmarshal([]byte(state), &l); err != nil {
		return nil, fmt.Errorf("bonus/sqlite: decode ledger: %w", err)
	}
	l.UserID = userID
	l.Version = version
	l.Entity = types.Entity{CreatedAt: fromNanos(createdAt), UpdatedAt: fromNanos(updated)}
	return &l, nil
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

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("bonus/sqlite: list user ids: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("bonus/sqlite: list user ids: %w", err)
		}
		result = append(result, userID)
	}
	return result, rows.Err()
}

// ==================== Payouts and volume ====================

const payoutColumns = `id, user_id, type, status, currency, gross, admin_charge, tds, net, metadata, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayout(row scanner) (*payout.Record, error) {
	var (
		rawID, typ, status, cur, md string
		gross, admin, tds, net      int64
		createdAt, updated          int64
		r                           payout.Record
	)
	err := row.Scan(&rawID, &r.UserID, &typ, &status, &cur, &gross, &admin, &tds, &net, &md, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	payoutID, err := id.ParsePayoutID(rawID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
		return nil, err
	}
	r.ID = payoutID
	r.Type = payout.Type(typ)
	r.Status = payout.Status(status)
	r.Gross = types.Money{Amount: gross, Currency: cur}
	r.AdminCharge = types.Money{Amount: admin, Currency: cur}
	r.TDS = types.Money{Amount: tds, Currency: cur}
	r.Net = types.Money{Amount: net, Currency: cur}
	r.Entity = types.Entity{CreatedAt: fromNanos(createdAt), UpdatedAt: fromNanos(updated)}
	return &r, nil
}

func (s *Store) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Record, error) {
	r, err := scanPayout(s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM bonus_payouts WHERE id = ?`, payoutID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, payoutID)
		}
		return nil, fmt.Errorf("bonus/sqlite: get payout: %w", err)
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
	w.window(opts.Start, opts.End)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM bonus_payouts`+w.String()+
			` ORDER BY created_at DESC, id DESC`+pageClause(opts.Limit, opts.Offset),
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("bonus/sqlite: list payouts: %w", err)
	}
	defer rows.Close()

	result := make([]*payout.Record, 0)
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("bonus/sqlite: list payouts: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

const volumeEntryColumns = `id, user_id, source_user_id, leg, bv, pv, reason, reference_id, created_at`

func (s *Store) ListVolumeEntries(ctx context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error) {
	w := newWhere("user_id", userID)
	if opts.SourceUserID != "" {
		w.add("source_user_id", "=", opts.SourceUserID)
	}
	if opts.ReferenceID != "" {
		w.add("reference_id", "=", opts.ReferenceID)
	}
	w.window(opts.Start, opts.End)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+volumeEntryColumns+` FROM bonus_volume_entries`+w.String()+
			` ORDER BY created_at DESC, id DESC`+pageClause(opts.Limit, opts.Offset),
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("bonus/sqlite: list volume entries: %w", err)
	}
	defer rows.Close()

	result := make([]*volume.Entry, 0)
	for rows.Next() {
		var (
			e                  volume.Entry
			rawID, leg, reason string
			createdAt          int64
		)
		err := rows.Scan(&rawID, &e.UserID, &e.SourceUserID, &leg, &e.BV, &e.PV, &reason, &e.ReferenceID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("bonus/sqlite: list volume entries: %w", err)
		}
		if e.ID, err = id.ParseVolumeEntryID(rawID); err != nil {
			return nil, err
		}
		e.Leg = tree.Leg(leg)
		e.Reason = volume.Reason(reason)
		e.CreatedAt = fromNanos(createdAt)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// ==================== Commit ====================

// Commit applies c in one transaction. The ledger version is bumped only
// after the transaction committed.
func (s *Store) Commit(ctx context.Context, c *bonusstore.Commit) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
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

func apply(ctx context.Context, tx *sql.Tx, c *bonusstore.Commit) error {
	if l := c.Ledger; l != nil {
		state, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("bonus/sqlite: encode ledger: %w", err)
		}
		daily := l.FastTrack.DailyClosings + l.StarMatch.DailyClosings
		weekly := l.Wallet.WeeklyEarnings.Amount

		if l.Version == 0 {
			_, err = tx.ExecContext(ctx, `
INSERT INTO bonus_ledgers (user_id, version, daily_closings, weekly_earnings, state, created_at, updated_at)
VALUES (?, 1, ?, ?, ?, ?, ?)`,
				l.UserID, daily, weekly, string(state), nanosOrNow(l.CreatedAt), nanosOrNow(l.UpdatedAt))
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: ledger %s already exists", bonus.ErrConflict, l.UserID)
			}
			if err != nil {
				return fmt.Errorf("bonus/sqlite: insert ledger: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `
UPDATE bonus_ledgers
SET version = version + 1, daily_closings = ?, weekly_earnings = ?, state = ?, updated_at = ?
WHERE user_id = ? AND version = ?`,
				daily, weekly, string(state), nanosOrNow(l.UpdatedAt), l.UserID, l.Version)
			if err != nil {
				return fmt.Errorf("bonus/sqlite: update ledger: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: ledger %s version %d is stale", bonus.ErrConflict, l.UserID, l.Version)
			}
		}
	}

	for _, r := range c.Payouts {
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("bonus/sqlite: encode payout metadata: %w", err)
		}
		cur := r.Gross.Currency
		if cur == "" {
			cur = r.Net.Currency
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO bonus_payouts (`+payoutColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.UserID, string(r.Type), string(r.Status), cur,
			r.Gross.Amount, r.AdminCharge.Amount, r.TDS.Amount, r.Net.Amount, string(md),
			nanosOrNow(r.CreatedAt), nanosOrNow(r.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payout %s", bonus.ErrAlreadyExists, r.ID)
		}
		if err != nil {
			return fmt.Errorf("bonus/sqlite: insert payout: %w", err)
		}
	}

	for _, e := range c.Entries {
		_, err := tx.ExecContext(ctx, `INSERT INTO bonus_volume_entries (`+volumeEntryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.UserID, e.SourceUserID, string(e.Leg), e.BV, e.PV, string(e.Reason), e.ReferenceID,
			nanosOrNow(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("bonus/sqlite: insert volume entry: %w", err)
		}
	}

	for _, t := range c.Transitions {
		res, err := tx.ExecContext(ctx,
			`UPDATE bonus_payouts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(t.To), t.At.UnixNano(), t.ID.String(), string(t.From))
		if err != nil {
			return fmt.Errorf("bonus/sqlite: transition payout: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			continue
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bonus_payouts WHERE id = ?`, t.ID.String()).Scan(&n); err != nil {
			return fmt.Errorf("bonus/sqlite: transition payout: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, t.ID)
		}
		return fmt.Errorf("%w: payout %s is no longer %s", bonus.ErrConflict, t.ID, t.From)
	}
	return nil
}

// ==================== Helpers ====================

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck // the fn error wins
		return err
	}
	return tx.Commit()
}

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
	w.conds = append(w.conds, col+" "+op+" ?")
	w.args = append(w.args, v)
}

func (w *where) window(start, end time.Time) {
	if !start.IsZero() {
		w.add("created_at", ">=", start.UnixNano())
	}
	if !end.IsZero() {
		w.add("created_at", "<", end.UnixNano())
	}
}

func (w *where) String() string {
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func pageClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqliteConstraintPrimaryKey || se.Code() == sqliteConstraintUnique
}

func isDomainError(err error) bool {
	return errors.Is(err, bonus.ErrConflict) ||
		errors.Is(err, bonus.ErrAlreadyExists) ||
		errors.Is(err, bonus.ErrPayoutNotFound)
}

func nowNanos() int64 { return time.Now().UnixNano() }

func nanosOrNow(t time.Time) int64 {
	if t.IsZero() {
		return nowNanos()
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

package postgres

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// ==================== Node models ====================

const nodeColumns = `id, status, position, parent_id, left_child_id, right_child_id, sponsor_id,
    active_left_directs, active_right_directs, created_at, updated_at`

func scanNode(row pgx.Row) (*tree.Node, error) {
	var (
		n                  tree.Node
		status, position   string
		createdAt, updated time.Time
	)
	err := row.Scan(&n.ID, &status, &position, &n.ParentID, &n.LeftChildID, &n.RightChildID, &n.SponsorID,
		&n.ActiveLeftDirects, &n.ActiveRightDirects, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	n.Status = tree.Status(status)
	n.Position = tree.Position(position)
	n.Entity = types.Entity{CreatedAt: createdAt, UpdatedAt: updated}
	return &n, nil
}

// ==================== Ledger models ====================

// ledgerModel is the row shape of bonus_ledgers. The full ledger lives in
// State; DailyClosings and WeeklyEarnings are denormalized so the scheduled
// jobs can filter without decoding JSON.
type ledgerModel struct {
	UserID         string
	Version        int64
	DailyClosings  int
	WeeklyEarnings int64
	State          json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func toLedgerModel(l *ledger.Ledger) (*ledgerModel, error) {
	state, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return &ledgerModel{
		UserID:         l.UserID,
		Version:        l.Version,
		DailyClosings:  l.FastTrack.DailyClosings + l.StarMatch.DailyClosings,
		WeeklyEarnings: l.Wallet.WeeklyEarnings.Amount,
		State:          state,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}, nil
}

func fromLedgerModel(m *ledgerModel) (*ledger.Ledger, error) {
	var l ledger.Ledger
	if err := json.Unmarshal(m.State, &l); err != nil {
		return nil, err
	}
	l.UserID = m.UserID
	l.Version = m.Version
	l.Entity = types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
	return &l, nil
}

// ==================== Payout models ====================

const payoutColumns = `id, user_id, type, status, currency, gross, admin_charge, tds, net, metadata, created_at, updated_at`

type payoutModel struct {
	ID          string
	UserID      string
	Type        string
	Status      string
	Currency    string
	Gross       int64
	AdminCharge int64
	TDS         int64
	Net         int64
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func toPayoutModel(r *payout.Record) *payoutModel {
	md, _ := json.Marshal(r.Metadata) //nolint:errcheck // plain struct
	cur := r.Gross.Currency
	if cur == "" {
		cur = r.Net.Currency
	}
	return &payoutModel{
		ID:          r.ID.String(),
		UserID:      r.UserID,
		Type:        string(r.Type),
		Status:      string(r.Status),
		Currency:    cur,
		Gross:       r.Gross.Amount,
		AdminCharge: r.AdminCharge.Amount,
		TDS:         r.TDS.Amount,
		Net:         r.Net.Amount,
		Metadata:    md,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func scanPayout(row pgx.Row) (*payout.Record, error) {
	var m payoutModel
	err := row.Scan(&m.ID, &m.UserID, &m.Type, &m.Status, &m.Currency,
		&m.Gross, &m.AdminCharge, &m.TDS, &m.Net, &m.Metadata, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return fromPayoutModel(&m)
}

func fromPayoutModel(m *payoutModel) (*payout.Record, error) {
	payoutID, err := id.ParsePayoutID(m.ID)
	if err != nil {
		return nil, err
	}

	var md payout.Metadata
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &md); err != nil {
			return nil, err
		}
	}

	return &payout.Record{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          payoutID,
		UserID:      m.UserID,
		Type:        payout.Type(m.Type),
		Gross:       types.Money{Amount: m.Gross, Currency: m.Currency},
		AdminCharge: types.Money{Amount: m.AdminCharge, Currency: m.Currency},
		TDS:         types.Money{Amount: m.TDS, Currency: m.Currency},
		Net:         types.Money{Amount: m.Net, Currency: m.Currency},
		Status:      payout.Status(m.Status),
		Metadata:    md,
	}, nil
}

// ==================== Volume entry models ====================

const volumeEntryColumns = `id, user_id, source_user_id, leg, bv, pv, reason, reference_id, created_at`

func scanVolumeEntry(row pgx.Row) (*volume.Entry, error) {
	var (
		e                  volume.Entry
		rawID, leg, reason string
	)
	err := row.Scan(&rawID, &e.UserID, &e.SourceUserID, &leg, &e.BV, &e.PV, &reason, &e.ReferenceID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	entryID, err := id.ParseVolumeEntryID(rawID)
	if err != nil {
		return nil, err
	}
	e.ID = entryID
	e.Leg = tree.Leg(leg)
	e.Reason = volume.Reason(reason)
	return &e, nil
}

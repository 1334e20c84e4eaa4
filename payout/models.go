// Package payout defines the append-only payout ledger records and the
// charge schedule applied to gross bonuses.
package payout

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/types"
)

type Type string

const (
	TypeFastTrackBonus     Type = "fast_track_bonus"
	TypeFastTrackDeduction Type = "fast_track_deduction"
	TypeFastTrackFlashOut  Type = "fast_track_flashout"
	TypeStarMatchBonus     Type = "star_match_bonus"
	TypeStarMatchDeduction Type = "star_match_deduction"
	TypeStarMatchFlashOut  Type = "star_match_flashout"
	TypeRankBonus          Type = "rank_bonus"
	TypeWeeklyPayout       Type = "weekly_payout"
	TypeWithdrawal         Type = "withdrawal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeducted  Status = "deducted"
	StatusFlushed   Status = "flushed"
	StatusFailed    Status = "failed"
)

type Metadata struct {
	ClosingIndex int    `json:"closing_index,omitempty"`
	FlashOut     bool   `json:"flash_out,omitempty"`
	MatchedLeft  int64  `json:"matched_left,omitempty"`
	MatchedRight int64  `json:"matched_right,omitempty"`
	Rank         int    `json:"rank,omitempty"`
	Reference    string `json:"reference,omitempty"`
}

// Record is one entry of the payout ledger. Records are never edited once
// written; the only exception is a pending withdrawal being settled.
type Record struct {
	types.Entity
	ID          id.PayoutID `json:"id"`
	UserID      string      `json:"user_id"`
	Type        Type        `json:"type"`
	Gross       types.Money `json:"gross"`
	AdminCharge types.Money `json:"admin_charge"`
	TDS         types.Money `json:"tds"`
	Net         types.Money `json:"net"`
	Status      Status      `json:"status"`
	Metadata    Metadata    `json:"metadata"`
}

// New builds a record stamped at now.
func New(userID string, typ Type, status Status, b Breakdown, md Metadata, now time.Time) *Record {
	return &Record{
		Entity:      types.NewEntity(now),
		ID:          id.NewPayoutID(),
		UserID:      userID,
		Type:        typ,
		Gross:       b.Gross,
		AdminCharge: b.AdminCharge,
		TDS:         b.TDS,
		Net:         b.Net,
		Status:      status,
		Metadata:    md,
	}
}

// Transition moves a record from one status to another. The store rejects
// it with a conflict when the record is no longer in From.
type Transition struct {
	ID   id.PayoutID
	From Status
	To   Status
	At   time.Time
}

// Breakdown is a gross amount split into its charges and net.
type Breakdown struct {
	Gross       types.Money
	AdminCharge types.Money
	TDS         types.Money
	Net         types.Money
}

// Forfeit returns b with the net zeroed, as written on deduction records.
func (b Breakdown) Forfeit() Breakdown {
	b.Net = types.Zero(b.Gross.Currency)
	return b
}

// Charges are the percentages withheld from every gross bonus. Both rates
// apply to the gross amount.
type Charges struct {
	AdminRate decimal.Decimal
	TDSRate   decimal.Decimal
}

// DefaultCharges withholds a 5% admin charge and 2% TDS.
func DefaultCharges() Charges {
	return Charges{
		AdminRate: decimal.RequireFromString("0.05"),
		TDSRate:   decimal.RequireFromString("0.02"),
	}
}

// Apply splits gross into admin charge, TDS and net.
func (c Charges) Apply(gross types.Money) Breakdown {
	admin := gross.Percent(c.AdminRate)
	tds := gross.Percent(c.TDSRate)
	return Breakdown{
		Gross:       gross,
		AdminCharge: admin,
		TDS:         tds,
		Net:         gross.Subtract(admin).Subtract(tds),
	}
}

// Flat returns a breakdown with no charges, used for wallet movements.
func Flat(amount types.Money) Breakdown {
	zero := types.Zero(amount.Currency)
	return Breakdown{Gross: amount, AdminCharge: zero, TDS: zero, Net: amount}
}

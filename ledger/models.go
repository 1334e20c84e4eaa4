// Package ledger holds the per-user accumulator: leg volumes, period
// counters, wallet balances, rank and both matching state machines.
package ledger

import (
	"time"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
)

// MonthKeyLayout formats Period.MonthKey.
const MonthKeyLayout = "2006-01"

type Volume struct {
	BV int64 `json:"bv"`
	PV int64 `json:"pv"`
}

// Add returns v + o.
func (v Volume) Add(o Volume) Volume {
	return Volume{BV: v.BV + o.BV, PV: v.PV + o.PV}
}

// IsNegative reports whether either component is below zero.
func (v Volume) IsNegative() bool { return v.BV < 0 || v.PV < 0 }

// IsZero reports whether both components are zero.
func (v Volume) IsZero() bool { return v.BV == 0 && v.PV == 0 }

type Period struct {
	MonthKey string `json:"month_key"`
	MonthBV  int64  `json:"month_bv"`
	MonthPV  int64  `json:"month_pv"`
	Year     int    `json:"year"`
	YearBV   int64  `json:"year_bv"`
	YearPV   int64  `json:"year_pv"`
}

// Roll resets the month and year counters when now falls in a different
// month or year than the last recorded one.
func (p *Period) Roll(now time.Time) {
	if key := now.Format(MonthKeyLayout); p.MonthKey != key {
		p.MonthKey = key
		p.MonthBV, p.MonthPV = 0, 0
	}
	if p.Year != now.Year() {
		p.Year = now.Year()
		p.YearBV, p.YearPV = 0, 0
	}
}

// Add rolls the period to now and accumulates v.
func (p *Period) Add(v Volume, now time.Time) {
	p.Roll(now)
	p.MonthBV += v.BV
	p.MonthPV += v.PV
	p.YearBV += v.BV
	p.YearPV += v.PV
}

type Wallet struct {
	AvailableBalance  types.Money `json:"available_balance"`
	TotalEarnings     types.Money `json:"total_earnings"`
	WithdrawnAmount   types.Money `json:"withdrawn_amount"`
	PendingWithdrawal types.Money `json:"pending_withdrawal"`

	// WeeklyEarnings buffers net bonuses until the weekly sweep moves them
	// into AvailableBalance.
	WeeklyEarnings types.Money `json:"weekly_earnings"`
}

// Earn records a net bonus.
func (w *Wallet) Earn(net types.Money) {
	w.WeeklyEarnings = w.WeeklyEarnings.Add(net)
	w.TotalEarnings = w.TotalEarnings.Add(net)
}

type RankChange struct {
	ID     id.RankChangeID `json:"id"`
	From   int             `json:"from"`
	To     int             `json:"to"`
	Stars  int64           `json:"stars"`
	Forced bool            `json:"forced"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

// MatchState is the state of one matching machine. Fast Track counts PV,
// Star Matching counts stars; the shape is the same.
type MatchState struct {
	PendingLeft       int64     `json:"pending_left"`
	PendingRight      int64     `json:"pending_right"`
	CarryForwardLeft  int64     `json:"carry_forward_left"`
	CarryForwardRight int64     `json:"carry_forward_right"`
	LastClosingAt     time.Time `json:"last_closing_at"`
	DailyClosings     int       `json:"daily_closings"`

	HasCompletedFirstMatch bool `json:"has_completed_first_match"`

	// Closings counts every consumed match. BasisClosings counts every
	// bonus and deduction closing ever made and drives the deduction
	// schedule. Flash-outs do not advance it and promotions never reset it.
	Closings      int `json:"closings"`
	BasisClosings int `json:"basis_closings"`
}

// Available returns pending plus carried-forward units on leg.
func (m *MatchState) Available(leg tree.Leg) int64 {
	if leg == tree.LegLeft {
		return m.PendingLeft + m.CarryForwardLeft
	}
	return m.PendingRight + m.CarryForwardRight
}

// Credit adds units to the pending buffer on leg.
func (m *MatchState) Credit(leg tree.Leg, units int64) {
	if leg == tree.LegLeft {
		m.PendingLeft += units
		return
	}
	m.PendingRight += units
}

// Consume closes a match of left/right units: pending buffers fold into
// carry-forward minus what was matched, and the gates advance.
func (m *MatchState) Consume(left, right int64, now time.Time) {
	m.CarryForwardLeft = m.Available(tree.LegLeft) - left
	m.CarryForwardRight = m.Available(tree.LegRight) - right
	m.PendingLeft, m.PendingRight = 0, 0
	m.DailyClosings++
	m.Closings++
	m.LastClosingAt = now
	m.HasCompletedFirstMatch = true
}

type Ledger struct {
	types.Entity
	UserID string `json:"user_id"`

	// Version is bumped by the store on every committed write.
	Version int64 `json:"version"`

	LeftLeg  Volume `json:"left_leg"`
	RightLeg Volume `json:"right_leg"`
	Total    Volume `json:"total"`
	Period   Period `json:"period"`
	Wallet   Wallet `json:"wallet"`

	CurrentRank           int          `json:"current_rank"`
	RankHistory           []RankChange `json:"rank_history,omitempty"`
	CumulativeStars       int64        `json:"cumulative_stars"`
	CurrentRankMatchCount int          `json:"current_rank_match_count"`

	FastTrack MatchState `json:"fast_track"`
	StarMatch MatchState `json:"star_match"`
}

// New returns an empty ledger for userID.
func New(userID string, now time.Time) *Ledger {
	zero := types.Zero(types.DefaultCurrency)
	return &Ledger{
		Entity: types.NewEntity(now),
		UserID: userID,
		Wallet: Wallet{
			AvailableBalance:  zero,
			TotalEarnings:     zero,
			WithdrawnAmount:   zero,
			PendingWithdrawal: zero,
			WeeklyEarnings:    zero,
		},
	}
}

// Leg returns the accumulated volume on leg.
func (l *Ledger) Leg(leg tree.Leg) Volume {
	if leg == tree.LegLeft {
		return l.LeftLeg
	}
	return l.RightLeg
}

// Credit adds v to leg, the totals and the period counters. Callers check
// that the resulting leg is not negative first.
func (l *Ledger) Credit(leg tree.Leg, v Volume, now time.Time) {
	if leg == tree.LegLeft {
		l.LeftLeg = l.LeftLeg.Add(v)
	} else {
		l.RightLeg = l.RightLeg.Add(v)
	}
	l.Total = l.Total.Add(v)
	l.Period.Add(v, now)
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := *l
	if l.RankHistory != nil {
		c.RankHistory = make([]RankChange, len(l.RankHistory))
		copy(c.RankHistory, l.RankHistory)
	}
	return &c
}

package bonus

import (
	"context"
	"time"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

// MachineStatus is the display view of one matching machine.
type MachineStatus struct {
	PendingLeft            int64     `json:"pending_left"`
	PendingRight           int64     `json:"pending_right"`
	CarryForwardLeft       int64     `json:"carry_forward_left"`
	CarryForwardRight      int64     `json:"carry_forward_right"`
	AvailableLeft          int64     `json:"available_left"`
	AvailableRight         int64     `json:"available_right"`
	DailyClosings          int       `json:"daily_closings"`
	DailyCap               int       `json:"daily_cap"`
	LastClosingAt          time.Time `json:"last_closing_at,omitempty"`
	FlashWindowEndsAt      time.Time `json:"flash_window_ends_at,omitempty"`
	HasCompletedFirstMatch bool      `json:"has_completed_first_match"`
	Closings               int       `json:"closings"`
	NextClosingIndex       int       `json:"next_closing_index"`
	NextIsDeduction        bool      `json:"next_is_deduction"`
}

// BonusStatus is the read-only bonus view of one member.
type BonusStatus struct {
	UserID                string        `json:"user_id"`
	Qualified             bool          `json:"qualified"`
	Rank                  int           `json:"rank"`
	RankName              string        `json:"rank_name"`
	NextRankThreshold     int64         `json:"next_rank_threshold,omitempty"`
	CumulativeStars       int64         `json:"cumulative_stars"`
	CurrentRankMatchCount int           `json:"current_rank_match_count"`
	LeftLeg               ledger.Volume `json:"left_leg"`
	RightLeg              ledger.Volume `json:"right_leg"`
	Total                 ledger.Volume `json:"total"`
	Period                ledger.Period `json:"period"`
	Wallet                ledger.Wallet `json:"wallet"`
	FastTrack             MachineStatus `json:"fast_track"`
	StarMatch             MachineStatus `json:"star_match"`
}

// Status returns the bonus view of userID. A member with no ledger yet gets
// an empty status.
func (e *Engine) Status(ctx context.Context, userID string) (*BonusStatus, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}

	l, err := e.store.GetLedger(ctx, userID)
	if IsNotFound(err) {
		l = ledger.New(userID, e.clock())
	} else if err != nil {
		return nil, err
	}

	s := &BonusStatus{
		UserID:                userID,
		Rank:                  l.CurrentRank,
		RankName:              e.ladderRank(l.CurrentRank).Name,
		CumulativeStars:       l.CumulativeStars,
		CurrentRankMatchCount: l.CurrentRankMatchCount,
		LeftLeg:               l.LeftLeg,
		RightLeg:              l.RightLeg,
		Total:                 l.Total,
		Period:                l.Period,
		Wallet:                l.Wallet,
		FastTrack:             machineStatus(&l.FastTrack, e.fastTrack.rules),
		StarMatch:             machineStatus(&l.StarMatch, e.starMatch.rules),
	}
	if next, ok := e.ladder.Get(l.CurrentRank + 1); ok {
		s.NextRankThreshold = next.Threshold
	}

	node, err := e.store.GetNode(ctx, userID)
	switch {
	case err == nil:
		s.Qualified = node.Qualified()
	case !IsNotFound(err):
		return nil, err
	}
	return s, nil
}

func machineStatus(st *ledger.MatchState, r MatchRules) MachineStatus {
	ms := MachineStatus{
		PendingLeft:            st.PendingLeft,
		PendingRight:           st.PendingRight,
		CarryForwardLeft:       st.CarryForwardLeft,
		CarryForwardRight:      st.CarryForwardRight,
		AvailableLeft:          st.Available(tree.LegLeft),
		AvailableRight:         st.Available(tree.LegRight),
		DailyClosings:          st.DailyClosings,
		DailyCap:               r.DailyCap,
		LastClosingAt:          st.LastClosingAt,
		HasCompletedFirstMatch: st.HasCompletedFirstMatch,
		Closings:               st.Closings,
		NextClosingIndex:       st.BasisClosings + 1,
		NextIsDeduction:        r.IsDeduction(st.BasisClosings + 1),
	}
	if !st.LastClosingAt.IsZero() {
		ms.FlashWindowEndsAt = st.LastClosingAt.Add(r.FlashWindow - r.FlashBuffer)
	}
	return ms
}

// ListPayouts returns userID's payout history, newest first.
func (e *Engine) ListPayouts(ctx context.Context, userID string, opts payout.ListOpts) ([]*payout.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	return e.store.ListPayouts(ctx, userID, opts)
}

// ListVolumeEntries returns the volume credited to userID, newest first.
func (e *Engine) ListVolumeEntries(ctx context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	return e.store.ListVolumeEntries(ctx, userID, opts)
}

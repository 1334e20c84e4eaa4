package bonus

import (
	"context"
	"fmt"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
)

// Outcome is the result of one matcher evaluation.
type Outcome string

const (
	OutcomeMatched         Outcome = "matched"
	OutcomeDeducted        Outcome = "deducted"
	OutcomeFlashedOut      Outcome = "flashed_out"
	OutcomeNotQualified    Outcome = "not_qualified"
	OutcomeDailyCapReached Outcome = "daily_cap_reached"
	OutcomeNoVolume        Outcome = "no_volume"
	OutcomeRatioUnmet      Outcome = "ratio_unmet"
)

// Consumed reports whether the outcome closed a match and wrote a record.
func (o Outcome) Consumed() bool {
	return o == OutcomeMatched || o == OutcomeDeducted || o == OutcomeFlashedOut
}

// MatchResult describes one evaluation of a matching machine.
type MatchResult struct {
	UserID       string         `json:"user_id"`
	Machine      string         `json:"machine"`
	Outcome      Outcome        `json:"outcome"`
	MatchedLeft  int64          `json:"matched_left,omitempty"`
	MatchedRight int64          `json:"matched_right,omitempty"`
	ClosingIndex int            `json:"closing_index,omitempty"`
	Payout       *payout.Record `json:"payout,omitempty"`
	Promotion    *Promotion     `json:"promotion,omitempty"`
}

// EvaluateFastTrack runs the Fast Track matcher for userID against the PV
// already buffered on its ledger.
func (e *Engine) EvaluateFastTrack(ctx context.Context, userID string) (*MatchResult, error) {
	return e.evaluateStandalone(ctx, userID, e.fastTrack)
}

// EvaluateStarMatch runs the Star matcher for userID against the stars
// already buffered on its ledger. Promotions it causes grant stars upline.
func (e *Engine) EvaluateStarMatch(ctx context.Context, userID string) (*MatchResult, error) {
	return e.evaluateStandalone(ctx, userID, e.starMatch)
}

func (e *Engine) evaluateStandalone(ctx context.Context, userID string, m machine) (*MatchResult, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	node, err := e.store.GetNode(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s for %s: %w", m.name, userID, err)
	}

	var res *MatchResult
	u, err := e.mutate(ctx, userID, func(u *unit) error {
		res = e.evaluate(u, node, m)
		if !res.Outcome.Consumed() {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.drainGrants(ctx, u.grants); err != nil {
		return res, err
	}
	return res, nil
}

// evaluate runs one matcher step on u's ledger. It never errors: every
// rejection is an outcome, and rejected evaluations leave state untouched.
func (e *Engine) evaluate(u *unit, node *tree.Node, m machine) *MatchResult {
	l := u.ledger
	st := e.state(l, m)
	res := &MatchResult{UserID: l.UserID, Machine: m.name}

	defer func() {
		outcome := string(res.Outcome)
		u.onCommit(func(ctx context.Context) {
			e.plugins.EmitMatchEvaluated(ctx, res.UserID, m.name, outcome)
		})
	}()

	if !node.Qualified() {
		res.Outcome = OutcomeNotQualified
		return res
	}
	if st.DailyClosings >= m.rules.DailyCap {
		res.Outcome = OutcomeDailyCapReached
		return res
	}

	left, right, outcome := pickMatch(st, m.rules)
	if outcome != "" {
		res.Outcome = outcome
		return res
	}
	res.MatchedLeft, res.MatchedRight = left, right

	md := payout.Metadata{MatchedLeft: left, MatchedRight: right, Rank: l.CurrentRank}

	if m.rules.flashedOut(st.LastClosingAt, u.now) {
		md.FlashOut = true
		b := payout.Flat(m.rules.GrossPerMatch).Forfeit()
		rec := payout.New(l.UserID, m.flashOutType, payout.StatusFlushed, b, md, u.now)
		st.Consume(left, right, u.now)
		e.closed(u, m, res, rec, OutcomeFlashedOut)
		return res
	}

	st.BasisClosings++
	l.CurrentRankMatchCount++
	idx := st.BasisClosings
	md.ClosingIndex = idx
	res.ClosingIndex = idx
	b := e.charges.Apply(m.rules.GrossPerMatch)

	if m.rules.IsDeduction(idx) {
		rec := payout.New(l.UserID, m.deductionType, payout.StatusDeducted, b.Forfeit(), md, u.now)
		st.Consume(left, right, u.now)
		e.closed(u, m, res, rec, OutcomeDeducted)
		if m.rules.ForcePromotionAt > 0 && idx == m.rules.ForcePromotionAt {
			res.Promotion = e.forceUpgrade(u, fmt.Sprintf("%s closing %d", m.name, idx))
		}
		return res
	}

	rec := payout.New(l.UserID, m.bonusType, payout.StatusCompleted, b, md, u.now)
	st.Consume(left, right, u.now)
	l.Wallet.Earn(b.Net)
	e.closed(u, m, res, rec, OutcomeMatched)

	if m.name == MachineStarMatch {
		l.CumulativeStars += min(left, right)
		res.Promotion = e.evaluateRank(u)
	}
	return res
}

func (e *Engine) state(l *ledger.Ledger, m machine) *ledger.MatchState {
	if m.name == MachineStarMatch {
		return &l.StarMatch
	}
	return &l.FastTrack
}

func (e *Engine) closed(u *unit, m machine, res *MatchResult, rec *payout.Record, outcome Outcome) {
	res.Outcome = outcome
	res.Payout = rec
	u.record(rec)

	e.logger.Info("match closed",
		"user_id", rec.UserID,
		"machine", m.name,
		"outcome", outcome,
		"closing_index", rec.Metadata.ClosingIndex,
		"matched_left", rec.Metadata.MatchedLeft,
		"matched_right", rec.Metadata.MatchedRight,
		"net", rec.Net.String(),
	)

	u.onCommit(func(ctx context.Context) {
		e.plugins.EmitPayoutRecorded(ctx, rec)
		e.plugins.EmitMatchClosed(ctx, m.name, rec)
	})
}

// pickMatch decides how many units each side gives up. A non-empty outcome
// means nothing can be matched.
//
// The first match needs a ratio:1 or 1:ratio split. When both fit the side
// with more available volume gives the larger share; a tie goes to the
// left. Later matches take exactly one unit from each side.
func pickMatch(st *ledger.MatchState, r MatchRules) (left, right int64, outcome Outcome) {
	availL := st.Available(tree.LegLeft)
	availR := st.Available(tree.LegRight)
	if availL <= 0 || availR <= 0 {
		return 0, 0, OutcomeNoVolume
	}

	unit := r.Unit
	if st.HasCompletedFirstMatch {
		if availL >= unit && availR >= unit {
			return unit, unit, ""
		}
		return 0, 0, OutcomeRatioUnmet
	}

	heavy := r.FirstMatchRatio * unit
	leftHeavy := availL >= heavy && availR >= unit
	rightHeavy := availR >= heavy && availL >= unit

	switch {
	case leftHeavy && rightHeavy:
		if availL >= availR {
			return heavy, unit, ""
		}
		return unit, heavy, ""
	case leftHeavy:
		return heavy, unit, ""
	case rightHeavy:
		return unit, heavy, ""
	}
	return 0, 0, OutcomeRatioUnmet
}

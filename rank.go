package bonus

import (
	"context"
	"fmt"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/rank"
	"github.com/xraph/bonus/tree"
)

// Promotion describes one committed rank change.
type Promotion struct {
	UserID       string         `json:"user_id"`
	From         int            `json:"from"`
	To           int            `json:"to"`
	Forced       bool           `json:"forced"`
	Bonus        *payout.Record `json:"bonus,omitempty"`
	StarsGranted int64          `json:"stars_granted"`
}

// starGrant is a pending upline credit produced by a promotion.
type starGrant struct {
	fromUserID string
	stars      int64
}

// EvaluateRank promotes userID to the highest rank its cumulative stars
// reach, if that is above its current rank. It returns nil when nothing
// changed.
func (e *Engine) EvaluateRank(ctx context.Context, userID string) (*Promotion, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}

	var p *Promotion
	u, err := e.mutate(ctx, userID, func(u *unit) error {
		p = e.evaluateRank(u)
		if p == nil {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.drainGrants(ctx, u.grants); err != nil {
		return p, err
	}
	return p, nil
}

// ForceUpgrade promotes userID one rank (or to the configured forced target)
// regardless of stars. At the top rank it is a no-op and returns nil.
func (e *Engine) ForceUpgrade(ctx context.Context, userID, reason string) (*Promotion, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}

	var p *Promotion
	u, err := e.mutate(ctx, userID, func(u *unit) error {
		p = e.forceUpgrade(u, reason)
		if p == nil {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.drainGrants(ctx, u.grants); err != nil {
		return p, err
	}
	return p, nil
}

func (e *Engine) evaluateRank(u *unit) *Promotion {
	target := e.ladder.ForStars(u.ledger.CumulativeStars)
	if target <= u.ledger.CurrentRank {
		return nil
	}
	return e.promote(u, target, false, "stars")
}

func (e *Engine) forceUpgrade(u *unit, reason string) *Promotion {
	current := u.ledger.CurrentRank
	if current >= e.ladder.Top() {
		return nil
	}
	target := current + 1
	if e.forceRank > target && e.forceRank <= e.ladder.Top() {
		target = e.forceRank
	}
	return e.promote(u, target, true, reason)
}

// promote moves u's ledger to level to. It pays the rank bonus, resets the
// rank match counter and queues the upline star grant. The closing basis
// of both matchers is lifetime and survives the promotion.
func (e *Engine) promote(u *unit, to int, forced bool, reason string) *Promotion {
	l := u.ledger
	from := l.CurrentRank
	r, _ := e.ladder.Get(to)

	change := ledger.RankChange{
		ID:     id.NewRankChangeID(),
		From:   from,
		To:     to,
		Stars:  l.CumulativeStars,
		Forced: forced,
		Reason: reason,
		At:     u.now,
	}
	l.CurrentRank = to
	l.RankHistory = append(l.RankHistory, change)
	l.CurrentRankMatchCount = 0

	p := &Promotion{UserID: l.UserID, From: from, To: to, Forced: forced}

	if r.Bonus.IsPositive() {
		b := e.charges.Apply(r.Bonus)
		rec := payout.New(l.UserID, payout.TypeRankBonus, payout.StatusCompleted, b,
			payout.Metadata{Rank: to, Reference: change.ID.String()}, u.now)
		l.Wallet.Earn(b.Net)
		u.record(rec)
		p.Bonus = rec
		u.onCommit(func(ctx context.Context) {
			e.plugins.EmitPayoutRecorded(ctx, rec)
		})
	}

	if stars := e.ladder.Grant(e.grantMode, from, to); stars > 0 {
		p.StarsGranted = stars
		u.grants = append(u.grants, starGrant{fromUserID: l.UserID, stars: stars})
	}

	e.logger.Info("rank promoted",
		"user_id", l.UserID,
		"from", e.ladder.Name(from),
		"to", r.Name,
		"forced", forced,
		"reason", reason,
		"stars", l.CumulativeStars,
	)

	u.onCommit(func(ctx context.Context) {
		e.plugins.EmitRankPromoted(ctx, l.UserID, &change)
	})
	return p
}

// drainGrants delivers queued star grants one upline hop at a time. Each
// delivery is its own critical section on the receiving user; any
// promotion it causes appends further grants to the queue.
func (e *Engine) drainGrants(ctx context.Context, queue []starGrant) ([]*MatchResult, error) {
	var results []*MatchResult
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		g := queue[0]
		queue = queue[1:]

		target, leg, err := e.nearestActiveAncestor(ctx, g.fromUserID)
		if IsNotFound(err) {
			e.logger.Debug("star grant has no active upline",
				"from_user_id", g.fromUserID,
				"stars", g.stars,
			)
			continue
		}
		if err != nil {
			return results, err
		}

		var res *MatchResult
		u, err := e.mutate(ctx, target.ID, func(u *unit) error {
			u.ledger.StarMatch.Credit(leg, g.stars)
			res = e.evaluate(u, target, e.starMatch)
			return nil
		})
		if err != nil {
			return results, fmt.Errorf("grant %d stars from %s to %s: %w", g.stars, g.fromUserID, target.ID, err)
		}

		e.plugins.EmitStarsGranted(ctx, g.fromUserID, target.ID, leg, g.stars)
		results = append(results, res)
		queue = append(queue, u.grants...)
	}
	return results, nil
}

// nearestActiveAncestor walks up from userID to the first active ancestor
// and returns it with the leg the walk arrived on.
func (e *Engine) nearestActiveAncestor(ctx context.Context, userID string) (*tree.Node, tree.Leg, error) {
	child, err := e.store.GetNode(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	visited := map[string]struct{}{child.ID: {}}
	for hops := 0; ; hops++ {
		if hops >= e.maxHops {
			return nil, "", fmt.Errorf("%w: more than %d hops above %s", ErrTreeCycle, e.maxHops, userID)
		}
		parent, err := e.store.GetParent(ctx, child.ID)
		if err != nil {
			return nil, "", err
		}
		if _, seen := visited[parent.ID]; seen {
			return nil, "", fmt.Errorf("%w: %s revisited above %s", ErrTreeCycle, parent.ID, userID)
		}
		visited[parent.ID] = struct{}{}

		leg, ok := parent.LegOf(child)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s is not attached under %s", ErrNodeNotFound, child.ID, parent.ID)
		}
		if parent.IsActive() {
			return parent, leg, nil
		}
		child = parent
	}
}

// ladderRank is a convenience for status views.
func (e *Engine) ladderRank(level int) rank.Rank {
	r, _ := e.ladder.Get(level)
	return r
}

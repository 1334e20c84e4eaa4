package bonus

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

// PropagateInput is one volume event raised by a sale or activation.
type PropagateInput struct {
	// UserID is the member whose purchase generated the volume. Their own
	// ledger is not credited; the walk starts at their parent.
	UserID string `json:"user_id"`

	// Leg optionally names the side UserID sits on under its parent. It is
	// only consulted when the tree cannot tell.
	Leg tree.Leg `json:"leg,omitempty"`

	BV          int64         `json:"bv"`
	PV          int64         `json:"pv"`
	Reason      volume.Reason `json:"reason"`
	ReferenceID string        `json:"reference_id,omitempty"`
}

// StopReason says why a propagation walk ended.
type StopReason string

const (
	StopRoot     StopReason = "root"
	StopNotFound StopReason = "not_found"
)

// Credit is one ancestor a propagation credited.
type Credit struct {
	UserID    string       `json:"user_id"`
	Leg       tree.Leg     `json:"leg"`
	EntryID   string       `json:"entry_id"`
	FastTrack *MatchResult `json:"fast_track,omitempty"`
}

// PropagationResult summarizes one Propagate call.
type PropagationResult struct {
	SourceUserID string         `json:"source_user_id"`
	Credited     []Credit       `json:"credited"`
	StarMatches  []*MatchResult `json:"star_matches,omitempty"`
	StopReason   StopReason     `json:"stop_reason"`
	StoppedAt    string         `json:"stopped_at,omitempty"`

	// Skipped lists ancestors passed over without a credit: inactive ones,
	// and ones whose child pointers do not say which side the walk came up.
	Skipped []string `json:"skipped,omitempty"`
}

func (in PropagateInput) validate() error {
	if in.UserID == "" {
		return ValidationError{Field: "user_id", Message: "required"}
	}
	if in.Leg != "" && !in.Leg.Valid() {
		return ValidationError{Field: "leg", Message: fmt.Sprintf("unknown leg %q", in.Leg)}
	}
	if in.BV == 0 && in.PV == 0 {
		return ValidationError{Field: "volume", Message: "bv or pv must be non-zero"}
	}
	if in.Reason == "" {
		return ValidationError{Field: "reason", Message: "required"}
	}
	if !in.Reason.Valid() {
		return ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", in.Reason)}
	}
	return nil
}

// Propagate walks up from in.UserID's parent and credits BV and PV to every
// active ancestor on the leg the walk arrived from. Inactive and blocked
// ancestors are skipped without ending the walk. Each ancestor is credited
// in its own critical section together with its Fast Track evaluation, so
// an error part-way up leaves the ancestors below it committed.
func (e *Engine) Propagate(ctx context.Context, in PropagateInput) (*PropagationResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	child, err := e.store.GetNode(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("propagate from %s: %w", in.UserID, err)
	}

	res := &PropagationResult{SourceUserID: in.UserID}
	defer func() {
		e.plugins.EmitPropagated(ctx, in.UserID, len(res.Credited), len(res.Skipped), time.Since(start))
	}()

	vol := ledger.Volume{BV: in.BV, PV: in.PV}
	visited := map[string]struct{}{child.ID: {}}

	for hops := 0; ; hops++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if hops >= e.maxHops {
			return res, fmt.Errorf("%w: more than %d hops above %s", ErrTreeCycle, e.maxHops, in.UserID)
		}

		if child.IsRoot() {
			res.StopReason = StopRoot
			res.StoppedAt = child.ID
			break
		}
		parent, err := e.store.GetParent(ctx, child.ID)
		if IsNotFound(err) {
			res.StopReason = StopNotFound
			res.StoppedAt = child.ID
			break
		}
		if err != nil {
			return res, err
		}

		if _, seen := visited[parent.ID]; seen {
			return res, fmt.Errorf("%w: %s revisited above %s", ErrTreeCycle, parent.ID, in.UserID)
		}
		visited[parent.ID] = struct{}{}

		leg, ok := parent.LegOf(child)
		if !ok && child.ID == in.UserID && in.Leg != "" {
			leg, ok = in.Leg, true
		}
		if !ok {
			e.logger.Warn("skipping ancestor with no slot for child",
				"source_user_id", in.UserID,
				"child", child.ID,
				"parent", parent.ID,
			)
			res.Skipped = append(res.Skipped, parent.ID)
			child = parent
			continue
		}

		if !parent.IsActive() {
			e.logger.Debug("skipping inactive ancestor",
				"user_id", parent.ID,
				"status", parent.Status,
			)
			res.Skipped = append(res.Skipped, parent.ID)
			child = parent
			continue
		}

		credit, grants, err := e.credit(ctx, parent, leg, vol, in)
		if err != nil {
			return res, err
		}
		res.Credited = append(res.Credited, credit)

		stars, err := e.drainGrants(ctx, grants)
		res.StarMatches = append(res.StarMatches, stars...)
		if err != nil {
			return res, err
		}

		child = parent
	}

	e.logger.Debug("propagation finished",
		"source_user_id", in.UserID,
		"credited", len(res.Credited),
		"skipped", len(res.Skipped),
		"stop_reason", res.StopReason,
	)
	return res, nil
}

// credit applies vol to one ancestor and runs its Fast Track evaluation in
// the same critical section.
func (e *Engine) credit(ctx context.Context, node *tree.Node, leg tree.Leg, vol ledger.Volume, in PropagateInput) (Credit, []starGrant, error) {
	c := Credit{UserID: node.ID, Leg: leg}

	u, err := e.mutate(ctx, node.ID, func(u *unit) error {
		l := u.ledger
		if l.Leg(leg).Add(vol).IsNegative() {
			return fmt.Errorf("%w: %s %s leg", ErrNegativeVolume, node.ID, leg)
		}
		l.Credit(leg, vol, u.now)

		entry := &volume.Entry{
			ID:           id.NewVolumeEntryID(),
			UserID:       node.ID,
			SourceUserID: in.UserID,
			Leg:          leg,
			BV:           vol.BV,
			PV:           vol.PV,
			Reason:       in.Reason,
			ReferenceID:  in.ReferenceID,
			CreatedAt:    u.now,
		}
		u.entries = append(u.entries, entry)
		c.EntryID = entry.ID.String()
		c.FastTrack = nil
		u.onCommit(func(ctx context.Context) {
			e.plugins.EmitVolumeCredited(ctx, entry)
		})

		if vol.PV > 0 {
			l.FastTrack.Credit(leg, vol.PV)
			c.FastTrack = e.evaluate(u, node, e.fastTrack)
		}
		return nil
	})
	if err != nil {
		return c, nil, err
	}
	return c, u.grants, nil
}

// Package tree models the binary placement tree the engine walks.
//
// Nodes reference each other by user identity only; none of the pointers
// imply ownership. Placement (creating nodes, filling slots, maintaining the
// active-direct counters) belongs to the host application.
package tree

import (
	"github.com/xraph/bonus/types"
)

// Status is the membership state of a node.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBlocked  Status = "blocked"
)

// Position is where a node sits under its parent.
type Position string

const (
	PositionLeft  Position = "left"
	PositionRight Position = "right"
	PositionRoot  Position = "root"
)

// Leg is a side of the tree relative to an ancestor.
type Leg string

const (
	LegLeft  Leg = "left"
	LegRight Leg = "right"
)

// Valid reports whether l names a side.
func (l Leg) Valid() bool { return l == LegLeft || l == LegRight }

// Opposite returns the other side.
func (l Leg) Opposite() Leg {
	if l == LegLeft {
		return LegRight
	}
	return LegLeft
}

// Leg converts a left/right position into a Leg. Root has no leg.
func (p Position) Leg() (Leg, bool) {
	switch p {
	case PositionLeft:
		return LegLeft, true
	case PositionRight:
		return LegRight, true
	default:
		return "", false
	}
}

// Node is one member of the placement tree.
type Node struct {
	types.Entity
	ID           string   `json:"id"`
	Status       Status   `json:"status"`
	Position     Position `json:"position"`
	ParentID     string   `json:"parent_id,omitempty"`
	LeftChildID  string   `json:"left_child_id,omitempty"`
	RightChildID string   `json:"right_child_id,omitempty"`
	SponsorID    string   `json:"sponsor_id,omitempty"`

	// Active directly-sponsored members on each leg. Maintained by placement;
	// the matchers only read them.
	ActiveLeftDirects  int `json:"active_left_directs"`
	ActiveRightDirects int `json:"active_right_directs"`
}

// IsActive reports whether the node accumulates volume.
func (n *Node) IsActive() bool { return n.Status == StatusActive }

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// Qualified reports whether the node has at least one active direct on
// both legs, the precondition for any matching.
func (n *Node) Qualified() bool {
	return n.ActiveLeftDirects > 0 && n.ActiveRightDirects > 0
}

// ChildID returns the child pointer stored for a leg.
func (n *Node) ChildID(leg Leg) string {
	if leg == LegLeft {
		return n.LeftChildID
	}
	return n.RightChildID
}

// LegOf resolves which of n's legs child hangs under. The child's own
// position wins; a root-positioned or unset child falls back to n's child
// pointers. ok is false when child is not attached to n at all.
func (n *Node) LegOf(child *Node) (Leg, bool) {
	if child.ParentID != n.ID {
		return "", false
	}
	if leg, ok := child.Position.Leg(); ok {
		return leg, true
	}
	switch child.ID {
	case n.LeftChildID:
		return LegLeft, true
	case n.RightChildID:
		return LegRight, true
	}
	return "", false
}

package tree

import "context"

// Store is the read/write contract for the placement tree. Lookups that miss
// return bonus.ErrNodeNotFound.
type Store interface {
	GetNode(ctx context.Context, userID string) (*Node, error)
	PutNode(ctx context.Context, n *Node) error

	// GetParent returns the parent of userID. The root, or a parent pointer
	// that dangles, yields a not-found error.
	GetParent(ctx context.Context, userID string) (*Node, error)

	// GetChild returns the child on leg. A free slot, or a child pointer
	// whose target does not point back, yields a not-found error.
	GetChild(ctx context.Context, userID string, leg Leg) (*Node, error)
}

// IsChildOf reports whether n is a live child of parent: parent holds a
// pointer to n and n's parent pointer agrees.
func (n *Node) IsChildOf(parent *Node) bool {
	if n.ParentID != parent.ID {
		return false
	}
	return parent.LeftChildID == n.ID || parent.RightChildID == n.ID
}

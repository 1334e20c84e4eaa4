package bonus

import (
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
)

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Leg is re-exported from tree package.
type Leg = tree.Leg

// Re-export Money constructors
var (
	INR    = types.INR
	Rupees = types.Rupees
	Zero   = types.Zero
	Sum    = types.Sum
)

// Re-export leg constants
const (
	LegLeft  = tree.LegLeft
	LegRight = tree.LegRight
)

package bonus

import (
	"fmt"
	"slices"
	"time"

	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/types"
)

// MatchRules configures one matching machine.
type MatchRules struct {
	// Unit is the volume (PV or stars) one side of a 1:1 match consumes.
	Unit int64

	// GrossPerMatch is paid for every closing, before charges.
	GrossPerMatch types.Money

	// FirstMatchRatio is the heavy side multiple of the first match:
	// 2 means 2:1 or 1:2. Later matches are always 1:1.
	FirstMatchRatio int64

	DailyCap int

	// A closing less than FlashWindow minus FlashBuffer after the previous
	// one is flashed out.
	FlashWindow time.Duration
	FlashBuffer time.Duration

	// DeductionClosings lists the basis closing indexes whose net is
	// forfeited.
	DeductionClosings []int

	// ForcePromotionAt is the basis closing index that forces a promotion.
	// Zero disables it.
	ForcePromotionAt int
}

// DefaultFastTrackRules returns the Fast Track defaults: 500 PV units,
// ₹500 per match, 2:1 first match, 6 closings a day, a 4 hour flash window
// with a one minute buffer, deductions on closings 3, 6, 9 and 12 and a
// forced promotion on closing 12.
func DefaultFastTrackRules() MatchRules {
	return MatchRules{
		Unit:              500,
		GrossPerMatch:     types.Rupees(500),
		FirstMatchRatio:   2,
		DailyCap:          6,
		FlashWindow:       4 * time.Hour,
		FlashBuffer:       time.Minute,
		DeductionClosings: []int{3, 6, 9, 12},
		ForcePromotionAt:  12,
	}
}

// DefaultStarMatchRules returns the Star Matching defaults: one star per
// unit and ₹1,000 per match, with no forced promotion.
func DefaultStarMatchRules() MatchRules {
	return MatchRules{
		Unit:              1,
		GrossPerMatch:     types.Rupees(1_000),
		FirstMatchRatio:   2,
		DailyCap:          6,
		FlashWindow:       4 * time.Hour,
		FlashBuffer:       time.Minute,
		DeductionClosings: []int{3, 6, 9, 12},
	}
}

// Validate checks the rules for values the matcher cannot run with.
func (r MatchRules) Validate() error {
	switch {
	case r.Unit <= 0:
		return ValidationError{Field: "unit", Message: "must be positive"}
	case r.FirstMatchRatio < 1:
		return ValidationError{Field: "first_match_ratio", Message: "must be at least 1"}
	case r.DailyCap <= 0:
		return ValidationError{Field: "daily_cap", Message: "must be positive"}
	case r.GrossPerMatch.IsNegative():
		return ValidationError{Field: "gross_per_match", Message: "must not be negative"}
	case r.GrossPerMatch.Currency != types.DefaultCurrency:
		return ValidationError{Field: "gross_per_match", Message: fmt.Sprintf("currency %q, wallets settle in %q", r.GrossPerMatch.Currency, types.DefaultCurrency)}
	case r.FlashWindow < 0 || r.FlashBuffer < 0:
		return ValidationError{Field: "flash_window", Message: "must not be negative"}
	case r.ForcePromotionAt < 0:
		return ValidationError{Field: "force_promotion_at", Message: "must not be negative"}
	}
	for _, idx := range r.DeductionClosings {
		if idx <= 0 {
			return ValidationError{Field: "deduction_closings", Message: fmt.Sprintf("index %d must be positive", idx)}
		}
	}
	return nil
}

// IsDeduction reports whether basis closing idx forfeits its net.
func (r MatchRules) IsDeduction(idx int) bool {
	return slices.Contains(r.DeductionClosings, idx)
}

// flashedOut reports whether a closing at now falls inside the flash window
// that opened at last.
func (r MatchRules) flashedOut(last, now time.Time) bool {
	if last.IsZero() || r.FlashWindow <= 0 {
		return false
	}
	return now.Sub(last) < r.FlashWindow-r.FlashBuffer
}

// machine binds rules to the ledger state and record types of one matcher.
type machine struct {
	name          string
	rules         MatchRules
	bonusType     payout.Type
	deductionType payout.Type
	flashOutType  payout.Type
}

const (
	MachineFastTrack = "fast_track"
	MachineStarMatch = "star_match"
)

func newFastTrack(r MatchRules) machine {
	return machine{
		name:          MachineFastTrack,
		rules:         r,
		bonusType:     payout.TypeFastTrackBonus,
		deductionType: payout.TypeFastTrackDeduction,
		flashOutType:  payout.TypeFastTrackFlashOut,
	}
}

func newStarMatch(r MatchRules) machine {
	return machine{
		name:          MachineStarMatch,
		rules:         r,
		bonusType:     payout.TypeStarMatchBonus,
		deductionType: payout.TypeStarMatchDeduction,
		flashOutType:  payout.TypeStarMatchFlashOut,
	}
}

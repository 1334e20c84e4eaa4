// Package rank defines the rank ladder promotions climb and how stars are
// granted upline when a member is promoted.
package rank

import (
	"errors"
	"fmt"

	"github.com/xraph/bonus/types"
)

// Unranked is the level every member starts at.
const Unranked = 0

type Rank struct {
	Level     int         `json:"level" yaml:"level"`
	Name      string      `json:"name" yaml:"name"`
	Threshold int64       `json:"threshold" yaml:"threshold"`
	Bonus     types.Money `json:"bonus" yaml:"-"`
	StarGrant int64       `json:"star_grant" yaml:"star_grant"`
}

// GrantMode selects how many stars a promotion sends upline.
type GrantMode string

const (
	// GrantDelta sends the difference between the new and old thresholds.
	GrantDelta GrantMode = "delta"
	// GrantFixed sends the StarGrant of every rank crossed.
	GrantFixed GrantMode = "fixed"
)

// Ladder is ordered by level; index 0 is the unranked entry.
type Ladder []Rank

// DefaultLadder returns the stock eight-rank ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Level: 0, Name: "Unranked"},
		{Level: 1, Name: "Star Achiever", Threshold: 1, Bonus: types.Rupees(1_000), StarGrant: 1},
		{Level: 2, Name: "Bronze", Threshold: 3, Bonus: types.Rupees(2_500), StarGrant: 1},
		{Level: 3, Name: "Silver", Threshold: 7, Bonus: types.Rupees(5_000), StarGrant: 2},
		{Level: 4, Name: "Gold", Threshold: 15, Bonus: types.Rupees(10_000), StarGrant: 2},
		{Level: 5, Name: "Platinum", Threshold: 31, Bonus: types.Rupees(25_000), StarGrant: 3},
		{Level: 6, Name: "Diamond", Threshold: 63, Bonus: types.Rupees(50_000), StarGrant: 3},
		{Level: 7, Name: "Double Diamond", Threshold: 127, Bonus: types.Rupees(1_00_000), StarGrant: 4},
		{Level: 8, Name: "Crown", Threshold: 255, Bonus: types.Rupees(2_50_000), StarGrant: 5},
	}
}

// Validate checks that levels are contiguous from zero, thresholds strictly
// increase and bonuses are paid in the wallet currency.
func (l Ladder) Validate() error {
	if len(l) < 2 {
		return errors.New("rank: ladder needs at least one rank above unranked")
	}
	for i, r := range l {
		if r.Level != i {
			return fmt.Errorf("rank: level %d at index %d", r.Level, i)
		}
		if i == 0 {
			if r.Threshold != 0 {
				return errors.New("rank: unranked threshold must be zero")
			}
			continue
		}
		if r.Threshold <= l[i-1].Threshold {
			return fmt.Errorf("rank: threshold of %q must exceed %q", r.Name, l[i-1].Name)
		}
		if r.Bonus.IsNegative() || r.StarGrant < 0 {
			return fmt.Errorf("rank: %q has a negative bonus or grant", r.Name)
		}
		if !r.Bonus.IsZero() && r.Bonus.Currency != types.DefaultCurrency {
			return fmt.Errorf("rank: %q bonus is in %q, wallets settle in %q", r.Name, r.Bonus.Currency, types.DefaultCurrency)
		}
	}
	return nil
}

// Top returns the highest level.
func (l Ladder) Top() int { return len(l) - 1 }

// Get returns the rank at level.
func (l Ladder) Get(level int) (Rank, bool) {
	if level < 0 || level >= len(l) {
		return Rank{}, false
	}
	return l[level], true
}

// Name returns the display name of level, or "" when out of range.
func (l Ladder) Name(level int) string {
	r, _ := l.Get(level)
	return r.Name
}

// ForStars returns the highest level whose threshold is at most stars.
func (l Ladder) ForStars(stars int64) int {
	level := Unranked
	for i := 1; i < len(l); i++ {
		if l[i].Threshold > stars {
			break
		}
		level = i
	}
	return level
}

// Grant returns the stars a promotion from one level to another sends
// upline under mode.
func (l Ladder) Grant(mode GrantMode, from, to int) int64 {
	if to <= from || to >= len(l) || from < 0 {
		return 0
	}
	if mode == GrantFixed {
		var sum int64
		for i := from + 1; i <= to; i++ {
			sum += l[i].StarGrant
		}
		return sum
	}
	return l[to].Threshold - l[from].Threshold
}

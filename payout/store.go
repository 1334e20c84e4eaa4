package payout

import "time"

type ListOpts struct {
	Type   Type
	Status Status
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}

// Match reports whether r passes the filters in opts. Limit and Offset are
// applied by the caller.
func (o ListOpts) Match(r *Record) bool {
	if o.Type != "" && r.Type != o.Type {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	if !o.Start.IsZero() && r.CreatedAt.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && !r.CreatedAt.Before(o.End) {
		return false
	}
	return true
}

package volume

import "time"

type ListOpts struct {
	SourceUserID string
	ReferenceID  string
	Start        time.Time
	End          time.Time
	Limit        int
	Offset       int
}

// Match reports whether e passes the filters in opts.
func (o ListOpts) Match(e *Entry) bool {
	if o.SourceUserID != "" && e.SourceUserID != o.SourceUserID {
		return false
	}
	if o.ReferenceID != "" && e.ReferenceID != o.ReferenceID {
		return false
	}
	if !o.Start.IsZero() && e.CreatedAt.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && !e.CreatedAt.Before(o.End) {
		return false
	}
	return true
}

package ledger

// Filter narrows ListUserIDs to ledgers a scheduled job has work for.
type Filter string

const (
	FilterAll            Filter = ""
	FilterDailyClosings  Filter = "daily_closings"
	FilterWeeklyEarnings Filter = "weekly_earnings"
)

type ListOpts struct {
	Filter Filter
	Limit  int
	Offset int
}

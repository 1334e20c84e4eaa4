package audithook

// Action constants for audit events.
const (
	// Volume actions
	ActionVolumeCredited   = "volume.credited"
	ActionVolumePropagated = "volume.propagated"

	// Matching actions
	ActionMatchClosed     = "match.closed"
	ActionMatchDeducted   = "match.deducted"
	ActionMatchFlashedOut = "match.flashed_out"

	// Rank actions
	ActionRankPromoted      = "rank.promoted"
	ActionRankForceUpgraded = "rank.force_upgraded"
	ActionStarsGranted      = "stars.granted"

	// Wallet actions
	ActionWithdrawalRequested = "withdrawal.requested"
	ActionWithdrawalApproved  = "withdrawal.approved"
	ActionWithdrawalRejected  = "withdrawal.rejected"

	// Scheduled job actions
	ActionDailyReset  = "job.daily_reset"
	ActionWeeklySweep = "job.weekly_sweep"
)

// Resource constants for audit events.
const (
	ResourceVolume = "volume"
	ResourceMatch  = "match"
	ResourceRank   = "rank"
	ResourcePayout = "payout"
	ResourceJob    = "job"
)

// Category constants for audit events.
const (
	CategoryVolume   = "volume"
	CategoryMatching = "matching"
	CategoryRank     = "rank"
	CategoryWallet   = "wallet"
	CategorySchedule = "schedule"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

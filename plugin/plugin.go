// Package plugin provides an extensible plugin system for the bonus engine.
// Plugins can hook into volume, matching, rank and wallet events.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Volume hooks
// ──────────────────────────────────────────────────

// OnVolumeCredited is called for every ancestor a propagation credits.
type OnVolumeCredited interface {
	Plugin
	OnVolumeCredited(ctx context.Context, entry *volume.Entry) error
}

// OnPropagated is called once a propagation walk ends.
type OnPropagated interface {
	Plugin
	OnPropagated(ctx context.Context, sourceUserID string, credited, skipped int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Matching hooks
// ──────────────────────────────────────────────────

// OnMatchEvaluated is called for every evaluation, including the ones that
// were gated and consumed nothing.
type OnMatchEvaluated interface {
	Plugin
	OnMatchEvaluated(ctx context.Context, userID, machine, outcome string) error
}

// OnMatchClosed is called when a match consumes volume. rec is the single
// record the closing wrote (bonus, deduction or flash-out).
type OnMatchClosed interface {
	Plugin
	OnMatchClosed(ctx context.Context, machine string, rec *payout.Record) error
}

// ──────────────────────────────────────────────────
// Rank hooks
// ──────────────────────────────────────────────────

// OnRankPromoted is called after a promotion is committed.
type OnRankPromoted interface {
	Plugin
	OnRankPromoted(ctx context.Context, userID string, change *ledger.RankChange) error
}

// OnStarsGranted is called when a promotion's stars land in an upline
// member's star buffer.
type OnStarsGranted interface {
	Plugin
	OnStarsGranted(ctx context.Context, fromUserID, toUserID string, leg tree.Leg, stars int64) error
}

// ──────────────────────────────────────────────────
// Payout and wallet hooks
// ──────────────────────────────────────────────────

// OnPayoutRecorded is called for every payout record written.
type OnPayoutRecorded interface {
	Plugin
	OnPayoutRecorded(ctx context.Context, rec *payout.Record) error
}

// OnWithdrawalRequested is called when a withdrawal is requested.
type OnWithdrawalRequested interface {
	Plugin
	OnWithdrawalRequested(ctx context.Context, rec *payout.Record) error
}

// OnWithdrawalSettled is called when a pending withdrawal is approved or
// rejected.
type OnWithdrawalSettled interface {
	Plugin
	OnWithdrawalSettled(ctx context.Context, rec *payout.Record) error
}

// ──────────────────────────────────────────────────
// Scheduled job hooks
// ──────────────────────────────────────────────────

// OnDailyReset is called after the daily closing counters are reset.
type OnDailyReset interface {
	Plugin
	OnDailyReset(ctx context.Context, users int, elapsed time.Duration) error
}

// OnWeeklySweep is called after weekly earnings are swept into wallets.
type OnWeeklySweep interface {
	Plugin
	OnWeeklySweep(ctx context.Context, users int, total types.Money, elapsed time.Duration) error
}

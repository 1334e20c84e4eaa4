// Package audithook bridges bonus engine events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import any
// audit backend directly. Callers inject a RecorderFunc adapter, or use the
// KafkaRecorder to publish events to a topic.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/plugin"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnVolumeCredited      = (*Extension)(nil)
	_ plugin.OnPropagated          = (*Extension)(nil)
	_ plugin.OnMatchClosed         = (*Extension)(nil)
	_ plugin.OnRankPromoted        = (*Extension)(nil)
	_ plugin.OnStarsGranted        = (*Extension)(nil)
	_ plugin.OnWithdrawalRequested = (*Extension)(nil)
	_ plugin.OnWithdrawalSettled   = (*Extension)(nil)
	_ plugin.OnDailyReset          = (*Extension)(nil)
	_ plugin.OnWeeklySweep         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges bonus engine events to an audit trail backend.
type Extension struct {
	recorder     Recorder
	enabled      map[string]bool // nil = all enabled
	volumeEvents bool
	logger       *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Volume hooks
// ──────────────────────────────────────────────────

// OnVolumeCredited implements plugin.OnVolumeCredited.
func (e *Extension) OnVolumeCredited(ctx context.Context, entry *volume.Entry) error {
	if !e.volumeEvents {
		return nil
	}
	return e.record(ctx, ActionVolumeCredited, SeverityInfo, OutcomeSuccess,
		ResourceVolume, entry.ID.String(), entry.UserID, CategoryVolume, nil,
		"source_user_id", entry.SourceUserID,
		"leg", string(entry.Leg),
		"bv", entry.BV,
		"pv", entry.PV,
		"reason", string(entry.Reason),
	)
}

// OnPropagated implements plugin.OnPropagated.
func (e *Extension) OnPropagated(ctx context.Context, sourceUserID string, credited, skipped int, elapsed time.Duration) error {
	outcome := OutcomeSuccess
	if skipped > 0 {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionVolumePropagated, SeverityInfo, outcome,
		ResourceVolume, "", sourceUserID, CategoryVolume, nil,
		"credited", credited,
		"skipped", skipped,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Matching hooks
// ──────────────────────────────────────────────────

// OnMatchClosed implements plugin.OnMatchClosed.
func (e *Extension) OnMatchClosed(ctx context.Context, machine string, rec *payout.Record) error {
	action, severity := ActionMatchClosed, SeverityInfo
	switch rec.Status {
	case payout.StatusDeducted:
		action, severity = ActionMatchDeducted, SeverityWarning
	case payout.StatusFlushed:
		action, severity = ActionMatchFlashedOut, SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceMatch, rec.ID.String(), rec.UserID, CategoryMatching, nil,
		"machine", machine,
		"type", string(rec.Type),
		"closing_index", rec.Metadata.ClosingIndex,
		"matched_left", rec.Metadata.MatchedLeft,
		"matched_right", rec.Metadata.MatchedRight,
		"gross", rec.Gross.Amount,
		"net", rec.Net.Amount,
		"currency", rec.Net.Currency,
	)
}

// ──────────────────────────────────────────────────
// Rank hooks
// ──────────────────────────────────────────────────

// OnRankPromoted implements plugin.OnRankPromoted.
func (e *Extension) OnRankPromoted(ctx context.Context, userID string, change *ledger.RankChange) error {
	action := ActionRankPromoted
	if change.Forced {
		action = ActionRankForceUpgraded
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceRank, change.ID.String(), userID, CategoryRank, nil,
		"from", change.From,
		"to", change.To,
		"stars", change.Stars,
		"reason", change.Reason,
	)
}

// OnStarsGranted implements plugin.OnStarsGranted.
func (e *Extension) OnStarsGranted(ctx context.Context, fromUserID, toUserID string, leg tree.Leg, stars int64) error {
	return e.record(ctx, ActionStarsGranted, SeverityInfo, OutcomeSuccess,
		ResourceRank, "", toUserID, CategoryRank, nil,
		"from_user_id", fromUserID,
		"leg", string(leg),
		"stars", stars,
	)
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnWithdrawalRequested implements plugin.OnWithdrawalRequested.
func (e *Extension) OnWithdrawalRequested(ctx context.Context, rec *payout.Record) error {
	return e.record(ctx, ActionWithdrawalRequested, SeverityInfo, OutcomeSuccess,
		ResourcePayout, rec.ID.String(), rec.UserID, CategoryWallet, nil,
		"amount", rec.Net.Amount,
		"currency", rec.Net.Currency,
		"reference", rec.Metadata.Reference,
	)
}

// OnWithdrawalSettled implements plugin.OnWithdrawalSettled.
func (e *Extension) OnWithdrawalSettled(ctx context.Context, rec *payout.Record) error {
	if rec.Status == payout.StatusFailed {
		return e.record(ctx, ActionWithdrawalRejected, SeverityWarning, OutcomeFailure,
			ResourcePayout, rec.ID.String(), rec.UserID, CategoryWallet, nil,
			"amount", rec.Net.Amount,
			"currency", rec.Net.Currency,
		)
	}
	return e.record(ctx, ActionWithdrawalApproved, SeverityInfo, OutcomeSuccess,
		ResourcePayout, rec.ID.String(), rec.UserID, CategoryWallet, nil,
		"amount", rec.Net.Amount,
		"currency", rec.Net.Currency,
	)
}

// ──────────────────────────────────────────────────
// Scheduled job hooks
// ──────────────────────────────────────────────────

// OnDailyReset implements plugin.OnDailyReset.
func (e *Extension) OnDailyReset(ctx context.Context, users int, elapsed time.Duration) error {
	return e.record(ctx, ActionDailyReset, SeverityInfo, OutcomeSuccess,
		ResourceJob, "daily-reset", "", CategorySchedule, nil,
		"users", users,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnWeeklySweep implements plugin.OnWeeklySweep.
func (e *Extension) OnWeeklySweep(ctx context.Context, users int, total types.Money, elapsed time.Duration) error {
	return e.record(ctx, ActionWeeklySweep, SeverityInfo, OutcomeSuccess,
		ResourceJob, "weekly-sweep", "", CategorySchedule, nil,
		"users", users,
		"total", total.Amount,
		"currency", total.Currency,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// Recorder failures are logged and never fail the engine operation.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, userID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		UserID:     userID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

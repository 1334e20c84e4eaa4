// Package observability provides a metrics extension for the bonus engine
// that records volume, matching, rank and wallet event counts through a
// MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/plugin"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnVolumeCredited      = (*MetricsExtension)(nil)
	_ plugin.OnPropagated          = (*MetricsExtension)(nil)
	_ plugin.OnMatchEvaluated      = (*MetricsExtension)(nil)
	_ plugin.OnMatchClosed         = (*MetricsExtension)(nil)
	_ plugin.OnRankPromoted        = (*MetricsExtension)(nil)
	_ plugin.OnStarsGranted        = (*MetricsExtension)(nil)
	_ plugin.OnPayoutRecorded      = (*MetricsExtension)(nil)
	_ plugin.OnWithdrawalRequested = (*MetricsExtension)(nil)
	_ plugin.OnWithdrawalSettled   = (*MetricsExtension)(nil)
	_ plugin.OnDailyReset          = (*MetricsExtension)(nil)
	_ plugin.OnWeeklySweep         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide metrics.
// Register it as a bonus plugin to track volume and payouts.
type MetricsExtension struct {
	factory MetricFactory

	// Volume metrics
	VolumeCredited     Counter
	VolumeBV           Histogram
	Propagations       Counter
	PropagationSkipped Counter
	PropagationLatency Histogram

	// Matching metrics
	MatchEvaluated  Counter
	MatchGated      Counter
	MatchClosed     Counter
	MatchDeducted   Counter
	MatchFlashedOut Counter
	MatchNetAmount  Histogram

	// Rank metrics
	RankPromoted      Counter
	RankForceUpgraded Counter
	StarsGranted      Counter

	// Wallet metrics
	PayoutsRecorded     Counter
	WithdrawalRequested Counter
	WithdrawalApproved  Counter
	WithdrawalRejected  Counter

	// Scheduled job metrics
	DailyResetUsers    Histogram
	DailyResetLatency  Histogram
	WeeklySweepUsers   Histogram
	WeeklySweepTotal   Histogram
	WeeklySweepLatency Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory elsewhere.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		VolumeCredited:     factory.Counter("bonus.volume.credited"),
		VolumeBV:           factory.Histogram("bonus.volume.bv"),
		Propagations:       factory.Counter("bonus.propagation.total"),
		PropagationSkipped: factory.Counter("bonus.propagation.skipped"),
		PropagationLatency: factory.Histogram("bonus.propagation.latency_ms"),

		MatchEvaluated:  factory.Counter("bonus.match.evaluated"),
		MatchGated:      factory.Counter("bonus.match.gated"),
		MatchClosed:     factory.Counter("bonus.match.closed"),
		MatchDeducted:   factory.Counter("bonus.match.deducted"),
		MatchFlashedOut: factory.Counter("bonus.match.flashed_out"),
		MatchNetAmount:  factory.Histogram("bonus.match.net_amount"),

		RankPromoted:      factory.Counter("bonus.rank.promoted"),
		RankForceUpgraded: factory.Counter("bonus.rank.force_upgraded"),
		StarsGranted:      factory.Counter("bonus.rank.stars_granted"),

		PayoutsRecorded:     factory.Counter("bonus.payout.recorded"),
		WithdrawalRequested: factory.Counter("bonus.withdrawal.requested"),
		WithdrawalApproved:  factory.Counter("bonus.withdrawal.approved"),
		WithdrawalRejected:  factory.Counter("bonus.withdrawal.rejected"),

		DailyResetUsers:    factory.Histogram("bonus.job.daily_reset.users"),
		DailyResetLatency:  factory.Histogram("bonus.job.daily_reset.latency_ms"),
		WeeklySweepUsers:   factory.Histogram("bonus.job.weekly_sweep.users"),
		WeeklySweepTotal:   factory.Histogram("bonus.job.weekly_sweep.total_amount"),
		WeeklySweepLatency: factory.Histogram("bonus.job.weekly_sweep.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Volume hooks
// ──────────────────────────────────────────────────

// OnVolumeCredited implements plugin.OnVolumeCredited.
func (m *MetricsExtension) OnVolumeCredited(_ context.Context, entry *volume.Entry) error {
	m.VolumeCredited.Inc()
	m.VolumeBV.Observe(float64(entry.BV))
	return nil
}

// OnPropagated implements plugin.OnPropagated.
func (m *MetricsExtension) OnPropagated(_ context.Context, _ string, _, skipped int, elapsed time.Duration) error {
	m.Propagations.Inc()
	m.PropagationSkipped.Add(float64(skipped))
	m.PropagationLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Matching hooks
// ──────────────────────────────────────────────────

// OnMatchEvaluated implements plugin.OnMatchEvaluated.
func (m *MetricsExtension) OnMatchEvaluated(_ context.Context, _, _, outcome string) error {
	m.MatchEvaluated.Inc()
	if !bonus.Outcome(outcome).Consumed() {
		m.MatchGated.Inc()
	}
	return nil
}

// OnMatchClosed implements plugin.OnMatchClosed.
func (m *MetricsExtension) OnMatchClosed(_ context.Context, _ string, rec *payout.Record) error {
	switch rec.Status {
	case payout.StatusDeducted:
		m.MatchDeducted.Inc()
	case payout.StatusFlushed:
		m.MatchFlashedOut.Inc()
	default:
		m.MatchClosed.Inc()
		m.MatchNetAmount.Observe(float64(rec.Net.Amount))
	}
	return nil
}

// ──────────────────────────────────────────────────
// Rank hooks
// ──────────────────────────────────────────────────

// OnRankPromoted implements plugin.OnRankPromoted.
func (m *MetricsExtension) OnRankPromoted(_ context.Context, _ string, change *ledger.RankChange) error {
	if change.Forced {
		m.RankForceUpgraded.Inc()
		return nil
	}
	m.RankPromoted.Inc()
	return nil
}

// OnStarsGranted implements plugin.OnStarsGranted.
func (m *MetricsExtension) OnStarsGranted(_ context.Context, _, _ string, _ tree.Leg, stars int64) error {
	m.StarsGranted.Add(float64(stars))
	return nil
}

// ──────────────────────────────────────────────────
// Wallet hooks
// ──────────────────────────────────────────────────

// OnPayoutRecorded implements plugin.OnPayoutRecorded.
func (m *MetricsExtension) OnPayoutRecorded(_ context.Context, _ *payout.Record) error {
	m.PayoutsRecorded.Inc()
	return nil
}

// OnWithdrawalRequested implements plugin.OnWithdrawalRequested.
func (m *MetricsExtension) OnWithdrawalRequested(_ context.Context, _ *payout.Record) error {
	m.WithdrawalRequested.Inc()
	return nil
}

// OnWithdrawalSettled implements plugin.OnWithdrawalSettled.
func (m *MetricsExtension) OnWithdrawalSettled(_ context.Context, rec *payout.Record) error {
	if rec.Status == payout.StatusFailed {
		m.WithdrawalRejected.Inc()
	} else {
		m.WithdrawalApproved.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Scheduled job hooks
// ──────────────────────────────────────────────────

// OnDailyReset implements plugin.OnDailyReset.
func (m *MetricsExtension) OnDailyReset(_ context.Context, users int, elapsed time.Duration) error {
	m.DailyResetUsers.Observe(float64(users))
	m.DailyResetLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnWeeklySweep implements plugin.OnWeeklySweep.
func (m *MetricsExtension) OnWeeklySweep(_ context.Context, users int, total types.Money, elapsed time.Duration) error {
	m.WeeklySweepUsers.Observe(float64(users))
	m.WeeklySweepTotal.Observe(float64(total.Amount))
	m.WeeklySweepLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

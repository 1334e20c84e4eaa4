package bonus_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/locker"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/rank"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/store/memory"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// netPerFastTrack is ₹500 less 5% admin and 2% TDS.
var netPerFastTrack = types.INR(46_500)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *bonus.Engine
	store  *memory.Store
	clock  *testClock
}

func newFixture(t *testing.T, opts ...bonus.Option) *fixture {
	t.Helper()

	s := memory.New()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	base := []bonus.Option{
		bonus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		bonus.WithClock(clock.Now),
	}

	engine, err := bonus.New(s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{t: t, ctx: context.Background(), engine: engine, store: s, clock: clock}
}

// node places id under parent at pos. A qualified node gets one active
// direct on each leg.
func (f *fixture) node(id, parent string, pos tree.Position, qualified bool) {
	f.t.Helper()

	n := &tree.Node{ID: id, Status: tree.StatusActive, Position: pos, ParentID: parent}
	if qualified {
		n.ActiveLeftDirects, n.ActiveRightDirects = 1, 1
	}
	if parent != "" {
		p, err := f.store.GetNode(f.ctx, parent)
		if err != nil {
			f.t.Fatalf("parent %s: %v", parent, err)
		}
		if pos == tree.PositionLeft {
			p.LeftChildID = id
		} else {
			p.RightChildID = id
		}
		if err := f.store.PutNode(f.ctx, p); err != nil {
			f.t.Fatal(err)
		}
	}
	if err := f.store.PutNode(f.ctx, n); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) setStatus(id string, status tree.Status) {
	f.t.Helper()
	n, err := f.store.GetNode(f.ctx, id)
	if err != nil {
		f.t.Fatal(err)
	}
	n.Status = status
	if err := f.store.PutNode(f.ctx, n); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) propagate(userID string, bv, pv int64) *bonus.PropagationResult {
	f.t.Helper()
	res, err := f.engine.Propagate(f.ctx, bonus.PropagateInput{
		UserID: userID,
		BV:     bv,
		PV:     pv,
		Reason: volume.ReasonSale,
	})
	if err != nil {
		f.t.Fatalf("Propagate from %s: %v", userID, err)
	}
	return res
}

func (f *fixture) status(userID string) *bonus.BonusStatus {
	f.t.Helper()
	s, err := f.engine.Status(f.ctx, userID)
	if err != nil {
		f.t.Fatalf("Status %s: %v", userID, err)
	}
	return s
}

func (f *fixture) payouts(userID string, typ payout.Type) []*payout.Record {
	f.t.Helper()
	recs, err := f.engine.ListPayouts(f.ctx, userID, payout.ListOpts{Type: typ})
	if err != nil {
		f.t.Fatal(err)
	}
	return recs
}

// fastTrack returns the Fast Track outcome for the first ancestor credited.
func fastTrack(t *testing.T, res *bonus.PropagationResult) *bonus.MatchResult {
	t.Helper()
	if len(res.Credited) == 0 || res.Credited[0].FastTrack == nil {
		t.Fatalf("no fast track evaluation in %+v", res)
	}
	return res.Credited[0].FastTrack
}

// rootWithLegs builds R (qualified) with A on the left and B on the right.
func rootWithLegs(f *fixture) {
	f.node("R", "", tree.PositionRoot, true)
	f.node("A", "R", tree.PositionLeft, false)
	f.node("B", "R", tree.PositionRight, false)
}

// ──────────────────────────────────────────────────
// Propagation
// ──────────────────────────────────────────────────

func TestPropagateCreditsEveryActiveAncestor(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("A", "R", tree.PositionLeft, false)
	f.node("C", "A", tree.PositionRight, false)
	f.node("D", "C", tree.PositionLeft, false)

	res := f.propagate("D", 100, 0)

	if len(res.Credited) != 3 {
		t.Fatalf("credited %d ancestors, want 3", len(res.Credited))
	}
	if res.StopReason != bonus.StopRoot {
		t.Errorf("stop reason: got %s, want %s", res.StopReason, bonus.StopRoot)
	}

	tests := []struct {
		user      string
		left      int64
		right     int64
		wantEntry bool
	}{
		{"C", 100, 0, true},
		{"A", 0, 100, true},
		{"R", 100, 0, true},
		{"D", 0, 0, false},
	}
	for _, tt := range tests {
		s := f.status(tt.user)
		if s.LeftLeg.BV != tt.left || s.RightLeg.BV != tt.right {
			t.Errorf("%s legs: got %d/%d, want %d/%d", tt.user, s.LeftLeg.BV, s.RightLeg.BV, tt.left, tt.right)
		}
		if s.Total.BV != tt.left+tt.right {
			t.Errorf("%s total: got %d", tt.user, s.Total.BV)
		}
		entries, err := f.engine.ListVolumeEntries(f.ctx, tt.user, volume.ListOpts{})
		if err != nil {
			t.Fatal(err)
		}
		if got := len(entries) == 1; got != tt.wantEntry {
			t.Errorf("%s volume entries: got %d", tt.user, len(entries))
		}
	}

	if s := f.status("R"); s.Period.MonthBV != 100 || s.Period.MonthKey != "2026-03" {
		t.Errorf("period: got %+v", s.Period)
	}
}

func TestPropagateSkipsInactiveAncestors(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("A", "R", tree.PositionRight, false)
	f.node("C", "A", tree.PositionLeft, false)
	f.setStatus("A", tree.StatusInactive)

	res := f.propagate("C", 250, 0)

	if len(res.Skipped) != 1 || res.Skipped[0] != "A" {
		t.Errorf("skipped: got %v, want [A]", res.Skipped)
	}
	if s := f.status("A"); !s.Total.IsZero() {
		t.Errorf("inactive ancestor credited: %+v", s.Total)
	}
	if s := f.status("R"); s.RightLeg.BV != 250 {
		t.Errorf("R right leg: got %d, want 250", s.RightLeg.BV)
	}
}

func TestPropagateStopsAtMissingParent(t *testing.T) {
	f := newFixture(t)
	f.node("A", "", tree.PositionRoot, false)
	f.node("C", "A", tree.PositionLeft, false)

	orphan := &tree.Node{ID: "A", Status: tree.StatusActive, Position: tree.PositionLeft, ParentID: "ghost", LeftChildID: "C"}
	if err := f.store.PutNode(f.ctx, orphan); err != nil {
		t.Fatal(err)
	}

	res := f.propagate("C", 10, 0)
	if res.StopReason != bonus.StopNotFound || res.StoppedAt != "A" {
		t.Errorf("stop: got %s at %s", res.StopReason, res.StoppedAt)
	}
	if len(res.Credited) != 1 {
		t.Errorf("credited: got %d, want 1", len(res.Credited))
	}
}

func TestPropagateWalksPastUnresolvedSlot(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("M", "R", tree.PositionLeft, false)

	// C names M as parent but has no position, and M lists no child.
	c := &tree.Node{ID: "C", Status: tree.StatusActive, ParentID: "M"}
	if err := f.store.PutNode(f.ctx, c); err != nil {
		t.Fatal(err)
	}

	res := f.propagate("C", 10, 0)
	if len(res.Skipped) != 1 || res.Skipped[0] != "M" {
		t.Errorf("skipped: got %v, want [M]", res.Skipped)
	}
	if len(res.Credited) != 1 || res.Credited[0].UserID != "R" || res.Credited[0].Leg != tree.LegLeft {
		t.Fatalf("credited: %+v", res.Credited)
	}
	if res.StopReason != bonus.StopRoot || res.StoppedAt != "R" {
		t.Errorf("stop: got %s at %s", res.StopReason, res.StoppedAt)
	}
	if s := f.status("M"); !s.LeftLeg.IsZero() || !s.RightLeg.IsZero() {
		t.Errorf("M credited: left %+v right %+v", s.LeftLeg, s.RightLeg)
	}
}

func TestPropagateDetectsCycle(t *testing.T) {
	f := newFixture(t)
	x := &tree.Node{ID: "X", Status: tree.StatusActive, Position: tree.PositionLeft, ParentID: "Y"}
	y := &tree.Node{ID: "Y", Status: tree.StatusActive, Position: tree.PositionLeft, ParentID: "X", LeftChildID: "X"}
	for _, n := range []*tree.Node{x, y} {
		if err := f.store.PutNode(f.ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.engine.Propagate(f.ctx, bonus.PropagateInput{UserID: "X", BV: 1, Reason: volume.ReasonSale})
	if !errors.Is(err, bonus.ErrTreeCycle) {
		t.Fatalf("expected ErrTreeCycle, got %v", err)
	}
	if !bonus.IsInvariantViolation(err) {
		t.Error("cycle should be an invariant violation")
	}
}

func TestPropagateRejectsNegativeLeg(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	_, err := f.engine.Propagate(f.ctx, bonus.PropagateInput{
		UserID: "A",
		BV:     -10,
		Reason: volume.ReasonAdjustment,
	})
	if !errors.Is(err, bonus.ErrNegativeVolume) {
		t.Fatalf("expected ErrNegativeVolume, got %v", err)
	}
	if s := f.status("R"); !s.Total.IsZero() {
		t.Errorf("ledger changed after rejected credit: %+v", s.Total)
	}
}

func TestPropagateValidation(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	tests := []struct {
		name string
		in   bonus.PropagateInput
	}{
		{"missing user", bonus.PropagateInput{BV: 1, Reason: volume.ReasonSale}},
		{"no volume", bonus.PropagateInput{UserID: "A", Reason: volume.ReasonSale}},
		{"bad leg", bonus.PropagateInput{UserID: "A", BV: 1, Leg: "middle", Reason: volume.ReasonSale}},
		{"bad reason", bonus.PropagateInput{UserID: "A", BV: 1, Reason: "gift"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Propagate(f.ctx, tt.in)
			if !errors.Is(err, bonus.ErrInvalidInput) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Fast Track
// ──────────────────────────────────────────────────

func TestFastTrackFirstMatchTwoToOne(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	if got := fastTrack(t, f.propagate("A", 0, 1000)).Outcome; got != bonus.OutcomeNoVolume {
		t.Errorf("one-sided volume: got %s, want %s", got, bonus.OutcomeNoVolume)
	}

	m := fastTrack(t, f.propagate("B", 0, 500))
	if m.Outcome != bonus.OutcomeMatched {
		t.Fatalf("outcome: got %s, want matched", m.Outcome)
	}
	if m.MatchedLeft != 1000 || m.MatchedRight != 500 {
		t.Errorf("matched: got %d/%d, want 1000/500", m.MatchedLeft, m.MatchedRight)
	}

	rec := m.Payout
	if rec.Type != payout.TypeFastTrackBonus || rec.Status != payout.StatusCompleted {
		t.Errorf("record: got %s/%s", rec.Type, rec.Status)
	}
	if !rec.Gross.Equal(types.Rupees(500)) || !rec.AdminCharge.Equal(types.Rupees(25)) ||
		!rec.TDS.Equal(types.Rupees(10)) || !rec.Net.Equal(netPerFastTrack) {
		t.Errorf("breakdown: gross %s admin %s tds %s net %s", rec.Gross, rec.AdminCharge, rec.TDS, rec.Net)
	}

	s := f.status("R")
	if s.FastTrack.AvailableLeft != 0 || s.FastTrack.AvailableRight != 0 {
		t.Errorf("left over volume: %+v", s.FastTrack)
	}
	if s.FastTrack.DailyClosings != 1 || !s.FastTrack.HasCompletedFirstMatch {
		t.Errorf("gates: %+v", s.FastTrack)
	}
	if !s.Wallet.WeeklyEarnings.Equal(netPerFastTrack) || !s.Wallet.TotalEarnings.Equal(netPerFastTrack) {
		t.Errorf("wallet: %+v", s.Wallet)
	}
	if n := len(f.payouts("R", "")); n != 1 {
		t.Errorf("payout records: got %d, want 1", n)
	}
}

func TestFastTrackFirstMatchRejectsOneToOne(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 500)
	m := fastTrack(t, f.propagate("B", 0, 500))

	if m.Outcome != bonus.OutcomeRatioUnmet {
		t.Fatalf("outcome: got %s, want ratio_unmet", m.Outcome)
	}
	s := f.status("R")
	if s.FastTrack.PendingLeft != 500 || s.FastTrack.PendingRight != 500 {
		t.Errorf("pending not preserved: %+v", s.FastTrack)
	}
	if s.FastTrack.DailyClosings != 0 || s.FastTrack.HasCompletedFirstMatch {
		t.Errorf("gates advanced on rejection: %+v", s.FastTrack)
	}
	if n := len(f.payouts("R", "")); n != 0 {
		t.Errorf("payout records: got %d, want 0", n)
	}
}

func TestFastTrackFirstMatchTieGoesLeft(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	m := fastTrack(t, f.propagate("B", 0, 1000))

	if m.MatchedLeft != 1000 || m.MatchedRight != 500 {
		t.Errorf("matched: got %d/%d, want 1000/500", m.MatchedLeft, m.MatchedRight)
	}
	if s := f.status("R"); s.FastTrack.CarryForwardLeft != 0 || s.FastTrack.CarryForwardRight != 500 {
		t.Errorf("carry forward: %+v", s.FastTrack)
	}
}

func TestFastTrackNotQualified(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("A", "R", tree.PositionLeft, false)
	f.node("B", "R", tree.PositionRight, false)

	f.propagate("A", 0, 1000)
	m := fastTrack(t, f.propagate("B", 0, 500))

	if m.Outcome != bonus.OutcomeNotQualified {
		t.Errorf("outcome: got %s, want not_qualified", m.Outcome)
	}
	if s := f.status("R"); s.FastTrack.PendingLeft != 1000 || s.FastTrack.PendingRight != 500 {
		t.Errorf("volume not buffered: %+v", s.FastTrack)
	}
}

func TestFastTrackCarryForward(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1700)
	f.propagate("B", 0, 600)

	s := f.status("R")
	if s.FastTrack.CarryForwardLeft != 700 || s.FastTrack.CarryForwardRight != 100 {
		t.Errorf("carry after first match: %+v", s.FastTrack)
	}
	if s.FastTrack.PendingLeft != 0 || s.FastTrack.PendingRight != 0 {
		t.Errorf("pending after match: %+v", s.FastTrack)
	}

	f.clock.Advance(4 * time.Hour)
	m := fastTrack(t, f.propagate("B", 0, 400))
	if m.Outcome != bonus.OutcomeMatched || m.MatchedLeft != 500 || m.MatchedRight != 500 {
		t.Fatalf("second match: %+v", m)
	}

	s = f.status("R")
	if s.FastTrack.CarryForwardLeft != 200 || s.FastTrack.CarryForwardRight != 0 {
		t.Errorf("carry after second match: %+v", s.FastTrack)
	}
}

func TestFastTrackFlashOut(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)

	f.clock.Advance(time.Hour)
	f.propagate("A", 0, 500)
	m := fastTrack(t, f.propagate("B", 0, 500))

	if m.Outcome != bonus.OutcomeFlashedOut {
		t.Fatalf("outcome: got %s, want flashed_out", m.Outcome)
	}
	if m.Payout.Type != payout.TypeFastTrackFlashOut || m.Payout.Status != payout.StatusFlushed {
		t.Errorf("record: %s/%s", m.Payout.Type, m.Payout.Status)
	}
	if !m.Payout.Net.IsZero() || !m.Payout.Metadata.FlashOut {
		t.Errorf("flash-out paid: %+v", m.Payout)
	}

	s := f.status("R")
	if s.FastTrack.NextClosingIndex != 2 {
		t.Errorf("flash-out advanced closing index to %d", s.FastTrack.NextClosingIndex)
	}
	if s.FastTrack.AvailableLeft != 0 || s.FastTrack.AvailableRight != 0 {
		t.Errorf("flash-out did not consume volume: %+v", s.FastTrack)
	}
	if !s.Wallet.TotalEarnings.Equal(netPerFastTrack) {
		t.Errorf("earnings changed by flash-out: %s", s.Wallet.TotalEarnings)
	}

	f.clock.Advance(4 * time.Hour)
	f.propagate("A", 0, 500)
	m = fastTrack(t, f.propagate("B", 0, 500))
	if m.Outcome != bonus.OutcomeMatched || m.ClosingIndex != 2 {
		t.Fatalf("after window: got %s at closing %d", m.Outcome, m.ClosingIndex)
	}
	if !m.Payout.Net.Equal(netPerFastTrack) {
		t.Errorf("net: got %s", m.Payout.Net)
	}
}

func TestFastTrackFlashWindowBuffer(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)

	f.clock.Advance(4*time.Hour - time.Minute)
	f.propagate("A", 0, 500)
	if m := fastTrack(t, f.propagate("B", 0, 500)); m.Outcome != bonus.OutcomeMatched {
		t.Errorf("closing at window minus buffer: got %s, want matched", m.Outcome)
	}
}

func TestFastTrackDeductionScheduleAndForcedPromotion(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	var results []*bonus.MatchResult
	f.propagate("A", 0, 1000)
	results = append(results, fastTrack(t, f.propagate("B", 0, 500)))

	for i := 2; i <= 12; i++ {
		f.clock.Advance(4 * time.Hour)
		if i == 7 {
			if _, err := f.engine.ResetDailyClosings(f.ctx); err != nil {
				t.Fatal(err)
			}
		}
		f.propagate("A", 0, 500)
		results = append(results, fastTrack(t, f.propagate("B", 0, 500)))
	}

	for i, m := range results {
		closing := i + 1
		want := bonus.OutcomeMatched
		if closing%3 == 0 {
			want = bonus.OutcomeDeducted
		}
		if m.Outcome != want {
			t.Errorf("closing %d: got %s, want %s", closing, m.Outcome, want)
		}
		if m.ClosingIndex != closing {
			t.Errorf("closing %d: index %d", closing, m.ClosingIndex)
		}
		if want == bonus.OutcomeDeducted {
			if !m.Payout.Net.IsZero() || m.Payout.Status != payout.StatusDeducted {
				t.Errorf("closing %d: deduction record %+v", closing, m.Payout)
			}
		}
	}

	last := results[11]
	if last.Promotion == nil || !last.Promotion.Forced || last.Promotion.To != 1 {
		t.Fatalf("closing 12 promotion: %+v", last.Promotion)
	}
	for i, m := range results[:11] {
		if m.Promotion != nil {
			t.Errorf("closing %d promoted", i+1)
		}
	}

	s := f.status("R")
	if s.Rank != 1 || s.RankName != "Star Achiever" {
		t.Errorf("rank: got %d %q", s.Rank, s.RankName)
	}
	if s.CurrentRankMatchCount != 0 {
		t.Errorf("rank match count not reset: %d", s.CurrentRankMatchCount)
	}
	if s.FastTrack.NextClosingIndex != 13 {
		t.Errorf("closing index moved by promotion: next %d, want 13", s.FastTrack.NextClosingIndex)
	}

	if n := len(f.payouts("R", payout.TypeFastTrackBonus)); n != 8 {
		t.Errorf("bonus records: got %d, want 8", n)
	}
	if n := len(f.payouts("R", payout.TypeFastTrackDeduction)); n != 4 {
		t.Errorf("deduction records: got %d, want 4", n)
	}
	rankBonus := f.payouts("R", payout.TypeRankBonus)
	if len(rankBonus) != 1 || !rankBonus[0].Net.Equal(types.INR(93_000)) {
		t.Fatalf("rank bonus: %+v", rankBonus)
	}

	want := netPerFastTrack.Multiply(8).Add(types.INR(93_000))
	if !s.Wallet.TotalEarnings.Equal(want) {
		t.Errorf("total earnings: got %s, want %s", s.Wallet.TotalEarnings, want)
	}

	if _, err := f.engine.ResetDailyClosings(f.ctx); err != nil {
		t.Fatal(err)
	}
	for closing := 13; closing <= 15; closing++ {
		f.clock.Advance(4 * time.Hour)
		f.propagate("A", 0, 500)
		m := fastTrack(t, f.propagate("B", 0, 500))
		if m.Outcome != bonus.OutcomeMatched || m.ClosingIndex != closing {
			t.Errorf("closing %d: got %s at index %d", closing, m.Outcome, m.ClosingIndex)
		}
		if m.Promotion != nil {
			t.Errorf("closing %d promoted again: %+v", closing, m.Promotion)
		}
	}
	if n := len(f.payouts("R", payout.TypeFastTrackDeduction)); n != 4 {
		t.Errorf("deductions after closing 12: got %d, want 4", n)
	}
}

func TestPromotionDoesNotMoveDeductionSchedule(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	if m := fastTrack(t, f.propagate("B", 0, 500)); m.ClosingIndex != 1 {
		t.Fatalf("closing 1: index %d", m.ClosingIndex)
	}
	f.clock.Advance(4 * time.Hour)
	f.propagate("A", 0, 500)
	if m := fastTrack(t, f.propagate("B", 0, 500)); m.Outcome != bonus.OutcomeMatched || m.ClosingIndex != 2 {
		t.Fatalf("closing 2: got %s at index %d", m.Outcome, m.ClosingIndex)
	}

	p, err := f.engine.ForceUpgrade(f.ctx, "R", "admin")
	if err != nil || p == nil {
		t.Fatalf("ForceUpgrade: %+v, %v", p, err)
	}
	s := f.status("R")
	if s.FastTrack.NextClosingIndex != 3 || !s.FastTrack.NextIsDeduction {
		t.Errorf("after promotion: next %d deduction %v", s.FastTrack.NextClosingIndex, s.FastTrack.NextIsDeduction)
	}

	f.clock.Advance(4 * time.Hour)
	f.propagate("A", 0, 500)
	m := fastTrack(t, f.propagate("B", 0, 500))
	if m.Outcome != bonus.OutcomeDeducted || m.ClosingIndex != 3 {
		t.Errorf("closing 3: got %s at index %d, want deducted at 3", m.Outcome, m.ClosingIndex)
	}
	if m.Payout.Metadata.ClosingIndex != 3 || !m.Payout.Net.IsZero() {
		t.Errorf("closing 3 record: %+v", m.Payout)
	}
}

func TestFastTrackDailyCap(t *testing.T) {
	rules := bonus.DefaultFastTrackRules()
	rules.FlashWindow = 0
	rules.DeductionClosings = nil
	rules.ForcePromotionAt = 0

	f := newFixture(t, bonus.WithFastTrackRules(rules))
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)
	for range 5 {
		f.propagate("A", 0, 500)
		f.propagate("B", 0, 500)
	}

	f.propagate("A", 0, 500)
	m := fastTrack(t, f.propagate("B", 0, 500))
	if m.Outcome != bonus.OutcomeDailyCapReached {
		t.Fatalf("seventh closing: got %s, want daily_cap_reached", m.Outcome)
	}
	s := f.status("R")
	if s.FastTrack.DailyClosings != 6 || s.FastTrack.PendingLeft != 500 || s.FastTrack.PendingRight != 500 {
		t.Errorf("capped state: %+v", s.FastTrack)
	}

	n, err := f.engine.ResetDailyClosings(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset users: got %d, want 1", n)
	}

	m, err = f.engine.EvaluateFastTrack(f.ctx, "R")
	if err != nil {
		t.Fatal(err)
	}
	if m.Outcome != bonus.OutcomeMatched || m.ClosingIndex != 7 {
		t.Errorf("after reset: got %s at %d", m.Outcome, m.ClosingIndex)
	}
}

// ──────────────────────────────────────────────────
// Rank and Star Matching
// ──────────────────────────────────────────────────

func TestStarMatchFromUplineGrants(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, true)
	f.node("A", "R", tree.PositionLeft, true)
	f.node("A1", "A", tree.PositionLeft, false)
	f.node("A2", "A", tree.PositionRight, false)

	for _, user := range []string{"A1", "A1"} {
		if _, err := f.engine.ForceUpgrade(f.ctx, user, "test"); err != nil {
			t.Fatal(err)
		}
	}
	if s := f.status("A"); s.StarMatch.PendingLeft != 3 {
		t.Fatalf("A left stars: got %d, want 3", s.StarMatch.PendingLeft)
	}

	p, err := f.engine.ForceUpgrade(f.ctx, "A2", "test")
	if err != nil {
		t.Fatal(err)
	}
	if p.StarsGranted != 1 {
		t.Errorf("stars granted: got %d, want 1", p.StarsGranted)
	}

	a := f.status("A")
	if a.CumulativeStars != 1 || a.Rank != 1 {
		t.Errorf("A: stars %d rank %d, want 1/1", a.CumulativeStars, a.Rank)
	}
	if a.StarMatch.CarryForwardLeft != 1 || a.StarMatch.CarryForwardRight != 0 {
		t.Errorf("A star carry: %+v", a.StarMatch)
	}
	star := f.payouts("A", payout.TypeStarMatchBonus)
	if len(star) != 1 || !star[0].Net.Equal(types.INR(93_000)) {
		t.Errorf("star bonus: %+v", star)
	}
	if n := len(f.payouts("A", payout.TypeRankBonus)); n != 1 {
		t.Errorf("A rank bonus records: got %d, want 1", n)
	}

	if r := f.status("R"); r.StarMatch.PendingLeft != 1 {
		t.Errorf("R left stars: got %d, want 1", r.StarMatch.PendingLeft)
	}

	a1 := f.status("A1")
	if a1.Rank != 2 {
		t.Errorf("A1 rank: got %d, want 2", a1.Rank)
	}
}

func TestStarGrantSkipsInactiveAncestor(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, true)
	f.node("A", "R", tree.PositionRight, true)
	f.node("A1", "A", tree.PositionLeft, false)
	f.setStatus("A", tree.StatusBlocked)

	if _, err := f.engine.ForceUpgrade(f.ctx, "A1", "test"); err != nil {
		t.Fatal(err)
	}
	if s := f.status("A"); s.StarMatch.PendingLeft != 0 {
		t.Errorf("blocked ancestor received stars")
	}
	if s := f.status("R"); s.StarMatch.PendingRight != 1 {
		t.Errorf("R right stars: got %d, want 1", s.StarMatch.PendingRight)
	}
}

func TestRankIsMonotonic(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)
	if s := f.status("R"); s.CurrentRankMatchCount != 1 {
		t.Fatalf("match count: got %d, want 1", s.CurrentRankMatchCount)
	}

	for range 2 {
		if _, err := f.engine.ForceUpgrade(f.ctx, "R", "admin"); err != nil {
			t.Fatal(err)
		}
	}
	s := f.status("R")
	if s.Rank != 2 || s.CurrentRankMatchCount != 0 {
		t.Errorf("after forced promotions: rank %d count %d", s.Rank, s.CurrentRankMatchCount)
	}

	p, err := f.engine.EvaluateRank(f.ctx, "R")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("promoted with no stars: %+v", p)
	}
	if s := f.status("R"); s.Rank != 2 {
		t.Errorf("rank decreased to %d", s.Rank)
	}
}

func TestForceUpgradeAtTopRank(t *testing.T) {
	ladder := rank.Ladder{
		{Level: 0, Name: "Unranked"},
		{Level: 1, Name: "Only", Threshold: 1, Bonus: types.Rupees(100), StarGrant: 1},
	}
	f := newFixture(t, bonus.WithLadder(ladder))
	f.node("R", "", tree.PositionRoot, false)

	p, err := f.engine.ForceUpgrade(f.ctx, "R", "admin")
	if err != nil || p == nil || p.To != 1 {
		t.Fatalf("first upgrade: %+v, %v", p, err)
	}
	p, err = f.engine.ForceUpgrade(f.ctx, "R", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("upgrade past top rank: %+v", p)
	}
	if n := len(f.payouts("R", payout.TypeRankBonus)); n != 1 {
		t.Errorf("rank bonus records: got %d, want 1", n)
	}
}

func TestForcedPromotionTarget(t *testing.T) {
	f := newFixture(t, bonus.WithForcedPromotionTarget(3))
	f.node("R", "", tree.PositionRoot, false)

	p, err := f.engine.ForceUpgrade(f.ctx, "R", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if p.From != 0 || p.To != 3 {
		t.Errorf("promotion: %d -> %d, want 0 -> 3", p.From, p.To)
	}
}

func TestForeignCurrencyRejected(t *testing.T) {
	usdRules := bonus.DefaultFastTrackRules()
	usdRules.GrossPerMatch = types.USD(500)
	usdLadder := rank.DefaultLadder()
	usdLadder[1].Bonus = types.USD(1_000)

	tests := []struct {
		name string
		opt  bonus.Option
		want error
	}{
		{"fast track gross", bonus.WithFastTrackRules(usdRules), bonus.ErrInvalidInput},
		{"star match gross", bonus.WithStarMatchRules(usdRules), bonus.ErrInvalidInput},
		{"rank bonus", bonus.WithLadder(usdLadder), bonus.ErrInvalidRankLadder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bonus.New(memory.New(), tt.opt); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestInvalidLadderRejected(t *testing.T) {
	_, err := bonus.New(memory.New(), bonus.WithLadder(rank.Ladder{{Level: 0}}))
	if !errors.Is(err, bonus.ErrInvalidRankLadder) {
		t.Errorf("expected ErrInvalidRankLadder, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Wallet and scheduled jobs
// ──────────────────────────────────────────────────

func TestWeeklySweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)
	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)

	res, err := f.engine.SweepWeeklyEarnings(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Users != 1 || !res.Total.Equal(netPerFastTrack) {
		t.Errorf("first sweep: %+v", res)
	}

	res, err = f.engine.SweepWeeklyEarnings(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Users != 0 || !res.Total.IsZero() {
		t.Errorf("second sweep moved money: %+v", res)
	}

	s := f.status("R")
	if !s.Wallet.AvailableBalance.Equal(netPerFastTrack) || !s.Wallet.WeeklyEarnings.IsZero() {
		t.Errorf("wallet: %+v", s.Wallet)
	}
	weekly := f.payouts("R", payout.TypeWeeklyPayout)
	if len(weekly) != 1 || weekly[0].Metadata.Reference != "2026-W10" {
		t.Errorf("weekly records: %+v", weekly)
	}
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)
	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)
	if _, err := f.engine.SweepWeeklyEarnings(f.ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.RequestWithdrawal(f.ctx, "R", types.INR(50_000), "too-much"); !errors.Is(err, bonus.ErrInsufficientFund) {
		t.Errorf("expected ErrInsufficientFund, got %v", err)
	}
	if _, err := f.engine.RequestWithdrawal(f.ctx, "R", types.INR(0), "zero"); !errors.Is(err, bonus.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}

	approved, err := f.engine.RequestWithdrawal(f.ctx, "R", types.INR(20_000), "bank-1")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != payout.StatusPending {
		t.Errorf("status: got %s, want pending", approved.Status)
	}
	rejected, err := f.engine.RequestWithdrawal(f.ctx, "R", types.INR(10_000), "bank-2")
	if err != nil {
		t.Fatal(err)
	}

	s := f.status("R")
	if !s.Wallet.AvailableBalance.Equal(types.INR(16_500)) || !s.Wallet.PendingWithdrawal.Equal(types.INR(30_000)) {
		t.Errorf("after requests: %+v", s.Wallet)
	}

	if rec, err := f.engine.SettleWithdrawal(f.ctx, approved.ID, true); err != nil || rec.Status != payout.StatusCompleted {
		t.Fatalf("approve: %+v, %v", rec, err)
	}
	if rec, err := f.engine.SettleWithdrawal(f.ctx, rejected.ID, false); err != nil || rec.Status != payout.StatusFailed {
		t.Fatalf("reject: %+v, %v", rec, err)
	}
	if _, err := f.engine.SettleWithdrawal(f.ctx, approved.ID, true); !errors.Is(err, bonus.ErrPayoutNotPending) {
		t.Errorf("second settle: expected ErrPayoutNotPending, got %v", err)
	}

	s = f.status("R")
	if !s.Wallet.AvailableBalance.Equal(types.INR(26_500)) ||
		!s.Wallet.WithdrawnAmount.Equal(types.INR(20_000)) ||
		!s.Wallet.PendingWithdrawal.IsZero() {
		t.Errorf("after settlement: %+v", s.Wallet)
	}
}

func TestSettleRejectsNonWithdrawal(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)
	f.propagate("A", 0, 1000)
	m := fastTrack(t, f.propagate("B", 0, 500))

	if _, err := f.engine.SettleWithdrawal(f.ctx, m.Payout.ID, true); !errors.Is(err, bonus.ErrNotWithdrawal) {
		t.Errorf("expected ErrNotWithdrawal, got %v", err)
	}
}

func TestRacingSettlementsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	rootWithLegs(f)
	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)
	if _, err := f.engine.SweepWeeklyEarnings(f.ctx); err != nil {
		t.Fatal(err)
	}

	other, err := bonus.New(f.store,
		bonus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		bonus.WithClock(f.clock.Now),
		bonus.WithLocker(locker.NewLocal()),
	)
	if err != nil {
		t.Fatal(err)
	}

	for round := range 10 {
		w, err := f.engine.RequestWithdrawal(f.ctx, "R", types.INR(1_000), "race")
		if err != nil {
			t.Fatalf("round %d: request: %v", round, err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, e := range []*bonus.Engine{f.engine, other} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = e.SettleWithdrawal(f.ctx, w.ID, i == 0)
			}()
		}
		wg.Wait()

		won, lost := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, bonus.ErrPayoutNotPending):
				lost++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if won != 1 || lost != 1 {
			t.Fatalf("round %d: %d settled, %d rejected as not pending", round, won, lost)
		}
	}

	s := f.status("R")
	if !s.Wallet.PendingWithdrawal.IsZero() {
		t.Errorf("pending after settlements: %s", s.Wallet.PendingWithdrawal)
	}
	total := s.Wallet.AvailableBalance.Add(s.Wallet.WithdrawnAmount)
	if !total.Equal(netPerFastTrack) {
		t.Errorf("available + withdrawn: got %s, want %s", total, netPerFastTrack)
	}
}

// ──────────────────────────────────────────────────
// Concurrency
// ──────────────────────────────────────────────────

func TestConcurrentPropagationLosesNoVolume(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	parent := "R"
	for _, id := range []string{"N1", "N2", "N3", "N4", "N5", "N6"} {
		f.node(id, parent, tree.PositionLeft, false)
		parent = id
	}
	f.node("B", "R", tree.PositionRight, false)

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.engine.Propagate(f.ctx, bonus.PropagateInput{UserID: "N6", BV: 10, PV: 5, Reason: volume.ReasonSale})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.Propagate(f.ctx, bonus.PropagateInput{UserID: "B", BV: 7, Reason: volume.ReasonRepurchase})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, id := range []string{"R", "N1", "N2", "N3", "N4", "N5"} {
		s := f.status(id)
		if s.LeftLeg.BV != 10*workers || s.LeftLeg.PV != 5*workers {
			t.Errorf("%s left leg: got %+v, want BV %d PV %d", id, s.LeftLeg, 10*workers, 5*workers)
		}
	}
	if s := f.status("R"); s.RightLeg.BV != 7*workers {
		t.Errorf("R right leg: got %d, want %d", s.RightLeg.BV, 7*workers)
	}
	entries, err := f.engine.ListVolumeEntries(f.ctx, "R", volume.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2*workers {
		t.Errorf("R volume entries: got %d, want %d", len(entries), 2*workers)
	}
}

// interferingStore runs interfere once, just before the first ledger commit
// reaches the shared store, so that commit always loses the version race.
type interferingStore struct {
	*memory.Store
	once      sync.Once
	interfere func()
}

func (s *interferingStore) Commit(ctx context.Context, c *store.Commit) error {
	if c.Ledger != nil {
		s.once.Do(s.interfere)
	}
	return s.Store.Commit(ctx, c)
}

func TestCommitConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("A", "R", tree.PositionLeft, false)

	var logs bytes.Buffer
	shared := &interferingStore{Store: f.store}
	shared.interfere = func() {
		f.propagate("A", 7, 0)
	}
	other, err := bonus.New(shared,
		bonus.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		bonus.WithClock(f.clock.Now),
		bonus.WithLocker(locker.NewLocal()),
	)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := other.Propagate(f.ctx, bonus.PropagateInput{UserID: "A", BV: 10, Reason: volume.ReasonSale}); err != nil {
		t.Fatalf("Propagate after conflict: %v", err)
	}

	if !strings.Contains(logs.String(), "ledger commit conflict") {
		t.Errorf("no conflict retry logged:\n%s", logs.String())
	}
	if s := f.status("R"); s.LeftLeg.BV != 17 {
		t.Errorf("R left leg: got %d, want 17", s.LeftLeg.BV)
	}
	entries, err := f.engine.ListVolumeEntries(f.ctx, "R", volume.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("R volume entries: got %d, want 2", len(entries))
	}
}

func TestEnginesSharingStoreLoseNoVolume(t *testing.T) {
	f := newFixture(t)
	f.node("R", "", tree.PositionRoot, false)
	f.node("A", "R", tree.PositionLeft, false)
	f.node("A1", "A", tree.PositionLeft, false)
	f.node("B", "R", tree.PositionRight, false)

	retry := bonus.RetryPolicy{MaxTries: 200, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	var engines []*bonus.Engine
	for range 2 {
		e, err := bonus.New(f.store,
			bonus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			bonus.WithClock(f.clock.Now),
			bonus.WithLocker(locker.NewLocal()),
			bonus.WithRetryPolicy(retry),
		)
		if err != nil {
			t.Fatal(err)
		}
		engines = append(engines, e)
	}

	const perEngine = 20
	var wg sync.WaitGroup
	errs := make(chan error, 4*perEngine)
	for _, e := range engines {
		for range perEngine {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := e.Propagate(f.ctx, bonus.PropagateInput{UserID: "A1", BV: 3, PV: 1, Reason: volume.ReasonSale})
				errs <- err
			}()
			go func() {
				defer wg.Done()
				_, err := e.Propagate(f.ctx, bonus.PropagateInput{UserID: "B", BV: 2, Reason: volume.ReasonRepurchase})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	const sales = 2 * perEngine
	s := f.status("R")
	if s.LeftLeg.BV != 3*sales || s.LeftLeg.PV != sales || s.RightLeg.BV != 2*sales {
		t.Errorf("R legs: left %+v right %+v", s.LeftLeg, s.RightLeg)
	}
	if a := f.status("A"); a.LeftLeg.BV != 3*sales {
		t.Errorf("A left leg: got %d, want %d", a.LeftLeg.BV, 3*sales)
	}

	for id, want := range map[string]int{"R": 2 * sales, "A": sales} {
		entries, err := f.engine.ListVolumeEntries(f.ctx, id, volume.ListOpts{})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != want {
			t.Errorf("%s volume entries: got %d, want %d", id, len(entries), want)
		}
	}
}

// ──────────────────────────────────────────────────
// Plugins
// ──────────────────────────────────────────────────

type recordingPlugin struct {
	mu       sync.Mutex
	credited int
	closed   []string
	promoted int
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) OnVolumeCredited(_ context.Context, _ *volume.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credited++
	return nil
}

func (p *recordingPlugin) OnMatchClosed(_ context.Context, machine string, rec *payout.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, machine+":"+string(rec.Type))
	return nil
}

func (p *recordingPlugin) OnRankPromoted(_ context.Context, _ string, _ *ledger.RankChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted++
	return nil
}

func TestPluginHooksFireAfterCommit(t *testing.T) {
	rec := &recordingPlugin{}
	f := newFixture(t, bonus.WithPlugin(rec))
	rootWithLegs(f)

	f.propagate("A", 0, 1000)
	f.propagate("B", 0, 500)
	if _, err := f.engine.ForceUpgrade(f.ctx, "R", "admin"); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.credited != 2 {
		t.Errorf("credited: got %d, want 2", rec.credited)
	}
	if len(rec.closed) != 1 || rec.closed[0] != "fast_track:fast_track_bonus" {
		t.Errorf("closed: got %v", rec.closed)
	}
	if rec.promoted != 1 {
		t.Errorf("promoted: got %d, want 1", rec.promoted)
	}
}

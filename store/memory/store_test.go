package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/store/memory"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func putNodes(t *testing.T, s *memory.Store, nodes ...*tree.Node) {
	t.Helper()
	for _, n := range nodes {
		if err := s.PutNode(context.Background(), n); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTreeLookups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	putNodes(t, s,
		&tree.Node{ID: "R", Status: tree.StatusActive, Position: tree.PositionRoot, LeftChildID: "A", RightChildID: "B"},
		&tree.Node{ID: "A", Status: tree.StatusActive, Position: tree.PositionLeft, ParentID: "R"},
		// B was moved elsewhere; R's right pointer is stale.
		&tree.Node{ID: "B", Status: tree.StatusActive, Position: tree.PositionLeft, ParentID: "X"},
	)

	tests := []struct {
		name    string
		get     func() (*tree.Node, error)
		wantID  string
		wantErr error
	}{
		{"parent", func() (*tree.Node, error) { return s.GetParent(ctx, "A") }, "R", nil},
		{"root has no parent", func() (*tree.Node, error) { return s.GetParent(ctx, "R") }, "", bonus.ErrNodeNotFound},
		{"left child", func() (*tree.Node, error) { return s.GetChild(ctx, "R", tree.LegLeft) }, "A", nil},
		{"dangling child is a free slot", func() (*tree.Node, error) { return s.GetChild(ctx, "R", tree.LegRight) }, "", bonus.ErrNodeNotFound},
		{"empty slot", func() (*tree.Node, error) { return s.GetChild(ctx, "A", tree.LegLeft) }, "", bonus.ErrNodeNotFound},
		{"unknown node", func() (*tree.Node, error) { return s.GetNode(ctx, "nobody") }, "", bonus.ErrNodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.get()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if n.ID != tt.wantID {
				t.Errorf("got %s, want %s", n.ID, tt.wantID)
			}
		})
	}
}

func TestGetNodeReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	putNodes(t, s, &tree.Node{ID: "A", Status: tree.StatusActive})

	n, err := s.GetNode(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	n.Status = tree.StatusBlocked

	again, err := s.GetNode(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != tree.StatusActive {
		t.Errorf("stored node mutated through returned pointer")
	}
}

func TestCommitCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	l := ledger.New("A", now)
	if err := s.Commit(ctx, &store.Commit{Ledger: l}); err != nil {
		t.Fatal(err)
	}
	if l.Version != 1 {
		t.Errorf("version after insert: got %d, want 1", l.Version)
	}

	if err := s.Commit(ctx, &store.Commit{Ledger: ledger.New("A", now)}); !errors.Is(err, bonus.ErrConflict) {
		t.Errorf("second insert: expected ErrConflict, got %v", err)
	}

	stale, err := s.GetLedger(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.GetLedger(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}

	fresh.LeftLeg.BV = 100
	if err := s.Commit(ctx, &store.Commit{Ledger: fresh}); err != nil {
		t.Fatal(err)
	}

	stale.LeftLeg.BV = 50
	entry := &volume.Entry{ID: id.NewVolumeEntryID(), UserID: "A", Leg: tree.LegLeft, BV: 50, Reason: volume.ReasonSale, CreatedAt: now}
	if err := s.Commit(ctx, &store.Commit{Ledger: stale, Entries: []*volume.Entry{entry}}); !errors.Is(err, bonus.ErrConflict) {
		t.Fatalf("stale commit: expected ErrConflict, got %v", err)
	}

	got, err := s.GetLedger(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.LeftLeg.BV != 100 || got.Version != 2 {
		t.Errorf("ledger: BV %d version %d, want 100 and 2", got.LeftLeg.BV, got.Version)
	}
	entries, err := s.ListVolumeEntries(ctx, "A", volume.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed commit wrote %d entries", len(entries))
	}
}

func TestCommitPayoutTransitions(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	rec := payout.New("A", payout.TypeWithdrawal, payout.StatusPending, payout.Flat(types.Rupees(100)), payout.Metadata{}, now)
	if err := s.Commit(ctx, &store.Commit{Payouts: []*payout.Record{rec}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, &store.Commit{Payouts: []*payout.Record{rec}}); !errors.Is(err, bonus.ErrAlreadyExists) {
		t.Errorf("duplicate payout: expected ErrAlreadyExists, got %v", err)
	}

	done := payout.Transition{ID: rec.ID, From: payout.StatusPending, To: payout.StatusCompleted, At: now.Add(time.Hour)}
	if err := s.Commit(ctx, &store.Commit{Transitions: []payout.Transition{done}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, &store.Commit{Transitions: []payout.Transition{done}}); !errors.Is(err, bonus.ErrConflict) {
		t.Errorf("repeated transition: expected ErrConflict, got %v", err)
	}

	got, err := s.GetPayout(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != payout.StatusCompleted || !got.UpdatedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("after transition: %s at %s", got.Status, got.UpdatedAt)
	}

	if _, err := s.GetPayout(ctx, id.NewPayoutID()); !errors.Is(err, bonus.ErrPayoutNotFound) {
		t.Errorf("expected ErrPayoutNotFound, got %v", err)
	}
}

func TestListPayoutsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	var recs []*payout.Record
	for i, typ := range []payout.Type{payout.TypeFastTrackBonus, payout.TypeRankBonus, payout.TypeFastTrackBonus} {
		recs = append(recs, payout.New("A", typ, payout.StatusCompleted,
			payout.Flat(types.Rupees(10)), payout.Metadata{}, now.Add(time.Duration(i)*time.Minute)))
	}
	recs = append(recs, payout.New("B", payout.TypeFastTrackBonus, payout.StatusCompleted,
		payout.Flat(types.Rupees(10)), payout.Metadata{}, now))
	if err := s.Commit(ctx, &store.Commit{Payouts: recs}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts payout.ListOpts
		want []int
	}{
		{"all", payout.ListOpts{}, []int{2, 1, 0}},
		{"by type", payout.ListOpts{Type: payout.TypeFastTrackBonus}, []int{2, 0}},
		{"limit", payout.ListOpts{Limit: 1}, []int{2}},
		{"offset", payout.ListOpts{Offset: 1, Limit: 5}, []int{1, 0}},
		{"window", payout.ListOpts{Start: now.Add(time.Minute), End: now.Add(2 * time.Minute)}, []int{1}},
		{"past the end", payout.ListOpts{Offset: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListPayouts(ctx, "A", tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, idx := range tt.want {
				if got[i].ID.String() != recs[idx].ID.String() {
					t.Errorf("position %d: got %s, want record %d", i, got[i].ID, idx)
				}
			}
		})
	}
}

func TestListUserIDsFilters(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	idle := ledger.New("idle", now)
	closer := ledger.New("closer", now)
	closer.StarMatch.DailyClosings = 1
	earner := ledger.New("earner", now)
	earner.Wallet.Earn(types.Rupees(50))

	for _, l := range []*ledger.Ledger{idle, closer, earner} {
		if err := s.Commit(ctx, &store.Commit{Ledger: l}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		filter ledger.Filter
		want   []string
	}{
		{ledger.FilterAll, []string{"closer", "earner", "idle"}},
		{ledger.FilterDailyClosings, []string{"closer"}},
		{ledger.FilterWeeklyEarnings, []string{"earner"}},
	}
	for _, tt := range tests {
		got, err := s.ListUserIDs(ctx, ledger.ListOpts{Filter: tt.filter})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("filter %q: got %v, want %v", tt.filter, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("filter %q: got %v, want %v", tt.filter, got, tt.want)
				break
			}
		}
	}
}

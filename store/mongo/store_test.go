package mongo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/store/mongo"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
)

// openStore connects to BONUS_TEST_MONGO_URI, which must point at a replica
// set, and uses a fresh database. The tests are skipped when it is unset.
func openStore(t *testing.T) *mongo.Store {
	t.Helper()
	dsn := os.Getenv("BONUS_TEST_MONGO_URI")
	if dsn == "" {
		t.Skip("BONUS_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := mongo.Open(dsn, "bonus_test_"+time.Now().Format("150405000"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.DB().Drop(context.Background()) })
	return s
}

func TestMongoCommit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.PutNode(ctx, &tree.Node{ID: "A", Status: tree.StatusActive, Position: tree.PositionRoot}); err != nil {
		t.Fatal(err)
	}

	l := ledger.New("A", now)
	l.Credit(tree.LegLeft, ledger.Volume{BV: 100, PV: 50}, now)
	l.FastTrack.DailyClosings = 1
	l.Wallet.Earn(types.INR(46_500))

	rec := payout.New("A", payout.TypeFastTrackBonus, payout.StatusCompleted,
		payout.DefaultCharges().Apply(types.Rupees(500)), payout.Metadata{ClosingIndex: 1}, now)
	if err := s.Commit(ctx, &store.Commit{Ledger: l, Payouts: []*payout.Record{rec}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetLedger(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.LeftLeg.BV != 100 {
		t.Errorf("round trip: %+v", got)
	}

	ids, err := s.ListUserIDs(ctx, ledger.ListOpts{Filter: ledger.FilterDailyClosings})
	if err != nil || len(ids) != 1 {
		t.Errorf("daily filter: %v, %v", ids, err)
	}

	stale := got.Clone()
	if err := s.Commit(ctx, &store.Commit{Ledger: got}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, &store.Commit{Ledger: stale}); !errors.Is(err, bonus.ErrConflict) {
		t.Errorf("stale write: expected ErrConflict, got %v", err)
	}
	if err := s.Commit(ctx, &store.Commit{Payouts: []*payout.Record{rec}}); !errors.Is(err, bonus.ErrAlreadyExists) {
		t.Errorf("duplicate payout: expected ErrAlreadyExists, got %v", err)
	}

	tr := payout.Transition{ID: rec.ID, From: payout.StatusPending, To: payout.StatusCompleted, At: now}
	if err := s.Commit(ctx, &store.Commit{Transitions: []payout.Transition{tr}}); !errors.Is(err, bonus.ErrConflict) {
		t.Errorf("transition from wrong status: expected ErrConflict, got %v", err)
	}
}

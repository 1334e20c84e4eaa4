package store

import (
	"context"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

// Store is the unified storage interface for the engine. Tree methods come
// from tree.Store; the rest are declared explicitly.
type Store interface {
	tree.Store

	// Ledger methods
	GetLedger(ctx context.Context, userID string) (*ledger.Ledger, error)
	ListUserIDs(ctx context.Context, opts ledger.ListOpts) ([]string, error)

	// Payout methods
	GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Record, error)
	ListPayouts(ctx context.Context, userID string, opts payout.ListOpts) ([]*payout.Record, error)

	// Volume methods
	ListVolumeEntries(ctx context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error)

	// Commit writes one unit of work atomically.
	Commit(ctx context.Context, c *Commit) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Commit is everything one critical section produced for a single user.
//
// The ledger is written with a compare-and-swap on Ledger.Version: a ledger
// with Version 0 must not exist yet, any other version must match the
// stored one. On success the store bumps Ledger.Version. Payout records and
// volume entries are inserted and transitions applied in the same
// transaction; any failure leaves nothing written. A lost CAS or a
// transition whose record is no longer in its From status returns
// bonus.ErrConflict.
type Commit struct {
	Ledger      *ledger.Ledger
	Payouts     []*payout.Record
	Entries     []*volume.Entry
	Transitions []payout.Transition
}

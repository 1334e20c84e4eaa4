// Package memory is an in-process store.Store for tests and single-node
// development. Every read returns a copy, so callers can mutate results
// freely.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/store"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	nodes   map[string]*tree.Node
	ledgers map[string]*ledger.Ledger

	// Payouts by ID, plus per-user insertion order
	payouts     map[string]*payout.Record
	userPayouts map[string][]string

	// Volume entries per credited user, in insertion order
	entries map[string][]*volume.Entry
}

func New() *Store {
	return &Store{
		nodes:       make(map[string]*tree.Node),
		ledgers:     make(map[string]*ledger.Ledger),
		payouts:     make(map[string]*payout.Record),
		userPayouts: make(map[string][]string),
		entries:     make(map[string][]*volume.Entry),
	}
}

// ──────────────────────────────────────────────────
// Tree
// ──────────────────────────────────────────────────

func (s *Store) GetNode(_ context.Context, userID string) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node(userID)
}

func (s *Store) node(userID string) (*tree.Node, error) {
	n, ok := s.nodes[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bonus.ErrNodeNotFound, userID)
	}
	c := *n
	return &c, nil
}

func (s *Store) PutNode(_ context.Context, n *tree.Node) error {
	if n.ID == "" {
		return bonus.ValidationError{Field: "id", Message: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	s.nodes[n.ID] = &c
	return nil
}

func (s *Store) GetParent(_ context.Context, userID string) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: %s has no parent", bonus.ErrNodeNotFound, userID)
	}
	return s.node(n.ParentID)
}

func (s *Store) GetChild(_ context.Context, userID string, leg tree.Leg) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.node(userID)
	if err != nil {
		return nil, err
	}
	childID := n.ChildID(leg)
	if childID == "" {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	c, err := s.node(childID)
	if err != nil {
		return nil, err
	}
	if c.ParentID != n.ID {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────

func (s *Store) GetLedger(_ context.Context, userID string) (*ledger.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bonus.ErrLedgerNotFound, userID)
	}
	return l.Clone(), nil
}

func (s *Store) ListUserIDs(_ context.Context, opts ledger.ListOpts) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0)
	for userID, l := range s.ledgers {
		if matchFilter(l, opts.Filter) {
			result = append(result, userID)
		}
	}
	slices.Sort(result)

	return page(result, opts.Offset, opts.Limit), nil
}

func matchFilter(l *ledger.Ledger, f ledger.Filter) bool {
	switch f {
	case ledger.FilterDailyClosings:
		return l.FastTrack.DailyClosings > 0 || l.StarMatch.DailyClosings > 0
	case ledger.FilterWeeklyEarnings:
		return l.Wallet.WeeklyEarnings.IsPositive()
	default:
		return true
	}
}

// ──────────────────────────────────────────────────
// Payouts and volume
// ──────────────────────────────────────────────────

func (s *Store) GetPayout(_ context.Context, payoutID id.PayoutID) (*payout.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.payouts[payoutID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, payoutID)
	}
	c := *r
	return &c, nil
}

func (s *Store) ListPayouts(_ context.Context, userID string, opts payout.ListOpts) ([]*payout.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*payout.Record, 0)
	for _, pid := range s.userPayouts[userID] {
		r := s.payouts[pid]
		if opts.Match(r) {
			c := *r
			result = append(result, &c)
		}
	}
	slices.SortStableFunc(result, func(a, b *payout.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListVolumeEntries(_ context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*volume.Entry, 0)
	entries := s.entries[userID]
	for i := len(entries) - 1; i >= 0; i-- {
		if opts.Match(entries[i]) {
			c := *entries[i]
			result = append(result, &c)
		}
	}

	return page(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Commit
// ──────────────────────────────────────────────────

func (s *Store) Commit(_ context.Context, c *store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state.
	if l := c.Ledger; l != nil {
		existing, ok := s.ledgers[l.UserID]
		switch {
		case l.Version == 0 && ok:
			return fmt.Errorf("%w: ledger %s already exists", bonus.ErrConflict, l.UserID)
		case l.Version != 0 && (!ok || existing.Version != l.Version):
			return fmt.Errorf("%w: ledger %s version %d is stale", bonus.ErrConflict, l.UserID, l.Version)
		}
	}
	for _, r := range c.Payouts {
		if _, ok := s.payouts[r.ID.String()]; ok {
			return fmt.Errorf("%w: payout %s", bonus.ErrAlreadyExists, r.ID)
		}
	}
	for _, t := range c.Transitions {
		r, ok := s.payouts[t.ID.String()]
		if !ok {
			return fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, t.ID)
		}
		if r.Status != t.From {
			return fmt.Errorf("%w: payout %s is %s, not %s", bonus.ErrConflict, t.ID, r.Status, t.From)
		}
	}

	if l := c.Ledger; l != nil {
		l.Version++
		s.ledgers[l.UserID] = l.Clone()
	}
	for _, r := range c.Payouts {
		rc := *r
		s.payouts[r.ID.String()] = &rc
		s.userPayouts[r.UserID] = append(s.userPayouts[r.UserID], r.ID.String())
	}
	for _, e := range c.Entries {
		ec := *e
		s.entries[e.UserID] = append(s.entries[e.UserID], &ec)
	}
	for _, t := range c.Transitions {
		r := s.payouts[t.ID.String()]
		r.Status = t.To
		r.Touch(t.At)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func page[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

package bonus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/types"
)

// listPageSize is how many user IDs a scheduled job reads per page.
const listPageSize = 500

// RequestWithdrawal moves amount from the available balance into pending
// withdrawal and writes a pending withdrawal record. The external approval
// workflow settles it with SettleWithdrawal.
func (e *Engine) RequestWithdrawal(ctx context.Context, userID string, amount types.Money, reference string) (*payout.Record, error) {
	if userID == "" {
		return nil, ValidationError{Field: "user_id", Message: "required"}
	}
	if !amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "must be positive"}
	}

	var rec *payout.Record
	_, err := e.mutate(ctx, userID, func(u *unit) error {
		w := &u.ledger.Wallet
		if w.AvailableBalance.LessThan(amount) {
			return fmt.Errorf("%w: %s requested, %s available", ErrInsufficientFund, amount, w.AvailableBalance)
		}
		w.AvailableBalance = w.AvailableBalance.Subtract(amount)
		w.PendingWithdrawal = w.PendingWithdrawal.Add(amount)

		rec = payout.New(userID, payout.TypeWithdrawal, payout.StatusPending,
			payout.Flat(amount), payout.Metadata{Reference: reference}, u.now)
		u.record(rec)
		u.onCommit(func(ctx context.Context) {
			e.plugins.EmitPayoutRecorded(ctx, rec)
			e.plugins.EmitWithdrawalRequested(ctx, rec)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("withdrawal requested",
		"user_id", userID,
		"payout_id", rec.ID.String(),
		"amount", amount.String(),
	)
	return rec, nil
}

// SettleWithdrawal completes or rejects a pending withdrawal. Approval moves
// the amount to WithdrawnAmount; rejection refunds it to AvailableBalance.
// The pending status is checked again under the member's lock, so of two
// racing settlements the loser gets ErrPayoutNotPending.
func (e *Engine) SettleWithdrawal(ctx context.Context, payoutID id.PayoutID, approved bool) (*payout.Record, error) {
	rec, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if rec.Type != payout.TypeWithdrawal {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotWithdrawal, payoutID, rec.Type)
	}
	if rec.Status != payout.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrPayoutNotPending, payoutID, rec.Status)
	}

	to := payout.StatusFailed
	if approved {
		to = payout.StatusCompleted
	}

	var settled payout.Record
	_, err = e.mutate(ctx, rec.UserID, func(u *unit) error {
		cur, err := e.store.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if cur.Status != payout.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrPayoutNotPending, payoutID, cur.Status)
		}
		settled = *cur

		w := &u.ledger.Wallet
		w.PendingWithdrawal = w.PendingWithdrawal.Subtract(rec.Net)
		if approved {
			w.WithdrawnAmount = w.WithdrawnAmount.Add(rec.Net)
		} else {
			w.AvailableBalance = w.AvailableBalance.Add(rec.Net)
		}
		u.transitions = append(u.transitions, payout.Transition{
			ID:   rec.ID,
			From: payout.StatusPending,
			To:   to,
			At:   u.now,
		})
		settled.Status = to
		settled.Touch(u.now)
		u.onCommit(func(ctx context.Context) {
			e.plugins.EmitWithdrawalSettled(ctx, &settled)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("withdrawal settled",
		"user_id", rec.UserID,
		"payout_id", payoutID.String(),
		"status", to,
	)
	return &settled, nil
}

// ResetDailyClosings zeroes both matchers' daily closing counters for every
// ledger that has any. It returns the number of ledgers reset.
func (e *Engine) ResetDailyClosings(ctx context.Context) (int, error) {
	start := time.Now()

	n, _, err := e.forEachUser(ctx, ledger.FilterDailyClosings, func(ctx context.Context, userID string) (bool, types.Money, error) {
		changed := false
		_, err := e.mutate(ctx, userID, func(u *unit) error {
			l := u.ledger
			changed = l.FastTrack.DailyClosings > 0 || l.StarMatch.DailyClosings > 0
			if !changed {
				return errNoChange
			}
			l.FastTrack.DailyClosings = 0
			l.StarMatch.DailyClosings = 0
			return nil
		})
		return changed, types.Money{}, err
	})

	elapsed := time.Since(start)
	e.plugins.EmitDailyReset(ctx, n, elapsed)
	e.logger.Info("daily closings reset", "users", n, "elapsed_ms", elapsed.Milliseconds())
	return n, err
}

// SweepResult summarizes one weekly sweep.
type SweepResult struct {
	Users int         `json:"users"`
	Total types.Money `json:"total"`
}

// SweepWeeklyEarnings moves every positive WeeklyEarnings buffer into the
// available balance with a weekly_payout record. Running it again finds
// nothing to move.
func (e *Engine) SweepWeeklyEarnings(ctx context.Context) (*SweepResult, error) {
	start := time.Now()

	n, total, err := e.forEachUser(ctx, ledger.FilterWeeklyEarnings, func(ctx context.Context, userID string) (bool, types.Money, error) {
		var swept types.Money
		_, err := e.mutate(ctx, userID, func(u *unit) error {
			swept = types.Money{}
			w := &u.ledger.Wallet
			if !w.WeeklyEarnings.IsPositive() {
				return errNoChange
			}
			swept = w.WeeklyEarnings
			w.AvailableBalance = w.AvailableBalance.Add(swept)
			w.WeeklyEarnings = types.Zero(swept.Currency)

			year, week := u.now.ISOWeek()
			rec := payout.New(userID, payout.TypeWeeklyPayout, payout.StatusCompleted,
				payout.Flat(swept), payout.Metadata{Reference: fmt.Sprintf("%d-W%02d", year, week)}, u.now)
			u.record(rec)
			u.onCommit(func(ctx context.Context) {
				e.plugins.EmitPayoutRecorded(ctx, rec)
			})
			return nil
		})
		return swept.IsPositive(), swept, err
	})

	res := &SweepResult{Users: n, Total: total}
	elapsed := time.Since(start)
	e.plugins.EmitWeeklySweep(ctx, n, total, elapsed)
	e.logger.Info("weekly earnings swept",
		"users", n,
		"total", total.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return res, err
}

// forEachUser runs fn for every user matching filter with bounded
// concurrency and returns how many reported a change and the sum of their
// amounts. Per-user failures are collected into a MultiError; they do not
// stop the other users.
func (e *Engine) forEachUser(ctx context.Context, filter ledger.Filter, fn func(context.Context, string) (bool, types.Money, error)) (int, types.Money, error) {
	var userIDs []string
	for offset := 0; ; offset += listPageSize {
		page, err := e.store.ListUserIDs(ctx, ledger.ListOpts{Filter: filter, Limit: listPageSize, Offset: offset})
		if err != nil {
			return 0, types.Zero(types.DefaultCurrency), err
		}
		userIDs = append(userIDs, page...)
		if len(page) < listPageSize {
			break
		}
	}

	var (
		mu    sync.Mutex
		count int
		total = types.Zero(types.DefaultCurrency)
		errs  MultiError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			changed, amount, err := fn(gctx, userID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs.Add(fmt.Errorf("%s: %w", userID, err))
				return nil
			}
			if changed {
				count++
				total = total.Add(amount)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return count, total, err
	}
	if errs.HasErrors() {
		return count, total, errs
	}
	return count, total, nil
}

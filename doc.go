// Package bonus provides the binary-tree volume propagation and bonus
// matching engine of an MLM back office.
//
// Bonus is a library, not a service. The host application owns placement,
// orders and authentication; it calls the engine whenever a sale or
// activation produces volume. The engine:
//
//   - Walks the placement tree upward and credits BV/PV to each active
//     ancestor's correct leg
//   - Runs Fast Track matching on PV and Star Matching on stars, with
//     first-match ratios, daily caps, flash-out windows and scheduled
//     deductions
//   - Promotes members up a rank ladder and sends stars upline
//   - Keeps an append-only payout ledger and a weekly earnings buffer
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/bonus"
//	    "github.com/xraph/bonus/store/postgres"
//	)
//
//	s, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := bonus.New(s)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	res, err := engine.Propagate(ctx, bonus.PropagateInput{
//	    UserID:      buyerID,
//	    BV:          1000,
//	    PV:          500,
//	    Reason:      volume.ReasonSale,
//	    ReferenceID: orderID,
//	})
//
// # Matching
//
// Every ancestor credited with PV is evaluated by the Fast Track matcher
// inside the same per-user critical section. A match consumes the pending
// and carried-forward volume of both legs, pays a fixed gross amount net of
// admin charge and TDS, and leaves the unmatched remainder as carry forward.
// The 3rd, 6th, 9th and 12th closings are deductions: the net is forfeited.
// The index counts every bonus and deduction closing the member has ever
// made, so promotions do not move the schedule. The 12th also forces a
// promotion.
//
// Promotions pay a one-time rank bonus and grant stars to the nearest active
// ancestor, whose Star matcher may close a match, earn stars and promote in
// turn. Grants are processed as a queue, one ancestor at a time.
//
// # Concurrency
//
// Each read-modify-write of a ledger runs under a per-user lock
// (locker.Local in process, locker.Redis across instances) and is committed
// atomically with a version check. Version conflicts are retried with
// exponential backoff.
//
// All monetary amounts are integer paise; percentages are applied with
// decimal arithmetic and rounded half away from zero.
//
// # TypeID
//
// Records the engine creates use TypeIDs:
//
//	pay_01h2xcejqtf2nbrexx3vqjhp41  // Payout record
//	vol_01h2xcejqtf2nbrexx3vqjhp41  // Volume entry
//	rnk_01h455vb4pex5vsknk084sn02q  // Rank change
package bonus

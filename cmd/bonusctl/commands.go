package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/payout"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/types"
	"github.com/xraph/bonus/volume"
)

// ==================== Store ====================

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := g.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func nodeCmd(g *globals) *cobra.Command {
	var (
		parent, sponsor, position, status string
		leftDirects, rightDirects         int
	)

	cmd := &cobra.Command{
		Use:   "node [user-id]",
		Short: "Create or replace a placement tree node",
		Long: `Writes one node of the placement tree. The parent's child pointer is
updated to match the node's position.

Examples:
  bonusctl node root --position root --left-directs 1 --right-directs 1
  bonusctl node alice --parent root --position left`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			now := time.Now().UTC()
			n := &tree.Node{
				Entity:             types.NewEntity(now),
				ID:                 args[0],
				Status:             tree.Status(status),
				Position:           tree.Position(position),
				ParentID:           parent,
				SponsorID:          sponsor,
				ActiveLeftDirects:  leftDirects,
				ActiveRightDirects: rightDirects,
			}
			if existing, err := s.GetNode(ctx, n.ID); err == nil {
				n.LeftChildID, n.RightChildID = existing.LeftChildID, existing.RightChildID
				n.CreatedAt = existing.CreatedAt
			}
			if err := s.PutNode(ctx, n); err != nil {
				return err
			}

			if leg, ok := n.Position.Leg(); ok && parent != "" {
				p, err := s.GetNode(ctx, parent)
				if err != nil {
					return fmt.Errorf("parent %s: %w", parent, err)
				}
				if leg == tree.LegLeft {
					p.LeftChildID = n.ID
				} else {
					p.RightChildID = n.ID
				}
				p.UpdatedAt = now
				if err := s.PutNode(ctx, p); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "node %s saved\n", n.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "placement parent")
	cmd.Flags().StringVar(&sponsor, "sponsor", "", "referring member")
	cmd.Flags().StringVar(&position, "position", string(tree.PositionRoot), "left, right or root")
	cmd.Flags().StringVar(&status, "status", string(tree.StatusActive), "active, inactive or blocked")
	cmd.Flags().IntVar(&leftDirects, "left-directs", 0, "active direct referrals on the left leg")
	cmd.Flags().IntVar(&rightDirects, "right-directs", 0, "active direct referrals on the right leg")

	return cmd
}

// ==================== Volume ====================

func propagateCmd(g *globals) *cobra.Command {
	var (
		in     bonus.PropagateInput
		leg    string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "propagate [user-id]",
		Short: "Credit a purchase's volume to every active upline member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			in.UserID = args[0]
			in.Leg = tree.Leg(leg)
			in.Reason = volume.Reason(reason)

			res, err := eng.Propagate(ctx, in)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "credited %d, skipped %d, stopped: %s\n", len(res.Credited), len(res.Skipped), res.StopReason)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USER\tLEG\tFAST TRACK")
				for _, c := range res.Credited {
					outcome := "-"
					if c.FastTrack != nil {
						outcome = string(c.FastTrack.Outcome)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.UserID, c.Leg, outcome)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().Int64Var(&in.BV, "bv", 0, "business volume")
	cmd.Flags().Int64Var(&in.PV, "pv", 0, "point volume")
	cmd.Flags().StringVar(&leg, "leg", "", "side the user sits on, when the tree cannot tell")
	cmd.Flags().StringVar(&reason, "reason", string(volume.ReasonSale), "sale, activation, repurchase or adjustment")
	cmd.Flags().StringVar(&in.ReferenceID, "ref", "", "order or adjustment reference")

	return cmd
}

// ==================== Queries ====================

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status [user-id]",
		Short: "Show a member's volume, matching, rank and wallet state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := eng.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
		},
	}
}

func printStatus(w io.Writer, st *bonus.BonusStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "User:\t%s\n", st.UserID)
	fmt.Fprintf(tw, "Qualified:\t%t\n", st.Qualified)
	fmt.Fprintf(tw, "Rank:\t%d %s (stars %d, next at %d)\n", st.Rank, st.RankName, st.CumulativeStars, st.NextRankThreshold)
	fmt.Fprintf(tw, "Left leg:\tBV %d\tPV %d\n", st.LeftLeg.BV, st.LeftLeg.PV)
	fmt.Fprintf(tw, "Right leg:\tBV %d\tPV %d\n", st.RightLeg.BV, st.RightLeg.PV)

	for _, m := range []struct {
		name string
		ms   bonus.MachineStatus
	}{{"Fast Track", st.FastTrack}, {"Star Match", st.StarMatch}} {
		fmt.Fprintf(tw, "%s:\tleft %d\tright %d\tclosings %d (today %d/%d)\n",
			m.name, m.ms.AvailableLeft, m.ms.AvailableRight, m.ms.Closings, m.ms.DailyClosings, m.ms.DailyCap)
	}

	fmt.Fprintf(tw, "Available:\t%s\n", st.Wallet.AvailableBalance)
	fmt.Fprintf(tw, "This week:\t%s\n", st.Wallet.WeeklyEarnings)
	fmt.Fprintf(tw, "Pending withdrawal:\t%s\n", st.Wallet.PendingWithdrawal)
	fmt.Fprintf(tw, "Total earned:\t%s\n", st.Wallet.TotalEarnings)
}

func payoutsCmd(g *globals) *cobra.Command {
	var (
		typ, status   string
		limit, offset int
	)

	cmd := &cobra.Command{
		Use:   "payouts [user-id]",
		Short: "List a member's payout records, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := eng.ListPayouts(ctx, args[0], payout.ListOpts{
				Type:   payout.Type(typ),
				Status: payout.Status(status),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), recs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tGROSS\tNET\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Type, r.Status, r.Gross, r.Net, r.CreatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "filter by payout type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

// ==================== Wallet ====================

func withdrawCmd(g *globals) *cobra.Command {
	var ref string

	cmd := &cobra.Command{
		Use:   "withdraw [user-id] [paise]",
		Short: "Request a withdrawal from the available balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var paise int64
			if _, err := fmt.Sscan(args[1], &paise); err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}

			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := eng.RequestWithdrawal(ctx, args[0], types.INR(paise), ref)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), rec, func(w io.Writer) {
				fmt.Fprintf(w, "withdrawal %s pending for %s\n", rec.ID, rec.Net)
			})
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "bank or UPI reference")
	return cmd
}

func settleCmd(g *globals) *cobra.Command {
	var reject bool

	cmd := &cobra.Command{
		Use:   "settle [payout-id]",
		Short: "Approve or reject a pending withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payoutID, err := id.ParsePayoutID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := eng.SettleWithdrawal(ctx, payoutID, !reject)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), rec, func(w io.Writer) {
				fmt.Fprintf(w, "withdrawal %s is %s\n", rec.ID, rec.Status)
			})
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject and refund instead of approving")
	return cmd
}

// ==================== Rank ====================

func forceUpgradeCmd(g *globals) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-upgrade [user-id]",
		Short: "Promote a member one rank regardless of stars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := eng.ForceUpgrade(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "%s promoted %d -> %d, %d stars sent upline\n", p.UserID, p.From, p.To, p.StarsGranted)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "audit reason")
	return cmd
}

// ==================== Jobs ====================

func resetDailyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Zero every member's daily closing counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := eng.ResetDailyClosings(ctx)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), map[string]int{"users": n}, func(w io.Writer) {
				fmt.Fprintf(w, "reset %d members\n", n)
			})
		},
	}
}

func sweepWeeklyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-weekly",
		Short: "Move weekly earnings into available balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := eng.SweepWeeklyEarnings(ctx)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "swept %s from %d members\n", res.Total, res.Users)
			})
		},
	}
}

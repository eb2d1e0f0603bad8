package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"farmcore/internal/app"
	"farmcore/internal/config"
	"farmcore/internal/intake"
	"farmcore/internal/ledger"
	"farmcore/internal/positions"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "farmctl",
		Short:        "Operator tool for the farmcore ledger",
		SilenceUsage: true,
	}

	root.AddCommand(
		newBalanceCmd(),
		newHistoryCmd(),
		newReconcileCmd(),
		newTickCmd(),
		newDepositCmd(),
		newLevelsCmd(),
		newChainCmd(),
		newPackagesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openCore connects to the configured backend. Operator commands log only
// warnings and above, to stderr.
func openCore(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return app.Open(ctx, cfg, logger)
}

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Show both balances of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			bal, err := core.Ledger.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			renderBalance(bal)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var typ, currency string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "List ledger entries of a user, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			f := ledger.EntryFilter{Limit: limit, Offset: offset}
			if typ != "" {
				if f.Type, err = ledger.ParseTxType(typ); err != nil {
					return err
				}
			}
			if currency != "" {
				if f.Currency, err = ledger.ParseCurrency(currency); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			entries, err := core.Ledger.History(ctx, userID, f)
			if err != nil {
				return err
			}
			renderHistory(userID, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only entries of this type")
	cmd.Flags().StringVar(&currency, "currency", "", "only entries in this currency")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size (max 200)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile [USER_ID...]",
		Short: "Recompute balances from the ledger and correct drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass user ids or --all")
			}
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseUserID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			ctx := cmd.Context()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			var reports []ledger.ReconcileReport
			var errs []error
			if all {
				reports, errs = core.ReconcileAll(ctx)
			} else {
				reports, errs = core.ReconcileUsers(ctx, ids)
			}
			renderReconcile(reports, errs)
			if len(errs) > 0 {
				return fmt.Errorf("%d user(s) could not be reconciled", len(errs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every user")
	return cmd
}

func newTickCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the accrual scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			if !once {
				printInfo("Running scheduler until interrupted.")
				return core.Scheduler.Run(ctx)
			}
			rep, err := core.Scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			renderTick(rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func newDepositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit USER_ID REFERENCE AMOUNT CURRENCY",
		Short: "Replay an observed deposit through the dedup gate",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			amount, err := ledger.ParseAmount(args[2])
			if err != nil {
				return err
			}
			cur, err := ledger.ParseCurrency(args[3])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			res, err := core.Intake.ProcessDeposit(ctx, intake.DepositRequest{
				UserID:            userID,
				ExternalReference: args[1],
				Amount:            amount,
				Currency:          cur,
			})
			if err != nil {
				return err
			}
			renderGateResult(res)
			if res.Outcome == intake.OutcomeRejected {
				return res.Err
			}
			return nil
		},
	}
}

func newLevelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "levels USER_ID",
		Short: "Referral counts and income per level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			stats, err := core.Referrals.LevelStats(ctx, userID)
			if err != nil {
				return err
			}
			renderLevels(userID, stats)
			return nil
		},
	}
}

func newChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain USER_ID",
		Short: "Show the inviter chain a reward would cascade through",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			core, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			chain, err := core.Referrals.Chain(ctx, userID)
			if err != nil {
				return err
			}
			renderChain(userID, chain)
			return nil
		},
	}
}

func newPackagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List boost packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			renderPackages(positions.Packages())
			return nil
		},
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/propledger/reconciler/internal/domain"
	"github.com/propledger/reconciler/internal/money"
	"github.com/propledger/reconciler/internal/reconciliation"
	"github.com/propledger/reconciler/internal/repository"
)

var (
	reconProperty string
	reconPeriod   string
	reconSkip     []string
	reconManual   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation session in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := strategyFlags(reconSkip, !reconManual)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.recon.CreateSession(cmd.Context(), reconProperty, reconPeriod)
		if err != nil {
			return err
		}
		sum, err := a.recon.RunSessionAndWait(cmd.Context(), sess.ID, &flags)
		if err != nil {
			return err
		}
		if err := printSummary(cmd, a, sum); err != nil {
			return err
		}
		if sum.State != domain.SessionCompleted {
			return fmt.Errorf("session %s ended %s: %s", sum.SessionID, sum.State, sum.Detail)
		}
		return nil
	},
}

// strategyFlags enables every strategy except those named in skip.
func strategyFlags(skip []string, autoResolve bool) (domain.StrategyFlags, error) {
	f := domain.DefaultStrategyFlags()
	f.AutoResolve = autoResolve
	for _, s := range skip {
		switch domain.MatchType(strings.ToLower(strings.TrimSpace(s))) {
		case domain.MatchExact:
			f.UseExact = false
		case domain.MatchRule, "rules":
			f.UseRules = false
		case domain.MatchCalculated:
			f.UseCalculated = false
		case domain.MatchFuzzy:
			f.UseFuzzy = false
		case domain.MatchInferred:
			f.UseInferred = false
		default:
			return f, fmt.Errorf("unknown strategy %q", s)
		}
	}
	if !f.Any() {
		return f, fmt.Errorf("at least one strategy must stay enabled")
	}
	return f, nil
}

func printSummary(cmd *cobra.Command, a *app, sum *reconciliation.Summary) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session    %s\n", sum.SessionID)
	fmt.Fprintf(out, "state      %s\n", sum.State)
	fmt.Fprintf(out, "partitions %d\n", sum.Partitions)
	fmt.Fprintf(out, "matches    %d (%d tentative)\n", sum.Matches, sum.Tentative)
	fmt.Fprintf(out, "unmatched  %d\n", sum.Discrepancies)
	for _, e := range sum.StrategyErrors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
	if sum.State != domain.SessionCompleted {
		return nil
	}

	matches, err := a.repos.Matches.List(ctx, repository.MatchFilter{SessionID: sum.SessionID})
	if err != nil {
		return err
	}
	discs, err := a.repos.Discrepancies.List(ctx, repository.DiscrepancyFilter{SessionID: sum.SessionID})
	if err != nil {
		return err
	}
	printTiers(out, matches, discs)

	sess, err := a.repos.Sessions.Get(ctx, sum.SessionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nhealth")
	for _, p := range domain.Personas {
		hs, err := a.recon.HealthScore(ctx, sess.PropertyID, sess.PeriodID, p)
		if err != nil {
			return err
		}
		closeable := "closeable"
		if !hs.PeriodCloseable {
			closeable = "blocked: " + strings.Join(hs.BlockingReasons, "; ")
		}
		fmt.Fprintf(out, "  %-10s %6.2f  %s\n", p, hs.CompositeScore, closeable)
	}
	return nil
}

func printTiers(out io.Writer, matches []domain.Match, discs []domain.Discrepancy) {
	var counts [4]int
	for _, m := range matches {
		if m.State.Tier >= domain.Tier0 {
			counts[m.State.Tier]++
		}
	}
	for _, d := range discs {
		if d.State.Tier >= domain.Tier0 {
			counts[d.State.Tier]++
		}
	}
	fmt.Fprintf(out, "\ntiers      0:%d  1:%d  2:%d  3:%d\n", counts[0], counts[1], counts[2], counts[3])
	for _, d := range discs {
		fmt.Fprintf(out, "  tier %d  %s %-8s %14s  %s\n",
			d.State.Tier, d.DocumentType, d.AccountCode, money.Format(d.Amount), d.Reason)
	}
}

func init() {
	f := reconcileCmd.Flags()
	f.StringVar(&reconProperty, "property", "", "property id")
	f.StringVar(&reconPeriod, "period", "", "period id, e.g. 2024-12")
	f.StringSliceVar(&reconSkip, "skip", nil, "strategies to disable: exact, rule, calculated, fuzzy, inferred")
	f.BoolVar(&reconManual, "no-auto-resolve", false, "leave tier 0 items pending for review")
	_ = reconcileCmd.MarkFlagRequired("property")
	_ = reconcileCmd.MarkFlagRequired("period")
}

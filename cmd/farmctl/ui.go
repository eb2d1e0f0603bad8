package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"farmcore/internal/accrual"
	"farmcore/internal/intake"
	"farmcore/internal/ledger"
	"farmcore/internal/positions"
	"farmcore/internal/referral"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)

	hundred = decimal.NewFromInt(100)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func renderBalance(b ledger.Balance) {
	accent.Printf("\n== USER %d ==\n", b.UserID)
	fmt.Printf("%-10s %20s\n", "PRIMARY", formatMicros(b.PrimaryMicros))
	fmt.Printf("%-10s %20s\n", "SECONDARY", formatMicros(b.SecondaryMicros))
	fmt.Println()
}

func renderHistory(userID int64, entries []ledger.Entry) {
	accent.Printf("\n== HISTORY USER %d ==\n", userID)
	if len(entries) == 0 {
		printInfo("No ledger entries.")
		return
	}
	fmt.Printf("%-8s %-20s %-22s %-10s %20s  %s\n", "ID", "TIME", "TYPE", "CURRENCY", "DELTA", "DEDUP KEY")
	for _, e := range entries {
		delta := colorizeMicros(e.DeltaMicros)
		if !e.Type.AffectsBalance() {
			delta = neutral.Sprint("(" + formatMicros(e.AmountMicros) + ")")
		}
		fmt.Printf("%-8d %-20s %-22s %-10s %20s  %s\n",
			e.ID,
			e.CreatedAt.Format(time.DateTime),
			e.Type,
			e.Currency,
			delta,
			truncate(e.DedupKey, 48),
		)
	}
	fmt.Println()
}

func renderReconcile(reports []ledger.ReconcileReport, errs []error) {
	accent.Println("\n== RECONCILE ==")
	corrected := 0
	for _, r := range reports {
		for _, d := range r.Corrected {
			corrected++
			printWarn(fmt.Sprintf("user %d %s: %s -> %s (entry %d)",
				r.UserID, d.Currency, formatMicros(d.Observed), formatMicros(d.Expected), d.EntryID))
		}
	}
	for _, err := range errs {
		printError(err.Error())
	}
	if corrected == 0 && len(errs) == 0 {
		printSuccess(fmt.Sprintf("%d user(s) checked, no drift.", len(reports)))
		return
	}
	printInfo(fmt.Sprintf("%d user(s) checked, %d correction(s), %d failure(s).", len(reports), corrected, len(errs)))
}

func renderTick(rep accrual.TickReport) {
	accent.Println("\n== ACCRUAL TICK ==")
	if rep.Skipped {
		printWarn("Skipped: another scheduler holds the lease.")
		return
	}
	fmt.Printf("%-12s %d\n", "positions", rep.Positions)
	fmt.Printf("%-12s %d\n", "paid", rep.Paid)
	fmt.Printf("%-12s %d\n", "not due", rep.NotDue)
	fmt.Printf("%-12s %d\n", "dust", rep.Dust)
	fmt.Printf("%-12s %d\n", "duplicate", rep.Duplicate)
	fmt.Printf("%-12s %d\n", "commissions", rep.Commissions)
	fmt.Printf("%-12s %s\n", "primary", formatMicros(rep.PaidMicros[ledger.Primary]))
	fmt.Printf("%-12s %s\n", "secondary", formatMicros(rep.PaidMicros[ledger.Secondary]))
	if rep.Failed > 0 {
		printError(fmt.Sprintf("%d payout(s) failed", rep.Failed))
	}
	if rep.Deferred > 0 {
		printWarn(fmt.Sprintf("%d position(s) deferred to the next tick", rep.Deferred))
	}
	printInfo("took " + rep.Duration.Round(time.Millisecond).String())
}

func renderGateResult(res intake.Result) {
	switch res.Outcome {
	case intake.OutcomeApplied:
		printSuccess(fmt.Sprintf("Applied as entry %d (%s).", res.EntryID, res.DedupKey))
		if res.Balance != nil {
			renderBalance(*res.Balance)
		}
	case intake.OutcomeAlreadyProcessed:
		printWarn("Already processed: " + res.DedupKey)
	default:
		printError("Rejected: " + res.Reason)
	}
}

func renderLevels(userID int64, stats []referral.LevelStat) {
	accent.Printf("\n== REFERRAL LEVELS USER %d ==\n", userID)
	if len(stats) == 0 {
		printInfo("No referrals yet.")
		return
	}
	fmt.Printf("%-6s %-6s %10s %20s %20s\n", "LEVEL", "RATE", "REFERRALS", "PRIMARY", "SECONDARY")
	for _, st := range stats {
		fmt.Printf("%-6d %-6s %10d %20s %20s\n",
			st.Level,
			referral.Rate(st.Level).Mul(hundred).String()+"%",
			st.Referrals,
			formatMicros(st.IncomePrimary),
			formatMicros(st.IncomeSecondary),
		)
	}
	fmt.Println()
}

func renderChain(userID int64, chain []referral.Ancestor) {
	accent.Printf("\n== INVITER CHAIN USER %d ==\n", userID)
	if len(chain) == 0 {
		printInfo("No inviter.")
		return
	}
	for _, a := range chain {
		fmt.Printf("L%-3d user %d\n", a.Level, a.UserID)
	}
	fmt.Println()
}

func renderPackages(pkgs []positions.Package) {
	accent.Println("\n== BOOST PACKAGES ==")
	fmt.Printf("%-4s %-10s %14s %8s %8s\n", "ID", "NAME", "MIN", "DAILY", "DAYS")
	for _, p := range pkgs {
		fmt.Printf("%-4d %-10s %14s %7s%% %8d\n",
			p.ID,
			p.Name,
			formatMicros(p.MinMicros),
			p.DailyRate.Mul(hundred).String(),
			int(p.Duration/(24*time.Hour)),
		)
	}
	fmt.Println()
}

func colorizeMicros(v int64) string {
	text := signedMicros(v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

// formatMicros renders micros with thousands separators and all six
// fractional digits.
func formatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / ledger.MicrosPerUnit
	frac := v % ledger.MicrosPerUnit
	return fmt.Sprintf("%s%s.%06d", sign, comma(whole), frac)
}

func signedMicros(v int64) string {
	if v > 0 {
		return "+" + formatMicros(v)
	}
	return formatMicros(v)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

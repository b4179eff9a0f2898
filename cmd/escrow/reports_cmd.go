package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/config"
	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// runReportsCmd implements `escrow reports`.
func runReportsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reports", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		limit      int
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if limit <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --limit must be positive")
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	list, err := a.reports.List(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTATUS\tAUTHORIZED\tSETTLED\tREFUNDED\tPENDING\tFINISHED")
	for _, s := range list {
		status := string(s.Status)
		if s.AbortReason != "" {
			status += " (" + string(s.AbortReason) + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.RunID, status,
			s.TotalAuthorized, s.TotalSettled, s.Refunded, s.RefundPending, s.FinishedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

// runVerifyCmd implements `escrow verify`.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var runID, hash string
	cmd.StringVar(&runID, "run", "", "Run ID of a stored report")
	cmd.StringVar(&hash, "hash", "", "Archive hash (sha256:...) of a report")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (runID == "") == (hash == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --run or --hash is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close(ctx)

	var rep *report.Report
	if hash != "" {
		// Archive.Get checks the content hash and the receipts.
		rep, err = a.archive.Get(ctx, hash)
	} else {
		rep, err = a.reports.Get(ctx, runID)
		if err == nil {
			err = rep.Verify()
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sOK%s run %s: %d settlements, %s settled, %s refunded\n",
		ColorGreen, ColorReset, rep.RunID, len(rep.Settlements), rep.TotalSettled, rep.Refunded)
	return 0
}

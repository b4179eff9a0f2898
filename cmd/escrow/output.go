package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/escrow/pkg/report"
)

type reportOutput struct {
	ArchiveHash string         `json:"archive_hash,omitempty"`
	Report      *report.Report `json:"report"`
}

func printReport(w io.Writer, rep *report.Report, archiveHash string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reportOutput{ArchiveHash: archiveHash, Report: rep})
	}

	color := ColorGreen
	if rep.Status == report.StatusAborted {
		color = ColorYellow
	}
	fmt.Fprintf(w, "\n%sRun %s%s  %s%s%s", ColorBold, rep.RunID, ColorReset, color, rep.Status, ColorReset)
	if rep.AbortReason != "" {
		fmt.Fprintf(w, " (%s)", rep.AbortReason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  lock        %s\n", rep.LockID)
	fmt.Fprintf(w, "  authorized  %s\n", rep.TotalAuthorized)
	fmt.Fprintf(w, "  settled     %s\n", rep.TotalSettled)
	fmt.Fprintf(w, "  refunded    %s\n", rep.Refunded)
	if rep.RefundPending.IsPositive() {
		fmt.Fprintf(w, "  %spending     %s%s\n", ColorRed, rep.RefundPending, ColorReset)
	}
	fmt.Fprintln(w)

	paid := make(map[string]string, len(rep.Settlements))
	for _, s := range rep.Settlements {
		paid[s.TaskID] = s.Amount.String() + " -> " + s.Recipient
	}
	for _, tr := range rep.TaskResults {
		if tr.Outcome == report.OutcomeSucceeded {
			fmt.Fprintf(w, "  %s✓%s %-16s %s\n", ColorGreen, ColorReset, tr.TaskID, paid[tr.TaskID])
		} else {
			fmt.Fprintf(w, "  %s✗%s %-16s %s\n", ColorRed, ColorReset, tr.TaskID, tr.Reason)
		}
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  %s! %s%s: %s\n", ColorYellow, warn.Code, ColorReset, warn.Message)
	}
	if archiveHash != "" {
		fmt.Fprintf(w, "\n  archived    %s\n", archiveHash)
	}
	fmt.Fprintln(w)
	return nil
}

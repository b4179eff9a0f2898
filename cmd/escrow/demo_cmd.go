package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/escrow/pkg/config"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/orchestrator"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/task"
)

// demoTasks is the research, analysis, summary pipeline the scenarios share.
func demoTasks() []task.Spec {
	usd := func(s string) finance.Money { return finance.MustParseMoney(s, "USD") }
	return []task.Spec{
		{ID: "research", DisplayName: "Research agent", Price: usd("0.50"), Recipient: "agent-research"},
		{ID: "analysis", DisplayName: "Analysis agent", Price: usd("2.00"), Recipient: "agent-analysis"},
		{ID: "summary", DisplayName: "Summary agent", Price: usd("0.30"), Recipient: "agent-summary"},
	}
}

// runDemoCmd implements `escrow demo`: the four reference scenarios against
// the fake backend, with nothing persisted.
//
//	a = every task succeeds
//	b = analysis fails, summary never runs, the rest is refunded
//	c = the backend refuses the lock
//	d = the backend locks less than asked, so analysis no longer fits
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scenario   string
		input      string
		jsonOutput bool
	)
	cmd.StringVar(&scenario, "scenario", "a", "Scenario to run: a, b, c or d")
	cmd.StringVar(&input, "input", "quarterly revenue by region", "Input handed to every task")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	setupLogging(config.Load(), stderr)

	backend := payment.NewFakeBackend()
	failing := ""
	switch strings.ToLower(scenario) {
	case "a":
	case "b":
		failing = "analysis"
	case "c":
		backend.FailNext(payment.OpLock, &payment.BackendError{Op: "lock", StatusCode: 403, Message: "payer account frozen", Kind: payment.ErrRejected})
	case "d":
		backend.WithLockCap(finance.MustParseMoney("2.00", "USD"))
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown scenario %q (want a, b, c or d)\n", scenario)
		return 2
	}

	exec := task.Func(func(_ context.Context, spec task.Spec, input string) (*task.Output, error) {
		if spec.ID == failing {
			return nil, task.Fail(spec.ID, "agent returned no result", errors.New("upstream timeout"))
		}
		return &task.Output{Content: fmt.Sprintf("%s: %s", spec.DisplayName, input)}, nil
	})

	rep, err := orchestrator.New(backend, exec, orchestrator.Options{}).Run(context.Background(), demoTasks(), input)
	if rep == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if perr := printReport(stdout, rep, "", jsonOutput); perr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", perr)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(rep, err)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/escrow/pkg/config"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/idempotency"
	"github.com/Mindburn-Labs/escrow/pkg/orchestrator"
	"github.com/Mindburn-Labs/escrow/pkg/plan"
	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// runRunCmd implements `escrow run`.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath   string
		input      string
		idemKey    string
		spendCap   string
		modulesDir string
		jsonOutput bool
	)

	cmd.StringVar(&planPath, "plan", "", "Path to the task plan, YAML or JSON (REQUIRED)")
	cmd.StringVar(&input, "input", "", "Input handed to every task (overrides the plan)")
	cmd.StringVar(&idemKey, "idempotency-key", "", "Submission key; a repeat returns the earlier report")
	cmd.StringVar(&spendCap, "spend-cap", "", "Spend cap for the plan's budget_id, in the plan currency")
	cmd.StringVar(&modulesDir, "modules", "", "Directory of <name>.wasm modules for wasm tasks")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --plan is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)

	p, err := plan.Load(planPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	policyName := p.Policy
	if policyName == "" {
		policyName = cfg.FailurePolicy
	}
	policy, ok := orchestrator.ParsePolicy(policyName)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown failure policy %q\n", policyName)
		return 2
	}
	if input == "" {
		input = p.Input
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	backend, err := newBackend(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	exec, closeExec, err := newExecutor(ctx, cfg, modulesDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = closeExec(context.Background()) }()

	opts := orchestrator.Options{
		Policy:    policy,
		Payer:     p.Payer,
		Meter:     a.meter,
		Telemetry: a.telemetry,
	}
	if p.BudgetID != "" {
		if spendCap != "" {
			limit, err := finance.ParseMoney(spendCap, p.Currency)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: --spend-cap: %v\n", err)
				return 2
			}
			if err := a.setCap(ctx, p.BudgetID, limit); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: set spend cap: %v\n", err)
				return 1
			}
		}
		if spendCap != "" || !cfg.LiteMode() {
			opts.SpendCap = a.caps
			opts.BudgetID = p.BudgetID
		} else {
			log.Printf("[escrow] lite mode: budget %s has no cap (pass --spend-cap)", p.BudgetID)
		}
	}

	// A submission key doubles as the run ID, so a retry after a crash reuses
	// the same backend idempotency keys.
	runID := uuid.NewString()
	if idemKey != "" {
		runID = idemKey
		claimed, err := a.guard.Claim(ctx, idemKey, runID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if !claimed {
			return replayEarlier(ctx, a.guard, idemKey, jsonOutput, stdout, stderr)
		}
	}

	rep, runErr := orchestrator.New(backend, exec, opts).RunWithID(ctx, runID, p.Specs(), input)
	if rep == nil {
		if idemKey != "" {
			// No report means no task settled; the lock was refused or returned.
			_ = a.guard.Release(context.WithoutCancel(ctx), idemKey)
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}

	// Persist even when the run was cancelled.
	saveCtx := context.WithoutCancel(ctx)
	if err := a.reports.Save(saveCtx, rep); err != nil {
		log.Printf("[escrow] report not stored: %v", err)
	}
	hash, err := a.archive.Put(saveCtx, rep)
	if err != nil {
		log.Printf("[escrow] report not archived: %v", err)
	}
	if idemKey != "" {
		if err := a.guard.Complete(saveCtx, idemKey, rep); err != nil {
			log.Printf("[escrow] idempotency key %s not completed: %v", idemKey, err)
		}
	}

	if err := printReport(stdout, rep, hash, jsonOutput); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if runErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
	}
	return exitCode(rep, runErr)
}

func replayEarlier(ctx context.Context, guard idempotency.Guard, key string, jsonOutput bool, stdout, stderr io.Writer) int {
	e, err := guard.Lookup(ctx, key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if e.State != idempotency.StateCompleted || e.Report == nil {
		_, _ = fmt.Fprintf(stderr, "Error: run %s for key %s is still in progress\n", e.RunID, key)
		return 1
	}
	log.Printf("[escrow] key %s already ran as %s; returning the earlier report", key, e.RunID)
	if err := printReport(stdout, e.Report, "", jsonOutput); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode(e.Report, nil)
}

func exitCode(rep *report.Report, runErr error) int {
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return 1
	case rep.Status == report.StatusAborted:
		return 3
	default:
		return 0
	}
}

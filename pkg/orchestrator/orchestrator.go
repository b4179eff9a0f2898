// Package orchestrator drives an ordered list of priced tasks against a single
// fund lock: authorize, execute and settle each task, then refund the rest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/metering"
	"github.com/Mindburn-Labs/escrow/pkg/observability"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/report"
	"github.com/Mindburn-Labs/escrow/pkg/task"
	"github.com/google/uuid"
)

var (
	// ErrInvalidPlan is returned before any backend call for an unusable task list.
	ErrInvalidPlan = errors.New("orchestrator: invalid plan")
	// ErrAuthorizationFailed is returned when funds could not be locked. No task ran.
	ErrAuthorizationFailed = errors.New("orchestrator: authorization failed")
	// ErrLedgerInvariantViolation is returned when a settlement would break the
	// lock's bookkeeping. The run is aborted and the remainder refunded.
	ErrLedgerInvariantViolation = errors.New("orchestrator: ledger invariant violation")
)

// DefaultReconcileTimeout bounds the refund after a cancelled run.
const DefaultReconcileTimeout = 30 * time.Second

// Options configures an Orchestrator. The zero value aborts on first failure
// and records nothing beyond logs.
type Options struct {
	Policy FailurePolicy

	// SpendCap, when set with BudgetID, is checked before locking and
	// charged with the settled total at reconciliation.
	SpendCap finance.Tracker
	BudgetID string

	// Payer is the metering account. Metering is skipped when empty.
	Payer string
	Meter metering.Meter

	Telemetry *observability.Provider
	Logger    *slog.Logger

	// OnTransition is called synchronously on every state change.
	OnTransition func(Transition)

	ReconcileTimeout time.Duration

	Clock    func() time.Time
	NewRunID func() string
}

// Orchestrator holds only configuration and thread-safe collaborators, so one
// value can serve many concurrent runs.
type Orchestrator struct {
	backend  payment.Backend
	executor task.Executor
	opts     Options
}

// New wraps backend with payment.RetryOnce and fills option defaults.
func New(backend payment.Backend, executor task.Executor, opts Options) *Orchestrator {
	if opts.Policy == "" {
		opts.Policy = AbortOnFirstFailure
	}
	if opts.Telemetry == nil {
		opts.Telemetry = observability.Disabled()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "orchestrator")
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = DefaultReconcileTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Orchestrator{
		backend:  payment.RetryOnce(backend),
		executor: executor,
		opts:     opts,
	}
}

// Run executes specs in order under a fresh run ID. See RunWithID.
func (o *Orchestrator) Run(ctx context.Context, specs []task.Spec, input string) (*report.Report, error) {
	return o.RunWithID(ctx, o.opts.NewRunID(), specs, input)
}

// RunWithID executes specs in order. Backend calls are keyed by runID, so
// repeating a run ID after a crash does not move money twice.
//
// Results:
//   - completed, or aborted by a task or settlement failure: (report, nil)
//   - lock refused: (nil, ErrAuthorizationFailed)
//   - lock the ledger cannot use: (nil, ErrAuthorizationFailed), lock refunded in full
//   - ledger invariant broken: (report, ErrLedgerInvariantViolation)
//   - ctx cancelled after the lock: (report, ctx.Err()), remainder refunded
//   - unusable specs: (nil, ErrInvalidPlan), no backend call made
func (o *Orchestrator) RunWithID(ctx context.Context, runID string, specs []task.Spec, input string) (*report.Report, error) {
	total, err := task.Total(specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total price is zero", ErrInvalidPlan)
	}

	return o.newRun(runID, specs, input).execute(ctx, total)
}

func (o *Orchestrator) newRun(runID string, specs []task.Spec, input string) *run {
	return &run{
		o:       o,
		id:      runID,
		specs:   specs,
		input:   input,
		state:   StateIdle,
		started: o.opts.Clock().UTC(),
		logger:  o.opts.Logger.With("run_id", runID),
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/escrow"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/metering"
	"github.com/Mindburn-Labs/escrow/pkg/observability"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/report"
	"github.com/Mindburn-Labs/escrow/pkg/task"
)

// run is the state of one Run call. It is owned by a single goroutine.
type run struct {
	o       *Orchestrator
	id      string
	specs   []task.Spec
	input   string
	state   State
	lock    *payment.Lock
	ledger  *escrow.Ledger
	results []report.TaskResult
	abort   report.AbortReason
	err     error
	started time.Time
	logger  *slog.Logger
}

func (r *run) execute(ctx context.Context, total finance.Money) (rep *report.Report, err error) {
	tel := r.o.opts.Telemetry
	ctx, finish := tel.TrackOperation(ctx, "escrow.run", observability.RunOperation(r.id)...)
	defer func() { finish(err) }()

	r.transition(StateAuthorizing, -1)
	if err := r.authorize(ctx, total); err != nil {
		r.transition(StateAborted, -1)
		tel.RecordAbort(ctx, "authorization_failed")
		r.logger.WarnContext(ctx, "run not authorized", "total", total.String(), "error", err)
		return nil, err
	}

	for i, spec := range r.specs {
		if cerr := ctx.Err(); cerr != nil {
			r.stop(report.AbortCancelled, fmt.Errorf("orchestrator: run %s cancelled: %w", r.id, cerr))
			break
		}
		if !r.step(ctx, i, spec) {
			break
		}
	}
	return r.reconcile(ctx)
}

// authorize checks the spend cap, locks total, and opens the ledger on what was actually locked.
func (r *run) authorize(ctx context.Context, total finance.Money) (err error) {
	opts := r.o.opts
	ctx, finish := opts.Telemetry.TrackOperation(ctx, "escrow.lock", observability.LockOperation(r.id, "", total.AmountMinor, total.Currency)...)
	defer func() { finish(err) }()

	if opts.SpendCap != nil && opts.BudgetID != "" {
		ok, err := opts.SpendCap.Check(ctx, opts.BudgetID, total)
		if err != nil {
			return fmt.Errorf("%w: spend cap %s: %w", ErrAuthorizationFailed, opts.BudgetID, err)
		}
		if !ok {
			return fmt.Errorf("%w: spend cap %s: %w", ErrAuthorizationFailed, opts.BudgetID, finance.ErrBudgetExceeded)
		}
	}

	lock, err := r.o.backend.Lock(payment.WithIdempotencyKey(ctx, r.id+":lock"), total)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}
	ledger, err := escrow.Open(lock.LockID, lock.Amount)
	if err != nil {
		err = fmt.Errorf("%w: lock %s unusable: %w", ErrAuthorizationFailed, lock.LockID, err)
		if rerr := r.returnLock(ctx, lock); rerr != nil {
			return fmt.Errorf("%w; refund failed, %s still locked: %v", err, lock.Amount, rerr)
		}
		return err
	}
	ledger.WithClock(opts.Clock)

	normalized := *lock
	normalized.Amount = ledger.Total()
	lock = &normalized
	r.lock = lock
	r.ledger = ledger
	r.logger = r.logger.With("lock_id", lock.LockID)
	r.logger.InfoContext(ctx, "funds locked", "requested", total.String(), "locked", lock.Amount.String())
	if c, cerr := lock.Amount.Cmp(total); cerr == nil && c < 0 {
		r.logger.WarnContext(ctx, "lock smaller than requested", "requested", total.String(), "locked", lock.Amount.String())
	}
	r.meter(ctx, metering.EventLock, lock.Amount.AmountMinor, lock.Amount.Currency)
	return nil
}

// returnLock refunds a lock the ledger cannot account for, in full and as the
// backend reported it.
func (r *run) returnLock(ctx context.Context, lock *payment.Lock) error {
	opts := r.o.opts
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ReconcileTimeout)
	defer cancel()

	_, err := r.o.backend.Refund(payment.WithIdempotencyKey(rctx, r.id+":refund"), lock, lock.Amount)
	opts.Telemetry.RecordRefund(rctx, err == nil)
	if err != nil {
		r.logger.ErrorContext(rctx, "refund of unusable lock failed", "lock_id", lock.LockID, "amount", lock.Amount.String(), "error", err)
		return err
	}
	r.logger.WarnContext(rctx, "unusable lock refunded", "lock_id", lock.LockID, "amount", lock.Amount.String())
	return nil
}

// step executes and settles task i. It returns false when the run must stop.
func (r *run) step(ctx context.Context, i int, spec task.Spec) bool {
	r.transition(StateExecuting, i)
	out, err := r.executeTask(ctx, spec)
	if err != nil {
		reason := task.AsExecutionError(spec.ID, err).Error()
		r.results = append(r.results, report.Failed(spec.ID, reason))
		r.meter(ctx, metering.EventTaskFailure, 1, "")

		if cerr := ctx.Err(); cerr != nil {
			r.stop(report.AbortCancelled, fmt.Errorf("orchestrator: run %s cancelled: %w", r.id, cerr))
			return false
		}
		r.logger.WarnContext(ctx, "task failed", "task_id", spec.ID, "error", err, "policy", string(r.o.opts.Policy))
		if r.o.opts.Policy == ContinueOnFailure {
			return true
		}
		r.stop(report.AbortTaskFailed, nil)
		return false
	}

	r.transition(StateSettling, i)
	return r.settle(ctx, spec, out)
}

func (r *run) executeTask(ctx context.Context, spec task.Spec) (out *task.Output, err error) {
	ctx, finish := r.o.opts.Telemetry.TrackOperation(ctx, "escrow.execute",
		observability.TaskOperation(r.id, spec.ID, spec.Price.AmountMinor, spec.Price.Currency)...)
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "executor panicked", "task_id", spec.ID, "panic", p)
			out, err = nil, task.Fail(spec.ID, "executor panicked", fmt.Errorf("%v", p))
		}
		finish(err)
	}()

	out, err = r.o.executor.Execute(ctx, spec, r.input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &task.Output{}
	}
	return out, nil
}

// settle verifies the ledger can take the price, releases funds, then records
// the receipt. Money only moves after the invariant check passes.
func (r *run) settle(ctx context.Context, spec task.Spec, out *task.Output) (ok bool) {
	tel := r.o.opts.Telemetry
	attrs := observability.TaskOperation(r.id, spec.ID, spec.Price.AmountMinor, spec.Price.Currency)
	ctx, finish := tel.TrackOperation(ctx, "escrow.settle", attrs...)
	var opErr error
	defer func() { finish(opErr) }()

	if err := r.ledger.Fits(spec.Price); err != nil {
		opErr = err
		r.results = append(r.results, report.Failed(spec.ID, "ledger invariant violation: "+err.Error()))
		r.stop(report.AbortLedgerInvariantViolation,
			fmt.Errorf("%w: task %s: %w", ErrLedgerInvariantViolation, spec.ID, err))
		return false
	}

	var reference string
	if spec.Price.IsPositive() {
		rel, err := r.o.backend.Release(payment.WithIdempotencyKey(ctx, r.id+":"+spec.ID), r.lock, spec.Recipient, spec.Price)
		if err != nil {
			opErr = err
			r.results = append(r.results, report.Failed(spec.ID, "settlement failed: "+err.Error()))
			if cerr := ctx.Err(); cerr != nil {
				r.stop(report.AbortCancelled, fmt.Errorf("orchestrator: run %s cancelled: %w", r.id, cerr))
			} else {
				r.stop(report.AbortSettlementFailed, nil)
			}
			r.logger.ErrorContext(ctx, "release failed", "task_id", spec.ID, "amount", spec.Price.String(), "error", err)
			return false
		}
		reference = rel.Reference
	}

	receipt, err := r.ledger.Settle(spec.ID, spec.Price, spec.Recipient, reference)
	if err != nil {
		// Fits passed and this run is the only writer.
		opErr = err
		r.results = append(r.results, report.Failed(spec.ID, "ledger invariant violation: "+err.Error()))
		r.stop(report.AbortLedgerInvariantViolation,
			fmt.Errorf("%w: task %s released but not recorded: %w", ErrLedgerInvariantViolation, spec.ID, err))
		return false
	}

	r.results = append(r.results, report.Succeeded(spec.ID, out))
	tel.RecordSettlement(ctx, attrs...)
	r.meter(ctx, metering.EventSettlement, spec.Price.AmountMinor, spec.Price.Currency)
	r.logger.InfoContext(ctx, "task settled",
		"task_id", spec.ID,
		"amount", spec.Price.String(),
		"recipient", spec.Recipient,
		"receipt_id", receipt.ReceiptID,
		"remaining", r.ledger.Remaining().String(),
	)
	return true
}

// reconcile closes the ledger, refunds the remainder and builds the report.
// It runs detached from ctx so a cancelled run still returns its funds.
func (r *run) reconcile(ctx context.Context) (*report.Report, error) {
	r.transition(StateReconciling, -1)
	opts := r.o.opts

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ReconcileTimeout)
	defer cancel()

	rec, err := r.refund(rctx)
	if err != nil {
		return nil, err
	}

	settled := r.ledger.Settled()
	if opts.SpendCap != nil && opts.BudgetID != "" && settled.IsPositive() {
		if err := opts.SpendCap.Consume(rctx, opts.BudgetID, settled); err != nil {
			r.logger.ErrorContext(rctx, "spend cap not charged", "budget_id", opts.BudgetID, "amount", settled.String(), "error", err)
			rec.Warnings = append(rec.Warnings, report.Warning{
				Code:    "spend_cap_not_charged",
				Message: fmt.Sprintf("budget %s: %v", opts.BudgetID, err),
			})
		}
	}

	rep, err := report.Aggregate(r.specs, r.results, r.ledger.Receipts(), r.lock, rec)
	if err != nil {
		r.logger.ErrorContext(rctx, "report does not add up, returning ledger totals", "error", err)
		aerr := fmt.Errorf("%w: %w", ErrLedgerInvariantViolation, err)
		if r.err != nil {
			aerr = errors.Join(r.err, aerr)
		}
		r.abort, r.err = report.AbortLedgerInvariantViolation, aerr
		rep = r.ledgerReport(rec)
	}
	if verr := r.ledger.Verify(); verr != nil && r.err == nil {
		r.stop(report.AbortLedgerInvariantViolation, fmt.Errorf("%w: %w", ErrLedgerInvariantViolation, verr))
	}

	rep.RunID = r.id
	rep.StartedAt = r.started
	rep.FinishedAt = opts.Clock().UTC()
	if r.abort != "" {
		rep.Abort(r.abort)
		opts.Telemetry.RecordAbort(rctx, string(r.abort))
		observability.AddSpanEvent(ctx, "escrow.aborted", observability.AttrAbortReason.String(string(r.abort)))
		r.transition(StateAborted, -1)
	} else {
		r.transition(StateClosed, -1)
	}

	succeeded, failed := rep.Counts()
	r.logger.InfoContext(rctx, "run finished",
		"status", string(rep.Status),
		"abort_reason", string(rep.AbortReason),
		"succeeded", succeeded,
		"failed", failed,
		"settled", rep.TotalSettled.String(),
		"refunded", rep.Refunded.String(),
		"refund_pending", rep.RefundPending.String(),
	)
	return rep, r.err
}

// ledgerReport records what the ledger and the backend saw when the task
// results cannot be reconciled with the receipts.
func (r *run) ledgerReport(rec report.Reconciliation) *report.Report {
	rep := &report.Report{
		LockID:          r.lock.LockID,
		Status:          report.StatusAborted,
		AbortReason:     report.AbortLedgerInvariantViolation,
		TaskResults:     append([]report.TaskResult{}, r.results...),
		Settlements:     r.ledger.Receipts(),
		TotalAuthorized: r.ledger.Total(),
		TotalSettled:    r.ledger.Settled(),
		Refunded:        rec.Refunded,
		RefundPending:   rec.RefundPending,
		RefundReference: rec.RefundReference,
	}
	if len(rec.Warnings) > 0 {
		rep.Warnings = append([]report.Warning{}, rec.Warnings...)
	}
	return rep
}

func (r *run) refund(ctx context.Context) (rec report.Reconciliation, err error) {
	currency := r.lock.Amount.Currency
	rec = report.Reconciliation{Refunded: finance.Zero(currency), RefundPending: finance.Zero(currency)}

	remainder, err := r.ledger.Close()
	if err != nil {
		return rec, fmt.Errorf("%w: close: %w", ErrLedgerInvariantViolation, err)
	}
	if !remainder.IsPositive() {
		return rec, nil
	}

	tel := r.o.opts.Telemetry
	ctx, finish := tel.TrackOperation(ctx, "escrow.refund",
		observability.LockOperation(r.id, r.lock.LockID, remainder.AmountMinor, remainder.Currency)...)
	ack, rerr := r.o.backend.Refund(payment.WithIdempotencyKey(ctx, r.id+":refund"), r.lock, remainder)
	finish(rerr)
	tel.RecordRefund(ctx, rerr == nil)

	if rerr != nil {
		r.logger.ErrorContext(ctx, "refund failed, funds still locked", "amount", remainder.String(), "error", rerr)
		rec.RefundPending = remainder
		rec.Warnings = append(rec.Warnings, report.Warning{
			Code:    report.WarningRefundFailed,
			Message: fmt.Sprintf("refund of %s from lock %s failed: %v", remainder, r.lock.LockID, rerr),
		})
		return rec, nil
	}
	rec.Refunded = remainder
	rec.RefundReference = ack.Reference
	r.meter(ctx, metering.EventRefund, remainder.AmountMinor, remainder.Currency)
	return rec, nil
}

// stop records the first abort reason and error; later ones are ignored.
func (r *run) stop(reason report.AbortReason, err error) {
	if r.abort == "" {
		r.abort = reason
	}
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *run) transition(to State, taskIndex int) {
	from := r.state
	r.state = to
	t := Transition{RunID: r.id, From: from, To: to, TaskIndex: taskIndex, At: r.o.opts.Clock().UTC()}
	if taskIndex >= 0 {
		t.TaskID = r.specs[taskIndex].ID
	}
	r.logger.Debug("state transition", "from", string(from), "to", string(to), "task_index", taskIndex)
	if r.o.opts.OnTransition != nil {
		r.o.opts.OnTransition(t)
	}
}

// meter records usage best-effort; a metering outage never fails a run.
func (r *run) meter(ctx context.Context, eventType metering.EventType, quantity int64, currency string) {
	opts := r.o.opts
	if opts.Meter == nil || opts.Payer == "" {
		return
	}
	err := opts.Meter.Record(ctx, metering.Event{
		Account:   opts.Payer,
		EventType: eventType,
		Quantity:  quantity,
		Currency:  currency,
		RunID:     r.id,
		Timestamp: opts.Clock().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.WarnContext(ctx, "metering failed", "event_type", string(eventType), "error", err)
	}
}

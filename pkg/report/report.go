// Package report aggregates the outcome of one orchestration run.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/escrow"
	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/Mindburn-Labs/escrow/pkg/payment"
	"github.com/Mindburn-Labs/escrow/pkg/task"
	"github.com/gowebpki/jcs"
)

var (
	// ErrMismatchedTaskCount means results or settlements do not line up with the task list.
	ErrMismatchedTaskCount = errors.New("report: results do not match tasks")
	// ErrUnbalanced means authorized != settled + refunded + refund pending.
	ErrUnbalanced = errors.New("report: totals do not balance")
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// AbortReason says why a run stopped early. Empty for completed runs.
type AbortReason string

const (
	AbortTaskFailed               AbortReason = "task_failed"
	AbortSettlementFailed         AbortReason = "settlement_failed"
	AbortLedgerInvariantViolation AbortReason = "ledger_invariant_violation"
	AbortCancelled                AbortReason = "cancelled"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// TaskResult is the outcome of one executed task. Unexecuted tasks have none.
type TaskResult struct {
	TaskID  string       `json:"task_id"`
	Outcome Outcome      `json:"outcome"`
	Output  *task.Output `json:"output,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

func Succeeded(taskID string, out *task.Output) TaskResult {
	return TaskResult{TaskID: taskID, Outcome: OutcomeSucceeded, Output: out}
}

func Failed(taskID, reason string) TaskResult {
	return TaskResult{TaskID: taskID, Outcome: OutcomeFailed, Reason: reason}
}

// Warning is a non-fatal problem the caller must see, e.g. a refund that did not go through.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const WarningRefundFailed = "refund_failed"

// Reconciliation is what happened to the unspent balance.
type Reconciliation struct {
	Refunded        finance.Money
	RefundPending   finance.Money
	RefundReference string
	Warnings        []Warning
}

type Report struct {
	RunID           string                     `json:"run_id"`
	LockID          string                     `json:"lock_id"`
	Status          Status                     `json:"status"`
	AbortReason     AbortReason                `json:"abort_reason,omitempty"`
	TaskResults     []TaskResult               `json:"task_results"`
	Settlements     []escrow.SettlementReceipt `json:"settlements"`
	TotalAuthorized finance.Money              `json:"total_authorized"`
	TotalSettled    finance.Money              `json:"total_settled"`
	Refunded        finance.Money              `json:"refunded"`
	RefundPending   finance.Money              `json:"refund_pending"`
	RefundReference string                     `json:"refund_reference,omitempty"`
	Warnings        []Warning                  `json:"warnings,omitempty"`
	StartedAt       time.Time                  `json:"started_at"`
	FinishedAt      time.Time                  `json:"finished_at"`
}

// Aggregate builds a report from the run's pieces. It is pure: the same inputs
// always give the same report.
func Aggregate(specs []task.Spec, results []TaskResult, settlements []escrow.SettlementReceipt, lock *payment.Lock, rec Reconciliation) (*Report, error) {
	if lock == nil {
		return nil, errors.New("report: nil lock")
	}
	if len(results) > len(specs) {
		return nil, fmt.Errorf("%w: %d results for %d tasks", ErrMismatchedTaskCount, len(results), len(specs))
	}
	var succeeded []string
	for i, r := range results {
		if r.TaskID != specs[i].ID {
			return nil, fmt.Errorf("%w: result %d is for %s, expected %s", ErrMismatchedTaskCount, i, r.TaskID, specs[i].ID)
		}
		if r.Outcome == OutcomeSucceeded {
			succeeded = append(succeeded, r.TaskID)
		}
	}
	if len(settlements) != len(succeeded) {
		return nil, fmt.Errorf("%w: %d settlements for %d succeeded tasks", ErrMismatchedTaskCount, len(settlements), len(succeeded))
	}

	currency := lock.Amount.Currency
	settled := finance.Zero(currency)
	for i, s := range settlements {
		if s.TaskID != succeeded[i] {
			return nil, fmt.Errorf("%w: settlement %d is for %s, expected %s", ErrMismatchedTaskCount, i, s.TaskID, succeeded[i])
		}
		var err error
		if settled, err = settled.Add(s.Amount); err != nil {
			return nil, fmt.Errorf("report: settlement %s: %w", s.TaskID, err)
		}
	}

	refunded := orZero(rec.Refunded, currency)
	pending := orZero(rec.RefundPending, currency)
	accounted, err := finance.Sum(currency, settled, refunded, pending)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	if accounted != lock.Amount {
		return nil, fmt.Errorf("%w: authorized %s, settled %s + refunded %s + pending %s",
			ErrUnbalanced, lock.Amount, settled, refunded, pending)
	}

	rep := &Report{
		LockID:          lock.LockID,
		Status:          StatusCompleted,
		TaskResults:     append([]TaskResult{}, results...),
		Settlements:     append([]escrow.SettlementReceipt{}, settlements...),
		TotalAuthorized: lock.Amount,
		TotalSettled:    settled,
		Refunded:        refunded,
		RefundPending:   pending,
		RefundReference: rec.RefundReference,
	}
	if len(rec.Warnings) > 0 {
		rep.Warnings = append([]Warning{}, rec.Warnings...)
	}
	return rep, nil
}

func orZero(m finance.Money, currency string) finance.Money {
	if m.Currency == "" {
		return finance.Zero(currency)
	}
	return m
}

// Abort marks the report as aborted for reason.
func (r *Report) Abort(reason AbortReason) {
	r.Status = StatusAborted
	r.AbortReason = reason
}

// Counts returns the number of succeeded and failed task results.
func (r *Report) Counts() (succeeded, failed int) {
	for _, tr := range r.TaskResults {
		if tr.Outcome == OutcomeSucceeded {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Canonical returns the RFC 8785 canonical JSON form used for archiving and hashing.
func (r *Report) Canonical() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Verify recomputes the settlement receipt chain and checks that the totals
// add up: settled is the sum of receipts and authorized is fully accounted for.
func (r *Report) Verify() error {
	if err := escrow.VerifyReceipts(r.Settlements); err != nil {
		return err
	}
	currency := r.TotalAuthorized.Currency
	settled := finance.Zero(currency)
	for _, s := range r.Settlements {
		var err error
		if settled, err = settled.Add(s.Amount); err != nil {
			return fmt.Errorf("%w: settlement %s: %v", ErrUnbalanced, s.TaskID, err)
		}
	}
	if settled != r.TotalSettled {
		return fmt.Errorf("%w: receipts sum to %s, report says %s", ErrUnbalanced, settled, r.TotalSettled)
	}
	accounted, err := finance.Sum(currency, r.TotalSettled, r.Refunded, r.RefundPending)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnbalanced, err)
	}
	if accounted != r.TotalAuthorized {
		return fmt.Errorf("%w: authorized %s, accounted %s", ErrUnbalanced, r.TotalAuthorized, accounted)
	}
	return nil
}

// Package escrow provides per-lock settlement bookkeeping.
//
// A Ledger tracks one lock's total, the amount settled so far, and the ordered
// settlement receipts. Invariants, checked on every write:
//   - settled == sum(receipts.Amount)
//   - settled <= total
//   - receipts are append-only and hash-chained to their predecessor
//
// A Ledger has exactly one writer (the orchestration run that opened it) and is
// not safe for concurrent use.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
	"github.com/google/uuid"
)

var (
	// ErrInvalidAmount is returned for a non-positive lock total or a negative settlement.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrOverCommit is returned when a settlement would exceed the locked total.
	ErrOverCommit = errors.New("escrow: settlement exceeds lock")
	// ErrLedgerClosed is returned for any write after Close, including a second Close.
	ErrLedgerClosed = errors.New("escrow: ledger closed")
	// ErrChainBroken is returned by Verify when the receipt chain does not recompute.
	ErrChainBroken = errors.New("escrow: receipt chain broken")
)

const genesisHash = "genesis"

// Ledger is the in-memory account of one lock.
type Ledger struct {
	lockID   string
	total    finance.Money
	settled  finance.Money
	receipts []SettlementReceipt
	headHash string
	closed   bool
	clock    func() time.Time
	newID    func() string
}

// Open creates a ledger for a lock of the given total.
func Open(lockID string, total finance.Money) (*Ledger, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: lock total %s must be positive", ErrInvalidAmount, total)
	}
	if want := finance.ScaleFor(total.Currency); total.Scale != want {
		return nil, fmt.Errorf("%w: lock total has scale %d, %s uses %d", ErrInvalidAmount, total.Scale, total.Currency, want)
	}
	total = finance.NewMoney(total.AmountMinor, total.Currency)
	return &Ledger{
		lockID:   lockID,
		total:    total,
		settled:  finance.Money{Currency: total.Currency, Scale: total.Scale},
		receipts: make([]SettlementReceipt, 0),
		headHash: genesisHash,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}, nil
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithIDs overrides receipt ID generation for testing.
func (l *Ledger) WithIDs(newID func() string) *Ledger {
	l.newID = newID
	return l
}

// LockID returns the lock this ledger accounts for.
func (l *Ledger) LockID() string { return l.lockID }

// Total returns the locked amount.
func (l *Ledger) Total() finance.Money { return l.total }

// Settled returns the amount settled so far.
func (l *Ledger) Settled() finance.Money { return l.settled }

// Closed reports whether Close has been called.
func (l *Ledger) Closed() bool { return l.closed }

// Head returns the content hash of the latest receipt, or "genesis".
func (l *Ledger) Head() string { return l.headHash }

// Remaining returns total - settled. It is never negative while the invariant holds.
func (l *Ledger) Remaining() finance.Money {
	left, err := l.total.Sub(l.settled)
	if err != nil {
		// Same currency by construction.
		panic(fmt.Sprintf("escrow: ledger %s currency drift: %v", l.lockID, err))
	}
	return left
}

// Receipts returns a copy of the settlement receipts in settlement order.
func (l *Ledger) Receipts() []SettlementReceipt {
	out := make([]SettlementReceipt, len(l.receipts))
	copy(out, l.receipts)
	return out
}

// Fits reports whether amount can be settled without breaking the invariant.
// It performs the same checks as Settle without recording anything.
func (l *Ledger) Fits(amount finance.Money) error {
	_, err := l.next(amount)
	return err
}

func (l *Ledger) next(amount finance.Money) (finance.Money, error) {
	if l.closed {
		return finance.Money{}, ErrLedgerClosed
	}
	if amount.IsNegative() {
		return finance.Money{}, fmt.Errorf("%w: settlement %s is negative", ErrInvalidAmount, amount)
	}
	next, err := l.settled.Add(amount)
	if err != nil {
		return finance.Money{}, err
	}
	c, err := next.Cmp(l.total)
	if err != nil {
		return finance.Money{}, err
	}
	if c > 0 {
		return finance.Money{}, fmt.Errorf("%w: settled %s + %s > locked %s", ErrOverCommit, l.settled.Decimal(), amount.Decimal(), l.total)
	}
	return next, nil
}

// Settle records a settlement for a completed task. Either the receipt is
// appended and the settled amount updated, or neither happens.
func (l *Ledger) Settle(taskID string, amount finance.Money, recipient, externalRef string) (SettlementReceipt, error) {
	next, err := l.next(amount)
	if err != nil {
		return SettlementReceipt{}, err
	}

	r := SettlementReceipt{
		ReceiptID:         l.newID(),
		LockID:            l.lockID,
		Sequence:          uint64(len(l.receipts)) + 1,
		TaskID:            taskID,
		Amount:            amount,
		Recipient:         recipient,
		ExternalReference: externalRef,
		SettledAt:         l.clock().UTC(),
		PrevHash:          l.headHash,
	}
	hash, err := r.computeHash()
	if err != nil {
		return SettlementReceipt{}, fmt.Errorf("escrow: hash receipt: %w", err)
	}
	r.ContentHash = hash

	l.receipts = append(l.receipts, r)
	l.settled = next
	l.headHash = hash
	return r, nil
}

// Close finalizes the ledger and returns the remaining amount to refund.
// A second Close fails with ErrLedgerClosed so a refund can never be issued twice.
func (l *Ledger) Close() (finance.Money, error) {
	if l.closed {
		return finance.Money{}, ErrLedgerClosed
	}
	l.closed = true
	return l.Remaining(), nil
}

// Verify recomputes the receipt chain and the settled total.
func (l *Ledger) Verify() error {
	if err := VerifyReceipts(l.receipts); err != nil {
		return err
	}
	sum := finance.Zero(l.total.Currency)
	for _, r := range l.receipts {
		var err error
		if sum, err = sum.Add(r.Amount); err != nil {
			return err
		}
	}
	if sum != l.settled {
		return fmt.Errorf("%w: receipts sum %s, ledger settled %s", ErrChainBroken, sum, l.settled)
	}
	if c, _ := l.settled.Cmp(l.total); c > 0 {
		return fmt.Errorf("%w: settled %s > locked %s", ErrOverCommit, l.settled, l.total)
	}
	return nil
}

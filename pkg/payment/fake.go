package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
)

// Op names a backend operation.
type Op string

const (
	OpLock    Op = "lock"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// Call is one recorded invocation of the fake backend.
type Call struct {
	Op             Op
	LockID         string
	Recipient      string
	Amount         finance.Money
	IdempotencyKey string
	Err            error
}

type fakeLock struct {
	lock     Lock
	released finance.Money
	refunded finance.Money
}

// FakeBackend is a deterministic in-memory payment backend. It keeps a payer
// balance, enforces lock limits, replays results for repeated idempotency keys,
// and lets tests inject failures per operation.
type FakeBackend struct {
	mu       sync.Mutex
	balance  *finance.Money
	lockCap  *finance.Money
	locks    map[string]*fakeLock
	failures map[Op][]error
	replays  map[string]any
	calls    []Call
	seq      map[Op]int
	clock    func() time.Time
}

// NewFakeBackend returns a backend with an unlimited payer balance.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		locks:    make(map[string]*fakeLock),
		failures: make(map[Op][]error),
		replays:  make(map[string]any),
		seq:      make(map[Op]int),
		clock:    time.Now,
	}
}

// WithBalance limits the payer balance. Locks beyond it fail with ErrInsufficientFunds.
func (f *FakeBackend) WithBalance(balance finance.Money) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = &balance
	return f
}

// WithLockCap makes Lock grant at most limit, even when more was requested.
func (f *FakeBackend) WithLockCap(limit finance.Money) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCap = &limit
	return f
}

// WithClock overrides clock for testing.
func (f *FakeBackend) WithClock(clock func() time.Time) *FakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = clock
	return f
}

// FailNext queues err for the next call of op. Queued errors are consumed in order.
func (f *FakeBackend) FailNext(op Op, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns every recorded call in order.
func (f *FakeBackend) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls of one operation.
func (f *FakeBackend) CallsFor(op Op) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Balance returns the payer balance, or false when it is unlimited.
func (f *FakeBackend) Balance() (finance.Money, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return finance.Money{}, false
	}
	return *f.balance, true
}

// Released returns the total released from a lock.
func (f *FakeBackend) Released(lockID string) finance.Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[lockID]; ok {
		return l.released
	}
	return finance.Money{}
}

// Refunded returns the total refunded from a lock.
func (f *FakeBackend) Refunded(lockID string) finance.Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[lockID]; ok {
		return l.refunded
	}
	return finance.Money{}
}

func (f *FakeBackend) Lock(ctx context.Context, amount finance.Money) (*Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Op: OpLock, Amount: amount, IdempotencyKey: IdempotencyKey(ctx)}
	if prev, ok := f.replay(call); ok {
		l := prev.(Lock)
		return &l, nil
	}
	if err := f.injected(&call); err != nil {
		return nil, err
	}

	if !amount.IsPositive() {
		return nil, f.fail(&call, ErrRejected, "lock amount %s must be positive", amount)
	}
	granted := amount
	if f.lockCap != nil {
		if c, err := f.lockCap.Cmp(amount); err == nil && c < 0 {
			granted = *f.lockCap
		}
	}
	if f.balance != nil {
		left, err := f.balance.Sub(granted)
		if err != nil {
			return nil, f.fail(&call, ErrRejected, "%v", err)
		}
		if left.IsNegative() {
			return nil, f.fail(&call, ErrInsufficientFunds, "balance %s, requested %s", *f.balance, granted)
		}
		f.balance = &left
	}

	f.seq[OpLock]++
	l := Lock{
		LockID:            fmt.Sprintf("lock-%d", f.seq[OpLock]),
		Amount:            granted,
		CreatedAt:         f.clock().UTC(),
		ExternalReference: fmt.Sprintf("fake-auth-%d", f.seq[OpLock]),
	}
	f.locks[l.LockID] = &fakeLock{
		lock:     l,
		released: finance.Zero(granted.Currency),
		refunded: finance.Zero(granted.Currency),
	}
	call.LockID = l.LockID
	f.record(call, l)
	return &l, nil
}

func (f *FakeBackend) Release(ctx context.Context, lock *Lock, recipient string, amount finance.Money) (*ReleaseReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Op: OpRelease, LockID: lock.LockID, Recipient: recipient, Amount: amount, IdempotencyKey: IdempotencyKey(ctx)}
	if prev, ok := f.replay(call); ok {
		r := prev.(ReleaseReceipt)
		return &r, nil
	}
	if err := f.injected(&call); err != nil {
		return nil, err
	}

	fl, ok := f.locks[lock.LockID]
	if !ok {
		return nil, f.fail(&call, ErrRejected, "unknown lock %s", lock.LockID)
	}
	if recipient == "" {
		return nil, f.fail(&call, ErrRejected, "empty recipient")
	}
	next, err := f.draw(fl, fl.released, amount)
	if err != nil {
		return nil, f.fail(&call, ErrRejected, "%v", err)
	}
	fl.released = next

	f.seq[OpRelease]++
	r := ReleaseReceipt{
		Reference: fmt.Sprintf("rel-%d", f.seq[OpRelease]),
		Recipient: recipient,
		Amount:    amount,
	}
	f.record(call, r)
	return &r, nil
}

func (f *FakeBackend) Refund(ctx context.Context, lock *Lock, amount finance.Money) (*RefundAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Op: OpRefund, LockID: lock.LockID, Amount: amount, IdempotencyKey: IdempotencyKey(ctx)}
	if prev, ok := f.replay(call); ok {
		a := prev.(RefundAck)
		return &a, nil
	}
	if err := f.injected(&call); err != nil {
		return nil, err
	}

	fl, ok := f.locks[lock.LockID]
	if !ok {
		return nil, f.fail(&call, ErrRejected, "unknown lock %s", lock.LockID)
	}
	next, err := f.draw(fl, fl.refunded, amount)
	if err != nil {
		return nil, f.fail(&call, ErrRejected, "%v", err)
	}
	fl.refunded = next
	if f.balance != nil {
		back, err := f.balance.Add(amount)
		if err != nil {
			return nil, f.fail(&call, ErrRejected, "%v", err)
		}
		f.balance = &back
	}

	f.seq[OpRefund]++
	a := RefundAck{Reference: fmt.Sprintf("ref-%d", f.seq[OpRefund]), Amount: amount}
	f.record(call, a)
	return &a, nil
}

// draw adds amount to one of the lock's outflows, refusing to move more than was locked.
func (f *FakeBackend) draw(fl *fakeLock, current, amount finance.Money) (finance.Money, error) {
	if !amount.IsPositive() {
		return finance.Money{}, fmt.Errorf("amount %s must be positive", amount)
	}
	next, err := current.Add(amount)
	if err != nil {
		return finance.Money{}, err
	}
	out, err := fl.released.Add(fl.refunded)
	if err != nil {
		return finance.Money{}, err
	}
	if out, err = out.Add(amount); err != nil {
		return finance.Money{}, err
	}
	c, err := out.Cmp(fl.lock.Amount)
	if err != nil {
		return finance.Money{}, err
	}
	if c > 0 {
		return finance.Money{}, fmt.Errorf("lock %s would move %s of %s", fl.lock.LockID, out, fl.lock.Amount)
	}
	return next, nil
}

func (f *FakeBackend) replay(call Call) (any, bool) {
	if call.IdempotencyKey == "" {
		return nil, false
	}
	prev, ok := f.replays[string(call.Op)+"|"+call.IdempotencyKey]
	if ok {
		f.calls = append(f.calls, call)
	}
	return prev, ok
}

func (f *FakeBackend) injected(call *Call) error {
	queue := f.failures[call.Op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[call.Op] = queue[1:]
	call.Err = err
	f.calls = append(f.calls, *call)
	return err
}

func (f *FakeBackend) fail(call *Call, kind error, format string, args ...any) error {
	err := &BackendError{Op: string(call.Op), Kind: kind, Message: fmt.Sprintf(format, args...)}
	call.Err = err
	f.calls = append(f.calls, *call)
	return err
}

func (f *FakeBackend) record(call Call, result any) {
	f.calls = append(f.calls, call)
	if call.IdempotencyKey != "" {
		f.replays[string(call.Op)+"|"+call.IdempotencyKey] = result
	}
}

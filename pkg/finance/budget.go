package finance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBudgetNotFound is returned when a spend cap is not configured.
	ErrBudgetNotFound = errors.New("finance: budget not found")
	// ErrBudgetExceeded is returned when consuming would exceed the spend cap.
	ErrBudgetExceeded = errors.New("finance: budget exceeded")
)

// Budget is a spend cap for one payer account.
type Budget struct {
	ID        string    `json:"id"`
	Limit     Money     `json:"limit"`
	Consumed  Money     `json:"consumed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns how much of the cap is left, floored at zero.
func (b *Budget) Remaining() Money {
	left, err := b.Limit.Sub(b.Consumed)
	if err != nil || left.IsNegative() {
		return Zero(b.Limit.Currency)
	}
	return left
}

// Tracker enforces spend caps.
type Tracker interface {
	Check(ctx context.Context, budgetID string, amount Money) (bool, error)
	Consume(ctx context.Context, budgetID string, amount Money) error
}

// InMemoryTracker is a simple thread-safe budget tracker.
type InMemoryTracker struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	clock   func() time.Time
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		budgets: make(map[string]*Budget),
		clock:   time.Now,
	}
}

// SetBudget installs or replaces a cap. A zero Consumed is normalized to the limit currency.
func (t *InMemoryTracker) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.Consumed.Currency == "" {
		b.Consumed = Zero(b.Limit.Currency)
	}
	t.budgets[b.ID] = &b
}

// Budget returns a copy of the named cap.
func (t *InMemoryTracker) Budget(budgetID string) (Budget, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.budgets[budgetID]
	if !ok {
		return Budget{}, ErrBudgetNotFound
	}
	return *b, nil
}

func (t *InMemoryTracker) Check(ctx context.Context, budgetID string, amount Money) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.budgets[budgetID]
	if !ok {
		return false, ErrBudgetNotFound
	}
	return fits(b.Limit, b.Consumed, amount)
}

func (t *InMemoryTracker) Consume(ctx context.Context, budgetID string, amount Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check inside lock for atomicity
	b, ok := t.budgets[budgetID]
	if !ok {
		return ErrBudgetNotFound
	}
	ok, err := fits(b.Limit, b.Consumed, amount)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s consumed of %s, requested %s", ErrBudgetExceeded, b.Consumed, b.Limit, amount)
	}

	consumed, err := b.Consumed.Add(amount)
	if err != nil {
		return err
	}
	b.Consumed = consumed
	b.UpdatedAt = t.clock()
	return nil
}

func fits(limit, consumed, amount Money) (bool, error) {
	next, err := consumed.Add(amount)
	if err != nil {
		return false, err
	}
	c, err := next.Cmp(limit)
	if err != nil {
		return false, err
	}
	return c <= 0, nil
}

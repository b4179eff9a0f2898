// Package metering records payment usage per payer account: funds locked,
// settled, refunded, and tasks that failed.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyAccount is returned when a metering event has no payer account.
	ErrEmptyAccount = errors.New("metering: account must not be empty")
	// ErrNegativeQuantity is returned when a metering event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	// ErrInvalidEventType is returned when the event type is empty.
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventLock        EventType = "lock"
	EventSettlement  EventType = "settlement"
	EventRefund      EventType = "refund"
	EventTaskFailure EventType = "task_failure"
)

// Event is a single metered occurrence. Quantity is minor units for money
// events and a count for task failures.
type Event struct {
	Account   string            `json:"account"`
	EventType EventType         `json:"event_type"`
	Quantity  int64             `json:"quantity"`
	Currency  string            `json:"currency,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.Account == "" {
		return ErrEmptyAccount
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

// Period defines a time range for usage aggregation. Start is inclusive, End exclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// DailyPeriod returns the UTC day containing now.
func DailyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns the UTC month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

func (p Period) contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Usage contains aggregated usage for an account.
type Usage struct {
	Account    string
	Period     Period
	Totals     map[EventType]int64
	LastUpdate time.Time
}

// Meter is the interface for recording and querying usage.
type Meter interface {
	// Record stores a usage event.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores multiple events atomically.
	RecordBatch(ctx context.Context, events []Event) error

	// GetUsage retrieves aggregated usage for an account in a period.
	GetUsage(ctx context.Context, account string, period Period) (*Usage, error)

	// GetUsageByType retrieves usage for a specific event type.
	GetUsageByType(ctx context.Context, account string, eventType EventType, period Period) (int64, error)
}

// MemoryMeter keeps events in process.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{clock: time.Now}
}

// WithClock overrides clock for testing.
func (m *MemoryMeter) WithClock(clock func() time.Time) *MemoryMeter {
	m.clock = clock
	return m
}

func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	return m.RecordBatch(ctx, []Event{event})
}

func (m *MemoryMeter) RecordBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		m.events = append(m.events, e)
	}
	return nil
}

func (m *MemoryMeter) GetUsage(_ context.Context, account string, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage := &Usage{
		Account:    account,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: m.clock().UTC(),
	}
	for _, e := range m.events {
		if e.Account == account && period.contains(e.Timestamp) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}
	return usage, nil
}

func (m *MemoryMeter) GetUsageByType(ctx context.Context, account string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, account, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}

// Events returns a copy of every recorded event.
func (m *MemoryMeter) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

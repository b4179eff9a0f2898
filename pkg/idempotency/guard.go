// Package idempotency keeps a retried run submission from locking funds twice.
//
// A caller Claims a key before starting a run, Completes it with the final
// report, and Releases it when the run never reached the payment backend.
// A second Claim on a held key fails; Lookup tells the caller whether the
// earlier run is still in flight or already has a report.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/report"
)

var (
	// ErrNotFound is returned by Lookup for a key that was never claimed or has expired.
	ErrNotFound = errors.New("idempotency: key not found")
	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("idempotency: empty key")
)

// DefaultTTL is how long a claim or result is remembered.
const DefaultTTL = 24 * time.Hour

type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Entry is what a guard remembers about one key.
type Entry struct {
	Key       string         `json:"key"`
	RunID     string         `json:"run_id"`
	State     State          `json:"state"`
	Report    *report.Report `json:"report,omitempty"`
	ClaimedAt time.Time      `json:"claimed_at"`
}

// Guard deduplicates run submissions.
type Guard interface {
	// Claim reserves key for runID. It returns false when the key is already held.
	Claim(ctx context.Context, key, runID string) (bool, error)
	// Complete stores the final report for a claimed key.
	Complete(ctx context.Context, key string, rep *report.Report) error
	Lookup(ctx context.Context, key string) (Entry, error)
	// Release forgets key so the submission can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   func() time.Time
}

type memoryEntry struct {
	raw     []byte
	expires time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{entries: make(map[string]memoryEntry), ttl: ttl, clock: time.Now}
}

// WithClock overrides clock for testing.
func (g *MemoryGuard) WithClock(clock func() time.Time) *MemoryGuard {
	g.clock = clock
	return g
}

func (g *MemoryGuard) Claim(_ context.Context, key, runID string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	if e, ok := g.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	raw, err := json.Marshal(Entry{Key: key, RunID: runID, State: StatePending, ClaimedAt: now.UTC()})
	if err != nil {
		return false, err
	}
	g.entries[key] = memoryEntry{raw: raw, expires: now.Add(g.ttl)}
	return true, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key string, rep *report.Report) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	e, ok := g.entries[key]
	if !ok || !now.Before(e.expires) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	raw, err := complete(e.raw, rep)
	if err != nil {
		return err
	}
	g.entries[key] = memoryEntry{raw: raw, expires: now.Add(g.ttl)}
	return nil
}

func (g *MemoryGuard) Lookup(_ context.Context, key string) (Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok || !g.clock().Before(e.expires) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var out Entry
	err := json.Unmarshal(e.raw, &out)
	return out, err
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}

// complete turns a stored pending entry into a completed one.
func complete(raw []byte, rep *report.Report) ([]byte, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	e.State = StateCompleted
	e.Report = rep
	if rep != nil && rep.RunID != "" {
		e.RunID = rep.RunID
	}
	return json.Marshal(e)
}

package idempotency

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// exerciseGuard runs the shared Guard contract against g.
func exerciseGuard(t *testing.T, g Guard, key string) {
	t.Helper()
	ctx := context.Background()

	_, err := g.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := g.Claim(ctx, key, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, key, "run-2")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	e, err := g.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatePending, e.State)
	assert.Equal(t, "run-1", e.RunID)
	assert.Nil(t, e.Report)

	rep := &report.Report{RunID: "run-1", LockID: "lock-1", Status: report.StatusCompleted}
	require.NoError(t, g.Complete(ctx, key, rep))

	e, err = g.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, e.State)
	require.NotNil(t, e.Report)
	assert.Equal(t, "lock-1", e.Report.LockID)

	require.NoError(t, g.Release(ctx, key))
	ok, err = g.Claim(ctx, key, "run-3")
	require.NoError(t, err)
	assert.True(t, ok, "released key can be claimed again")
	require.NoError(t, g.Release(ctx, key))

	assert.ErrorIs(t, g.Complete(ctx, key, rep), ErrNotFound)
	_, err = g.Claim(ctx, "", "run-4")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryGuard(t *testing.T) {
	exerciseGuard(t, NewMemoryGuard(time.Hour), "submit-1")
}

func TestMemoryGuardExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := g.Claim(ctx, "k", "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, err = g.Lookup(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = g.Claim(ctx, "k", "run-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRedisGuard_Integration requires a running Redis at REDIS_ADDR.
func TestRedisGuard_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test: REDIS_ADDR not set")
	}
	g := NewRedisGuard(addr, "", 0, time.Minute)
	defer func() { _ = g.Close() }()
	if err := g.Ping(context.Background()); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	exerciseGuard(t, g, fmt.Sprintf("test-%d", time.Now().UnixNano()))
}

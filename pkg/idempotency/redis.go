package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/escrow/pkg/report"
)

// RedisGuard shares claims between processes. Claim is a SET NX with the TTL,
// so exactly one submitter wins a key.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

// NewRedisGuard connects to addr. Keys are stored under "escrow:idem:".
func NewRedisGuard(addr, password string, db int, ttl time.Duration) *RedisGuard {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisGuardWithClient(rdb, ttl)
}

func NewRedisGuardWithClient(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, prefix: "escrow:idem:", ttl: ttl, clock: time.Now}
}

// Ping checks connectivity.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func (g *RedisGuard) Claim(ctx context.Context, key, runID string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	raw, err := json.Marshal(Entry{Key: key, RunID: runID, State: StatePending, ClaimedAt: g.clock().UTC()})
	if err != nil {
		return false, err
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, raw, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: redis claim %s: %w", key, err)
	}
	return ok, nil
}

// Complete overwrites the claim with the result. SET XX keeps an expired or
// released key from being resurrected.
func (g *RedisGuard) Complete(ctx context.Context, key string, rep *report.Report) error {
	raw, err := g.client.Get(ctx, g.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("idempotency: redis get %s: %w", key, err)
	}
	next, err := complete(raw, rep)
	if err != nil {
		return err
	}
	ok, err := g.client.SetXX(ctx, g.prefix+key, next, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency: redis complete %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func (g *RedisGuard) Lookup(ctx context.Context, key string) (Entry, error) {
	raw, err := g.client.Get(ctx, g.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency: redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("idempotency: decode entry %s: %w", key, err)
	}
	return e, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release %s: %w", key, err)
	}
	return nil
}

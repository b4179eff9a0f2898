package payment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
)

// RetryOnce wraps a backend so that each call is retried exactly once when it
// fails with ErrNetworkFailure. The retry reuses the caller's context, and so the
// same idempotency key.
func RetryOnce(b Backend) Backend {
	if r, ok := b.(*retryOnce); ok {
		return r
	}
	return &retryOnce{next: b, logger: slog.Default().With("component", "payment")}
}

type retryOnce struct {
	next   Backend
	logger *slog.Logger
}

func (r *retryOnce) Lock(ctx context.Context, amount finance.Money) (*Lock, error) {
	l, err := r.next.Lock(ctx, amount)
	if r.shouldRetry(ctx, "lock", err) {
		l, err = r.next.Lock(ctx, amount)
	}
	return l, err
}

func (r *retryOnce) Release(ctx context.Context, lock *Lock, recipient string, amount finance.Money) (*ReleaseReceipt, error) {
	rec, err := r.next.Release(ctx, lock, recipient, amount)
	if r.shouldRetry(ctx, "release", err) {
		rec, err = r.next.Release(ctx, lock, recipient, amount)
	}
	return rec, err
}

func (r *retryOnce) Refund(ctx context.Context, lock *Lock, amount finance.Money) (*RefundAck, error) {
	ack, err := r.next.Refund(ctx, lock, amount)
	if r.shouldRetry(ctx, "refund", err) {
		ack, err = r.next.Refund(ctx, lock, amount)
	}
	return ack, err
}

func (r *retryOnce) shouldRetry(ctx context.Context, op string, err error) bool {
	if err == nil || !errors.Is(err, ErrNetworkFailure) || ctx.Err() != nil {
		return false
	}
	r.logger.WarnContext(ctx, "retrying payment call",
		"op", op,
		"idempotency_key", IdempotencyKey(ctx),
		"error", err,
	)
	return true
}

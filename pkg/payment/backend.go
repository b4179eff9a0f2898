// Package payment defines the payment backend boundary: lock funds, release
// them to a recipient, and refund what is left.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/escrow/pkg/finance"
)

var (
	// ErrInsufficientFunds is returned by Lock when the payer cannot cover the amount.
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	// ErrNetworkFailure marks a transient failure; the call is safe to retry with the same idempotency key.
	ErrNetworkFailure = errors.New("payment: network failure")
	// ErrRejected is a permanent refusal by the backend.
	ErrRejected = errors.New("payment: rejected")
)

// Lock is an authorization hold on the payer's funds. One per run.
type Lock struct {
	LockID            string        `json:"lock_id"`
	Amount            finance.Money `json:"amount"`
	CreatedAt         time.Time     `json:"created_at"`
	ExternalReference string        `json:"external_reference,omitempty"`
}

// ReleaseReceipt acknowledges a transfer from a lock to a recipient.
type ReleaseReceipt struct {
	Reference string        `json:"reference"`
	Recipient string        `json:"recipient"`
	Amount    finance.Money `json:"amount"`
}

// RefundAck acknowledges the return of unspent locked funds to the payer.
type RefundAck struct {
	Reference string        `json:"reference"`
	Amount    finance.Money `json:"amount"`
}

// Backend is the payment system the orchestrator drives.
// Implementations must be safe for concurrent use across runs.
type Backend interface {
	Lock(ctx context.Context, amount finance.Money) (*Lock, error)
	Release(ctx context.Context, lock *Lock, recipient string, amount finance.Money) (*ReleaseReceipt, error)
	Refund(ctx context.Context, lock *Lock, amount finance.Money) (*RefundAck, error)
}

// BackendError carries the backend's own status and message.
// It unwraps to one of the package sentinels.
type BackendError struct {
	Op         string
	StatusCode int
	Message    string
	Kind       error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment %s: %v (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment %s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Kind }

type idempotencyKey struct{}

// WithIdempotencyKey attaches the key a backend call is deduplicated under.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

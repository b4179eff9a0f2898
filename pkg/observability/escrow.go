package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Escrow semantic convention attributes.
var (
	AttrRunID       = attribute.Key("escrow.run.id")
	AttrTaskID      = attribute.Key("escrow.task.id")
	AttrLockID      = attribute.Key("escrow.lock.id")
	AttrAmountMinor = attribute.Key("escrow.amount_minor")
	AttrCurrency    = attribute.Key("escrow.currency")
	AttrAbortReason = attribute.Key("escrow.abort_reason")
)

// RunOperation creates attributes for a whole run.
func RunOperation(runID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrRunID.String(runID)}
}

// TaskOperation creates attributes for executing or settling one task.
func TaskOperation(runID, taskID string, amountMinor int64, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrTaskID.String(taskID),
		AttrAmountMinor.Int64(amountMinor),
		AttrCurrency.String(currency),
	}
}

// LockOperation creates attributes for lock and refund calls.
func LockOperation(runID, lockID string, amountMinor int64, currency string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrLockID.String(lockID),
		AttrAmountMinor.Int64(amountMinor),
		AttrCurrency.String(currency),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "escrow", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// no-ops when disabled
	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("k", "v"))
	p.RecordError(ctx, errors.New("x"))
	p.RecordDuration(ctx, time.Millisecond)
	p.RecordSettlement(ctx)
	p.RecordRefund(ctx, false)
	p.RecordAbort(ctx, "cancelled")

	_, finish := p.TrackOperation(ctx, "escrow.run")
	finish(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func newInMemory(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, spans, reader
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTrackOperation_RecordsSpanAndMetrics(t *testing.T) {
	p, spans, reader := newInMemory(t)
	ctx := context.Background()

	_, finish := p.TrackOperation(ctx, "escrow.settle", TaskOperation("run-1", "t1", 50, "USD")...)
	finish(nil)
	_, finish = p.TrackOperation(ctx, "escrow.settle", TaskOperation("run-1", "t2", 200, "USD")...)
	finish(errors.New("release failed"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, "escrow.settle", ended[0].Name())
	require.Contains(t, ended[0].Attributes(), AttrTaskID.String("t1"))
	require.Len(t, ended[1].Events(), 1, "error recorded as span event")

	require.Equal(t, int64(2), counterTotal(t, reader, "escrow.operations.total"))
	require.Equal(t, int64(1), counterTotal(t, reader, "escrow.errors.total"))
}

func TestEscrowCounters(t *testing.T) {
	p, _, reader := newInMemory(t)
	ctx := context.Background()

	p.RecordSettlement(ctx, AttrRunID.String("r"))
	p.RecordSettlement(ctx, AttrRunID.String("r"))
	p.RecordRefund(ctx, true)
	p.RecordAbort(ctx, "task_failed")

	require.Equal(t, int64(2), counterTotal(t, reader, "escrow.settlements.total"))
	require.Equal(t, int64(1), counterTotal(t, reader, "escrow.refunds.total"))
	require.Equal(t, int64(1), counterTotal(t, reader, "escrow.aborts.total"))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := LockOperation("run-1", "lock-1", 280, "USD")
	require.Len(t, attrs, 4)
	require.Equal(t, "escrow.lock.id", string(attrs[1].Key))
	require.Equal(t, int64(280), attrs[2].Value.AsInt64())

	require.Equal(t, "escrow.run.id", string(RunOperation("r")[0].Key))
}

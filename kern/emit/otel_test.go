package emit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func newRecordingTracer(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	return exporter, func() { _ = tp.Shutdown(context.Background()) }
}

func TestOTelEmitterEmitCreatesSpanWithStandardAttributes(t *testing.T) {
	exporter, cleanup := newRecordingTracer(t)
	defer cleanup()

	emitter := NewOTelEmitter(otel.Tracer("kern-test"))
	emitter.Emit(Event{RunID: "run-1", Step: 3, NodeID: "CheckX", Msg: "rule_fired"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "rule_fired", spans[0].Name)

	attrs := spans[0].Attributes
	require.Contains(t, attrsToMap(attrs), "kern.run_id")
	require.Contains(t, attrsToMap(attrs), "kern.node_id")
}

func TestOTelEmitterRemapsCapabilityCostMetadata(t *testing.T) {
	exporter, cleanup := newRecordingTracer(t)
	defer cleanup()

	emitter := NewOTelEmitter(otel.Tracer("kern-test"))
	emitter.Emit(Event{
		RunID: "run-1",
		Msg:   "capability_invoked",
		Meta: map[string]interface{}{
			"tokens_in":  int64(10),
			"tokens_out": int64(20),
			"cost_usd":   0.002,
			"model":      "claude-sonnet-4-5",
		},
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	m := attrsToMap(spans[0].Attributes)
	require.Contains(t, m, "kern.capability.tokens_in")
	require.Contains(t, m, "kern.capability.cost_usd")
	require.Contains(t, m, "kern.capability.model")
}

func TestOTelEmitterSetsErrorStatus(t *testing.T) {
	exporter, cleanup := newRecordingTracer(t)
	defer cleanup()

	emitter := NewOTelEmitter(otel.Tracer("kern-test"))
	emitter.Emit(Event{RunID: "run-1", Msg: "vm_trapped", Meta: map[string]interface{}{"error": "sandbox violation"}})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.NotEmpty(t, spans[0].Status.Description)
}

func TestOTelEmitterFlushWithoutSDKProviderIsNoop(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())
	emitter := NewOTelEmitter(otel.Tracer("kern-test"))
	require.NoError(t, emitter.Flush(context.Background()))
}

func attrsToMap(attrs []attribute.KeyValue) map[string]struct{} {
	m := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = struct{}{}
	}
	return m
}

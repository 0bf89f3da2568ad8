package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestStartSpanCarriesTurnIdentity(t *testing.T) {
	sr := installSpanRecorder(t)

	ctx := WithTurnID(context.Background(), "turn-42")
	ctx = WithAgentID(ctx, "currency")

	ctx, span := StartSpan(ctx, "toolbridge.engine", "engine.run_turn",
		attribute.String("conversation_id", "conv-1"))
	span.End()

	require.NotEmpty(t, GetTraceID(ctx), "trace ID must be mirrored into the context")

	ended := sr.Ended()
	require.Len(t, ended, 1)

	attrs := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "turn-42", attrs["turn_id"])
	assert.Equal(t, "currency", attrs["agent_id"])
	assert.Equal(t, "conv-1", attrs["conversation_id"])
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	installSpanRecorder(t)

	ctx := WithTraceID(context.Background(), "trace-fixed")
	ctx, span := StartSpan(ctx, "toolbridge.engine", "engine.run_turn")
	span.End()

	assert.Equal(t, "trace-fixed", GetTraceID(ctx))
}

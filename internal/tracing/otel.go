package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Version stamps spans and the service resource so traces from different
// builds of the bridge can be told apart.
const Version = "0.1.0"

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
)

// InitOpenTelemetry installs a process-wide tracer provider describing this
// bridge process. Safe to call multiple times; only the first call takes
// effect.
func InitOpenTelemetry(serviceName string) error {
	providerOnce.Do(func() {
		res := resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			semconv.ProcessPID(os.Getpid()),
		)

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return nil
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span carrying whatever turn identity the context
// already holds (turn, conversation, agent profile), and mirrors the span's
// trace ID back into the context so log lines and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if turnID := GetTurnID(ctx); turnID != "" {
		attrs = append(attrs, attribute.String("turn_id", turnID))
	}
	if agentID := GetAgentID(ctx); agentID != "" {
		attrs = append(attrs, attribute.String("agent_id", agentID))
	}

	tracer := otel.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

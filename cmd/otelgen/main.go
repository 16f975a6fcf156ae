// Command otelgen emits synthetic GenAI traces over OTLP/HTTP against a
// running collector, the way the teacher's test/otel-collector/
// trace-generator.go drives scenario-based load against its own
// collector — adapted here to emit a root agent span with nested
// generation/tool/retrieval children carrying gen_ai.* semantic
// convention attributes instead of the teacher's generic test spans.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var models = []string{"gpt-4o", "claude-sonnet-4", "gemini-1.5-pro", "llama-3.1-70b"}

func main() {
	endpoint := envOr("OTLP_ENDPOINT", "localhost:4318")
	apiKey := os.Getenv("OTLP_API_KEY")
	traces := envIntOr("OTELGEN_TRACES", 20)
	spansPerTrace := envIntOr("OTELGEN_SPANS_PER_TRACE", 4)

	ctx := context.Background()
	log.Printf("otelgen: emitting %d traces (%d spans each) to %s", traces, spansPerTrace, endpoint)

	tp, err := newTracerProvider(ctx, endpoint, apiKey)
	if err != nil {
		log.Fatalf("otelgen: failed to build tracer provider: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("otelgen: tracer provider shutdown: %v", err)
		}
	}()
	otel.SetTracerProvider(tp)

	tracer := tp.Tracer("otelgen")
	if err := generate(ctx, tracer, traces, spansPerTrace); err != nil {
		log.Fatalf("otelgen: %v", err)
	}

	log.Println("otelgen: all traces generated, waiting for batch export")
	time.Sleep(5 * time.Second)
	log.Println("otelgen: done")
}

func newTracerProvider(ctx context.Context, endpoint, apiKey string) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	}
	if apiKey != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{"api-key": apiKey}))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("otelgen"),
			semconv.ServiceVersion("dev"),
			attribute.String("environment", "loadtest"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	), nil
}

// generate emits one root "agent.run" span per trace with a chain of
// generation/tool/retrieval children. Each trace's emission runs under
// backoff.Retry with an exponential policy capped at 30s elapsed, but
// emitTrace reports no error, so a trace is never retried.
func generate(ctx context.Context, tracer oteltrace.Tracer, traceCount, spansPerTrace int) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	for i := 0; i < traceCount; i++ {
		op := func() error {
			emitTrace(ctx, tracer, i, spansPerTrace)
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			return fmt.Errorf("emit trace %d: %w", i, err)
		}
		if (i+1)%10 == 0 {
			log.Printf("otelgen: progress %d/%d traces", i+1, traceCount)
		}
	}
	return nil
}

func emitTrace(ctx context.Context, tracer oteltrace.Tracer, traceIdx, spansPerTrace int) {
	sessionID := fmt.Sprintf("session-%04d", traceIdx/5)
	conversationID := fmt.Sprintf("conv-%04d", traceIdx)
	model := models[traceIdx%len(models)]

	rootCtx, root := tracer.Start(ctx, "agent.run")
	root.SetAttributes(
		attribute.String("gen_ai.conversation.id", conversationID),
		attribute.String("session.id", sessionID),
		attribute.String("gen_ai.user.id", fmt.Sprintf("user-%03d", traceIdx%50)),
	)

	for s := 0; s < spansPerTrace; s++ {
		emitChild(rootCtx, tracer, s, model)
	}

	root.SetStatus(codes.Ok, "")
	root.End()
}

func emitChild(ctx context.Context, tracer oteltrace.Tracer, idx int, model string) {
	switch idx % 3 {
	case 0:
		emitGeneration(ctx, tracer, model)
	case 1:
		emitTool(ctx, tracer)
	default:
		emitRetrieval(ctx, tracer)
	}
}

func emitGeneration(ctx context.Context, tracer oteltrace.Tracer, model string) {
	_, span := tracer.Start(ctx, "chat.completion")
	defer span.End()

	inputTokens := uint64(50 + rand.Intn(400))
	outputTokens := uint64(20 + rand.Intn(200))

	span.SetAttributes(
		attribute.String("gen_ai.system", "openai"),
		attribute.String("gen_ai.request.model", model),
		attribute.String("gen_ai.response.model", model),
		attribute.Float64("gen_ai.request.temperature", 0.7),
		attribute.Int64("gen_ai.request.max_tokens", 1024),
		attribute.Int64("gen_ai.usage.input_tokens", int64(inputTokens)),
		attribute.Int64("gen_ai.usage.output_tokens", int64(outputTokens)),
	)
	span.AddEvent("gen_ai.user.message", oteltrace.WithAttributes(
		attribute.String("content", "synthetic prompt for load testing"),
	))
	span.AddEvent("gen_ai.choice", oteltrace.WithAttributes(
		attribute.String("message", "synthetic completion for load testing"),
		attribute.Int("index", 0),
	))
	span.SetStatus(codes.Ok, "")
}

func emitTool(ctx context.Context, tracer oteltrace.Tracer) {
	_, span := tracer.Start(ctx, "tool.call")
	defer span.End()

	span.SetAttributes(
		attribute.String("gen_ai.tool.name", "web_search"),
		attribute.String("gen_ai.tool.call.id", fmt.Sprintf("call_%06d", rand.Intn(1_000_000))),
	)
	span.SetStatus(codes.Ok, "")
}

func emitRetrieval(ctx context.Context, tracer oteltrace.Tracer) {
	_, span := tracer.Start(ctx, "vector.retrieval")
	defer span.End()

	span.SetAttributes(
		attribute.String("gen_ai.system", "retrieval"),
		attribute.Int("retrieval.documents_returned", 3+rand.Intn(5)),
	)
	span.SetStatus(codes.Ok, "")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Package trace exports iteration and tool-call spans to an OTLP
// endpoint. The observer is a plain event consumer: it subscribes to the
// tagged event channel and never calls back into the engine or the trial
// orchestrator.
package trace

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"looplab/internal/event"
)

// Observer converts the tagged event stream into OpenTelemetry spans:
// one span per iteration, with a child span per tool call. Spans are
// correlated by trial identity, so interleaved concurrent trials each
// get their own span tree.
//
// A nil *Observer is valid and does nothing, which keeps call sites
// free of enabled-checks.
type Observer struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer

	mu    sync.Mutex
	iters map[string]openIteration  // by identity
	tools map[string]oteltrace.Span // by identity + tool ID
}

type openIteration struct {
	span oteltrace.Span
	ctx  context.Context
}

// New creates an observer if OTEL_EXPORTER_OTLP_ENDPOINT is set.
// Returns nil if the endpoint is not configured (disabled).
func New(ctx context.Context) (*Observer, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // For local dev; make configurable
	)
	if err != nil {
		return nil, err
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "looplab"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return newObserver(provider), nil
}

// newObserver wires an observer to an existing provider. Split out so
// tests can supply an in-memory exporter.
func newObserver(provider *sdktrace.TracerProvider) *Observer {
	return &Observer{
		provider: provider,
		tracer:   provider.Tracer("looplab/trace"),
		iters:    make(map[string]openIteration),
		tools:    make(map[string]oteltrace.Span),
	}
}

// Consume drains the event channel until it is closed, converting events
// to spans as they arrive. Run it on its own goroutine.
func (o *Observer) Consume(events <-chan event.Tagged) {
	if o == nil {
		for range events {
		}
		return
	}
	for tagged := range events {
		o.observe(tagged)
	}
	o.closeDangling()
}

func (o *Observer) observe(tagged event.Tagged) {
	id := tagged.Identity.String()
	ev := tagged.Event

	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Kind {
	case event.KindIterationStarted:
		// A new iteration for an identity whose previous span never
		// completed (spawn failure mid-stream) closes the old one first.
		if prev, ok := o.iters[id]; ok {
			prev.span.End()
		}
		ctx, span := o.tracer.Start(context.Background(), "iteration",
			oteltrace.WithTimestamp(ev.Timestamp),
			oteltrace.WithAttributes(
				attribute.String("looplab.mode", tagged.Identity.Mode),
				attribute.Int("looplab.trial", tagged.Identity.Trial),
				attribute.Int("looplab.iteration", ev.Iteration),
			),
		)
		o.iters[id] = openIteration{span: span, ctx: ctx}

	case event.KindToolUse:
		iter, ok := o.iters[id]
		if !ok {
			return
		}
		_, span := o.tracer.Start(iter.ctx, "tool:"+ev.ToolName,
			oteltrace.WithTimestamp(ev.Timestamp),
			oteltrace.WithAttributes(
				attribute.String("looplab.tool.name", ev.ToolName),
				attribute.String("looplab.tool.id", ev.ToolID),
			),
		)
		o.tools[id+"\x00"+ev.ToolID] = span

	case event.KindToolResult:
		key := id + "\x00" + ev.ToolID
		span, ok := o.tools[key]
		if !ok {
			return
		}
		delete(o.tools, key)
		if ev.ToolErr {
			span.SetStatus(codes.Error, "tool returned an error")
		}
		span.End(oteltrace.WithTimestamp(ev.Timestamp))

	case event.KindIterationCompleted:
		iter, ok := o.iters[id]
		if !ok {
			return
		}
		delete(o.iters, id)
		// Tool calls cut off by a timeout never get a result; close
		// their spans at the iteration boundary.
		prefix := id + "\x00"
		for key, span := range o.tools {
			if strings.HasPrefix(key, prefix) {
				span.End(oteltrace.WithTimestamp(ev.Timestamp))
				delete(o.tools, key)
			}
		}
		iter.span.SetAttributes(
			attribute.String("looplab.outcome", ev.Outcome),
			attribute.Int("looplab.tokens.input", ev.Usage.InputTokens),
			attribute.Int("looplab.tokens.output", ev.Usage.OutputTokens),
		)
		iter.span.End(oteltrace.WithTimestamp(ev.Timestamp))
	}
}

// closeDangling ends any spans still open when the stream closes.
func (o *Observer) closeDangling() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, span := range o.tools {
		span.End()
		delete(o.tools, key)
	}
	for id, iter := range o.iters {
		iter.span.End()
		delete(o.iters, id)
	}
}

// Shutdown flushes buffered spans and stops the provider.
func (o *Observer) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.closeDangling()
	return o.provider.Shutdown(ctx)
}

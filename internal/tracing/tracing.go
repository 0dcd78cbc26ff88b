// Package tracing sets up OpenTelemetry for the gateway and carries trace
// context across Kafka records.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const traceparentHeader = "traceparent"

const tracerName = "github.com/campusbite/ordersync"

type Config struct {
	ServiceName string
	Environment string
	ExporterURL string
	SampleRate  float64
}

// InitTracer installs a batching OTLP/HTTP tracer provider. With no exporter
// URL tracing stays disabled and the returned shutdown is a no-op.
func InitTracer(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if cfg.ExporterURL == "" {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.ExporterURL), otlptracehttp.WithInsecure())
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("init OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// WrapHTTPHandler wraps handler in the OpenTelemetry server middleware.
func WrapHTTPHandler(handler http.Handler) http.Handler {
	return otelhttp.NewHandler(handler, "http-server")
}

// Start opens a span on the package tracer.
func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// InjectKafka returns the traceparent header for ctx, if any.
func InjectKafka(ctx context.Context) []kgo.RecordHeader {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)

	traceparent, ok := carrier[traceparentHeader]
	if !ok {
		return nil
	}
	return []kgo.RecordHeader{{Key: traceparentHeader, Value: []byte(traceparent)}}
}

// ExtractKafka links the consumer span to the producer's span. Kafka hops
// are asynchronous, so the producer is a link and not a parent.
func ExtractKafka(ctx context.Context, headers []kgo.RecordHeader) []trace.Link {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		if h.Key == traceparentHeader {
			carrier[traceparentHeader] = string(h.Value)
			break
		}
	}
	if carrier[traceparentHeader] == "" {
		return nil
	}

	sc := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(ctx, carrier))
	if !sc.IsValid() {
		return nil
	}
	return []trace.Link{{
		SpanContext: sc,
		Attributes: []attribute.KeyValue{
			attribute.String("link.type", "async"),
			attribute.String("link.protocol", "kafka"),
		},
	}}
}
